package resync

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"

	"PPRealtime/service/event"
	"PPRealtime/service/protocol"
	"PPRealtime/service/session"
	"PPRealtime/tools/errs"
)

type recordingConn struct {
	id     string
	mu     sync.Mutex
	frames []protocol.Packet
	fail   bool
	limit  int // > 0: writes after the first limit frames fail
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(frame []byte) <-chan error {
	ch := make(chan error, 1)
	c.mu.Lock()
	full := c.limit > 0 && len(c.frames) >= c.limit
	c.mu.Unlock()
	if c.fail || full {
		ch <- errors.New("broken pipe")
		return ch
	}
	p, err := protocol.Decode(frame)
	if err != nil {
		ch <- err
		return ch
	}
	c.mu.Lock()
	c.frames = append(c.frames, p)
	c.mu.Unlock()
	ch <- nil
	return ch
}

func (c *recordingConn) Close() error { return nil }

// summary renders frames as "msg:<id>", "read:<id>" and "sync:<cursor>/<n>".
func (c *recordingConn) summary() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, p := range c.frames {
		switch v := p.(type) {
		case protocol.ReceiveMessage:
			out = append(out, fmt.Sprintf("msg:%d", v.MsgID))
		case protocol.ReadStatus:
			out = append(out, fmt.Sprintf("read:%d", v.LastReadMsgID))
		case protocol.SyncComplete:
			out = append(out, fmt.Sprintf("sync:%d/%d", v.Cursor, v.Replayed))
		default:
			out = append(out, string(p.Type()))
		}
	}
	return out
}

type fakeQueue struct {
	mu        sync.Mutex
	records   []event.Record
	cursors   map[string]int64
	onFetch   func(call int)
	fetches   int
	fetchErr  error
	cursorErr error
	readCap   int // > 0: FetchSince never returns more than this
}

func newFakeQueue(recs ...event.Record) *fakeQueue {
	return &fakeQueue{records: recs, cursors: map[string]int64{}}
}

func (q *fakeQueue) Cursor(_ context.Context, u, d string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cursorErr != nil {
		return 0, q.cursorErr
	}
	return q.cursors[u+"/"+d], nil
}

func (q *fakeQueue) FetchSince(_ context.Context, _, _ string, cursor int64, limit int) ([]event.Record, error) {
	q.mu.Lock()
	q.fetches++
	call := q.fetches
	hook := q.onFetch
	q.mu.Unlock()
	if hook != nil {
		hook(call)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fetchErr != nil {
		return nil, q.fetchErr
	}
	sort.Slice(q.records, func(i, j int) bool { return q.records[i].Seq < q.records[j].Seq })
	if q.readCap > 0 && limit > q.readCap {
		limit = q.readCap
	}
	var out []event.Record
	for _, r := range q.records {
		if r.Seq > cursor {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (q *fakeQueue) AdvanceCursor(_ context.Context, u, d string, cursor int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cursor > q.cursors[u+"/"+d] {
		q.cursors[u+"/"+d] = cursor
	}
	return nil
}

func chat(id int64, sender, senderDevice string) event.Record {
	return event.Record{Seq: id, Event: event.ChatMessage{
		SenderID: sender, SenderDeviceID: senderDevice, ConversationID: "c1",
		ParticipantIDs: []string{"A", "B"}, MsgID: id,
	}}
}

func liveFrame(t *testing.T, id int64) []byte {
	t.Helper()
	return protocol.MustEncode(protocol.ReceiveMessage{MsgID: id, ConversationID: "c1", SenderID: "A"})
}

func addSession(t *testing.T, conn *recordingConn, user, device string) (*session.Registry, *session.Session) {
	t.Helper()
	reg := session.NewRegistry(session.Options{})
	s, err := reg.Add(conn, user, device, "mobile")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	return reg, s
}

func TestReplayBeforeLive(t *testing.T) {
	q := newFakeQueue(chat(1, "A", "a1"), chat(2, "A", "a1"), chat(3, "A", "a1"))
	conn := &recordingConn{id: "c"}
	_, s := addSession(t, conn, "B", "b1")

	// live events published while the backlog is being read
	q.onFetch = func(call int) {
		if call == 1 {
			<-s.Deliver(liveFrame(t, 3), 3) // also in the backlog
			<-s.Deliver(liveFrame(t, 4), 4)
		}
	}

	res, err := NewCoordinator(q, Options{BatchSize: 2}).Sync(context.Background(), s, 0)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	<-s.Deliver(liveFrame(t, 5), 5)

	want := []string{"msg:1", "msg:2", "msg:3", "sync:3/3", "msg:4", "msg:5"}
	if got := conn.summary(); !reflect.DeepEqual(got, want) {
		t.Fatalf("frames %v, want %v", got, want)
	}
	if res.Replayed != 3 || res.Flushed != 1 || res.Cursor != 3 || res.From != 0 {
		t.Fatalf("result %+v", res)
	}
	if c, _ := q.Cursor(context.Background(), "B", "b1"); c != 3 {
		t.Fatalf("stored cursor = %d", c)
	}
}

func TestReplayUsesStoredCursor(t *testing.T) {
	q := newFakeQueue(chat(1, "A", "a1"), chat(2, "A", "a1"), chat(3, "A", "a1"))
	q.cursors["B/b1"] = 2
	conn := &recordingConn{id: "c"}
	_, s := addSession(t, conn, "B", "b1")

	if _, err := NewCoordinator(q, Options{}).Sync(context.Background(), s, 0); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	want := []string{"msg:3", "sync:3/1"}
	if got := conn.summary(); !reflect.DeepEqual(got, want) {
		t.Fatalf("frames %v, want %v", got, want)
	}
}

func TestClientCursorWins(t *testing.T) {
	q := newFakeQueue(chat(1, "A", "a1"), chat(2, "A", "a1"), chat(3, "A", "a1"))
	q.cursors["B/b1"] = 3
	conn := &recordingConn{id: "c"}
	_, s := addSession(t, conn, "B", "b1")

	if _, err := NewCoordinator(q, Options{}).Sync(context.Background(), s, 1); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	want := []string{"msg:2", "msg:3", "sync:3/2"}
	if got := conn.summary(); !reflect.DeepEqual(got, want) {
		t.Fatalf("frames %v, want %v", got, want)
	}
}

func TestReplaySkipsOwnEcho(t *testing.T) {
	q := newFakeQueue(
		chat(1, "B", "b1"), // sent from this very device
		chat(2, "B", "b2"), // sent from the user's other device
		event.Record{Seq: 3, Event: event.ReadStatus{UserID: "B", DeviceID: "b1", ConversationID: "c1", LastReadMsgID: 2}},
		event.Record{Seq: 4, Event: event.ReadStatus{UserID: "B", DeviceID: "b2", ConversationID: "c1", LastReadMsgID: 2}},
	)
	conn := &recordingConn{id: "c"}
	_, s := addSession(t, conn, "B", "b1")

	res, err := NewCoordinator(q, Options{}).Sync(context.Background(), s, 0)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	want := []string{"msg:2", "read:2", "sync:4/2"}
	if got := conn.summary(); !reflect.DeepEqual(got, want) {
		t.Fatalf("frames %v, want %v", got, want)
	}
	if res.Cursor != 4 {
		t.Fatalf("cursor = %d", res.Cursor)
	}
}

func TestStoreFailureStillGoesLive(t *testing.T) {
	q := newFakeQueue()
	q.fetchErr = errors.New("redis down")
	conn := &recordingConn{id: "c"}
	_, s := addSession(t, conn, "B", "b1")
	<-s.Deliver(liveFrame(t, 9), 9)

	if _, err := NewCoordinator(q, Options{}).Sync(context.Background(), s, 0); err == nil {
		t.Fatal("expected error")
	}
	if !s.Live() {
		t.Fatal("session should be live despite store failure")
	}
	want := []string{"sync:0/0", "msg:9"}
	if got := conn.summary(); !reflect.DeepEqual(got, want) {
		t.Fatalf("frames %v, want %v", got, want)
	}
}

func TestCursorFailureStillGoesLive(t *testing.T) {
	q := newFakeQueue(chat(1, "A", "a1"))
	q.cursorErr = errors.New("timeout")
	conn := &recordingConn{id: "c"}
	_, s := addSession(t, conn, "B", "b1")
	if _, err := NewCoordinator(q, Options{}).Sync(context.Background(), s, 0); err == nil {
		t.Fatal("expected error")
	}
	if !s.Live() {
		t.Fatal("session should be live")
	}
}

func TestReplayWriteFailure(t *testing.T) {
	q := newFakeQueue(chat(1, "A", "a1"))
	conn := &recordingConn{id: "c", fail: true}
	_, s := addSession(t, conn, "B", "b1")
	if _, err := NewCoordinator(q, Options{}).Sync(context.Background(), s, 0); err == nil {
		t.Fatal("expected delivery failure")
	}
	if s.Live() {
		t.Fatal("session must stay pending after a failed replay")
	}
}

func TestReplayPagesPastStoreCap(t *testing.T) {
	var recs []event.Record
	for i := int64(1); i <= 7; i++ {
		recs = append(recs, chat(i, "A", "a1"))
	}
	q := newFakeQueue(recs...)
	q.readCap = 3
	conn := &recordingConn{id: "c"}
	_, s := addSession(t, conn, "B", "b1")
	q.onFetch = func(call int) {
		if call == 1 {
			<-s.Deliver(liveFrame(t, 8), 8)
		}
	}

	res, err := NewCoordinator(q, Options{BatchSize: 10}).Sync(context.Background(), s, 0)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	want := []string{"msg:1", "msg:2", "msg:3", "msg:4", "msg:5", "msg:6", "msg:7", "sync:7/7", "msg:8"}
	if got := conn.summary(); !reflect.DeepEqual(got, want) {
		t.Fatalf("frames %v, want %v", got, want)
	}
	if res.Cursor != 7 {
		t.Fatalf("cursor = %d", res.Cursor)
	}
}

func TestFlushWriteFailure(t *testing.T) {
	q := newFakeQueue(chat(1, "A", "a1"))
	// msg:1 and SYNC_COMPLETE get through, the buffered live frame does not
	conn := &recordingConn{id: "c", limit: 2}
	_, s := addSession(t, conn, "B", "b1")
	<-s.Deliver(liveFrame(t, 2), 2)

	_, err := NewCoordinator(q, Options{}).Sync(context.Background(), s, 0)
	if errs.CodeOf(err) != errs.DeliveryFailure {
		t.Fatalf("err = %v", err)
	}
	if s.Live() {
		t.Fatal("session went live with a lost frame")
	}
}

func TestFlushFailureWinsOverStoreError(t *testing.T) {
	q := newFakeQueue()
	q.fetchErr = errors.New("redis down")
	conn := &recordingConn{id: "c", limit: 1}
	_, s := addSession(t, conn, "B", "b1")
	<-s.Deliver(liveFrame(t, 9), 9)

	_, err := NewCoordinator(q, Options{}).Sync(context.Background(), s, 0)
	if errs.CodeOf(err) != errs.DeliveryFailure {
		t.Fatalf("err = %v", err)
	}
	if s.Live() {
		t.Fatal("session should stay pending")
	}
}

func TestAck(t *testing.T) {
	q := newFakeQueue()
	conn := &recordingConn{id: "c"}
	_, s := addSession(t, conn, "B", "b1")
	c := NewCoordinator(q, Options{})
	if err := c.Ack(context.Background(), s, 0); err == nil {
		t.Fatal("zero cursor accepted")
	}
	if err := c.Ack(context.Background(), s, 42); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if got, _ := q.Cursor(context.Background(), "B", "b1"); got != 42 {
		t.Fatalf("cursor = %d", got)
	}
}
