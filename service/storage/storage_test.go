package storage

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"sort"
	"testing"
	"time"

	"PPRealtime/service/event"

	"github.com/redis/go-redis/v9"
)

func chat(id int64) event.Event {
	return event.ChatMessage{
		SenderID:       "bob",
		SenderDeviceID: "web",
		ConversationID: "c1",
		ParticipantIDs: []string{"alice", "bob"},
		MsgID:          id,
		Payload:        json.RawMessage(`{"text":"hi"}`),
	}
}

func TestMemberRoundTripAndOrder(t *testing.T) {
	seqs := []int64{1, 9, 10, 99, 1 << 53, 1<<53 + 1, math.MaxInt64}
	var members []string
	for _, s := range seqs {
		m := encodeMember(s, []byte(`{"type":"x"}`))
		got, body, err := decodeMember(m)
		if err != nil || got != s || string(body) != `{"type":"x"}` {
			t.Fatalf("decode(%q) = %d %q %v", m, got, body, err)
		}
		members = append(members, m)
	}
	if !sort.StringsAreSorted(members) {
		t.Fatal("lex order of members differs from numeric order of seqs")
	}
	for _, bad := range []string{"", "12:{}", "abcdefghijklmnopqrs:{}", "{}"} {
		if _, _, err := decodeMember(bad); err == nil {
			t.Fatalf("decodeMember(%q) accepted", bad)
		}
	}
}

func TestSeqRange(t *testing.T) {
	lo, hi := seqRange(42)
	in := func(m string) bool { return m >= lo[1:] && m < hi[1:] }
	for _, body := range []string{`{}`, `{"type":"x"}`, `~~~`} {
		if m := encodeMember(42, []byte(body)); !in(m) {
			t.Fatalf("%q outside [%s, %s)", m, lo, hi)
		}
	}
	for _, other := range []int64{41, 43, 420} {
		if m := encodeMember(other, []byte(`{}`)); in(m) {
			t.Fatalf("seq %d inside range of 42", other)
		}
	}
}

func TestMemoryOffline(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryOffline(3)
	for _, id := range []int64{2, 1, 4, 3} {
		if err := q.Enqueue(ctx, "alice", event.Record{Seq: id, Event: chat(id)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.Enqueue(ctx, "alice", event.Record{Seq: 0, Event: chat(1)}); err == nil {
		t.Fatal("seq 0 accepted")
	}

	// oldest trimmed past maxLen
	got, _ := q.FetchSince(ctx, "alice", "phone", 0, 0)
	if len(got) != 3 || got[0].Seq != 2 || got[2].Seq != 4 {
		t.Fatalf("backlog = %+v", got)
	}
	got, _ = q.FetchSince(ctx, "alice", "phone", 2, 1)
	if len(got) != 1 || got[0].Seq != 3 {
		t.Fatalf("FetchSince(2,1) = %+v", got)
	}
	got, _ = q.FetchSince(ctx, "alice", "phone", 4, 10)
	if len(got) != 0 {
		t.Fatalf("FetchSince past end = %+v", got)
	}

	_ = q.AdvanceCursor(ctx, "alice", "phone", 3)
	_ = q.AdvanceCursor(ctx, "alice", "phone", 2)
	if c, _ := q.Cursor(ctx, "alice", "phone"); c != 3 {
		t.Fatalf("cursor moved backwards: %d", c)
	}
	if c, _ := q.Cursor(ctx, "alice", "web"); c != 0 {
		t.Fatalf("cursor leaked across devices: %d", c)
	}
}

func TestLiveNodes(t *testing.T) {
	now := time.Unix(1000, 0)
	m := map[string]string{
		"gw-1": "1090",
		"gw-2": "1000", // expiry is exclusive
		"gw-3": "junk",
	}
	got := liveNodes(m, now)
	if len(got) != 1 || got[0] != "gw-1" {
		t.Fatalf("liveNodes = %v", got)
	}
}

func TestPresenceEnqueueNeverBlocks(t *testing.T) {
	p := NewPresence(nil, PresenceConfig{NodeID: "gw-1", Queue: 1})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			p.OnOnline("u")
			p.OnOffline("u")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("observer callbacks blocked")
	}
}

// integration tests below need a redis at REDIS_TEST_ADDR
func testRedis(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	t.Cleanup(func() {
		_ = rdb.FlushDB(context.Background()).Err()
		_ = rdb.Close()
	})
	return rdb
}

func TestOfflineStoreRedis(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	s := NewOfflineStore(rdb, OfflineConfig{MaxLen: 100})

	for _, id := range []int64{5, 1, 1 << 60, 3} {
		if err := s.Enqueue(ctx, "alice", event.Record{Seq: id, Event: chat(id)}); err != nil {
			t.Fatal(err)
		}
	}
	// a corrupt entry in the middle is skipped, not fatal
	rdb.ZAdd(ctx, offlineKey("alice"), redis.Z{Member: seqPrefix(4) + ":not json"})

	got, err := s.FetchSince(ctx, "alice", "phone", 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 5 {
		t.Fatalf("FetchSince(1,2) = %+v", got)
	}
	got, _ = s.FetchSince(ctx, "alice", "phone", 5, 10)
	if len(got) != 1 || got[0].Seq != 1<<60 || got[0].Event.Cursor() != 1<<60 {
		t.Fatalf("large seq lost precision: %+v", got)
	}

	// same seq again with a different body replaces the entry
	edited := chat(3).(event.ChatMessage)
	edited.Payload = json.RawMessage(`{"text":"edited"}`)
	if err := s.Enqueue(ctx, "alice", event.Record{Seq: 3, Event: edited}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.FetchSince(ctx, "alice", "phone", 1, 10)
	if len(got) != 3 || got[0].Seq != 3 || got[1].Seq != 5 {
		t.Fatalf("after re-enqueue = %+v", got)
	}
	if p := string(got[0].Event.(event.ChatMessage).Payload); p != `{"text":"edited"}` {
		t.Fatalf("payload = %s", p)
	}

	if c, _ := s.Cursor(ctx, "alice", "phone"); c != 0 {
		t.Fatalf("fresh cursor = %d", c)
	}
	_ = s.AdvanceCursor(ctx, "alice", "phone", 5)
	_ = s.AdvanceCursor(ctx, "alice", "phone", 3)
	if c, _ := s.Cursor(ctx, "alice", "phone"); c != 5 {
		t.Fatalf("cursor = %d, want 5", c)
	}
}
