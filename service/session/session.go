package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Conn is the outbound side of one live connection. It is the only thing
// allowed to write to the client.
type Conn interface {
	ID() string
	// Send queues frame without blocking. The returned channel yields exactly
	// one value: nil once written, or the reason the write failed.
	Send(frame []byte) <-chan error
	Close() error
}

var (
	ErrPendingOverflow = errors.New("session: pending buffer overflow")
	ErrSessionClosed   = errors.New("session: closed")
)

const defaultMaxPending = 1024

type pendingFrame struct {
	frame  []byte
	cursor int64
}

// Session is one authenticated connection of a (user, device) pair.
//
// A session starts pending: frames routed to it through Deliver are held
// until GoLive, so the reconnect backlog always reaches the client first.
type Session struct {
	UserID      string
	DeviceID    string
	DeviceType  string
	ConnectedAt time.Time

	conn       Conn
	lastActive atomic.Int64

	mu         sync.Mutex
	live       bool
	flushing   bool
	closed     bool
	pending    []pendingFrame
	maxPending int
}

func newSession(conn Conn, userID, deviceID, deviceType string, now time.Time, maxPending int) *Session {
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}
	s := &Session{
		UserID:      userID,
		DeviceID:    deviceID,
		DeviceType:  deviceType,
		ConnectedAt: now,
		conn:        conn,
		maxPending:  maxPending,
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

func (s *Session) ConnID() string { return s.conn.ID() }

func (s *Session) LastActiveAt() time.Time { return time.Unix(0, s.lastActive.Load()) }

func (s *Session) Touch(now time.Time) { s.lastActive.Store(now.UnixNano()) }

func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Send writes directly to the connection, bypassing the pending gate. Used
// for the login ack, backlog replay and replies to the client's own frames.
func (s *Session) Send(frame []byte) <-chan error {
	return s.conn.Send(frame)
}

// Deliver routes a fanout frame. While the session is pending the frame is
// buffered; cursor is the event's durable id (0 if it has none) and is used
// by GoLive to drop frames the backlog already covered.
func (s *Session) Deliver(frame []byte, cursor int64) <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return resolved(ErrSessionClosed)
	}
	if s.live {
		return s.conn.Send(frame)
	}
	if len(s.pending) >= s.maxPending {
		return resolved(ErrPendingOverflow)
	}
	s.pending = append(s.pending, pendingFrame{frame: frame, cursor: cursor})
	return resolved(nil)
}

// GoLive flushes the frames buffered while pending, in arrival order,
// skipping those with 0 < cursor <= replayedUpTo, and switches the session to
// direct delivery. It returns how many frames were flushed.
//
// Each flushed frame is waited for before the next one is queued, so a
// backlog larger than the connection's send queue still arrives whole. The
// session keeps buffering new fanout until the buffer is drained. On the
// first failed write the session is closed and stays pending; the caller
// must tear it down.
func (s *Session) GoLive(ctx context.Context, replayedUpTo int64) (int, error) {
	s.mu.Lock()
	if s.live || s.closed || s.flushing {
		s.mu.Unlock()
		return 0, nil
	}
	s.flushing = true
	s.mu.Unlock()

	n := 0
	for {
		s.mu.Lock()
		if s.closed {
			s.flushing = false
			s.mu.Unlock()
			return n, ErrSessionClosed
		}
		batch := s.pending
		s.pending = nil
		if len(batch) == 0 {
			s.live = true
			s.flushing = false
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()

		for _, p := range batch {
			if p.cursor > 0 && p.cursor <= replayedUpTo {
				continue
			}
			if err := wait(ctx, s.conn.Send(p.frame)); err != nil {
				s.mu.Lock()
				s.closed = true
				s.pending = nil
				s.flushing = false
				s.mu.Unlock()
				return n, err
			}
			n++
		}
	}
}

func wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the underlying connection. It does not touch the registry.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.pending = nil
	s.mu.Unlock()
	return s.conn.Close()
}

func resolved(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	return ch
}
