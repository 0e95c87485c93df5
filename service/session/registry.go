package session

import (
	"errors"
	"hash/crc32"
	"sync"
	"sync/atomic"
	"time"
)

// Observer is told about presence transitions. Callbacks run while the
// user's shard is locked, so they must not block or call back into the
// registry.
type Observer interface {
	OnOnline(userID string)
	OnOffline(userID string)
}

type Options struct {
	Shards     int              // default 64
	MaxPending int              // per-session buffer while pending; default 1024
	Observer   Observer         // optional
	Clock      func() time.Time // nil => time.Now
}

func (o *Options) norm() {
	if o.Shards <= 0 {
		o.Shards = 64
	}
	if o.MaxPending <= 0 {
		o.MaxPending = defaultMaxPending
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

var ErrInvalidSession = errors.New("session: conn and userID are required")

type shard struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*Session // user -> conn_id -> session
}

// Registry maps users to their live sessions and connections back to their
// session. The forward index is partitioned by user so unrelated users never
// contend; the reverse index is only written while holding the owning user's
// shard lock, which keeps the two views consistent.
type Registry struct {
	shards []*shard
	byConn sync.Map // conn_id -> *Session

	onlineUsers atomic.Int64
	sessions    atomic.Int64

	opts Options
}

func NewRegistry(opts Options) *Registry {
	opts.norm()
	r := &Registry{
		shards: make([]*shard, opts.Shards),
		opts:   opts,
	}
	for i := range r.shards {
		r.shards[i] = &shard{byUser: make(map[string]map[string]*Session)}
	}
	return r
}

func (r *Registry) shardOf(userID string) *shard {
	return r.shards[crc32.ChecksumIEEE([]byte(userID))%uint32(len(r.shards))]
}

func (r *Registry) lookup(connID string) (*Session, bool) {
	v, ok := r.byConn.Load(connID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Add registers conn as a session of (userID, deviceID). Adding a connection
// that is already registered replaces its session. If another connection of
// the same (userID, deviceID) is registered, that older session is evicted
// and its connection closed.
func (r *Registry) Add(conn Conn, userID, deviceID, deviceType string) (*Session, error) {
	if conn == nil || userID == "" {
		return nil, ErrInvalidSession
	}
	id := conn.ID()
	sh := r.shardOf(userID)

	for {
		// same connection re-added under another user: take it out first
		if old, ok := r.lookup(id); ok && old.UserID != userID {
			r.removeIf(id, old)
		}

		sh.mu.Lock()
		if cur, ok := r.lookup(id); ok && cur.UserID != userID {
			// a concurrent Add moved it again; retry
			sh.mu.Unlock()
			continue
		}

		set := sh.byUser[userID]
		wasOffline := len(set) == 0
		if set == nil {
			set = make(map[string]*Session)
			sh.byUser[userID] = set
		}

		var evicted *Session
		for cid, s := range set {
			if cid != id && s.DeviceID == deviceID {
				delete(set, cid)
				r.byConn.Delete(cid)
				r.sessions.Add(-1)
				evicted = s
			}
		}
		if _, replaced := set[id]; !replaced {
			r.sessions.Add(1)
		}

		s := newSession(conn, userID, deviceID, deviceType, r.opts.Clock(), r.opts.MaxPending)
		set[id] = s
		r.byConn.Store(id, s)

		if wasOffline {
			r.onlineUsers.Add(1)
			if r.opts.Observer != nil {
				r.opts.Observer.OnOnline(userID)
			}
		}
		sh.mu.Unlock()

		if evicted != nil {
			_ = evicted.Close()
		}
		return s, nil
	}
}

// Remove drops whatever session conn currently has. It is a no-op when the
// connection is not registered, so double disconnects are harmless.
func (r *Registry) Remove(conn Conn) bool {
	if conn == nil {
		return false
	}
	return r.removeIf(conn.ID(), nil)
}

// RemoveSession drops s only if it is still the session registered for its
// connection; a newer session on the same connection is left alone.
func (r *Registry) RemoveSession(s *Session) bool {
	if s == nil {
		return false
	}
	return r.removeIf(s.ConnID(), s)
}

func (r *Registry) removeIf(connID string, want *Session) bool {
	for {
		s, ok := r.lookup(connID)
		if !ok || (want != nil && s != want) {
			return false
		}
		sh := r.shardOf(s.UserID)
		sh.mu.Lock()
		if cur, ok := r.lookup(connID); !ok || cur != s {
			// moved or replaced between lookup and lock
			sh.mu.Unlock()
			if want != nil {
				return false
			}
			continue
		}

		set := sh.byUser[s.UserID]
		delete(set, connID)
		r.byConn.Delete(connID)
		r.sessions.Add(-1)
		if len(set) == 0 {
			delete(sh.byUser, s.UserID)
			r.onlineUsers.Add(-1)
			if r.opts.Observer != nil {
				r.opts.Observer.OnOffline(s.UserID)
			}
		}
		sh.mu.Unlock()
		return true
	}
}

// Lookup returns the session registered for a connection id.
func (r *Registry) Lookup(connID string) (*Session, bool) {
	return r.lookup(connID)
}

// SessionsOf returns a snapshot of the user's sessions; empty when offline.
func (r *Registry) SessionsOf(userID string) []*Session {
	sh := r.shardOf(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	set := sh.byUser[userID]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

func (r *Registry) SessionOf(userID, deviceID string) (*Session, bool) {
	sh := r.shardOf(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	for _, s := range sh.byUser[userID] {
		if s.DeviceID == deviceID {
			return s, true
		}
	}
	return nil, false
}

func (r *Registry) IsOnline(userID string) bool {
	sh := r.shardOf(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.byUser[userID]) > 0
}

// OnlineUsers walks every shard and returns the users with at least one
// session. Used by periodic presence refresh, not on the hot path.
func (r *Registry) OnlineUsers() []string {
	out := make([]string, 0, r.OnlineUserCount())
	for _, sh := range r.shards {
		sh.mu.RLock()
		for u := range sh.byUser {
			out = append(out, u)
		}
		sh.mu.RUnlock()
	}
	return out
}

func (r *Registry) OnlineUserCount() int { return int(r.onlineUsers.Load()) }

func (r *Registry) SessionCount() int { return int(r.sessions.Load()) }

// Close drops every entry. Connections are not closed; shutdown does not
// wait on in-flight writes.
func (r *Registry) Close() {
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, set := range sh.byUser {
			for cid := range set {
				r.byConn.Delete(cid)
				r.sessions.Add(-1)
			}
			r.onlineUsers.Add(-1)
		}
		sh.byUser = make(map[string]map[string]*Session)
		sh.mu.Unlock()
	}
}
