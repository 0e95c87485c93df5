package session

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	closed atomic.Bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame []byte) <-chan error {
	if c.closed.Load() {
		return resolved(ErrSessionClosed)
	}
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
	return resolved(nil)
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	for i, f := range c.frames {
		out[i] = string(f)
	}
	return out
}

// checkInvariant verifies that both indices describe the same sessions and
// that the counters match them.
func checkInvariant(t *testing.T, r *Registry) {
	t.Helper()
	forward := 0
	users := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		for user, set := range sh.byUser {
			if len(set) == 0 {
				t.Errorf("user %s kept with empty set", user)
			}
			users++
			for cid, s := range set {
				forward++
				got, ok := r.lookup(cid)
				if !ok || got != s {
					t.Errorf("conn %s in forward set of %s but not in reverse index", cid, user)
				}
			}
		}
		sh.mu.RUnlock()
	}
	reverse := 0
	r.byConn.Range(func(k, v any) bool {
		reverse++
		s := v.(*Session)
		found := false
		for _, x := range r.SessionsOf(s.UserID) {
			if x == s {
				found = true
			}
		}
		if !found {
			t.Errorf("dangling reverse entry %v", k)
		}
		return true
	})
	if forward != reverse {
		t.Errorf("forward=%d reverse=%d", forward, reverse)
	}
	if r.SessionCount() != forward {
		t.Errorf("SessionCount=%d, want %d", r.SessionCount(), forward)
	}
	if r.OnlineUserCount() != users {
		t.Errorf("OnlineUserCount=%d, want %d", r.OnlineUserCount(), users)
	}
}

func TestMultiDeviceAccounting(t *testing.T) {
	r := NewRegistry(Options{})
	const n = 5
	conns := make([]*fakeConn, n)
	for i := 0; i < n; i++ {
		conns[i] = newFakeConn(fmt.Sprintf("c%d", i))
		if _, err := r.Add(conns[i], "alice", fmt.Sprintf("d%d", i), "web"); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if got := len(r.SessionsOf("alice")); got != n {
		t.Fatalf("sessions = %d, want %d", got, n)
	}
	if !r.IsOnline("alice") || r.OnlineUserCount() != 1 {
		t.Fatal("alice should be online")
	}

	r.Remove(conns[0])
	if got := len(r.SessionsOf("alice")); got != n-1 {
		t.Fatalf("sessions = %d, want %d", got, n-1)
	}
	if !r.IsOnline("alice") {
		t.Fatal("alice should still be online")
	}
	if _, ok := r.SessionOf("alice", "d0"); ok {
		t.Fatal("d0 should be gone")
	}
	if s, ok := r.SessionOf("alice", "d3"); !ok || s.ConnID() != "c3" {
		t.Fatal("d3 lookup failed")
	}

	for _, c := range conns[1:] {
		r.Remove(c)
	}
	if r.IsOnline("alice") || r.OnlineUserCount() != 0 || len(r.SessionsOf("alice")) != 0 {
		t.Fatal("alice should be offline")
	}
	checkInvariant(t, r)
}

func TestAddSameConnectionIsIdempotent(t *testing.T) {
	r := NewRegistry(Options{})
	c := newFakeConn("c1")
	first, _ := r.Add(c, "bob", "d1", "web")
	second, _ := r.Add(c, "bob", "d1", "mobile")
	if first == second {
		t.Fatal("re-add should replace the session object")
	}
	if got := r.SessionsOf("bob"); len(got) != 1 || got[0] != second {
		t.Fatalf("sessions = %v", got)
	}
	if second.DeviceType != "mobile" {
		t.Fatalf("device type = %s", second.DeviceType)
	}
	if c.closed.Load() {
		t.Fatal("re-added connection must not be closed")
	}
	checkInvariant(t, r)
}

func TestAddSameConnectionOtherUserMoves(t *testing.T) {
	r := NewRegistry(Options{})
	c := newFakeConn("c1")
	_, _ = r.Add(c, "bob", "d1", "web")
	_, _ = r.Add(c, "carol", "d1", "web")
	if r.IsOnline("bob") {
		t.Fatal("bob should be offline after move")
	}
	if !r.IsOnline("carol") {
		t.Fatal("carol should be online")
	}
	checkInvariant(t, r)
}

func TestSameDeviceEvictsOlder(t *testing.T) {
	r := NewRegistry(Options{})
	old := newFakeConn("old")
	cur := newFakeConn("new")
	_, _ = r.Add(old, "dave", "phone", "mobile")
	_, _ = r.Add(cur, "dave", "phone", "mobile")

	sessions := r.SessionsOf("dave")
	if len(sessions) != 1 || sessions[0].ConnID() != "new" {
		t.Fatalf("sessions = %v", sessions)
	}
	if !old.closed.Load() {
		t.Fatal("evicted connection should be closed")
	}
	// late disconnect of the evicted connection is a no-op
	if r.Remove(old) {
		t.Fatal("removing evicted conn should be a no-op")
	}
	if !r.IsOnline("dave") {
		t.Fatal("dave should stay online")
	}
	checkInvariant(t, r)
}

func TestRemoveTwiceAndUnknown(t *testing.T) {
	r := NewRegistry(Options{})
	c := newFakeConn("c1")
	_, _ = r.Add(c, "erin", "d", "web")
	if !r.Remove(c) {
		t.Fatal("first remove should report removal")
	}
	if r.Remove(c) || r.Remove(newFakeConn("ghost")) || r.Remove(nil) {
		t.Fatal("second remove should be a no-op")
	}
	checkInvariant(t, r)
}

func TestRemoveSessionKeepsNewer(t *testing.T) {
	r := NewRegistry(Options{})
	c := newFakeConn("c1")
	stale, _ := r.Add(c, "frank", "d", "web")
	fresh, _ := r.Add(c, "frank", "d", "web")
	if r.RemoveSession(stale) {
		t.Fatal("stale session must not remove the fresh one")
	}
	if got, _ := r.Lookup("c1"); got != fresh {
		t.Fatal("fresh session lost")
	}
	if !r.RemoveSession(fresh) {
		t.Fatal("fresh session should be removable")
	}
	checkInvariant(t, r)
}

func TestAddRejectsInvalid(t *testing.T) {
	r := NewRegistry(Options{})
	if _, err := r.Add(nil, "u", "d", ""); err == nil {
		t.Fatal("nil conn accepted")
	}
	if _, err := r.Add(newFakeConn("c"), "", "d", ""); err == nil {
		t.Fatal("empty user accepted")
	}
}

func TestSessionsOfIsSnapshot(t *testing.T) {
	r := NewRegistry(Options{})
	c := newFakeConn("c1")
	_, _ = r.Add(c, "gina", "d", "web")
	snap := r.SessionsOf("gina")
	r.Remove(c)
	if len(snap) != 1 {
		t.Fatal("snapshot changed under removal")
	}
}

type countingObserver struct {
	mu   sync.Mutex
	last map[string]bool
	ons  int
	offs int
}

func (o *countingObserver) OnOnline(u string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last[u] = true
	o.ons++
}

func (o *countingObserver) OnOffline(u string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last[u] = false
	o.offs++
}

func TestObserverTransitions(t *testing.T) {
	obs := &countingObserver{last: map[string]bool{}}
	r := NewRegistry(Options{Observer: obs})
	a, b := newFakeConn("a"), newFakeConn("b")
	_, _ = r.Add(a, "hank", "d1", "web")
	_, _ = r.Add(b, "hank", "d2", "web")
	r.Remove(a)
	r.Remove(b)
	if obs.ons != 1 || obs.offs != 1 || obs.last["hank"] {
		t.Fatalf("ons=%d offs=%d last=%v", obs.ons, obs.offs, obs.last["hank"])
	}
}

// Each worker owns a disjoint set of connections and applies a random
// sequence of adds and removes; the final state must equal the net effect
// of each connection's last operation.
func TestConcurrentAddRemoveSettles(t *testing.T) {
	r := NewRegistry(Options{Shards: 8})
	const workers, connsPer, ops = 16, 20, 400
	users := []string{"u0", "u1", "u2", "u3", "u4"}

	type final struct {
		user, device string
		present      bool
	}
	results := make([]map[string]final, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(w)))
			conns := make([]*fakeConn, connsPer)
			state := make(map[string]final, connsPer)
			for i := range conns {
				conns[i] = newFakeConn(fmt.Sprintf("w%d-c%d", w, i))
			}
			for i := 0; i < ops; i++ {
				c := conns[rnd.Intn(connsPer)]
				if rnd.Intn(3) == 0 {
					r.Remove(c)
					state[c.id] = final{present: false}
				} else {
					u := users[rnd.Intn(len(users))]
					// device ids are unique per connection so no evictions
					_, _ = r.Add(c, u, c.id, "web")
					state[c.id] = final{user: u, device: c.id, present: true}
				}
			}
			results[w] = state
		}(w)
	}
	wg.Wait()

	want := map[string]int{}
	for _, state := range results {
		for cid, f := range state {
			s, ok := r.Lookup(cid)
			if f.present != ok {
				t.Fatalf("conn %s present=%v, want %v", cid, ok, f.present)
			}
			if ok {
				if s.UserID != f.user {
					t.Fatalf("conn %s user=%s, want %s", cid, s.UserID, f.user)
				}
				want[f.user]++
			}
		}
	}
	for _, u := range users {
		if got := len(r.SessionsOf(u)); got != want[u] {
			t.Fatalf("user %s sessions=%d, want %d", u, got, want[u])
		}
		if r.IsOnline(u) != (want[u] > 0) {
			t.Fatalf("user %s online=%v with %d sessions", u, r.IsOnline(u), want[u])
		}
	}
	checkInvariant(t, r)
}

// Add and Remove of the very same connection racing must never leave a
// reverse entry without its forward entry.
func TestRaceSameConnection(t *testing.T) {
	r := NewRegistry(Options{})
	for i := 0; i < 200; i++ {
		c := newFakeConn(fmt.Sprintf("c%d", i))
		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); _, _ = r.Add(c, "ivy", c.id, "web") }()
		go func() { defer wg.Done(); r.Remove(c) }()
		go func() { defer wg.Done(); _, _ = r.Add(c, "jack", c.id, "web") }()
		wg.Wait()
	}
	checkInvariant(t, r)
}

func TestClose(t *testing.T) {
	r := NewRegistry(Options{})
	c := newFakeConn("c1")
	_, _ = r.Add(c, "kim", "d", "web")
	_, _ = r.Add(newFakeConn("c2"), "lee", "d", "web")
	r.Close()
	if r.OnlineUserCount() != 0 || r.SessionCount() != 0 || r.IsOnline("kim") {
		t.Fatal("registry not empty after Close")
	}
	if c.closed.Load() {
		t.Fatal("Close must not close connections")
	}
	checkInvariant(t, r)
}

func TestTouch(t *testing.T) {
	now := time.Unix(100, 0)
	r := NewRegistry(Options{Clock: func() time.Time { return now }})
	s, _ := r.Add(newFakeConn("c"), "u", "d", "web")
	if !s.ConnectedAt.Equal(now) || !s.LastActiveAt().Equal(now) {
		t.Fatal("timestamps not initialised from clock")
	}
	s.Touch(now.Add(time.Minute))
	if !s.LastActiveAt().Equal(now.Add(time.Minute)) {
		t.Fatal("Touch did not update lastActiveAt")
	}
}

func TestOnlineUsers(t *testing.T) {
	r := NewRegistry(Options{Shards: 4})
	_, _ = r.Add(newFakeConn("c1"), "kim", "phone", "ios")
	_, _ = r.Add(newFakeConn("c2"), "kim", "web", "web")
	_, _ = r.Add(newFakeConn("c3"), "lee", "web", "web")
	got := map[string]bool{}
	for _, u := range r.OnlineUsers() {
		if got[u] {
			t.Fatalf("user %s listed twice", u)
		}
		got[u] = true
	}
	if len(got) != 2 || !got["kim"] || !got["lee"] {
		t.Fatalf("OnlineUsers = %v", got)
	}
}
