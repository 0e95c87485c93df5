package natsx

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ----- 抽象存储 -----
type IdemStore interface {
	SeenOnce(key string, ttl time.Duration) (seen bool, err error)
}

// ----- 内存实现（单进程） -----
type memIdem struct {
	mu  sync.Mutex
	m   map[string]int64 // key -> expireUnixNano
	ttl time.Duration
	now func() time.Time
}

// NewMemIdem starts a sweeper that lives until ctx is done.
func NewMemIdem(ctx context.Context, defaultTTL time.Duration) IdemStore {
	mi := newMemIdem(defaultTTL, time.Now)
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				mi.sweep()
			}
		}
	}()
	return mi
}

func newMemIdem(ttl time.Duration, now func() time.Time) *memIdem {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &memIdem{m: make(map[string]int64), ttl: ttl, now: now}
}

func (mi *memIdem) sweep() {
	now := mi.now().UnixNano()
	mi.mu.Lock()
	for k, exp := range mi.m {
		if exp <= now {
			delete(mi.m, k)
		}
	}
	mi.mu.Unlock()
}

func (mi *memIdem) SeenOnce(key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	now := mi.now()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if old, ok := mi.m[key]; ok && old > now.UnixNano() {
		return true, nil // 已见过
	}
	mi.m[key] = now.Add(ttl).UnixNano()
	return false, nil
}

// ----- 从消息头提取 msgID -----
func msgIDFromHeader(h map[string]string) string {
	for _, k := range []string{HeaderMsgID, "nats-msg-id", "X-Msg-Id", "x-msg-id"} {
		if v, ok := h[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// ----- 幂等中间件 -----
// JetStream redelivers after a missed ack; the fanout must not push the
// same event twice.
func NatsxIdemMiddleware(store IdemStore, ttl time.Duration) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			id := msgIDFromHeader(msg.Header)
			if id == "" {
				// 无ID时根据 subject+内容构造一个弱ID
				id = msg.Subject + "|" + strings.TrimSpace(string(msg.Data))
			}
			seen, _ := store.SeenOnce(id, ttl)
			if seen {
				return nil
			}
			return next(ctx, msg)
		}
	}
}
