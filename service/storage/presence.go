package storage

import (
	"context"
	"strconv"
	"sync"
	"time"

	"PPRealtime/logger"
	"PPRealtime/tools/safe"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// OnlineSource is the local truth the mirror converges to.
type OnlineSource interface {
	IsOnline(userID string) bool
	OnlineUsers() []string
}

type PresenceConfig struct {
	NodeID  string        // gateway node written as the hash field
	TTL     time.Duration // default 90s
	Refresh time.Duration // default TTL/3
	Queue   int           // pending transitions; default 4096
	Timeout time.Duration // per redis call; default 2s
}

func (c *PresenceConfig) norm() {
	if c.TTL <= 0 {
		c.TTL = 90 * time.Second
	}
	if c.Refresh <= 0 {
		c.Refresh = c.TTL / 3
	}
	if c.Queue <= 0 {
		c.Queue = 4096
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
}

// Presence mirrors local online/offline transitions into
// im:presence:<user> so other services can see which node holds a user.
// It implements session.Observer: callbacks only enqueue, the worker
// re-reads the registry before writing so out-of-order transitions still
// converge to the current state.
type Presence struct {
	rdb  redis.UniversalClient
	conf PresenceConfig
	ch   chan string

	mu  sync.Mutex
	src OnlineSource
	now func() time.Time
}

func NewPresence(rdb redis.UniversalClient, conf PresenceConfig) *Presence {
	conf.norm()
	return &Presence{
		rdb:  rdb,
		conf: conf,
		ch:   make(chan string, conf.Queue),
		now:  time.Now,
	}
}

func (p *Presence) OnOnline(userID string)  { p.enqueue(userID) }
func (p *Presence) OnOffline(userID string) { p.enqueue(userID) }

func (p *Presence) enqueue(userID string) {
	select {
	case p.ch <- userID:
	default:
		// the periodic refresh re-marks online users; stale offline entries
		// expire with the TTL
		logger.Warn("[presence] queue full, transition dropped", zap.String("user", userID))
	}
}

// Run drains transitions and refreshes every online user until ctx is done.
func (p *Presence) Run(ctx context.Context, src OnlineSource) {
	p.mu.Lock()
	p.src = src
	p.mu.Unlock()

	tick := time.NewTicker(p.conf.Refresh)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-p.ch:
			safe.Run("presence.sync", func() { p.sync(ctx, u) })
		case <-tick.C:
			safe.Run("presence.refresh", func() { p.refresh(ctx) })
		}
	}
}

func (p *Presence) sync(ctx context.Context, userID string) {
	p.mu.Lock()
	src := p.src
	p.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, p.conf.Timeout)
	defer cancel()
	var err error
	if src != nil && src.IsOnline(userID) {
		err = p.mark(cctx, userID)
	} else {
		err = p.clear(cctx, userID)
	}
	if err != nil {
		logger.Warn("[presence] sync failed", zap.String("user", userID), zap.Error(err))
	}
}

func (p *Presence) refresh(ctx context.Context) {
	p.mu.Lock()
	src := p.src
	p.mu.Unlock()
	if src == nil {
		return
	}
	for _, u := range src.OnlineUsers() {
		cctx, cancel := context.WithTimeout(ctx, p.conf.Timeout)
		err := p.mark(cctx, u)
		cancel()
		if err != nil {
			logger.Warn("[presence] refresh failed", zap.String("user", u), zap.Error(err))
			return
		}
	}
}

func (p *Presence) mark(ctx context.Context, userID string) error {
	key := presenceKey(userID)
	exp := p.now().Add(p.conf.TTL).Unix()
	pipe := p.rdb.TxPipeline()
	pipe.HSet(ctx, key, p.conf.NodeID, exp)
	pipe.Expire(ctx, key, p.conf.TTL)
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "presence mark user=%s", userID)
}

func (p *Presence) clear(ctx context.Context, userID string) error {
	err := p.rdb.HDel(ctx, presenceKey(userID), p.conf.NodeID).Err()
	return errors.Wrapf(err, "presence clear user=%s", userID)
}

// Lookup returns the nodes currently holding userID, ignoring fields whose
// expiry has passed (a node that died without clearing).
func (p *Presence) Lookup(ctx context.Context, userID string) ([]string, error) {
	m, err := p.rdb.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "presence lookup user=%s", userID)
	}
	return liveNodes(m, p.now()), nil
}

func liveNodes(m map[string]string, now time.Time) []string {
	out := make([]string, 0, len(m))
	for node, v := range m {
		exp, err := strconv.ParseInt(v, 10, 64)
		if err != nil || exp <= now.Unix() {
			continue
		}
		out = append(out, node)
	}
	return out
}
