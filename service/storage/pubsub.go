package storage

import (
	"context"
	"sync"

	"PPRealtime/logger"
	"PPRealtime/service/bus"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PubSub is the redis bus driver: every node subscribes to the same
// channel, so each node sees every event.
type PubSub struct {
	rdb      redis.UniversalClient
	channel  string // inbound events
	upstream string // client frames for the CRUD tier

	mu sync.Mutex
	ps *redis.PubSub
}

var (
	_ bus.Subscriber = (*PubSub)(nil)
	_ bus.Publisher  = (*PubSub)(nil)
)

func NewPubSub(rdb redis.UniversalClient, channel, upstream string) *PubSub {
	return &PubSub{rdb: rdb, channel: channel, upstream: upstream}
}

// Subscribe blocks, calling h once per message in channel order, until ctx
// is done or the subscription is closed.
func (p *PubSub) Subscribe(ctx context.Context, h bus.Handler) error {
	ps := p.rdb.Subscribe(ctx, p.channel)
	// wait for the subscribe confirmation so a bad address fails fast
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return errors.Wrapf(err, "redis subscribe %s", p.channel)
	}
	p.mu.Lock()
	p.ps = ps
	p.mu.Unlock()
	logger.Info("[bus] redis subscribed", zap.String("channel", p.channel))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = ps.Close()
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h(ctx, []byte(msg.Payload))
		}
	}
}

// Publish ignores key: a redis channel has no partitions.
func (p *PubSub) Publish(ctx context.Context, _ string, data []byte) error {
	if p.upstream == "" {
		return errors.New("redis publish: upstream channel not configured")
	}
	if err := p.rdb.Publish(ctx, p.upstream, data).Err(); err != nil {
		return errors.Wrapf(err, "redis publish %s", p.upstream)
	}
	return nil
}

// Close ends the subscription; the client itself is owned by the caller.
func (p *PubSub) Close() error {
	p.mu.Lock()
	ps := p.ps
	p.ps = nil
	p.mu.Unlock()
	if ps == nil {
		return nil
	}
	return ps.Close()
}
