package natsx

import (
	"context"
	"time"

	"PPRealtime/service/bus"

	"github.com/pkg/errors"
)

const (
	bizEvents   = "gateway.events"
	bizUpstream = "gateway.upstream"
)

type BusConfig struct {
	Subject  string // inbound chat_message / read_status
	Upstream string // client frames for the CRUD tier; empty disables Publish
	Mode     NatsxMode
	Durable  string // JetStreamPush only; must be unique per node
	Retries  int
	Backoff  time.Duration
	IdemTTL  time.Duration
}

// Bus adapts the natsx client to bus.Subscriber and bus.Publisher. No queue
// group is used on the event route: every gateway node must see every event.
type Bus struct {
	c    *NatsxClient
	conf BusConfig
	cons *NatsxConsumer
	pub  *NatsxSyncPublisher
}

var (
	_ bus.Subscriber = (*Bus)(nil)
	_ bus.Publisher  = (*Bus)(nil)
)

func NewBus(ctx context.Context, c *NatsxClient, conf BusConfig) (*Bus, error) {
	if conf.Backoff <= 0 {
		conf.Backoff = 200 * time.Millisecond
	}
	if err := c.RegisterRoute(NatsxRoute{
		Biz:     bizEvents,
		Subject: conf.Subject,
		Mode:    conf.Mode,
		Durable: conf.Durable,
	}); err != nil {
		return nil, err
	}
	if conf.Upstream != "" {
		if err := c.RegisterRoute(NatsxRoute{Biz: bizUpstream, Subject: conf.Upstream, Mode: conf.Mode}); err != nil {
			return nil, err
		}
	}

	mws := []NatsxMiddleware{NatsxRecover(), NatsxLogging(100 * time.Millisecond)}
	if conf.Mode == JetStreamPush {
		mws = append(mws, NatsxIdemMiddleware(NewMemIdem(ctx, conf.IdemTTL), conf.IdemTTL))
	}
	return &Bus{
		c:    c,
		conf: conf,
		cons: NewNatsxConsumer(c, mws...),
		pub:  &NatsxSyncPublisher{P: NewNatsxProducer(c), Retries: conf.Retries, Backoff: conf.Backoff},
	}, nil
}

// Subscribe registers h and blocks until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, h bus.Handler) error {
	err := b.cons.Subscribe(ctx, bizEvents, func(ctx context.Context, msg NatsxMessage) error {
		h(ctx, msg.Data)
		return nil
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// Publish uses key as Nats-Msg-Id so retries of one client frame collapse.
func (b *Bus) Publish(ctx context.Context, key string, data []byte) error {
	if b.conf.Upstream == "" {
		return errors.New("nats publish: upstream subject not configured")
	}
	return b.pub.Publish(ctx, bizUpstream, data, nil, key)
}

func (b *Bus) Close() error { return b.c.Close() }
