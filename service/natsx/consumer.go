package natsx

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// NatsxConsumer 消费端
type NatsxConsumer struct {
	c   *NatsxClient
	mws []NatsxMiddleware
}

func NewNatsxConsumer(c *NatsxClient, mws ...NatsxMiddleware) *NatsxConsumer {
	return &NatsxConsumer{c: c, mws: mws}
}

// Subscribe Core / JetStream Push 订阅（JS 会自动 ACK/NACK）
// nats.go runs one callback goroutine per subscription, so h sees messages
// in subject order.
func (cs *NatsxConsumer) Subscribe(ctx context.Context, biz string, h NatsxHandler) error {
	r, ok := cs.c.route(biz)
	if !ok {
		return fmt.Errorf("route not found: %s", biz)
	}
	h = NatsxChain(h, cs.mws...)

	switch r.Mode {
	case Core:
		var (
			sub *nats.Subscription
			err error
		)
		cb := func(m *nats.Msg) {
			_ = h(ctx, NatsxMessage{
				Subject: m.Subject,
				Data:    append([]byte(nil), m.Data...),
				Header:  headerToMap(m.Header),
			})
		}
		if r.Queue == "" {
			sub, err = cs.c.nc.Subscribe(r.Subject, cb)
		} else {
			sub, err = cs.c.nc.QueueSubscribe(r.Subject, r.Queue, cb)
		}
		if err != nil {
			return errors.Wrapf(err, "nats subscribe %s", r.Subject)
		}
		_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
		cs.c.mu.Lock()
		cs.c.subs[biz] = sub
		cs.c.mu.Unlock()
		return nil

	case JetStreamPush:
		cs.c.mu.RLock()
		js := cs.c.js
		cs.c.mu.RUnlock()
		if js == nil {
			return errors.New("jetstream not initialized")
		}
		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.AckWait(r.AckWait),
			nats.MaxAckPending(r.MaxAckPending),
		}
		if r.Durable != "" {
			opts = append(opts, nats.Durable(r.Durable))
		}

		cb := func(m *nats.Msg) {
			msg := NatsxMessage{
				Subject: m.Subject,
				Data:    append([]byte(nil), m.Data...),
				Header:  headerToMap(m.Header),
			}
			if err := h(ctx, msg); err == nil {
				_ = m.Ack()
			} else {
				_ = m.Nak()
			}
		}

		var (
			sub *nats.Subscription
			err error
		)
		if r.Queue == "" {
			sub, err = js.Subscribe(r.Subject, cb, opts...)
		} else {
			sub, err = js.QueueSubscribe(r.Subject, r.Queue, cb, opts...)
		}
		if err != nil {
			return errors.Wrapf(err, "jetstream subscribe %s", r.Subject)
		}
		cs.c.mu.Lock()
		cs.c.subs[biz] = sub
		cs.c.mu.Unlock()
		return nil

	default:
		return fmt.Errorf("mode not supported in Subscribe: %v", r.Mode)
	}
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
