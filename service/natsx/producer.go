package natsx

import (
	"context"
	"fmt"

	"PPRealtime/logger"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NatsxProducer 生产端
type NatsxProducer struct{ c *NatsxClient }

func NewNatsxProducer(c *NatsxClient) *NatsxProducer { return &NatsxProducer{c: c} }

// Publish 按 Biz 路由发送
func (p *NatsxProducer) Publish(ctx context.Context, biz string, data []byte, hdr map[string]string) error {
	r, ok := p.c.route(biz)
	if !ok {
		return fmt.Errorf("route not found: %s", biz)
	}
	msg := newMsg(r.Subject, data, hdr)
	switch r.Mode {
	case Core:
		if err := p.c.nc.PublishMsg(msg); err != nil {
			return errors.Wrapf(err, "publish %s", r.Subject)
		}
		return nil
	case JetStreamPush:
		p.c.mu.RLock()
		js := p.c.js
		p.c.mu.RUnlock()
		if js == nil {
			return errors.New("jetstream not initialized")
		}
		ack, err := js.PublishMsg(msg, nats.Context(ctx))
		if err != nil {
			return errors.Wrapf(err, "js publish %s", r.Subject)
		}
		logger.Debug("[nats] published", zap.String("stream", ack.Stream), zap.Uint64("seq", ack.Sequence), zap.Bool("dup", ack.Duplicate))
		return nil
	default:
		return fmt.Errorf("unsupported mode %v", r.Mode)
	}
}

// 用 NewMsg 构造，header 一并带上
func newMsg(subject string, data []byte, hdr map[string]string) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Add(k, v)
	}
	return msg
}
