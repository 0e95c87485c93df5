package natsx

import (
	"context"
	"time"

	"PPRealtime/tools/ids"
)

// NatsxSyncPublisher 同步发布器（带重试）
type NatsxSyncPublisher struct {
	P       *NatsxProducer
	Retries int
	Backoff time.Duration
}

// Publish sets Nats-Msg-Id to msgID on every attempt so a retry after a lost
// ack is deduplicated by JetStream.
func (sp *NatsxSyncPublisher) Publish(ctx context.Context, biz string, payload []byte, hdr map[string]string, msgID string) error {
	if msgID == "" {
		msgID = ids.GenerateString()
	}
	var err error
	for i := 0; i <= sp.Retries; i++ {
		err = sp.P.PublishOnce(ctx, biz, payload, hdr, msgID)
		if err == nil {
			return nil
		}
		if i == sp.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sp.Backoff):
		}
	}
	return err
}
