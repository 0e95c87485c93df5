package kafka

import (
	"context"
	"sync"
	"time"

	"PPRealtime/logger"
	"PPRealtime/service/bus"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Bus adapts a sarama consumer group and sync producer to bus.Subscriber
// and bus.Publisher over one shared client.
type Bus struct {
	conf   Config
	client sarama.Client

	mu    sync.Mutex
	group sarama.ConsumerGroup
	prod  sarama.SyncProducer
}

var (
	_ bus.Subscriber = (*Bus)(nil)
	_ bus.Publisher  = (*Bus)(nil)
)

func NewBus(c Config) (*Bus, error) {
	if c.Topic == "" || c.GroupID == "" {
		return nil, errors.New("kafka bus: topic and group id are required")
	}
	client, err := NewClient(c)
	if err != nil {
		return nil, err
	}
	if c.AutoCreateTopics {
		admin, err := sarama.NewClusterAdminFromClient(client)
		if err != nil {
			_ = client.Close()
			return nil, errors.Wrap(err, "kafka admin")
		}
		// the admin shares client; closing it would close client too
		if err := EnsureTopics(admin, []string{c.Topic, c.UpstreamTopic}, c); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	b := &Bus{conf: c, client: client}
	if c.UpstreamTopic != "" {
		p, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			_ = client.Close()
			return nil, errors.Wrap(err, "kafka producer")
		}
		b.prod = p
	}
	return b, nil
}

// Subscribe joins the node's group and consumes until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, h bus.Handler) error {
	group, err := sarama.NewConsumerGroupFromClient(b.conf.GroupID, b.client)
	if err != nil {
		return errors.Wrap(err, "kafka consumer group")
	}
	b.mu.Lock()
	b.group = group
	b.mu.Unlock()

	go func() {
		for err := range group.Errors() {
			logger.Warn("[kafka] consumer group error", zap.Error(err))
		}
	}()

	gh := &groupHandler{h: h}
	topics := []string{b.conf.Topic}
	for {
		// Consume returns on every rebalance
		if err := group.Consume(ctx, topics, gh); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			logger.Warn("[kafka] consume error", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (b *Bus) Publish(_ context.Context, key string, data []byte) error {
	if b.prod == nil {
		return errors.New("kafka publish: upstream topic not configured")
	}
	_, _, err := SendSync(b.prod, b.conf.UpstreamTopic, key, data)
	return err
}

func (b *Bus) Close() error {
	b.mu.Lock()
	group, prod := b.group, b.prod
	b.group, b.prod = nil, nil
	b.mu.Unlock()

	var first error
	if group != nil {
		first = group.Close()
	}
	if prod != nil {
		if err := prod.Close(); err != nil && first == nil {
			first = err
		}
	}
	if !b.client.Closed() {
		if err := b.client.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
