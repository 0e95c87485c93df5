package kafka

import (
	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
)

// NewClient dials the cluster; producer, consumer group and admin share it.
func NewClient(c Config) (sarama.Client, error) {
	if len(c.Brokers) == 0 {
		return nil, errors.New("kafka brokers missing")
	}
	cfg, err := BuildConfig(c)
	if err != nil {
		return nil, err
	}
	client, err := sarama.NewClient(c.Brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "kafka connect")
	}
	return client, nil
}
