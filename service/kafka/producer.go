package kafka

import (
	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
)

// SendSync publishes one record; key picks the partition.
func SendSync(p sarama.SyncProducer, topic, key string, value []byte) (partition int32, offset int64, err error) {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	partition, offset, err = p.SendMessage(msg)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "kafka send %s", topic)
	}
	return partition, offset, nil
}
