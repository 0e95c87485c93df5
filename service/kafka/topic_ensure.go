package kafka

import (
	"errors"
	"fmt"

	"PPRealtime/logger"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// EnsureTopics 会：
// 1) 不存在就按 c 创建；
// 2) 已存在且分区数 < 期望值时扩分区（Kafka 仅支持增加分区，不能减少）。
func EnsureTopics(admin sarama.ClusterAdmin, topics []string, c Config) error {
	c.norm()
	for _, t := range topics {
		if t == "" {
			continue
		}
		descs, err := admin.DescribeTopics([]string{t})
		if err != nil {
			return fmt.Errorf("describe topic %s: %w", t, err)
		}
		exists := len(descs) == 1 && errors.Is(descs[0].Err, sarama.ErrNoError)

		if !exists {
			if err := admin.CreateTopic(t, topicDetail(c), false); err != nil {
				var te *sarama.TopicError
				if errors.Is(err, sarama.ErrTopicAlreadyExists) || (errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists) {
					logger.Info("[kafka] topic exists (race)", zap.String("topic", t))
					continue
				}
				return fmt.Errorf("create topic %s: %w", t, err)
			}
			logger.Info("[kafka] topic created", zap.String("topic", t), zap.Int32("partitions", c.Partitions), zap.Int16("rf", c.ReplicationFactor))
			continue
		}

		// 已存在：必要时扩分区
		cur := int32(len(descs[0].Partitions))
		if c.Partitions > cur {
			if err := admin.CreatePartitions(t, c.Partitions, nil, false); err != nil {
				return fmt.Errorf("expand partitions %s from %d to %d: %w", t, cur, c.Partitions, err)
			}
			logger.Info("[kafka] partitions expanded", zap.String("topic", t), zap.Int32("from", cur), zap.Int32("to", c.Partitions))
		}
	}
	return nil
}

func topicDetail(c Config) *sarama.TopicDetail {
	minISR := "1"
	if c.ReplicationFactor >= 3 {
		minISR = "2"
	}
	return &sarama.TopicDetail{
		NumPartitions:     c.Partitions,
		ReplicationFactor: c.ReplicationFactor,
		ConfigEntries: map[string]*string{
			"cleanup.policy":                 strPtr("delete"),
			"min.insync.replicas":            strPtr(minISR),
			"unclean.leader.election.enable": strPtr("false"),
			"compression.type":               strPtr("producer"),
		},
	}
}

func strPtr(s string) *string { return &s }
