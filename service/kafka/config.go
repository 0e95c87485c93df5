package kafka

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
)

type Config struct {
	Brokers             []string
	Topic               string // inbound events
	UpstreamTopic       string // client frames for the CRUD tier; empty disables Publish
	GroupID             string // must be unique per node so every node reads every partition
	Version             string // e.g. "2.1.0"
	ProducerRetries     int
	ProducerCompression string // none/snappy/lz4/zstd
	InitialOffset       string // newest/oldest
	AutoCreateTopics    bool
	Partitions          int32
	ReplicationFactor   int16
}

func (c *Config) norm() {
	if c.Version == "" {
		c.Version = "2.1.0"
	}
	if c.ProducerRetries <= 0 {
		c.ProducerRetries = 3
	}
	if c.Partitions <= 0 {
		c.Partitions = 8
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
}

// BuildConfig 生成 sarama 配置，生产与消费共用
func BuildConfig(c Config) (*sarama.Config, error) {
	c.norm()
	ver, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, errors.Wrapf(err, "kafka version %q", c.Version)
	}
	cfg := sarama.NewConfig()
	cfg.Version = ver

	// Producer
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = c.ProducerRetries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // Key 控制分区
	switch strings.ToLower(c.ProducerCompression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	// Consumer
	switch strings.ToLower(c.InitialOffset) {
	case "oldest":
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	// Net
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "kafka config")
	}
	return cfg, nil
}
