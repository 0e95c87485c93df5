// Package bus is the seam between the gateway and the event feed. Drivers
// live next to their client libraries (natsx, kafka, storage for Redis).
package bus

import (
	"context"
	"fmt"
	"strings"
)

// Handler receives one raw event. Drivers call it serially per subscription
// so per-recipient order follows the feed.
type Handler func(ctx context.Context, data []byte)

// Subscriber feeds every event of the channel to h until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// Publisher sends client-originated frames upstream to the CRUD tier.
type Publisher interface {
	Publish(ctx context.Context, key string, data []byte) error
	Close() error
}

type Driver string

const (
	DriverNATS  Driver = "nats"
	DriverRedis Driver = "redis"
	DriverKafka Driver = "kafka"
)

func ParseDriver(s string) (Driver, error) {
	switch d := Driver(strings.ToLower(strings.TrimSpace(s))); d {
	case DriverNATS, DriverRedis, DriverKafka:
		return d, nil
	default:
		return "", fmt.Errorf("unknown bus driver %q (nats/redis/kafka)", s)
	}
}

// Chain applies middlewares so the first one is outermost.
func Chain(h Handler, mws ...func(Handler) Handler) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
