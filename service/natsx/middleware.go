package natsx

import (
	"context"
	"time"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"

	"go.uber.org/zap"
)

// NatsxRecover turns a handler panic into a ServerInternalError so the
// subscription goroutine keeps running.
func NatsxRecover() NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errs.ErrPanic(r)
					logger.Error("[nats] handler panic", zap.String("subject", msg.Subject), zap.Error(err))
				}
			}()
			return next(ctx, msg)
		}
	}
}

// NatsxLogging 慢消息与失败日志
func NatsxLogging(slow time.Duration) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			start := time.Now()
			err := next(ctx, msg)
			cost := time.Since(start)
			switch {
			case err != nil:
				logger.Warn("[nats] handler failed", zap.String("subject", msg.Subject), zap.Duration("cost", cost), zap.Error(err))
			case slow > 0 && cost > slow:
				logger.Warn("[nats] slow handler", zap.String("subject", msg.Subject), zap.Duration("cost", cost), zap.Int("bytes", len(msg.Data)))
			}
			return err
		}
	}
}
