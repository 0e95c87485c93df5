package bus

import (
	"context"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"

	"go.uber.org/zap"
)

// Recover keeps one poisoned event from killing the subscriber goroutine.
func Recover(next Handler) Handler {
	return func(ctx context.Context, data []byte) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("[bus] handler panic", zap.Error(errs.ErrPanic(r)), zap.Int("len", len(data)))
			}
		}()
		next(ctx, data)
	}
}
