package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"PPRealtime/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const TraceIDHeader = "X-Trace-ID"

// TraceID returns the caller's X-Trace-ID or a fresh random one.
func TraceID(c *gin.Context) string {
	if id := c.GetHeader(TraceIDHeader); id != "" {
		return id
	}
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Logging 请求日志；websocket 长连接在关闭时才记一条
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		traceID := TraceID(c)
		c.Set("trace_id", traceID)
		c.Header(TraceIDHeader, traceID)

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("trace_id", traceID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("cost", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if status >= 500 {
			logger.Error("[HTTP] request", fields...)
		} else {
			logger.Info("[HTTP] request", fields...)
		}
	}
}

// Recovery 把 panic 记到 zap 并返回 500
func Recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, err any) {
		logger.Error("[HTTP] panic recovered", zap.Any("panic", err), zap.String("path", c.Request.URL.Path))
		c.AbortWithStatus(500)
	})
}
