package logger

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log atomic.Pointer[zap.Logger]

func init() {
	log.Store(build(zapcore.DebugLevel, false))
}

func build(level zapcore.Level, json bool) *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeLevel:   zapcore.CapitalColorLevelEncoder, // 彩色等级
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	if json {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), level)
	// skip one frame so the caller points at the code calling logger.X
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}

// Init replaces the process logger. Unknown levels fall back to info.
func Init(level string, json bool) {
	var lv zapcore.Level
	if err := lv.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		lv = zapcore.InfoLevel
	}
	old := log.Swap(build(lv, json))
	if old != nil {
		_ = old.Sync()
	}
}

// L returns the underlying zap logger for callers that want fields or Named().
func L() *zap.Logger { return log.Load().WithOptions(zap.AddCallerSkip(-1)) }

func Sync() error { return log.Load().Sync() }

// 快捷方法
func Info(msg string, fields ...zap.Field) { log.Load().Info(msg, fields...) }
func Infof(format string, args ...interface{}) {
	log.Load().Info(fmt.Sprintf(format, args...))
}
func Warn(msg string, fields ...zap.Field) { log.Load().Warn(msg, fields...) }
func Warnf(format string, args ...interface{}) {
	log.Load().Warn(fmt.Sprintf(format, args...))
}
func Error(msg string, fields ...zap.Field) { log.Load().Error(msg, fields...) }

func Errorf(format string, args ...interface{}) {
	log.Load().Error(fmt.Sprintf(format, args...))
}

func Debug(msg string, fields ...zap.Field) { log.Load().Debug(msg, fields...) }
func Debugf(format string, args ...interface{}) {
	log.Load().Debug(fmt.Sprintf(format, args...))
}
