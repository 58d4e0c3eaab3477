// Package logging owns the process-wide zap logger. Lambda writes JSON
// lines to stdout; CloudWatch picks them up as-is.
package logging

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log *zap.Logger

func Init() {
	level := zap.InfoLevel
	if os.Getenv("LOG_LEVEL") == "DEBUG" {
		level = zap.DebugLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.MessageKey = "message"
	encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339Nano)
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderCfg.EncodeDuration = zapcore.MillisDurationEncoder

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "json",
		EncoderConfig:    encoderCfg,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stdout"},
	}

	var err error
	log, err = cfg.Build(zap.AddStacktrace(zap.ErrorLevel))
	if err != nil {
		panic(err)
	}
}

// Get returns the global logger, initializing a default one if Init was
// never called (tests, local runs).
func Get() *zap.Logger {
	if log == nil {
		Init()
	}
	return log
}

// WithRequest returns a child logger carrying the request correlation id.
func WithRequest(requestID string) *zap.Logger {
	return Get().With(zap.String("request_id", requestID))
}
