package main

import (
	"go.uber.org/zap"
)

type Logger interface {
	Log(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Log(string, ...any) {}

// zapLogger adapts a zap logger to Logger.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

func newZapLogger(logger *zap.Logger) *zapLogger {
	return &zapLogger{sugar: logger.Sugar()}
}

func (z *zapLogger) Log(format string, args ...any) {
	z.sugar.Infof(format, args...)
}

// newProcessLogger writes JSON logs to stdout and, when set, to logFile.
func newProcessLogger(logFile string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	if logFile != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, logFile)
	}
	return cfg.Build()
}

// prefixLogger wraps a logger with a fixed prefix, e.g. a worker id or account name.
type prefixLogger struct {
	prefix string
	base   Logger
}

func (p *prefixLogger) Log(format string, args ...any) {
	p.base.Log("[%s] "+format, append([]any{p.prefix}, args...)...)
}
