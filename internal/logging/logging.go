// Package logging provides the zap-backed orchestrator.Logger used by
// cmd/sessioncore and everything it wires up.
package logging

import (
	"go.uber.org/zap"

	"github.com/lokutor-ai/lokutor-sessioncore/pkg/orchestrator"
)

// ZapLogger adapts *zap.SugaredLogger to orchestrator.Logger's
// msg-plus-keyvals signature.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// New builds a ZapLogger. development selects a human-readable console
// encoder; production selects the JSON encoder cmd/sessioncore uses once
// deployed behind a log collector.
func New(development bool) (*ZapLogger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &ZapLogger{sugar: l.Sugar()}, nil
}

func (l *ZapLogger) Debug(msg string, args ...interface{}) {
	l.sugar.Debugw(msg, args...)
}

func (l *ZapLogger) Info(msg string, args ...interface{}) {
	l.sugar.Infow(msg, args...)
}

func (l *ZapLogger) Warn(msg string, args ...interface{}) {
	l.sugar.Warnw(msg, args...)
}

func (l *ZapLogger) Error(msg string, args ...interface{}) {
	l.sugar.Errorw(msg, args...)
}

// Sync flushes buffered log entries; call before process exit.
func (l *ZapLogger) Sync() error {
	return l.sugar.Sync()
}

var _ orchestrator.Logger = (*ZapLogger)(nil)
