package redis

import (
	"fmt"

	"go.uber.org/zap"
)

// Logger adapts a zap logger to asynq.Logger.
type Logger struct {
	sugar *zap.SugaredLogger
}

func NewLogger(logger *zap.Logger) *Logger {
	return &Logger{sugar: logger.Named("asynq").WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l *Logger) Debug(args ...any) { l.sugar.Debug(fmt.Sprint(args...)) }
func (l *Logger) Info(args ...any)  { l.sugar.Info(fmt.Sprint(args...)) }
func (l *Logger) Warn(args ...any)  { l.sugar.Warn(fmt.Sprint(args...)) }
func (l *Logger) Error(args ...any) { l.sugar.Error(fmt.Sprint(args...)) }

// Fatal logs at error level. asynq calls it on unrecoverable errors, and
// exiting is left to the runner.
func (l *Logger) Fatal(args ...any) { l.sugar.Error(fmt.Sprint(args...)) }
