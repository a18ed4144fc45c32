package media

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// NewLoggerFactory bridges pion's internal logging into slog so pipeline
// diagnostics land in the same stream as the rest of the relay.
func NewLoggerFactory(log *slog.Logger) logging.LoggerFactory {
	return &loggerFactory{log: log}
}

type loggerFactory struct {
	log *slog.Logger
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{log: f.log.With("pion_scope", scope)}
}

type leveledLogger struct {
	log *slog.Logger
}

// slog has no trace level; pion trace output maps to debug.
func (l *leveledLogger) Trace(msg string)                  { l.log.Debug(msg) }
func (l *leveledLogger) Tracef(format string, args ...any) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *leveledLogger) Debug(msg string)                  { l.log.Debug(msg) }
func (l *leveledLogger) Debugf(format string, args ...any) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *leveledLogger) Info(msg string)                   { l.log.Info(msg) }
func (l *leveledLogger) Infof(format string, args ...any)  { l.log.Info(fmt.Sprintf(format, args...)) }
func (l *leveledLogger) Warn(msg string)                   { l.log.Warn(msg) }
func (l *leveledLogger) Warnf(format string, args ...any)  { l.log.Warn(fmt.Sprintf(format, args...)) }
func (l *leveledLogger) Error(msg string)                  { l.log.Error(msg) }
func (l *leveledLogger) Errorf(format string, args ...any) { l.log.Error(fmt.Sprintf(format, args...)) }
