// Package pionlog bridges pion/webrtc's logging.LoggerFactory interface
// to log/slog, so the WebRTC stack's internal diagnostics flow through
// the same structured logging sink as the rest of the transport core.
package pionlog

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// Factory implements logging.LoggerFactory on top of a slog.Logger.
type Factory struct {
	base *slog.Logger
}

// NewFactory builds a Factory that tags every scoped logger it hands out
// with a "pion_scope" attribute, so log lines from ICE, DTLS, SCTP, etc.
// stay distinguishable in aggregate output.
func NewFactory(base *slog.Logger) *Factory {
	if base == nil {
		base = slog.Default()
	}
	return &Factory{base: base}
}

// NewLogger returns a logging.LeveledLogger scoped to the given pion
// subsystem name (e.g. "ice", "dtls", "sctp").
func (f *Factory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{log: f.base.With("pion_scope", scope)}
}

// leveledLogger adapts slog's five levels onto pion's five-level
// interface. pion has no slog equivalent for Trace, so Trace collapses
// onto Debug.
type leveledLogger struct {
	log *slog.Logger
}

func (l *leveledLogger) Trace(msg string)                          { l.log.Debug(msg) }
func (l *leveledLogger) Tracef(format string, args ...interface{}) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *leveledLogger) Debug(msg string)                          { l.log.Debug(msg) }
func (l *leveledLogger) Debugf(format string, args ...interface{}) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *leveledLogger) Info(msg string)                           { l.log.Info(msg) }
func (l *leveledLogger) Infof(format string, args ...interface{})  { l.log.Info(fmt.Sprintf(format, args...)) }
func (l *leveledLogger) Warn(msg string)                           { l.log.Warn(msg) }
func (l *leveledLogger) Warnf(format string, args ...interface{})  { l.log.Warn(fmt.Sprintf(format, args...)) }
func (l *leveledLogger) Error(msg string)                          { l.log.Error(msg) }
func (l *leveledLogger) Errorf(format string, args ...interface{}) { l.log.Error(fmt.Sprintf(format, args...)) }
