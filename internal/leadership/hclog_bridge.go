package leadership

import (
	"io"
	stdlog "log"

	"github.com/hashicorp/go-hclog"

	"github.com/shardmesh/shardmesh/internal/telemetry/logger"
)

// hclogBridge adapts shardmesh's slog-backed logger.Logger to the
// hclog.Logger interface hashicorp/raft requires, the same role the
// teacher's raftHCLogger plays over *slog.Logger directly.
type hclogBridge struct {
	log logger.Logger
}

func (l *hclogBridge) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Trace, hclog.Debug:
		l.log.Debug(msg, args...)
	case hclog.Warn:
		l.log.Warn(msg, args...)
	case hclog.Error:
		l.log.Error(msg, args...)
	default:
		l.log.Info(msg, args...)
	}
}

func (l *hclogBridge) Trace(msg string, args ...interface{}) { l.log.Debug(msg, args...) }
func (l *hclogBridge) Debug(msg string, args ...interface{}) { l.log.Debug(msg, args...) }
func (l *hclogBridge) Info(msg string, args ...interface{})  { l.log.Info(msg, args...) }
func (l *hclogBridge) Warn(msg string, args ...interface{})  { l.log.Warn(msg, args...) }
func (l *hclogBridge) Error(msg string, args ...interface{}) { l.log.Error(msg, args...) }

func (l *hclogBridge) IsTrace() bool { return false }
func (l *hclogBridge) IsDebug() bool { return false }
func (l *hclogBridge) IsInfo() bool  { return true }
func (l *hclogBridge) IsWarn() bool  { return true }
func (l *hclogBridge) IsError() bool { return true }

func (l *hclogBridge) ImpliedArgs() []interface{} { return nil }
func (l *hclogBridge) With(args ...interface{}) hclog.Logger {
	return &hclogBridge{log: l.log.With(args...)}
}
func (l *hclogBridge) Name() string                    { return "raft" }
func (l *hclogBridge) Named(name string) hclog.Logger  { return l }
func (l *hclogBridge) ResetNamed(_ string) hclog.Logger { return l }
func (l *hclogBridge) SetLevel(_ hclog.Level)          {}
func (l *hclogBridge) GetLevel() hclog.Level           { return hclog.Info }
func (l *hclogBridge) StandardLogger(_ *hclog.StandardLoggerOptions) *stdlog.Logger {
	return nil
}
func (l *hclogBridge) StandardWriter(_ *hclog.StandardLoggerOptions) io.Writer {
	return nil
}
