package meshrtc

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// defaultAPI builds the pion API used when Config.API is nil, routing pion's
// internal logging through slog.
func defaultAPI() *webrtc.API {
	se := webrtc.SettingEngine{
		LoggerFactory: &slogLoggerFactory{base: slog.Default()},
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// slogLoggerFactory adapts pion's logging factory to slog.
type slogLoggerFactory struct {
	base *slog.Logger
}

func (f *slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{l: f.base.With("scope", scope)}
}

// slogLeveledLogger maps pion's leveled logger onto slog levels. Trace is
// folded into Debug; slog has no finer level.
type slogLeveledLogger struct {
	l *slog.Logger
}

func (s *slogLeveledLogger) Trace(msg string)                  { s.l.Debug(msg) }
func (s *slogLeveledLogger) Tracef(format string, args ...any) { s.l.Debug(fmt.Sprintf(format, args...)) }
func (s *slogLeveledLogger) Debug(msg string)                  { s.l.Debug(msg) }
func (s *slogLeveledLogger) Debugf(format string, args ...any) { s.l.Debug(fmt.Sprintf(format, args...)) }
func (s *slogLeveledLogger) Info(msg string)                   { s.l.Info(msg) }
func (s *slogLeveledLogger) Infof(format string, args ...any)  { s.l.Info(fmt.Sprintf(format, args...)) }
func (s *slogLeveledLogger) Warn(msg string)                   { s.l.Warn(msg) }
func (s *slogLeveledLogger) Warnf(format string, args ...any)  { s.l.Warn(fmt.Sprintf(format, args...)) }
func (s *slogLeveledLogger) Error(msg string)                  { s.l.Error(msg) }
func (s *slogLeveledLogger) Errorf(format string, args ...any) { s.l.Error(fmt.Sprintf(format, args...)) }
