// Package rtlog is the runtime's ambient logger, a small logrus wrapper
// standing in for the teacher's experimental/logging bit-flag scoped
// listener (log_listener.go): guest log_utf8_string calls carry a mask,
// and only bits the module config enabled at load time reach the sink.
package rtlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the orchestrator-wide sink. One Logger is shared by every
// loaded module; per-module gating (logger_enabled, logging_mask) is
// applied by the caller via MaskEnabled before logging a guest
// message, not by this type.
type Logger struct {
	base *logrus.Logger
}

// New builds a Logger writing structured, human-readable lines to
// stderr, matching the teacher's convention of logging operational
// detail to a writer distinct from a module's own stdout/stderr.
func New() *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{base: l}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.base.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.base.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.base.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.base.Errorf(format, args...) }

// GuestMessage logs one log_utf8_string call from a guest module,
// tagging the line with the module name and the raw mask the guest
// passed so operators can grep by either.
func (l *Logger) GuestMessage(moduleName string, mask int32, message string) {
	l.base.WithField("module", moduleName).WithField("mask", mask).Info(message)
}

// MaskEnabled reports whether msgMask has any bit in common with the
// module's configured loggingMask, the same "intersect, don't equal"
// gating the original log_utf8_string host import uses.
func MaskEnabled(loggingMask, msgMask int32) bool {
	return loggingMask&msgMask != 0
}
