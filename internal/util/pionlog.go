package util

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pterm/pterm"
)

// PionLoggerFactory routes pion's internal logs into the pterm logger so the
// negotiation primitive shares one output with the rest of the process.
// pion's own debug/trace output is only shown when debug logging is enabled.
type PionLoggerFactory struct{}

// NewLogger implements logging.LoggerFactory.
func (PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{scope: scope}
}

type pionLogger struct {
	scope string
}

func (l *pionLogger) debugEnabled() bool {
	lvl := pterm.DefaultLogger.Level
	return lvl != pterm.LogLevelDisabled && lvl <= pterm.LogLevelDebug
}

func (l *pionLogger) Trace(msg string) {
	if l.debugEnabled() {
		LogDebug("pion/%s: %s", l.scope, msg)
	}
}

func (l *pionLogger) Tracef(format string, args ...interface{}) {
	l.Trace(fmt.Sprintf(format, args...))
}

func (l *pionLogger) Debug(msg string) {
	if l.debugEnabled() {
		LogDebug("pion/%s: %s", l.scope, msg)
	}
}

func (l *pionLogger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

// pion is chatty at info level; demote to debug.
func (l *pionLogger) Info(msg string) {
	l.Debug(msg)
}

func (l *pionLogger) Infof(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

func (l *pionLogger) Warn(msg string) {
	LogWarning("pion/%s: %s", l.scope, msg)
}

func (l *pionLogger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

func (l *pionLogger) Error(msg string) {
	LogError("pion/%s: %s", l.scope, msg)
}

func (l *pionLogger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}
