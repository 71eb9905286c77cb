package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Scope prefixes every line with a component name and an optional tag,
// e.g. "call [1a2b3c4d] state calling -> connected".
type Scope struct {
	name string
	tag  string
}

// NewScope returns a scope for the named component.
func NewScope(name string) Scope {
	return Scope{name: name}
}

// WithTag returns a copy of s whose lines carry Tag(id).
func (s Scope) WithTag(id string) Scope {
	s.tag = Tag(id)
	return s
}

func (s Scope) prefix(format string) string {
	if s.tag == "" {
		return s.name + ": " + format
	}
	return s.name + " [" + s.tag + "] " + format
}

func (s Scope) Debugf(format string, args ...interface{}) { LogDebug(s.prefix(format), args...) }
func (s Scope) Infof(format string, args ...interface{})  { LogInfo(s.prefix(format), args...) }
func (s Scope) Warnf(format string, args ...interface{})  { LogWarning(s.prefix(format), args...) }
func (s Scope) Errorf(format string, args ...interface{}) { LogError(s.prefix(format), args...) }
