package codesign

import "log"

// Logger is the orchestrator's injectable logging collaborator. The
// default is a no-op; StdLogger wraps the standard library's log.Logger
// for callers that want output without adopting a structured-logging
// dependency.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}

// StdLogger adapts the standard library's log package to Logger.
type StdLogger struct {
	*log.Logger
}

// NewStdLogger returns a StdLogger writing through l, or a sensible
// package-level default logger if l is nil.
func NewStdLogger(l *log.Logger) *StdLogger {
	if l == nil {
		l = log.Default()
	}
	return &StdLogger{Logger: l}
}

func (s *StdLogger) Debugf(format string, args ...any) { s.Printf("DEBUG "+format, args...) }
func (s *StdLogger) Infof(format string, args ...any)  { s.Printf("INFO "+format, args...) }
func (s *StdLogger) Warnf(format string, args ...any)  { s.Printf("WARN "+format, args...) }
