// Package logger provides the logging abstraction used by go-thriftconn, allowing applications
// to plug in their preferred logging implementation.
//
// The Logger interface defines leveled methods (Debug, Info, Warn, Error, Fatal) that accept
// structured key-value pairs, e.g.
//
//	l.Debug("retry connection", "delay", delay, "attempt", attempt)
//
// Log Levels:
//
//   - DebugLevel: connection lifecycle details, retry scheduling, child process output.
//   - InfoLevel: general informational messages.
//   - WarnLevel: recoverable anomalies.
//   - ErrorLevel: unobserved connection errors and exhausted reconnection budgets.
//   - FatalLevel: critical errors that cause program termination.
package logger

// Level indicates the logging severity level.
type Level = int8

const (
	// DebugLevel logs are typically voluminous, and are usually disabled in production.
	DebugLevel Level = iota - 1
	// InfoLevel is the default logging priority.
	InfoLevel
	// WarnLevel logs are more important than Info, but don't need individual
	// human review.
	WarnLevel
	// ErrorLevel logs are high-priority. If an application is running smoothly,
	// it shouldn't generate any error-level logs.
	ErrorLevel
	// FatalLevel logs a message, then calls os.Exit(1).
	FatalLevel
)

// Logger defines a common interface for logging.
type Logger interface {
	// Debug logs a message at DebugLevel.
	Debug(msg string, keysAndValues ...any)
	// Info logs a message at InfoLevel.
	Info(msg string, keysAndValues ...any)
	// Warn logs a message at WarnLevel.
	Warn(msg string, keysAndValues ...any)
	// Error logs a message at ErrorLevel.
	Error(msg string, keysAndValues ...any)
	// Fatal logs a message at FatalLevel, then calls os.Exit(1).
	Fatal(msg string, keysAndValues ...any)
	// With creates a child logger and adds structured context to it.
	// Key-values added to the child don't affect the parent, and vice versa.
	With(keyValues ...any) Logger
	// Level returns the minimum enabled level for this logger.
	Level() Level
	// SetLevel sets the minimum enabled level for this logger.
	SetLevel(level Level)
}
