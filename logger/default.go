package logger

import "sync/atomic"

type holder struct{ Logger }

var defLogger atomic.Pointer[holder]

func init() {
	defLogger.Store(&holder{NewSlog(InfoLevel, false)})
}

// SetDefault replaces the package default logger. Connections capture the default
// logger when their configuration is created, so it should be set before dialing.
func SetDefault(l Logger) {
	if l == nil {
		return
	}
	defLogger.Store(&holder{l})
}

// GetLogger returns the package default logger.
func GetLogger() Logger {
	return defLogger.Load().Logger
}

func Debug(msg string, keysAndValues ...any) {
	GetLogger().Debug(msg, keysAndValues...)
}

func Info(msg string, keysAndValues ...any) {
	GetLogger().Info(msg, keysAndValues...)
}

func Warn(msg string, keysAndValues ...any) {
	GetLogger().Warn(msg, keysAndValues...)
}

func Error(msg string, keysAndValues ...any) {
	GetLogger().Error(msg, keysAndValues...)
}

func Fatal(msg string, keysAndValues ...any) {
	GetLogger().Fatal(msg, keysAndValues...)
}

func SetLevel(level Level) {
	GetLogger().SetLevel(level)
}

func With(keyValues ...any) Logger {
	return GetLogger().With(keyValues...)
}
