package logger

import (
	"slices"
	"sync/atomic"

	"github.com/stretchr/testify/mock"
)

// MockLogger is a testify mock implementing Logger.
//
// Log methods are recorded as calls of their own name with two arguments: the message
// and the key-value pairs, including those bound by With. Child loggers created by With
// report to the same mock, so expectations set on the root observe the fields a
// connection attaches to its logger, e.g.
//
//	l.On("Error", "unhandled connection error", []any{"address", "127.0.0.1:9090", "error", err})
//
// Levels are kept by the mock and need no expectations.
type MockLogger struct {
	mock.Mock

	level atomic.Int32
}

var _ Logger = (*MockLogger)(nil)

func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.record("Debug", nil, msg, keysAndValues)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.record("Info", nil, msg, keysAndValues)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.record("Warn", nil, msg, keysAndValues)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.record("Error", nil, msg, keysAndValues)
}

func (m *MockLogger) Fatal(msg string, keysAndValues ...any) {
	m.record("Fatal", nil, msg, keysAndValues)
}

func (m *MockLogger) SetLevel(level Level) {
	m.level.Store(int32(level))
}

func (m *MockLogger) Level() Level {
	return Level(m.level.Load())
}

func (m *MockLogger) With(keyValues ...any) Logger {
	return &boundMockLogger{root: m, fields: slices.Clone(keyValues)}
}

func (m *MockLogger) record(method string, fields []any, msg string, keysAndValues []any) {
	m.MethodCalled(method, msg, append(slices.Clone(fields), keysAndValues...))
}

// boundMockLogger carries the fields of a With call and forwards to the root mock.
type boundMockLogger struct {
	root   *MockLogger
	fields []any
}

func (b *boundMockLogger) Debug(msg string, keysAndValues ...any) {
	b.root.record("Debug", b.fields, msg, keysAndValues)
}

func (b *boundMockLogger) Info(msg string, keysAndValues ...any) {
	b.root.record("Info", b.fields, msg, keysAndValues)
}

func (b *boundMockLogger) Warn(msg string, keysAndValues ...any) {
	b.root.record("Warn", b.fields, msg, keysAndValues)
}

func (b *boundMockLogger) Error(msg string, keysAndValues ...any) {
	b.root.record("Error", b.fields, msg, keysAndValues)
}

func (b *boundMockLogger) Fatal(msg string, keysAndValues ...any) {
	b.root.record("Fatal", b.fields, msg, keysAndValues)
}

func (b *boundMockLogger) SetLevel(level Level) { b.root.SetLevel(level) }

func (b *boundMockLogger) Level() Level { return b.root.Level() }

func (b *boundMockLogger) With(keyValues ...any) Logger {
	return &boundMockLogger{root: b.root, fields: append(slices.Clone(b.fields), keyValues...)}
}
