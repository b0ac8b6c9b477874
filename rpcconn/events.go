package rpcconn

import (
	"sync"
	"time"

	"github.com/arloliu/go-thriftconn/internal/task"
	"github.com/arloliu/go-thriftconn/logger"
)

// ReconnectInfo describes a scheduled reconnection attempt.
type ReconnectInfo struct {
	// Delay is the time until the attempt fires.
	Delay time.Duration
	// Attempt is the 1-based attempt number since the last successful connect.
	Attempt int
}

// events holds the lifecycle listeners of a connection.
//
// Listeners are invoked sequentially on the goroutine that observed the event, never
// while connection locks are held. A panicking listener is recovered and logged.
type events struct {
	mu           sync.RWMutex
	onConnect    []func()
	onClose      []func()
	onError      []func(error)
	onTimeout    []func()
	onReconnect  []func(ReconnectInfo)
	tasks        *task.Group
	eventsLogger logger.Logger
}

func (e *events) init(tasks *task.Group, l logger.Logger) {
	e.tasks = tasks
	e.eventsLogger = l
}

// OnConnect registers fn to be called when the socket is established.
func (e *events) OnConnect(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConnect = append(e.onConnect, fn)
}

// OnClose registers fn to be called when the connection is closed for good.
func (e *events) OnClose(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClose = append(e.onClose, fn)
}

// OnError registers fn to be called on socket and dispatch errors.
// Errors raised while no error listener is registered are logged instead.
func (e *events) OnError(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = append(e.onError, fn)
}

// OnTimeout registers fn to be called when the socket is idle for the configured timeout.
func (e *events) OnTimeout(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTimeout = append(e.onTimeout, fn)
}

// OnReconnecting registers fn to be called when a reconnection attempt is scheduled.
func (e *events) OnReconnecting(fn func(ReconnectInfo)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onReconnect = append(e.onReconnect, fn)
}

func (e *events) emitConnect() {
	e.mu.RLock()
	fns := e.onConnect
	e.mu.RUnlock()

	for _, fn := range fns {
		e.tasks.Call("connect listener", fn)
	}
}

func (e *events) emitClose() {
	e.mu.RLock()
	fns := e.onClose
	e.mu.RUnlock()

	for _, fn := range fns {
		e.tasks.Call("close listener", fn)
	}
}

func (e *events) emitError(err error) {
	e.mu.RLock()
	fns := e.onError
	e.mu.RUnlock()

	if len(fns) == 0 {
		e.eventsLogger.Error("unhandled connection error", "error", err)
		return
	}

	for _, fn := range fns {
		e.tasks.Call("error listener", func() { fn(err) })
	}
}

func (e *events) emitTimeout() {
	e.mu.RLock()
	fns := e.onTimeout
	e.mu.RUnlock()

	for _, fn := range fns {
		e.tasks.Call("timeout listener", fn)
	}
}

func (e *events) emitReconnecting(info ReconnectInfo) {
	e.mu.RLock()
	fns := e.onReconnect
	e.mu.RUnlock()

	for _, fn := range fns {
		e.tasks.Call("reconnecting listener", func() { fn(info) })
	}
}
