// Package task runs the goroutines owned by a connection: the event loop, socket readers,
// dialers and child process watchers. Every goroutine is tracked so that a connection can wait
// for all of them on teardown, and panics are recovered and logged instead of crashing the
// process.
package task

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-thriftconn/logger"
)

// Group tracks a set of named goroutines.
//
// The zero value is not usable; create one with NewGroup.
type Group struct {
	logger logger.Logger
	wg     sync.WaitGroup
	count  atomic.Int32
}

// NewGroup creates a Group that logs task lifecycle and panics to l.
func NewGroup(l logger.Logger) *Group {
	return &Group{logger: l}
}

// Go starts fn in a new goroutine registered under name.
func (g *Group) Go(name string, fn func()) {
	g.wg.Add(1)
	g.count.Add(1)

	go func() {
		defer g.wg.Done()
		defer func() {
			g.count.Add(-1)
			g.logger.Debug(fmt.Sprintf("%s task terminated", name), "task_count", g.Count())
		}()

		g.Call(name, fn)
	}()
}

// Call runs fn synchronously with panic protection.
// It reports whether fn returned normally.
func (g *Group) Call(name string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("panic in task", "name", name, "panic", r)
			ok = false
		}
	}()

	fn()

	return true
}

// Wait waits for all goroutines to terminate.
func (g *Group) Wait() {
	g.wg.Wait()
}

// WaitTimeout waits for all goroutines to terminate or for timeout to elapse.
// It returns false on timeout.
func (g *Group) WaitTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// Count returns the number of currently running goroutines.
func (g *Group) Count() int {
	return int(g.count.Load())
}
