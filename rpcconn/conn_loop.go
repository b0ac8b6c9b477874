package rpcconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"time"

	"github.com/valyala/bytebufferpool"
)

const readChunkSize = 32 * 1024

type connEventKind int

const (
	connectEvent connEventKind = iota
	dataEvent
	errorEvent
	timeoutEvent
	closeEvent
	retryEvent
)

// connEvent is posted to the event loop by dialers, socket readers and the retry timer.
// gen identifies the socket the event belongs to; events of a replaced socket are dropped.
type connEvent struct {
	kind connEventKind
	gen  uint64
	conn net.Conn
	data *bytebufferpool.ByteBuffer
	err  error
}

// post hands ev to the event loop. It returns false if the loop has exited.
func (c *Connection) post(ev connEvent) bool {
	select {
	case c.eventCh <- ev:
		return true
	case <-c.done:
		if ev.data != nil {
			bytebufferpool.Put(ev.data)
		}

		return false
	}
}

func (c *Connection) run() {
	defer close(c.done)

	ctxDone := c.pctx.Done()
	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			c.logger.Debug("context done, destroy connection")
			_ = c.terminate(false)

		case <-c.endCh:
			c.handleEnd()

		case ev := <-c.eventCh:
			switch ev.kind {
			case connectEvent:
				c.handleConnect(ev)
			case dataEvent:
				c.handleData(ev)
			case errorEvent:
				c.handleError(ev)
			case timeoutEvent:
				c.handleTimeout(ev)
			case closeEvent:
				c.handleClose(ev)
			case retryEvent:
				c.handleRetry()
			}
		}

		if c.isClosed() {
			return
		}
	}
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *Connection) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return gen == c.gen && !c.closed
}

// startDialLocked dials a new socket in the background.
func (c *Connection) startDialLocked() {
	c.gen++
	gen := c.gen

	dialCtx, cancel := context.WithCancel(c.pctx)
	c.dialCancel = cancel

	c.logger.Debug("dial", "gen", gen, "attempt", c.retry.state.Attempts)

	c.tasks.Go("dialer", func() {
		defer cancel()

		conn, err := c.dialer.DialContext(dialCtx)
		if err != nil {
			// a canceled dial is the result of End or Destroy, not an error
			if dialCtx.Err() == nil {
				c.post(connEvent{kind: errorEvent, gen: gen, err: fmt.Errorf("dial %s: %w", c.dialer.Address(), err)})
			}
			c.post(connEvent{kind: closeEvent, gen: gen})

			return
		}

		if !c.post(connEvent{kind: connectEvent, gen: gen, conn: conn}) {
			_ = conn.Close()
		}
	})
}

func (c *Connection) handleConnect(ev connEvent) {
	c.writeMu.Lock()
	c.mu.Lock()
	if ev.gen != c.gen || c.closed || c.forceClose {
		c.mu.Unlock()
		c.writeMu.Unlock()
		_ = ev.conn.Close()

		return
	}

	c.conn = ev.conn
	c.connected = true
	c.dialCancel = nil
	c.retry.reset()
	c.receiver.Reset()

	items := c.offline.Drain()
	c.metrics.setOfflineQueueLen(0)
	for _, item := range items {
		c.track(item)
	}
	c.mu.Unlock()

	c.metrics.incConnectCount()
	c.metrics.resetConnRetryGauge()

	// queued writes go out before any write issued after the connect
	var flushErr error
	for i, item := range items {
		if err := c.writeConn(ev.conn, item); err != nil {
			flushErr = fmt.Errorf("flush offline queue: %d of %d writes not sent: %w", len(items)-i, len(items), err)
			break
		}
	}
	if flushErr != nil {
		// the reader observes the close and the lost calls are failed there
		_ = ev.conn.Close()
	}
	c.writeMu.Unlock()

	c.logger.Debug("connected", "flushed", len(items))

	conn := ev.conn
	gen := ev.gen
	c.tasks.Go("reader", func() { c.readLoop(gen, conn) })

	c.emitConnect()
	// waiters observe the state once connect listeners ran
	c.stateMgr.set(ConnectedState)

	if flushErr != nil {
		c.logger.Debug("failed to flush offline queue", "error", flushErr)
		c.emitError(flushErr)
	}
}

func (c *Connection) handleData(ev connEvent) {
	defer bytebufferpool.Put(ev.data)

	if !c.isCurrent(ev.gen) {
		return
	}

	if err := c.receiver.Feed(ev.data.B, c.dispatcher.handle); err != nil {
		c.emitError(err)
	}
}

func (c *Connection) handleError(ev connEvent) {
	if !c.isCurrent(ev.gen) {
		return
	}
	c.logger.Debug("connection error", "error", ev.err)
	c.emitError(ev.err)
}

func (c *Connection) handleTimeout(ev connEvent) {
	if !c.isCurrent(ev.gen) {
		return
	}
	c.logger.Debug("connection idle timeout", "timeout", c.cfg.timeout)
	c.emitTimeout()
}

func (c *Connection) handleClose(ev connEvent) {
	c.mu.Lock()
	if ev.gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}

	wasConnected := c.connected
	c.connected = false
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.dialCancel = nil

	decision := c.retry.onDisconnect(c.forceClose, c.dialer.Secure())
	switch decision.action {
	case retrySchedule:
		c.retryTimer = time.AfterFunc(decision.delay, func() {
			c.post(connEvent{kind: retryEvent})
		})
	case retryGone, retryExhausted:
		c.shutdownLocked()
	case retryIgnore:
	}
	c.mu.Unlock()

	c.receiver.Reset()
	if wasConnected {
		c.metrics.incDisconnectCount()
		c.logger.Debug("disconnected")
	}
	c.failInflight()

	switch decision.action {
	case retrySchedule:
		c.metrics.incConnRetryGauge()
		c.stateMgr.set(ReconnectingState)
		c.logger.Debug("retry connection", "delay", decision.delay, "attempt", decision.attempt)
		c.emitReconnecting(ReconnectInfo{Delay: decision.delay, Attempt: decision.attempt})

	case retryExhausted:
		c.logger.Error("couldn't get connection", "attempts", c.cfg.maxAttempts, "error", decision.err)
		c.finalize(decision.err)

	case retryGone:
		c.finalize(nil)

	case retryIgnore:
		c.logger.Debug("close while reconnection is pending, ignored")
	}
}

func (c *Connection) handleRetry() {
	c.mu.Lock()
	if c.closed || c.forceClose || c.retryTimer == nil {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil

	err := c.retry.onTimerFired()
	if err == nil {
		c.logger.Debug("retrying connection")
		c.startDialLocked()
		c.mu.Unlock()

		return
	}

	elapsed := c.retry.state.TotalElapsed
	c.shutdownLocked()
	c.mu.Unlock()

	c.logger.Error("couldn't get connection", "elapsed", elapsed, "error", err)
	c.finalize(err)
}

// handleEnd completes an End or Destroy issued while no socket was established.
func (c *Connection) handleEnd() {
	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.shutdownLocked()
	c.mu.Unlock()

	c.finalize(nil)
}

// shutdownLocked marks the connection as closed for good.
func (c *Connection) shutdownLocked() {
	c.closed = true
	c.connected = false
	c.stopRetryTimerLocked()
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	c.offline.Reset()
	c.metrics.setOfflineQueueLen(0)
}

// failInflight completes the calls written to a lost socket with ErrConnClosed.
func (c *Connection) failInflight() {
	var ids []int32
	c.inflight.Range(func(seqID int32, _ Client) bool {
		ids = append(ids, seqID)
		return true
	})
	slices.Sort(ids)

	for _, seqID := range ids {
		client, ok := c.inflight.LoadAndDelete(seqID)
		if !ok {
			continue
		}
		c.metrics.decMsgInflightCount()
		c.routes.Delete(seqID)
		client.Pending().Resolve(seqID, nil, ErrConnClosed)
	}
}

// finalize fails every pending call and emits the close event.
func (c *Connection) finalize(reason error) {
	c.stateMgr.set(ClosedState)

	failErr := ErrConnClosed
	if reason != nil {
		failErr = fmt.Errorf("%w: %w", ErrConnClosed, reason)
	}
	c.failInflight()
	c.clients.Load().each(func(client Client) {
		client.Pending().FailAll(failErr)
	})
	c.routes.Clear()
	c.receiver.Reset()

	c.logger.Debug("connection closed")
	c.emitClose()
}

// readLoop reads the socket until it fails and posts what it observes to the event loop.
func (c *Connection) readLoop(gen uint64, conn net.Conn) {
	timeout := c.cfg.timeout

	for {
		if timeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
		}

		data := bytebufferpool.Get()
		data.B = slices.Grow(data.B[:0], readChunkSize)[:readChunkSize]

		n, err := conn.Read(data.B)
		if n > 0 {
			data.B = data.B[:n]
			if !c.post(connEvent{kind: dataEvent, gen: gen, data: data}) {
				return
			}
		} else {
			bytebufferpool.Put(data)
		}

		if err == nil {
			continue
		}

		if errors.Is(err, os.ErrDeadlineExceeded) {
			if !c.post(connEvent{kind: timeoutEvent, gen: gen}) {
				return
			}

			continue
		}

		if !isClosedConnError(err) {
			c.post(connEvent{kind: errorEvent, gen: gen, err: err})
		}
		c.post(connEvent{kind: closeEvent, gen: gen})

		return
	}
}

func isClosedConnError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
