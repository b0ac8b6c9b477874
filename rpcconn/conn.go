package rpcconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-thriftconn/framing"
	"github.com/arloliu/go-thriftconn/internal/queue"
	"github.com/arloliu/go-thriftconn/internal/task"
	"github.com/arloliu/go-thriftconn/logger"
)

// outbound is a write that is queued while disconnected or being written.
type outbound struct {
	payload []byte
	// seqID is set when the write carries a call whose response is awaited.
	seqID  int32
	client Client
}

// Connection is a client connection to a stream socket: TCP, TLS or Unix domain.
//
// It owns the socket, buffers writes while disconnected, reconnects according to the
// retry policy, and dispatches decoded responses to the bound clients.
//
// Socket events are processed sequentially by a single event loop goroutine. Response
// callbacks and lifecycle listeners run on that goroutine, so they must not block.
// All exported methods are safe for concurrent use.
type Connection struct {
	events

	pctx     context.Context
	cfg      *ConnectionConfig
	dialer   Dialer
	logger   logger.Logger
	tasks    *task.Group
	stateMgr *connStateMgr
	metrics  ConnectionMetrics

	// writeMu serializes socket writes and the offline queue flush; it is acquired
	// before mu.
	writeMu sync.Mutex

	mu         sync.Mutex
	conn       net.Conn
	gen        uint64
	connected  bool
	forceClose bool
	closed     bool
	dialCancel context.CancelFunc
	offline    queue.Queue[outbound]
	retry      retryPolicy
	retryTimer *time.Timer

	clients  atomic.Pointer[clientSet]
	routes   *xsync.MapOf[int32, string]
	inflight *xsync.MapOf[int32, Client]
	seqID    atomic.Int32

	// receiver and dispatcher are only used by the event loop
	receiver   framing.Receiver
	dispatcher *dispatcher

	eventCh chan connEvent
	endCh   chan struct{}
	done    chan struct{}
}

// NewConnection creates a connection that dials with dialer and starts connecting
// immediately. Writes issued before the socket is established are queued.
//
// Canceling ctx destroys the connection.
func NewConnection(ctx context.Context, dialer Dialer, cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil {
		return nil, ErrConnConfigNil
	}
	if dialer == nil {
		return nil, errors.New("dialer is nil")
	}

	l := cfg.logger.With("address", dialer.Address())
	if cfg.debug {
		l.SetLevel(logger.DebugLevel)
	}

	c := &Connection{
		pctx:     ctx,
		cfg:      cfg,
		dialer:   dialer,
		logger:   l,
		tasks:    task.NewGroup(l),
		stateMgr: newConnStateMgr(),
		offline:  queue.NewSliceQueue[outbound](16),
		retry:    newRetryPolicy(cfg.maxAttempts, cfg.retryMaxDelay, cfg.connectTimeout),
		routes:   xsync.NewMapOf[int32, string](),
		inflight: xsync.NewMapOf[int32, Client](),
		receiver: cfg.transport.NewReceiver(),
		eventCh:  make(chan connEvent),
		endCh:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.events.init(c.tasks, l)
	c.clients.Store(cfg.clients)
	c.dispatcher = &dispatcher{
		protocol: cfg.protocol,
		clients:  &c.clients,
		routes:   c.routes,
		logger:   l,
		metrics:  &c.metrics,
		emit:     c.emitError,
		settled:  c.settle,
	}

	c.mu.Lock()
	c.startDialLocked()
	c.mu.Unlock()

	c.tasks.Go("event loop", c.run)

	return c, nil
}

// DialTCP creates a connection to host:port.
func DialTCP(ctx context.Context, host string, port int, opts ...ConnOption) (*Connection, error) {
	cfg, err := NewConnectionConfig(opts...)
	if err != nil {
		return nil, err
	}

	return NewConnection(ctx, NewTCPDialer(host, port, cfg.dialTimeout()), cfg)
}

// DialTLS creates a TLS connection to host:port using the config given by WithTLSConfig.
//
// The connect event fires once the handshake completes. A TLS connection is never
// re-established after a disconnect.
func DialTLS(ctx context.Context, host string, port int, opts ...ConnOption) (*Connection, error) {
	cfg, err := NewConnectionConfig(opts...)
	if err != nil {
		return nil, err
	}

	return NewConnection(ctx, NewTLSDialer(host, port, cfg.dialTimeout(), cfg.tlsConfig), cfg)
}

// DialUnix creates a connection to the Unix domain socket at path.
func DialUnix(ctx context.Context, path string, opts ...ConnOption) (*Connection, error) {
	cfg, err := NewConnectionConfig(opts...)
	if err != nil {
		return nil, err
	}

	return NewConnection(ctx, NewUnixDialer(path, cfg.dialTimeout()), cfg)
}

// Write sends data as-is. While the socket is not established, data is appended to the
// offline queue and written in order on the next connect.
//
// It returns ErrConnClosed once the connection is ending or closed.
func (c *Connection) Write(data []byte) error {
	return c.write(outbound{payload: data})
}

// Send frames msg with the configured transport and writes it without awaiting a
// response, e.g. for oneway calls.
func (c *Connection) Send(msg []byte) error {
	return c.Write(c.cfg.transport.Encode(nil, msg))
}

// Call frames msg with the configured transport, writes it, and registers cb to be
// completed with the response carrying seqID.
//
// A non-empty service routes the response to the client bound under that service name.
// If the call cannot be written, Call returns the error and cb is not invoked. Calls
// written to a socket that is lost before their response arrives are completed with
// ErrConnClosed.
func (c *Connection) Call(service string, seqID int32, msg []byte, cb Callback) error {
	if seqID <= 0 {
		return ErrInvalidSeqID
	}

	client, err := c.clients.Load().forService(service)
	if err != nil {
		return err
	}

	pending := client.Pending()
	pending.Add(seqID, cb)
	if service != "" {
		c.routes.Store(seqID, service)
	}

	err = c.write(outbound{payload: c.cfg.transport.Encode(nil, msg), seqID: seqID, client: client})
	if err != nil {
		c.routes.Delete(seqID)
		// the call may already have been completed by a disconnect
		if _, ok := pending.Take(seqID); !ok {
			return nil
		}

		return err
	}

	return nil
}

// NextSeqID returns the next sequence id of the connection. Ids are positive and wrap
// around after math.MaxInt32.
func (c *Connection) NextSeqID() int32 {
	for {
		id := c.seqID.Add(1)
		if id > 0 {
			return id
		}
		c.seqID.CompareAndSwap(id, 0)
	}
}

// End closes the connection gracefully: the write side of the socket is shut down and
// the connection closes once the peer closes its side. A pending reconnection attempt is
// canceled and no further attempt is made.
func (c *Connection) End() error {
	return c.terminate(true)
}

// Destroy closes the socket immediately and closes the connection for good. Pending
// calls are completed with ErrConnClosed.
func (c *Connection) Destroy() error {
	return c.terminate(false)
}

// Wait blocks until the connection is closed and all its goroutines have terminated.
func (c *Connection) Wait() {
	<-c.done
	c.tasks.Wait()
}

// Done returns a channel that is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Connected reports whether the socket is established.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	return c.stateMgr.get()
}

// WaitState blocks until the connection reaches one of states or ctx is done.
func (c *Connection) WaitState(ctx context.Context, states ...ConnState) error {
	return c.stateMgr.wait(ctx, states...)
}

// RetryState returns a snapshot of the reconnection bookkeeping.
func (c *Connection) RetryState() RetryState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.retry.state
}

// QueueLen returns the number of writes waiting in the offline queue.
func (c *Connection) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.offline.Length()
}

// Metrics returns the connection metrics.
func (c *Connection) Metrics() *ConnectionMetrics {
	return &c.metrics
}

// Logger returns the connection logger.
func (c *Connection) Logger() logger.Logger {
	return c.logger
}

// SetClient binds c as the client that receives responses of calls without a service.
func (c *Connection) SetClient(client Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients.Store(c.clients.Load().withSingle(client))
}

// SetServices binds multiplexed clients keyed by service name.
func (c *Connection) SetServices(services map[string]Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients.Store(c.clients.Load().withServices(services))
}

func (c *Connection) write(item outbound) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.closed || c.forceClose {
		c.mu.Unlock()
		return ErrConnClosed
	}

	if !c.connected {
		c.offline.Enqueue(item)
		c.metrics.setOfflineQueueLen(c.offline.Length())
		c.mu.Unlock()

		return nil
	}

	conn := c.conn
	c.track(item)
	c.mu.Unlock()

	if err := c.writeConn(conn, item); err != nil {
		c.settle(item.seqID)
		return fmt.Errorf("write: %w", err)
	}

	return nil
}

// track records a call written to the current socket.
func (c *Connection) track(item outbound) {
	if item.seqID > 0 {
		c.inflight.Store(item.seqID, item.client)
		c.metrics.incMsgInflightCount()
	}
}

// settle forgets a call written to the socket.
func (c *Connection) settle(seqID int32) {
	if seqID <= 0 {
		return
	}
	if _, ok := c.inflight.LoadAndDelete(seqID); ok {
		c.metrics.decMsgInflightCount()
	}
}

func (c *Connection) writeConn(conn net.Conn, item outbound) error {
	if _, err := conn.Write(item.payload); err != nil {
		c.metrics.incMsgErrCount()
		return err
	}
	c.metrics.incMsgSendCount()

	return nil
}

// terminate marks the connection as force-closed and closes the socket, gracefully or
// not. Without a socket the close is completed by the event loop.
func (c *Connection) terminate(graceful bool) error {
	c.mu.Lock()
	// a graceful end may be escalated to a destroy
	if c.closed || (c.forceClose && graceful) {
		c.mu.Unlock()
		return nil
	}
	c.forceClose = true
	c.stopRetryTimerLocked()
	if c.dialCancel != nil {
		c.dialCancel()
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		select {
		case c.endCh <- struct{}{}:
		default:
		}

		return nil
	}

	if graceful {
		c.logger.Debug("end connection")
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			return cw.CloseWrite()
		}

		return conn.Close()
	}

	c.logger.Debug("destroy connection")
	raw := conn
	if nc, ok := conn.(interface{ NetConn() net.Conn }); ok {
		raw = nc.NetConn()
	}
	if tcpConn, ok := raw.(*net.TCPConn); ok {
		_ = tcpConn.SetLinger(0) // force close
	}

	return conn.Close()
}

func (c *Connection) stopRetryTimerLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.retry.cancelTimer()
}
