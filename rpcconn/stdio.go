package rpcconn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-thriftconn/framing"
	"github.com/arloliu/go-thriftconn/internal/task"
	"github.com/arloliu/go-thriftconn/logger"
)

// StdIOConnection talks to a child process: requests are written to its standard input
// and responses are read from its standard output.
//
// The child is started by NewStdIOConnection. There is no reconnection; the connection
// closes for good when the child exits. Only a single client is supported.
type StdIOConnection struct {
	events

	cfg      *ConnectionConfig
	logger   logger.Logger
	tasks    *task.Group
	stateMgr *connStateMgr
	metrics  ConnectionMetrics
	cmd      *exec.Cmd

	writeMu sync.Mutex

	mu        sync.Mutex
	stdin     io.WriteCloser
	connected bool
	ending    bool
	closed    bool

	clients atomic.Pointer[clientSet]
	seqID   atomic.Int32

	// receiver and dispatcher are only used by the stdout reader
	receiver   framing.Receiver
	dispatcher *dispatcher

	done chan struct{}
}

// NewStdIOConnection starts command and returns a connection to it.
//
// The command line is split on whitespace: the first field is the executable, the rest
// are its arguments. Canceling ctx kills the child.
func NewStdIOConnection(ctx context.Context, command string, opts ...ConnOption) (*StdIOConnection, error) {
	cfg, err := NewConnectionConfig(opts...)
	if err != nil {
		return nil, err
	}
	if cfg.clients.multiplexed() {
		return nil, ErrMultiplexUnsupported
	}

	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}

	l := cfg.logger.With("command", args[0])
	if cfg.debug {
		l.SetLevel(logger.DebugLevel)
	}

	c := &StdIOConnection{
		cfg:      cfg,
		logger:   l,
		tasks:    task.NewGroup(l),
		stateMgr: newConnStateMgr(),
		receiver: cfg.transport.NewReceiver(),
		done:     make(chan struct{}),
	}
	c.events.init(c.tasks, l)
	c.clients.Store(cfg.clients)
	c.dispatcher = &dispatcher{
		protocol: cfg.protocol,
		clients:  &c.clients,
		logger:   l,
		metrics:  &c.metrics,
		emit:     c.emitError,
	}

	if err := c.start(ctx, args); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *StdIOConnection) start(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %q: %w", args[0], err)
	}
	c.cmd = cmd
	c.logger.Debug("child started", "pid", cmd.Process.Pid)

	// the connection is not returned to callers before this point, so nothing is queued
	c.mu.Lock()
	c.stdin = stdin
	c.connected = true
	c.mu.Unlock()

	c.metrics.incConnectCount()
	c.stateMgr.set(ConnectedState)

	stderrDone := make(chan struct{})
	c.tasks.Go("child stderr", func() {
		defer close(stderrDone)
		c.drainStderr(stderr)
	})
	c.tasks.Go("child stdout", func() {
		c.readLoop(stdout)
		<-stderrDone
		c.waitChild()
	})

	return nil
}

// Write sends data as-is to the child's standard input.
//
// It returns ErrConnClosed once End was called or the child exited.
func (c *StdIOConnection) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.closed || c.ending {
		c.mu.Unlock()
		return ErrConnClosed
	}
	stdin := c.stdin
	c.mu.Unlock()

	return c.writeStdin(stdin, data)
}

// Send frames msg with the configured transport and writes it without awaiting a response.
func (c *StdIOConnection) Send(msg []byte) error {
	return c.Write(c.cfg.transport.Encode(nil, msg))
}

// Call frames msg, writes it, and registers cb to be completed with the response
// carrying seqID. If the call cannot be written, Call returns the error and cb is not
// invoked.
func (c *StdIOConnection) Call(seqID int32, msg []byte, cb Callback) error {
	if seqID <= 0 {
		return ErrInvalidSeqID
	}

	client, err := c.clients.Load().forService("")
	if err != nil {
		return err
	}

	pending := client.Pending()
	pending.Add(seqID, cb)
	if err := c.Send(msg); err != nil {
		if _, ok := pending.Take(seqID); !ok {
			return nil
		}

		return err
	}

	return nil
}

// NextSeqID returns the next sequence id of the connection.
func (c *StdIOConnection) NextSeqID() int32 {
	for {
		id := c.seqID.Add(1)
		if id > 0 {
			return id
		}
		c.seqID.CompareAndSwap(id, 0)
	}
}

// SetClient binds the client that receives responses.
func (c *StdIOConnection) SetClient(client Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients.Store(c.clients.Load().withSingle(client))
}

// End closes the child's standard input. The connection closes once the child exits.
func (c *StdIOConnection) End() error {
	c.mu.Lock()
	if c.closed || c.ending {
		c.mu.Unlock()
		return nil
	}
	c.ending = true
	stdin := c.stdin
	c.mu.Unlock()

	c.logger.Debug("end child input")

	return stdin.Close()
}

// Destroy kills the child.
func (c *StdIOConnection) Destroy() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.ending = true
	c.mu.Unlock()

	c.logger.Debug("kill child")
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}

	return nil
}

// Wait blocks until the child exited and all goroutines of the connection terminated.
func (c *StdIOConnection) Wait() {
	<-c.done
	c.tasks.Wait()
}

// Done returns a channel that is closed when the connection is closed.
func (c *StdIOConnection) Done() <-chan struct{} {
	return c.done
}

// Connected reports whether the child is running.
func (c *StdIOConnection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

// State returns the current connection state.
func (c *StdIOConnection) State() ConnState {
	return c.stateMgr.get()
}

// Metrics returns the connection metrics.
func (c *StdIOConnection) Metrics() *ConnectionMetrics {
	return &c.metrics
}

func (c *StdIOConnection) writeStdin(stdin io.Writer, data []byte) error {
	if _, err := stdin.Write(data); err != nil {
		c.metrics.incMsgErrCount()
		return fmt.Errorf("write child input: %w", err)
	}
	c.metrics.incMsgSendCount()

	return nil
}

func (c *StdIOConnection) readLoop(stdout io.Reader) {
	buf := make([]byte, readChunkSize)

	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if ferr := c.receiver.Feed(buf[:n], c.dispatcher.handle); ferr != nil {
				c.emitError(ferr)
			}
		}

		if err != nil {
			if !isClosedConnError(err) && !errors.Is(err, os.ErrClosed) {
				c.emitError(err)
			}

			return
		}
	}
}

func (c *StdIOConnection) drainStderr(stderr io.Reader) {
	if c.logger.Level() > logger.DebugLevel {
		_, _ = io.Copy(io.Discard, stderr)
		return
	}

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.logger.Debug("child stderr", "line", scanner.Text())
	}
	// keep the pipe drained if a line overflows the scanner
	_, _ = io.Copy(io.Discard, stderr)
}

func (c *StdIOConnection) waitChild() {
	err := c.cmd.Wait()
	exitCode := -1
	if c.cmd.ProcessState != nil {
		exitCode = c.cmd.ProcessState.ExitCode()
	}
	c.logger.Debug("child exited", "exit_code", exitCode, "error", err)

	c.mu.Lock()
	c.connected = false
	c.closed = true
	c.mu.Unlock()

	c.stateMgr.set(ClosedState)
	c.clients.Load().each(func(client Client) {
		client.Pending().FailAll(ErrConnClosed)
	})
	c.receiver.Reset()
	c.emitClose()

	close(c.done)
}
