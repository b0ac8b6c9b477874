package rpcconn

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/arloliu/go-thriftconn/framing"
	"github.com/arloliu/go-thriftconn/logger"
)

func TestConnection_CallRoundTrip(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, "tcp", "127.0.0.1:0")
	client := newStringClient("ping")
	conn := newTestConnection(t, NewTCPDialer("127.0.0.1", srv.port(), time.Second), WithClient(client))
	echo(srv.accept(t))

	cb, results := collectResults()
	seqID := conn.NextSeqID()
	require.Equal(int32(1), seqID)
	require.NoError(conn.Call("", seqID, replyMsg("ping", seqID, "pong"), cb))

	res := waitFor(t, results)
	require.NoError(res.err)
	require.Equal("pong", res.result)

	waitState(t, conn, ConnectedState)
	require.True(conn.Connected())
	require.Equal(uint64(1), conn.Metrics().ConnectCount.Load())
	require.Equal(uint64(1), conn.Metrics().MsgRecvCount.Load())
	require.Equal(int64(0), conn.Metrics().MsgInflightCount.Load())
}

func TestConnection_OfflineQueueOrder(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, "tcp", "127.0.0.1:0")
	dialer := newGatedDialer(NewTCPDialer("127.0.0.1", srv.port(), time.Second))
	conn := newTestConnection(t, dialer)

	connected := make(chan struct{}, 1)
	conn.OnConnect(func() { connected <- struct{}{} })

	require.NoError(conn.Write([]byte("a")))
	require.NoError(conn.Write([]byte("b")))
	require.NoError(conn.Write([]byte("c")))
	require.False(conn.Connected())
	require.Equal(3, conn.QueueLen())
	require.Equal(int64(3), conn.Metrics().OfflineQueueLen.Load())

	dialer.open()
	waitFor(t, connected)
	require.Equal(0, conn.QueueLen())
	require.NoError(conn.Write([]byte("d")))

	peer := srv.accept(t)
	buf := make([]byte, 4)
	_, err := io.ReadFull(peer, buf)
	require.NoError(err)
	require.Equal("abcd", string(buf))
}

func TestConnection_FramedTransport(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, "tcp", "127.0.0.1:0")
	codec := framing.NewFramed(framing.DefaultMaxFrameSize)
	client := newStringClient("ping")
	conn := newTestConnection(t, NewTCPDialer("127.0.0.1", srv.port(), time.Second),
		WithClient(client), WithTransport(codec))
	peer := srv.accept(t)
	echo(peer)

	cb, results := collectResults()
	for range 3 {
		seqID := conn.NextSeqID()
		require.NoError(conn.Call("", seqID, replyMsg("ping", seqID, "framed"), cb))
	}
	for range 3 {
		res := waitFor(t, results)
		require.NoError(res.err)
		require.Equal("framed", res.result)
	}
}

func TestConnection_Multiplexed(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, "tcp", "127.0.0.1:0")
	def := newStringClient("ping")
	calc := newStringClient("add")
	conn := newTestConnection(t, NewTCPDialer("127.0.0.1", srv.port(), time.Second),
		WithClient(def), WithServices(map[string]Client{"Calc": calc}))
	echo(srv.accept(t))

	calcCb, calcResults := collectResults()
	seqID := conn.NextSeqID()
	require.NoError(conn.Call("Calc", seqID, replyMsg("add", seqID, "3"), calcCb))
	res := waitFor(t, calcResults)
	require.Equal("3", res.result)

	defCb, defResults := collectResults()
	seqID = conn.NextSeqID()
	require.NoError(conn.Call("", seqID, replyMsg("ping", seqID, "pong"), defCb))
	res = waitFor(t, defResults)
	require.Equal("pong", res.result)

	err := conn.Call("Unknown", conn.NextSeqID(), replyMsg("add", 1, "x"), defCb)
	require.ErrorIs(err, ErrUnknownService)
	require.ErrorIs(conn.Call("", 0, nil, defCb), ErrInvalidSeqID)
}

func TestConnection_LateClientBinding(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, "tcp", "127.0.0.1:0")
	conn := newTestConnection(t, NewTCPDialer("127.0.0.1", srv.port(), time.Second))
	echo(srv.accept(t))

	cb, results := collectResults()
	require.ErrorIs(conn.Call("", 1, replyMsg("ping", 1, "x"), cb), ErrNoClient)

	conn.SetClient(newStringClient("ping"))
	require.NoError(conn.Call("", 1, replyMsg("ping", 1, "late"), cb))
	require.Equal("late", waitFor(t, results).result)

	calc := newStringClient("add")
	conn.SetServices(map[string]Client{"Calc": calc})
	require.NoError(conn.Call("Calc", 2, replyMsg("add", 2, "5"), cb))
	require.Equal("5", waitFor(t, results).result)
}

func TestConnection_UnknownMethodEmitsError(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, "tcp", "127.0.0.1:0")
	dialer := newGatedDialer(NewTCPDialer("127.0.0.1", srv.port(), time.Second))
	client := newStringClient("ping")
	conn := newTestConnection(t, dialer, WithClient(client))

	errs := make(chan error, 4)
	conn.OnError(func(err error) { errs <- err })
	dialer.open()

	peer := srv.accept(t)
	_, err := peer.Write(replyMsg("nope", 1, "x"))
	require.NoError(err)

	err = waitFor(t, errs)
	require.ErrorContains(err, unknownMethodMsg)
	requireNoEvent(t, errs, 50*time.Millisecond)
}

func TestConnection_Reconnect(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, "tcp", "127.0.0.1:0")
	conn := newTestConnection(t, NewTCPDialer("127.0.0.1", srv.port(), time.Second), WithMaxAttempts(3))
	first := srv.accept(t)
	waitState(t, conn, ConnectedState)

	connects := make(chan struct{}, 4)
	reconnects := make(chan ReconnectInfo, 4)
	closes := make(chan struct{}, 4)
	conn.OnConnect(func() { connects <- struct{}{} })
	conn.OnReconnecting(func(info ReconnectInfo) { reconnects <- info })
	conn.OnClose(func() { closes <- struct{}{} })

	require.NoError(first.Close())

	info := waitFor(t, reconnects)
	require.Equal(ReconnectInfo{Delay: 255 * time.Millisecond, Attempt: 1}, info)

	waitFor(t, connects)
	echo(srv.accept(t))
	require.Equal(initialRetryState(), conn.RetryState())
	require.Equal(uint32(0), conn.Metrics().ConnRetryGauge.Load())
	require.Equal(uint64(2), conn.Metrics().ConnectCount.Load())
	require.Equal(uint64(1), conn.Metrics().DisconnectCount.Load())

	conn.SetClient(newStringClient("ping"))
	cb, results := collectResults()
	require.NoError(conn.Call("", 1, replyMsg("ping", 1, "again"), cb))
	require.Equal("again", waitFor(t, results).result)
	require.Empty(closes)
}

func TestConnection_NoRetryWithoutMaxAttempts(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, "tcp", "127.0.0.1:0")
	conn := newTestConnection(t, NewTCPDialer("127.0.0.1", srv.port(), time.Second))
	peer := srv.accept(t)
	waitState(t, conn, ConnectedState)

	closes := make(chan struct{}, 4)
	reconnects := make(chan ReconnectInfo, 4)
	conn.OnClose(func() { closes <- struct{}{} })
	conn.OnReconnecting(func(info ReconnectInfo) { reconnects <- info })

	require.NoError(peer.Close())
	waitFor(t, closes)
	<-conn.Done()

	require.Equal(ClosedState, conn.State())
	require.Empty(reconnects)
	require.ErrorIs(conn.Write([]byte("x")), ErrConnClosed)
}

var errBrokenWrite = errors.New("broken write")

// brokenWriteConn is a pipe end that accepts no writes.
type brokenWriteConn struct{ net.Conn }

func (brokenWriteConn) Write([]byte) (int, error) { return 0, errBrokenWrite }

type brokenWriteDialer struct {
	peers chan net.Conn
}

func (d *brokenWriteDialer) DialContext(context.Context) (net.Conn, error) {
	local, remote := net.Pipe()
	d.peers <- remote

	return brokenWriteConn{local}, nil
}

func (d *brokenWriteDialer) Address() string { return "pipe" }

func (d *brokenWriteDialer) Secure() bool { return false }

func TestConnection_OfflineFlushFailure(t *testing.T) {
	require := require.New(t)

	pipe := &brokenWriteDialer{peers: make(chan net.Conn, 1)}
	dialer := newGatedDialer(pipe)
	client := newStringClient("ping")
	conn := newTestConnection(t, dialer, WithClient(client))

	errs := make(chan error, 4)
	closes := make(chan struct{}, 1)
	conn.OnError(func(err error) { errs <- err })
	conn.OnClose(func() { closes <- struct{}{} })

	cb, results := collectResults()
	require.NoError(conn.Write([]byte("queued")))
	require.NoError(conn.Call("", conn.NextSeqID(), replyMsg("ping", 1, "x"), cb))
	require.Equal(2, conn.QueueLen())

	dialer.open()
	peer := waitFor(t, pipe.peers)
	t.Cleanup(func() { _ = peer.Close() })

	err := waitFor(t, errs)
	require.ErrorIs(err, errBrokenWrite)
	require.Contains(err.Error(), "2 of 2 writes not sent")

	waitFor(t, closes)
	res := waitFor(t, results)
	require.ErrorIs(res.err, ErrConnClosed)
	require.Equal(0, client.Pending().Len())
}

func TestConnection_UnhandledErrorLogged(t *testing.T) {
	require := require.New(t)

	dialer := NewTCPDialer("127.0.0.1", unusedPort(t), time.Second)

	l := logger.NewMockLogger()
	l.On("Debug", mock.Anything, mock.Anything).Maybe()
	logged := make(chan struct{})
	l.On("Error", "unhandled connection error", mock.MatchedBy(func(kv []any) bool {
		return len(kv) == 4 && kv[0] == "address" && kv[1] == dialer.Address() && kv[2] == "error"
	})).Once().Run(func(mock.Arguments) { close(logged) })

	conn := newTestConnection(t, dialer, WithLogger(l))
	waitFor(t, logged)
	<-conn.Done()

	require.Equal(ClosedState, conn.State())
	l.AssertExpectations(t)
}

func TestConnection_AttemptsExhausted(t *testing.T) {
	require := require.New(t)

	dialer := newGatedDialer(NewTCPDialer("127.0.0.1", unusedPort(t), time.Second))
	conn := newTestConnection(t, dialer, WithMaxAttempts(2))

	errs := make(chan error, 8)
	reconnects := make(chan ReconnectInfo, 8)
	closes := make(chan struct{}, 4)
	conn.OnError(func(err error) { errs <- err })
	conn.OnReconnecting(func(info ReconnectInfo) { reconnects <- info })
	conn.OnClose(func() { closes <- struct{}{} })

	cb, results := collectResults()
	conn.SetClient(newStringClient("ping"))
	require.NoError(conn.Call("", 1, replyMsg("ping", 1, "never"), cb))

	dialer.open()

	require.Equal(ReconnectInfo{Delay: 255 * time.Millisecond, Attempt: 1}, waitFor(t, reconnects))
	require.Equal(ReconnectInfo{Delay: 433 * time.Millisecond, Attempt: 2}, waitFor(t, reconnects))
	waitFor(t, closes)
	<-conn.Done()

	require.Len(errs, 3, "every failed dial is reported")
	require.Empty(reconnects)
	require.Equal(2, conn.RetryState().Attempts)
	require.Equal(ClosedState, conn.State())

	res := waitFor(t, results)
	require.ErrorIs(res.err, ErrConnClosed)
	require.ErrorIs(res.err, ErrAttemptsExhausted)
}

func TestConnection_ConnectTimeout(t *testing.T) {
	require := require.New(t)

	dialer := newGatedDialer(NewTCPDialer("127.0.0.1", unusedPort(t), time.Second))
	conn := newTestConnection(t, dialer, WithMaxAttempts(10), WithConnectTimeout(300*time.Millisecond))

	reconnects := make(chan ReconnectInfo, 8)
	closes := make(chan struct{}, 4)
	conn.OnError(func(error) {})
	conn.OnReconnecting(func(info ReconnectInfo) { reconnects <- info })
	conn.OnClose(func() { closes <- struct{}{} })
	dialer.open()

	waitFor(t, closes)
	<-conn.Done()

	require.Len(reconnects, 2)
	state := conn.RetryState()
	require.Equal(688*time.Millisecond, state.TotalElapsed)
	require.False(state.TimerActive)
}

func TestConnection_EndCancelsPendingRetry(t *testing.T) {
	require := require.New(t)

	dialer := newGatedDialer(NewTCPDialer("127.0.0.1", unusedPort(t), time.Second))
	conn := newTestConnection(t, dialer, WithMaxAttempts(5))

	reconnects := make(chan ReconnectInfo, 8)
	closes := make(chan struct{}, 4)
	conn.OnError(func(error) {})
	conn.OnReconnecting(func(info ReconnectInfo) { reconnects <- info })
	conn.OnClose(func() { closes <- struct{}{} })
	dialer.open()

	waitFor(t, reconnects)
	require.True(conn.RetryState().TimerActive)
	require.NoError(conn.End())

	waitFor(t, closes)
	<-conn.Done()
	require.False(conn.RetryState().TimerActive)

	requireNoEvent(t, reconnects, 400*time.Millisecond)
	require.Empty(closes, "close is emitted once")
	require.NoError(conn.End())
}

func TestConnection_EndWhileConnected(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, "tcp", "127.0.0.1:0")
	conn := newTestConnection(t, NewTCPDialer("127.0.0.1", srv.port(), time.Second), WithMaxAttempts(3))
	echo(srv.accept(t))
	waitState(t, conn, ConnectedState)

	closes := make(chan struct{}, 4)
	reconnects := make(chan ReconnectInfo, 4)
	conn.OnClose(func() { closes <- struct{}{} })
	conn.OnReconnecting(func(info ReconnectInfo) { reconnects <- info })

	require.NoError(conn.End())
	require.ErrorIs(conn.Write([]byte("late")), ErrConnClosed)

	waitFor(t, closes)
	<-conn.Done()
	require.Empty(reconnects)
	require.Equal(ClosedState, conn.State())
}

func TestConnection_EndBeforeConnect(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, "tcp", "127.0.0.1:0")
	dialer := newGatedDialer(NewTCPDialer("127.0.0.1", srv.port(), time.Second))
	conn := newTestConnection(t, dialer, WithMaxAttempts(3))

	closes := make(chan struct{}, 4)
	conn.OnClose(func() { closes <- struct{}{} })

	require.NoError(conn.End())
	waitFor(t, closes)
	<-conn.Done()

	dialer.open()
	requireNoEvent(t, closes, 50*time.Millisecond)
	require.False(conn.Connected())
}

func TestConnection_Destroy(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, "tcp", "127.0.0.1:0")
	conn := newTestConnection(t, NewTCPDialer("127.0.0.1", srv.port(), time.Second), WithMaxAttempts(3))
	peer := srv.accept(t)
	waitState(t, conn, ConnectedState)

	closes := make(chan struct{}, 4)
	conn.OnClose(func() { closes <- struct{}{} })

	cb, results := collectResults()
	conn.SetClient(newStringClient("ping"))
	require.NoError(conn.Call("", 1, replyMsg("ping", 1, "lost"), cb))
	_, err := io.ReadFull(peer, make([]byte, len(replyMsg("ping", 1, "lost"))))
	require.NoError(err)

	require.NoError(conn.Destroy())
	waitFor(t, closes)
	conn.Wait()

	require.ErrorIs(waitFor(t, results).err, ErrConnClosed)
	require.Equal(ClosedState, conn.State())
}

func TestConnection_AbandonedCalls(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, "tcp", "127.0.0.1:0")
	client := newStringClient("ping")
	conn := newTestConnection(t, NewTCPDialer("127.0.0.1", srv.port(), time.Second),
		WithClient(client), WithMaxAttempts(3))
	first := srv.accept(t)
	waitState(t, conn, ConnectedState)

	cb, results := collectResults()
	msg := replyMsg("ping", 1, "lost")
	require.NoError(conn.Call("", 1, msg, cb))
	_, err := io.ReadFull(first, make([]byte, len(msg)))
	require.NoError(err)
	require.NoError(first.Close())

	res := waitFor(t, results)
	require.ErrorIs(res.err, ErrConnClosed)
	require.False(client.Pending().Has(1))

	// a call issued while reconnecting is delivered after the reconnect
	waitState(t, conn, ReconnectingState, ConnectedState)
	require.NoError(conn.Call("", 2, replyMsg("ping", 2, "delivered"), cb))
	echo(srv.accept(t))

	res = waitFor(t, results)
	require.NoError(res.err)
	require.Equal("delivered", res.result)
}

func TestConnection_IdleTimeout(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, "tcp", "127.0.0.1:0")
	dialer := newGatedDialer(NewTCPDialer("127.0.0.1", srv.port(), time.Second))
	conn := newTestConnection(t, dialer, WithTimeout(50*time.Millisecond))

	timeouts := make(chan struct{}, 16)
	conn.OnTimeout(func() { timeouts <- struct{}{} })
	dialer.open()
	srv.accept(t)

	waitFor(t, timeouts)
	waitFor(t, timeouts)
	require.True(conn.Connected(), "an idle timeout does not close the socket")
}

func TestConnection_Unix(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "rpc.sock")
	srv := newTestServer(t, "unix", path)

	client := newStringClient("ping")
	conn, err := DialUnix(context.Background(), path, WithClient(client))
	require.NoError(err)
	t.Cleanup(func() {
		_ = conn.Destroy()
		conn.Wait()
	})
	echo(srv.accept(t))

	cb, results := collectResults()
	require.NoError(conn.Call("", 1, replyMsg("ping", 1, "unix"), cb))
	require.Equal("unix", waitFor(t, results).result)
}

func TestConnection_TLS(t *testing.T) {
	require := require.New(t)

	serverCfg, clientCfg := newTLSConfigs(t)
	srv := newTLSTestServer(t, serverCfg)

	client := newStringClient("ping")
	conn, err := DialTLS(context.Background(), "127.0.0.1", srv.port(),
		WithClient(client), WithTLSConfig(clientCfg), WithMaxAttempts(3))
	require.NoError(err)
	t.Cleanup(func() {
		_ = conn.Destroy()
		conn.Wait()
	})
	peer := srv.accept(t)
	go func() { _, _ = io.Copy(peer, peer) }()

	waitState(t, conn, ConnectedState)
	closes := make(chan struct{}, 4)
	reconnects := make(chan ReconnectInfo, 4)
	conn.OnClose(func() { closes <- struct{}{} })
	conn.OnReconnecting(func(info ReconnectInfo) { reconnects <- info })

	cb, results := collectResults()
	require.NoError(conn.Call("", 1, replyMsg("ping", 1, "secure"), cb))
	require.Equal("secure", waitFor(t, results).result)

	require.NoError(peer.Close())
	waitFor(t, closes)
	require.Empty(reconnects, "a TLS connection is never re-established")
	require.Equal(ClosedState, conn.State())
}

func TestConnection_TLSHandshakeFailure(t *testing.T) {
	require := require.New(t)

	serverCfg, _ := newTLSConfigs(t)
	srv := newTLSTestServer(t, serverCfg)

	// the default config does not trust the self-signed certificate
	dialer := newGatedDialer(NewTLSDialer("127.0.0.1", srv.port(), time.Second, nil))
	conn := newTestConnection(t, dialer)

	errs := make(chan error, 4)
	closes := make(chan struct{}, 4)
	conn.OnError(func(err error) { errs <- err })
	conn.OnClose(func() { closes <- struct{}{} })
	dialer.open()

	peer := srv.accept(t)
	go func() { _, _ = io.Copy(io.Discard, peer) }()

	require.Error(waitFor(t, errs))
	waitFor(t, closes)
}

func TestConnection_ContextCancel(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, "tcp", "127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	conn, err := DialTCP(ctx, "127.0.0.1", srv.port(), WithMaxAttempts(3))
	require.NoError(err)
	srv.accept(t)
	waitState(t, conn, ConnectedState)

	cancel()
	select {
	case <-conn.Done():
	case <-time.After(testWaitTimeout):
		t.Fatal("connection not closed on context cancel")
	}
	conn.Wait()
	require.Equal(ClosedState, conn.State())
}

func TestConnection_Metrics(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, "tcp", "127.0.0.1:0")
	client := newStringClient("ping")
	conn := newTestConnection(t, NewTCPDialer("127.0.0.1", srv.port(), time.Second), WithClient(client))
	echo(srv.accept(t))

	set := metrics.NewSet()
	conn.Metrics().Register(set, "thriftconn")

	cb, results := collectResults()
	require.NoError(conn.Call("", 1, replyMsg("ping", 1, "pong"), cb))
	waitFor(t, results)

	var buf bytes.Buffer
	set.WritePrometheus(&buf)
	out := buf.String()
	require.Contains(out, "thriftconn_connect_total 1")
	require.Contains(out, "thriftconn_msg_recv_total 1")
	require.Contains(out, "thriftconn_msg_send_total 1")
	require.Contains(out, "thriftconn_offline_queue_len 0")
}

func TestConnection_InvalidConfig(t *testing.T) {
	require := require.New(t)

	_, err := NewConnection(context.Background(), NewTCPDialer("127.0.0.1", 1, 0), nil)
	require.ErrorIs(err, ErrConnConfigNil)

	cfg, err := NewConnectionConfig()
	require.NoError(err)
	_, err = NewConnection(context.Background(), nil, cfg)
	require.Error(err)

	_, err = DialTCP(context.Background(), "127.0.0.1", 1, WithMaxAttempts(-1))
	require.Error(err)
}

func TestConnection_NoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	served := make(chan struct{})
	go func() {
		defer close(served)
		peer, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = io.Copy(peer, peer)
		_ = peer.Close()
	}()

	client := newStringClient("ping")
	conn, err := DialTCP(context.Background(), "127.0.0.1", ln.Addr().(*net.TCPAddr).Port,
		WithClient(client), WithTimeout(time.Second), WithMaxAttempts(2))
	require.NoError(err)

	cb, results := collectResults()
	require.NoError(conn.Call("", 1, replyMsg("ping", 1, "pong"), cb))
	require.Equal("pong", waitFor(t, results).result)

	require.NoError(conn.End())
	conn.Wait()
	<-served
}
