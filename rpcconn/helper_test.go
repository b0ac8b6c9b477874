package rpcconn

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-thriftconn/protocol"
)

const testWaitTimeout = 3 * time.Second

// replyMsg encodes a reply carrying a string result in field 0.
func replyMsg(method string, seqID int32, result string) []byte {
	w := protocol.NewBinaryWriter()
	defer w.Release()

	w.WriteMessageBegin(method, protocol.Reply, seqID)
	w.WriteStructBegin("result")
	w.WriteFieldBegin("success", protocol.STRING, 0)
	w.WriteString(result)
	w.WriteFieldEnd()
	w.WriteFieldStop()
	w.WriteStructEnd()
	w.WriteMessageEnd()

	return w.Bytes()
}

// exceptionMsg encodes an exception reply.
func exceptionMsg(method string, seqID int32, exc *protocol.ApplicationException) []byte {
	w := protocol.NewBinaryWriter()
	defer w.Release()

	w.WriteMessageBegin(method, protocol.Exception, seqID)
	exc.Write(w)
	w.WriteMessageEnd()

	return w.Bytes()
}

// readStringResult decodes the body written by replyMsg or exceptionMsg. remoteErr is the
// exception sent by the peer, err a decoding failure.
func readStringResult(p protocol.Protocol, mtype protocol.MessageType) (result string, remoteErr error, err error) {
	if mtype == protocol.Exception {
		exc, err := protocol.ReadApplicationException(p)
		if err != nil {
			return "", nil, err
		}

		return "", exc, p.ReadMessageEnd()
	}

	if _, err := p.ReadStructBegin(); err != nil {
		return "", nil, err
	}
	for {
		_, fieldType, id, err := p.ReadFieldBegin()
		if err != nil {
			return "", nil, err
		}
		if fieldType == protocol.STOP {
			break
		}
		if id == 0 && fieldType == protocol.STRING {
			if result, err = p.ReadString(); err != nil {
				return "", nil, err
			}
		} else if err := p.Skip(fieldType); err != nil {
			return "", nil, err
		}
		if err := p.ReadFieldEnd(); err != nil {
			return "", nil, err
		}
	}
	if err := p.ReadStructEnd(); err != nil {
		return "", nil, err
	}

	return result, nil, p.ReadMessageEnd()
}

// newStringClient returns a client decoding string results for methods.
func newStringClient(methods ...string) *ClientBase {
	c := NewClientBase()
	for _, method := range methods {
		c.Handle(method, func(p protocol.Protocol, mtype protocol.MessageType, seqID int32) error {
			result, remoteErr, err := readStringResult(p, mtype)
			if err != nil {
				return err
			}
			c.Pending().Resolve(seqID, result, remoteErr)

			return nil
		})
	}

	return c
}

type callResult struct {
	result any
	err    error
}

func collectResults() (Callback, <-chan callResult) {
	ch := make(chan callResult, 16)

	return func(result any, err error) { ch <- callResult{result: result, err: err} }, ch
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(testWaitTimeout):
		t.Fatal("timeout waiting for event")
	}

	var zero T

	return zero
}

func requireNoEvent[T any](t *testing.T, ch <-chan T, d time.Duration) {
	t.Helper()

	select {
	case v := <-ch:
		t.Fatalf("unexpected event: %v", v)
	case <-time.After(d):
	}
}

// testServer accepts connections and hands them to the test.
type testServer struct {
	ln       net.Listener
	accepted chan net.Conn

	mu    sync.Mutex
	conns []net.Conn
	once  sync.Once
}

func newTestServer(t *testing.T, network string, address string) *testServer {
	t.Helper()

	ln, err := net.Listen(network, address)
	require.NoError(t, err)

	return startTestServer(t, ln)
}

func newTLSTestServer(t *testing.T, cfg *tls.Config) *testServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	return startTestServer(t, tls.NewListener(ln, cfg))
}

func startTestServer(t *testing.T, ln net.Listener) *testServer {
	s := &testServer{ln: ln, accepted: make(chan net.Conn, 16)}
	go s.acceptLoop()
	t.Cleanup(s.Close)

	return s
}

func (s *testServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.accepted <- conn
	}
}

func (s *testServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *testServer) accept(t *testing.T) net.Conn {
	t.Helper()

	return waitFor(t, s.accepted)
}

func (s *testServer) Close() {
	s.once.Do(func() {
		_ = s.ln.Close()
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, conn := range s.conns {
			_ = conn.Close()
		}
	})
}

// echo copies everything received on conn back and closes conn once the peer closes.
func echo(conn net.Conn) {
	go func() {
		_, _ = io.Copy(conn, conn)
		_ = conn.Close()
	}()
}

// unusedPort returns a loopback port nothing listens on.
func unusedPort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	return port
}

// gatedDialer holds every dial until the gate is opened, so that a test can observe
// the connection while it is not connected.
type gatedDialer struct {
	Dialer
	gate chan struct{}
	once sync.Once
}

func newGatedDialer(d Dialer) *gatedDialer {
	return &gatedDialer{Dialer: d, gate: make(chan struct{})}
}

func (d *gatedDialer) open() {
	d.once.Do(func() { close(d.gate) })
}

func (d *gatedDialer) DialContext(ctx context.Context) (net.Conn, error) {
	select {
	case <-d.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return d.Dialer.DialContext(ctx)
}

// newTestConnection creates a connection that is destroyed when the test ends.
func newTestConnection(t *testing.T, dialer Dialer, opts ...ConnOption) *Connection {
	t.Helper()

	cfg, err := NewConnectionConfig(opts...)
	require.NoError(t, err)

	conn, err := NewConnection(context.Background(), dialer, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Destroy()
		conn.Wait()
	})

	return conn
}

func waitState(t *testing.T, conn interface {
	WaitState(ctx context.Context, states ...ConnState) error
}, states ...ConnState,
) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testWaitTimeout)
	defer cancel()
	require.NoError(t, conn.WaitState(ctx, states...))
}

// newTLSConfigs returns a server config with a self-signed certificate for 127.0.0.1 and
// a client config trusting it.
func newTLSConfigs(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(cert)

	serverCfg := &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
	clientCfg := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}

	return serverCfg, clientCfg
}
