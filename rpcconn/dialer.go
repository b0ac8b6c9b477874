package rpcconn

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"
)

// Dialer establishes the socket of a Connection. It is invoked for the initial connect
// and for every reconnection attempt.
type Dialer interface {
	// DialContext establishes a new socket.
	DialContext(ctx context.Context) (net.Conn, error)
	// Address returns the dialed address, used in logs.
	Address() string
	// Secure reports whether the socket is encrypted. Secure sockets are never
	// re-established after a disconnect.
	Secure() bool
}

const dialKeepAlive = 30 * time.Second

// NewTCPDialer returns a Dialer for host:port. A positive timeout bounds each dial.
func NewTCPDialer(host string, port int, timeout time.Duration) Dialer {
	return &netDialer{network: "tcp", address: net.JoinHostPort(host, strconv.Itoa(port)), timeout: timeout}
}

// NewUnixDialer returns a Dialer for the Unix domain socket at path.
func NewUnixDialer(path string, timeout time.Duration) Dialer {
	return &netDialer{network: "unix", address: path, timeout: timeout}
}

// NewTLSDialer returns a Dialer that performs a TLS handshake over TCP to host:port.
//
// The dial completes once the handshake does. A nil cfg selects TLS 1.2 or newer with
// the server name set to host.
func NewTLSDialer(host string, port int, timeout time.Duration, cfg *tls.Config) Dialer {
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		cfg.ServerName = host
	}

	return &tlsDialer{
		netDialer: netDialer{network: "tcp", address: net.JoinHostPort(host, strconv.Itoa(port)), timeout: timeout},
		config:    cfg,
	}
}

type netDialer struct {
	network string
	address string
	timeout time.Duration
}

func (d *netDialer) dialer() *net.Dialer {
	return &net.Dialer{Timeout: d.timeout, KeepAlive: dialKeepAlive}
}

func (d *netDialer) DialContext(ctx context.Context) (net.Conn, error) {
	conn, err := d.dialer().DialContext(ctx, d.network, d.address)
	if err != nil {
		return nil, err
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	return conn, nil
}

func (d *netDialer) Address() string { return d.address }

func (d *netDialer) Secure() bool { return false }

type tlsDialer struct {
	netDialer
	config *tls.Config
}

func (d *tlsDialer) DialContext(ctx context.Context) (net.Conn, error) {
	td := &tls.Dialer{NetDialer: d.dialer(), Config: d.config}

	return td.DialContext(ctx, d.network, d.address)
}

func (d *tlsDialer) Secure() bool { return true }
