package rpcconn

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/arloliu/go-thriftconn/framing"
	"github.com/arloliu/go-thriftconn/logger"
	"github.com/arloliu/go-thriftconn/protocol"
)

// ConnectionConfig holds the configuration of a Connection or StdIOConnection.
//
// A config is immutable once a connection has been created from it.
type ConnectionConfig struct {
	// transport frames outbound messages and reassembles inbound bytes.
	// Defaults to the buffered (unframed) codec.
	transport framing.Codec

	// protocol decodes message envelopes from received buffers.
	// Defaults to the binary protocol.
	protocol protocol.Factory

	// debug raises the connection logger to debug level.
	debug bool

	// maxAttempts bounds the number of reconnection attempts after a disconnect.
	// Zero disables reconnection.
	maxAttempts int

	// retryMaxDelay caps the delay between reconnection attempts. Zero means no cap.
	retryMaxDelay time.Duration

	// connectTimeout bounds the cumulative reconnection delay and the initial dial.
	// Zero means no bound.
	connectTimeout time.Duration

	// timeout is the socket idle timeout; a `timeout` event is emitted when no byte
	// is received for this long. Zero disables it.
	timeout time.Duration

	// tlsConfig is used by TLS dialers. When nil, a default config with
	// MinVersion TLS 1.2 is used.
	tlsConfig *tls.Config

	// clients resolves the client that receives each response.
	clients *clientSet

	logger logger.Logger
}

// NewConnectionConfig creates a configuration with default values and applies opts.
func NewConnectionConfig(opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		transport: framing.NewBuffered(),
		protocol:  protocol.NewBinaryProtocol,
		logger:    logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// Transport returns the transport codec.
func (cfg *ConnectionConfig) Transport() framing.Codec { return cfg.transport }

// MaxAttempts returns the maximum number of reconnection attempts, zero if disabled.
func (cfg *ConnectionConfig) MaxAttempts() int { return cfg.maxAttempts }

// RetryMaxDelay returns the reconnection delay cap, zero if uncapped.
func (cfg *ConnectionConfig) RetryMaxDelay() time.Duration { return cfg.retryMaxDelay }

// ConnectTimeout returns the reconnection time budget, zero if unbounded.
func (cfg *ConnectionConfig) ConnectTimeout() time.Duration { return cfg.connectTimeout }

// Timeout returns the socket idle timeout, zero if disabled.
func (cfg *ConnectionConfig) Timeout() time.Duration { return cfg.timeout }

// dialTimeout is the timeout applied to a single dial.
func (cfg *ConnectionConfig) dialTimeout() time.Duration {
	if cfg.connectTimeout > 0 {
		return cfg.connectTimeout
	}

	return cfg.timeout
}

// ConnOption represents a functional option for configuring a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc struct {
	name      string
	applyFunc func(*ConnectionConfig) error
}

func (c *connOptFunc) apply(cfg *ConnectionConfig) error {
	if cfg == nil {
		return ErrConnConfigNil
	}

	return c.applyFunc(cfg)
}

func newConnOptFunc(name string, f func(*ConnectionConfig) error) *connOptFunc {
	return &connOptFunc{name: name, applyFunc: f}
}

// WithTransport sets the transport codec, see framing.NewBuffered and framing.NewFramed.
func WithTransport(codec framing.Codec) ConnOption {
	return newConnOptFunc("WithTransport", func(cfg *ConnectionConfig) error {
		if codec == nil {
			return fmt.Errorf("transport codec is nil")
		}
		cfg.transport = codec

		return nil
	})
}

// WithProtocol sets the message codec factory.
func WithProtocol(factory protocol.Factory) ConnOption {
	return newConnOptFunc("WithProtocol", func(cfg *ConnectionConfig) error {
		if factory == nil {
			return fmt.Errorf("protocol factory is nil")
		}
		cfg.protocol = factory

		return nil
	})
}

// WithDebug enables debug logging on the connection logger.
func WithDebug(debug bool) ConnOption {
	return newConnOptFunc("WithDebug", func(cfg *ConnectionConfig) error {
		cfg.debug = debug
		return nil
	})
}

// WithMaxAttempts sets the maximum number of reconnection attempts. Zero disables
// reconnection, which is the default.
func WithMaxAttempts(n int) ConnOption {
	return newConnOptFunc("WithMaxAttempts", func(cfg *ConnectionConfig) error {
		if n < 0 {
			return fmt.Errorf("invalid max attempts %d, should be >= 0", n)
		}
		cfg.maxAttempts = n

		return nil
	})
}

// WithRetryMaxDelay caps the delay between reconnection attempts. Zero removes the cap.
func WithRetryMaxDelay(d time.Duration) ConnOption {
	return newConnOptFunc("WithRetryMaxDelay", func(cfg *ConnectionConfig) error {
		if d < 0 {
			return fmt.Errorf("invalid retry max delay %v, should be >= 0", d)
		}
		cfg.retryMaxDelay = d

		return nil
	})
}

// WithConnectTimeout bounds the cumulative reconnection delay; once the sum of delays
// reaches d the connection gives up. It also bounds each dial. Zero removes the bound.
func WithConnectTimeout(d time.Duration) ConnOption {
	return newConnOptFunc("WithConnectTimeout", func(cfg *ConnectionConfig) error {
		if d < 0 {
			return fmt.Errorf("invalid connect timeout %v, should be >= 0", d)
		}
		cfg.connectTimeout = d

		return nil
	})
}

// WithTimeout sets the socket idle timeout. Zero disables it.
func WithTimeout(d time.Duration) ConnOption {
	return newConnOptFunc("WithTimeout", func(cfg *ConnectionConfig) error {
		if d < 0 {
			return fmt.Errorf("invalid timeout %v, should be >= 0", d)
		}
		cfg.timeout = d

		return nil
	})
}

// WithTLSConfig sets the TLS configuration used by TLS dialers.
func WithTLSConfig(tlsCfg *tls.Config) ConnOption {
	return newConnOptFunc("WithTLSConfig", func(cfg *ConnectionConfig) error {
		cfg.tlsConfig = tlsCfg
		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) ConnOption {
	return newConnOptFunc("WithLogger", func(cfg *ConnectionConfig) error {
		if l == nil {
			return fmt.Errorf("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}

// WithClient binds the client that receives responses. In multiplexed mode it is the
// fallback for responses without a service route.
func WithClient(c Client) ConnOption {
	return newConnOptFunc("WithClient", func(cfg *ConnectionConfig) error {
		if c == nil {
			return fmt.Errorf("client is nil")
		}
		cfg.clients = cfg.clients.withSingle(c)

		return nil
	})
}

// WithServices binds multiplexed clients keyed by service name.
func WithServices(services map[string]Client) ConnOption {
	return newConnOptFunc("WithServices", func(cfg *ConnectionConfig) error {
		if len(services) == 0 {
			return fmt.Errorf("no services given")
		}
		for name, c := range services {
			if name == "" || c == nil {
				return fmt.Errorf("invalid service entry %q", name)
			}
		}
		cfg.clients = cfg.clients.withServices(services)

		return nil
	})
}
