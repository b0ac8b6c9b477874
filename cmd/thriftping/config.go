package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-thriftconn/framing"
	"github.com/arloliu/go-thriftconn/logger"
	"github.com/arloliu/go-thriftconn/protocol"
	"github.com/arloliu/go-thriftconn/rpcconn"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	errMissingCommand = errors.New("--command is required for the stdio transport")
	errMissingPath    = errors.New("--path is required for the unix transport")
	errStdioService   = errors.New("--service is not supported by the stdio transport")
)

// pingConfig holds the settings of the ping command.
type pingConfig struct {
	Transport string
	Host      string
	Port      int
	Path      string
	Command   string

	Framing  string
	Protocol string
	Service  string
	Method   string

	Count       int
	Interval    time.Duration
	CallTimeout time.Duration

	MaxAttempts    int
	RetryMaxDelay  time.Duration
	ConnectTimeout time.Duration
	Timeout        time.Duration

	Insecure bool
	Debug    bool
	Metrics  bool
}

func setupPingFlags(fs *pflag.FlagSet) {
	fs.String("transport", "tcp", wrapString("transport to use (tcp, tls, unix, stdio)"))
	fs.String("host", "localhost", wrapString("server host for the tcp and tls transports"))
	fs.Int("port", 9090, wrapString("server port for the tcp and tls transports"))
	fs.String("path", "", wrapString("socket path for the unix transport"))
	fs.String("command", "", wrapString("command line of the child process for the stdio transport"))

	fs.String("framing", "buffered", wrapString("transport framing (buffered, framed)"))
	fs.String("protocol", "binary", wrapString("wire protocol (binary, binary-strict)"))
	fs.String("service", "", wrapString("service name for multiplexed servers"))
	fs.String("method", "ping", wrapString("method to call"))

	fs.IntP("count", "c", 3, wrapString("number of calls to send, 0 sends until interrupted"))
	fs.Duration("interval", time.Second, wrapString("pause between calls"))
	fs.Duration("call-timeout", 5*time.Second, wrapString("time to wait for each response"))

	fs.Int("max-attempts", 0, wrapString("reconnection attempts after a lost connection, 0 disables reconnection"))
	fs.Duration("retry-max-delay", 0, wrapString("upper bound of the delay between reconnection attempts, 0 means unbounded"))
	fs.Duration("connect-timeout", 0, wrapString("total time budget for reconnection, also bounds each dial"))
	fs.Duration("timeout", 0, wrapString("idle time after which a timeout is reported"))

	fs.Bool("insecure", false, wrapString("skip TLS certificate verification"))
	fs.Bool("debug", false, wrapString("enable debug logging"))
	fs.Bool("metrics", false, wrapString("print connection metrics in Prometheus text format when done"))
}

// loadPingConfig reads the ping settings from v and validates them.
func loadPingConfig(v *viper.Viper) (*pingConfig, error) {
	cfg := &pingConfig{
		Transport:      v.GetString("transport"),
		Host:           v.GetString("host"),
		Port:           v.GetInt("port"),
		Path:           v.GetString("path"),
		Command:        v.GetString("command"),
		Framing:        v.GetString("framing"),
		Protocol:       v.GetString("protocol"),
		Service:        v.GetString("service"),
		Method:         v.GetString("method"),
		Count:          v.GetInt("count"),
		Interval:       v.GetDuration("interval"),
		CallTimeout:    v.GetDuration("call-timeout"),
		MaxAttempts:    v.GetInt("max-attempts"),
		RetryMaxDelay:  v.GetDuration("retry-max-delay"),
		ConnectTimeout: v.GetDuration("connect-timeout"),
		Timeout:        v.GetDuration("timeout"),
		Insecure:       v.GetBool("insecure"),
		Debug:          v.GetBool("debug"),
		Metrics:        v.GetBool("metrics"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *pingConfig) validate() error {
	switch cfg.Transport {
	case "tcp", "tls":
		if cfg.Port <= 0 || cfg.Port > 65535 {
			return fmt.Errorf("invalid port %d", cfg.Port)
		}
	case "unix":
		if cfg.Path == "" {
			return errMissingPath
		}
	case "stdio":
		if cfg.Command == "" {
			return errMissingCommand
		}
		if cfg.Service != "" {
			return errStdioService
		}
	default:
		return fmt.Errorf("invalid transport %s", cfg.Transport)
	}

	if _, ok := framing.ByName(cfg.Framing); !ok {
		return fmt.Errorf("invalid framing %s", cfg.Framing)
	}

	if _, ok := protocol.ByName(cfg.Protocol); !ok {
		return fmt.Errorf("invalid protocol %s", cfg.Protocol)
	}

	if cfg.Method == "" {
		return errors.New("method must not be empty")
	}

	if cfg.Count < 0 {
		return fmt.Errorf("invalid count %d, should be >= 0", cfg.Count)
	}

	if cfg.CallTimeout <= 0 {
		return fmt.Errorf("invalid call timeout %v, should be > 0", cfg.CallTimeout)
	}

	return nil
}

// connOptions translates the settings into connection options binding client.
func (cfg *pingConfig) connOptions(l logger.Logger, client rpcconn.Client) []rpcconn.ConnOption {
	codec, _ := framing.ByName(cfg.Framing)
	factory, _ := protocol.ByName(cfg.Protocol)

	opts := []rpcconn.ConnOption{
		rpcconn.WithLogger(l),
		rpcconn.WithDebug(cfg.Debug),
		rpcconn.WithTransport(codec),
		rpcconn.WithProtocol(factory),
		rpcconn.WithMaxAttempts(cfg.MaxAttempts),
		rpcconn.WithRetryMaxDelay(cfg.RetryMaxDelay),
		rpcconn.WithConnectTimeout(cfg.ConnectTimeout),
		rpcconn.WithTimeout(cfg.Timeout),
	}

	if cfg.Service != "" {
		opts = append(opts, rpcconn.WithServices(map[string]rpcconn.Client{cfg.Service: client}))
	} else {
		opts = append(opts, rpcconn.WithClient(client))
	}

	if cfg.Transport == "tls" {
		opts = append(opts, rpcconn.WithTLSConfig(&tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.Insecure, //nolint:gosec
		}))
	}

	return opts
}
