package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/arloliu/go-thriftconn/logger"
	"github.com/arloliu/go-thriftconn/protocol"
	"github.com/arloliu/go-thriftconn/rpcconn"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// closeGrace is how long a gracefully ended connection may take to close before it is destroyed.
const closeGrace = 2 * time.Second

var errAllFailed = errors.New("no call succeeded")

func newPingCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Send empty-argument calls and report round-trip times",
		Long: `Send empty-argument calls to an RPC server and report round-trip times.

Every flag can also be set by an environment variable with the
THRIFTPING_ prefix, e.g. THRIFTPING_PORT=9090.`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return bindCommandFlags(v, cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadPingConfig(v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			level := logger.InfoLevel
			if cfg.Debug {
				level = logger.DebugLevel
			}

			l := logger.NewSlogWriter(cmd.ErrOrStderr(), level, false)
			logger.SetDefault(l)

			return runPing(ctx, cfg, l, cmd.OutOrStdout())
		},
	}

	setupPingFlags(cmd.Flags())

	return cmd
}

// pinger is the part of a connection the ping loop drives.
type pinger struct {
	nextSeqID func() int32
	call      func(seqID int32, msg []byte, cb rpcconn.Callback) error
	end       func() error
	destroy   func() error
	done      <-chan struct{}
	metrics   *rpcconn.ConnectionMetrics
}

// newPingClient creates a client that completes a call once its reply arrives, whatever the
// reply carries. Replies are accepted under each of names: multiplexing servers differ in
// whether they echo the service prefix.
func newPingClient(names ...string) *rpcconn.ClientBase {
	client := rpcconn.NewClientBase()
	recv := func(p protocol.Protocol, mtype protocol.MessageType, seqID int32) error {
		var remoteErr error
		if mtype == protocol.Exception {
			exc, err := protocol.ReadApplicationException(p)
			if err != nil {
				return err
			}
			remoteErr = exc
		} else if err := p.Skip(protocol.STRUCT); err != nil {
			return err
		}

		if err := p.ReadMessageEnd(); err != nil {
			return err
		}

		client.Pending().Resolve(seqID, nil, remoteErr)

		return nil
	}

	for _, name := range names {
		client.Handle(name, recv)
	}

	return client
}

// pingMessage encodes a call named name with an empty argument struct.
func pingMessage(name string, seqID int32) []byte {
	w := protocol.NewBinaryWriter()
	defer w.Release()

	w.WriteMessageBegin(name, protocol.Call, seqID)
	w.WriteStructBegin("args")
	w.WriteFieldStop()
	w.WriteStructEnd()
	w.WriteMessageEnd()

	return w.Bytes()
}

func dialPinger(ctx context.Context, cfg *pingConfig, l logger.Logger, client rpcconn.Client) (*pinger, error) {
	opts := cfg.connOptions(l, client)

	if cfg.Transport == "stdio" {
		conn, err := rpcconn.NewStdIOConnection(ctx, cfg.Command, opts...)
		if err != nil {
			return nil, err
		}
		conn.OnError(func(err error) { l.Warn("connection error", "error", err) })

		return &pinger{
			nextSeqID: conn.NextSeqID,
			call:      conn.Call,
			end:       conn.End,
			destroy:   conn.Destroy,
			done:      conn.Done(),
			metrics:   conn.Metrics(),
		}, nil
	}

	var conn *rpcconn.Connection
	var err error
	switch cfg.Transport {
	case "tcp":
		conn, err = rpcconn.DialTCP(ctx, cfg.Host, cfg.Port, opts...)
	case "tls":
		conn, err = rpcconn.DialTLS(ctx, cfg.Host, cfg.Port, opts...)
	case "unix":
		conn, err = rpcconn.DialUnix(ctx, cfg.Path, opts...)
	default:
		err = fmt.Errorf("invalid transport %s", cfg.Transport)
	}
	if err != nil {
		return nil, err
	}

	conn.OnConnect(func() { l.Info("connected", "transport", cfg.Transport) })
	conn.OnError(func(err error) { l.Warn("connection error", "error", err) })
	conn.OnTimeout(func() { l.Warn("connection idle", "timeout", cfg.Timeout) })
	conn.OnReconnecting(func(info rpcconn.ReconnectInfo) {
		l.Info("reconnecting", "delay", info.Delay, "attempt", info.Attempt)
	})

	return &pinger{
		nextSeqID: conn.NextSeqID,
		call: func(seqID int32, msg []byte, cb rpcconn.Callback) error {
			return conn.Call(cfg.Service, seqID, msg, cb)
		},
		end:     conn.End,
		destroy: conn.Destroy,
		done:    conn.Done(),
		metrics: conn.Metrics(),
	}, nil
}

// runPing sends cfg.Count calls, printing one line per call to out.
func runPing(ctx context.Context, cfg *pingConfig, l logger.Logger, out io.Writer) error {
	name := cfg.Method
	if cfg.Service != "" {
		name = protocol.MultiplexedName(cfg.Service, cfg.Method)
	}
	client := newPingClient(cfg.Method, name)

	p, err := dialPinger(ctx, cfg, l, client)
	if err != nil {
		return err
	}
	defer p.close(l)

	var sent, failed int
	var total time.Duration
	for i := 0; cfg.Count == 0 || i < cfg.Count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(cfg.Interval):
			}
		}
		if ctx.Err() != nil {
			break
		}

		seqID := p.nextSeqID()
		rtt, err := p.ping(ctx, name, seqID, cfg.CallTimeout)
		sent++
		if err != nil {
			failed++
			fmt.Fprintf(out, "seq=%d error: %v\n", seqID, err)

			continue
		}
		total += rtt
		fmt.Fprintf(out, "seq=%d time=%v\n", seqID, rtt.Round(time.Microsecond))
	}

	if sent > 0 {
		fmt.Fprintf(out, "%d calls, %d ok, %d failed", sent, sent-failed, failed)
		if ok := sent - failed; ok > 0 {
			fmt.Fprintf(out, ", avg %v", (total / time.Duration(ok)).Round(time.Microsecond))
		}
		fmt.Fprintln(out)
	}

	if cfg.Metrics {
		set := metrics.NewSet()
		p.metrics.Register(set, "thriftping")
		set.WritePrometheus(out)
	}

	if sent > 0 && failed == sent {
		return errAllFailed
	}

	return nil
}

// ping sends one call and waits for its completion.
func (p *pinger) ping(ctx context.Context, name string, seqID int32, timeout time.Duration) (time.Duration, error) {
	result := make(chan error, 1)
	start := time.Now()

	err := p.call(seqID, pingMessage(name, seqID), func(_ any, err error) {
		result <- err
	})
	if err != nil {
		return 0, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-result:
		return time.Since(start), err
	case <-timer.C:
		return 0, fmt.Errorf("no response within %v", timeout)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// close ends the connection, destroying it if it does not close in time.
func (p *pinger) close(l logger.Logger) {
	if err := p.end(); err != nil {
		l.Debug("end connection", "error", err)
	}

	select {
	case <-p.done:
	case <-time.After(closeGrace):
		_ = p.destroy()
		<-p.done
	}
}
