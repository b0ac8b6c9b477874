package rpcconn

import "errors"

var (
	// ErrConnConfigNil indicates that a nil ConnectionConfig was provided.
	ErrConnConfigNil = errors.New("connection config is nil")

	// ErrConnClosed indicates that the connection is closed. Pending calls abandoned by a
	// disconnect are completed with this error.
	ErrConnClosed = errors.New("connection closed")

	// ErrNoClient indicates that no client is bound to resolve a response.
	ErrNoClient = errors.New("no client bound to connection")

	// ErrUnknownService indicates a multiplexed service name with no registered client.
	ErrUnknownService = errors.New("unknown service")

	// ErrMultiplexUnsupported indicates multiplexed clients on a transport that only
	// supports a single client.
	ErrMultiplexUnsupported = errors.New("multiplexed clients are not supported by this transport")

	// ErrInvalidSeqID indicates a sequence id that is not strictly positive. Negative ids are
	// reserved for dispatch placeholders.
	ErrInvalidSeqID = errors.New("sequence id must be positive")

	// ErrEmptyCommand indicates an empty child process command line.
	ErrEmptyCommand = errors.New("empty command")
)

var (
	// ErrAttemptsExhausted indicates that the configured number of reconnection attempts
	// was used up.
	ErrAttemptsExhausted = errors.New("reconnection attempts exhausted")

	// ErrRetryTimeExhausted indicates that the cumulative reconnection delay reached the
	// configured connect timeout.
	ErrRetryTimeExhausted = errors.New("reconnection time budget exhausted")
)
