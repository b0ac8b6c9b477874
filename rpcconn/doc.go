// Package rpcconn implements the client side connection layer of the RPC framework.
//
// A Connection owns a stream socket (TCP, TLS or Unix domain) to a server. It buffers
// writes in an offline queue while the socket is down, re-establishes lost sockets with
// an exponential backoff, and routes every decoded response to the callback of the call
// that produced it. A StdIOConnection provides the same dispatch over the standard
// streams of a child process.
//
// # Calls and responses
//
// Clients register a RecvFunc per method on a ClientBase and issue calls with
// Connection.Call. When a response arrives its envelope is decoded, a placeholder
// callback is installed under the negated sequence id, and the RecvFunc of the named
// method decodes the body and resolves the placeholder. Resolving commits the read
// position of the buffer and completes the caller's callback.
//
// A response that is split across reads is parsed again once the rest arrives; no error
// is reported for it.
//
// # Multiplexing
//
// With WithServices several clients share one connection. A call issued with a service
// name records a route from its sequence id to that service, and the response is
// dispatched to the client of the service.
//
// # Reconnection
//
// With WithMaxAttempts a lost socket is dialed again. The delay starts at 150ms and is
// multiplied by 1.7 on every attempt, optionally capped by WithRetryMaxDelay. The
// connection gives up after the configured number of attempts or once the cumulative
// delay reaches WithConnectTimeout. TLS connections are never re-established.
//
// # Events
//
// OnConnect, OnClose, OnError, OnTimeout and OnReconnecting register lifecycle listeners.
// Listeners and response callbacks run on the connection's event loop goroutine.
package rpcconn
