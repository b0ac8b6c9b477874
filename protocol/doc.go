// Package protocol implements the message codec used on top of a framing.Buffer: reading the
// message envelope (method name, message type, sequence id) and the typed values that follow it.
//
// BinaryProtocol reads both the strict encoding (a versioned header word) and the older
// non-strict encoding. BinaryWriter produces the strict encoding.
//
// Reads that run past the end of the buffered bytes fail with framing.ErrBufferUnderrun, which
// callers treat as "wait for more input" rather than as a decoding failure.
package protocol
