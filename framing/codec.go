package framing

// Handler processes a buffer of received bytes.
type Handler func(buf *Buffer) error

// Receiver reassembles a byte stream into buffers for a Handler.
//
// A Receiver belongs to a single socket and is not goroutine-safe.
type Receiver interface {
	// Feed appends chunk to the reassembly state and invokes handle for every buffer that is
	// ready to parse. The chunk may be reused by the caller once Feed returns.
	Feed(chunk []byte, handle Handler) error
	// Reset discards all reassembly state, e.g. after a reconnect.
	Reset()
	// Buffered returns the number of bytes held waiting for more input.
	Buffered() int
}

// Codec is a transport codec: it creates receivers for the inbound side and frames messages
// for the outbound side.
type Codec interface {
	// Name returns the codec name, e.g. "buffered" or "framed".
	Name() string
	// NewReceiver creates a new Receiver.
	NewReceiver() Receiver
	// Encode appends the wire form of msg to dst.
	Encode(dst []byte, msg []byte) []byte
}

// ByName returns the codec registered under name, or false if none matches.
func ByName(name string) (Codec, bool) {
	switch name {
	case "buffered", "":
		return NewBuffered(), true
	case "framed":
		return NewFramed(DefaultMaxFrameSize), true
	default:
		return nil, false
	}
}
