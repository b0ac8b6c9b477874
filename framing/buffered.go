package framing

import (
	"github.com/valyala/bytebufferpool"
)

type bufferedCodec struct{}

// NewBuffered returns the unframed codec: messages are written back to back.
func NewBuffered() Codec { return bufferedCodec{} }

func (bufferedCodec) Name() string { return "buffered" }

func (bufferedCodec) NewReceiver() Receiver { return &bufferedReceiver{} }

func (bufferedCodec) Encode(dst []byte, msg []byte) []byte {
	return append(dst, msg...)
}

// bufferedReceiver keeps every uncommitted byte and replays the backlog on each chunk.
type bufferedReceiver struct {
	backlog *bytebufferpool.ByteBuffer
}

func (r *bufferedReceiver) Feed(chunk []byte, handle Handler) error {
	if r.backlog == nil {
		r.backlog = bytebufferpool.Get()
	}
	_, _ = r.backlog.Write(chunk)

	buf := NewBuffer(r.backlog.B)
	err := handle(buf)
	if err != nil {
		// the stream can no longer be parsed past an uncommitted failure
		r.Reset()
		return err
	}

	r.discard(buf.Committed())

	return nil
}

// discard drops the first n bytes of the backlog.
func (r *bufferedReceiver) discard(n int) {
	if n <= 0 {
		return
	}
	rest := copy(r.backlog.B, r.backlog.B[n:])
	r.backlog.B = r.backlog.B[:rest]
	if rest == 0 {
		bytebufferpool.Put(r.backlog)
		r.backlog = nil
	}
}

func (r *bufferedReceiver) Reset() {
	if r.backlog != nil {
		bytebufferpool.Put(r.backlog)
		r.backlog = nil
	}
}

func (r *bufferedReceiver) Buffered() int {
	if r.backlog == nil {
		return 0
	}

	return r.backlog.Len()
}
