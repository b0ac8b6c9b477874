package framing

import (
	"errors"
	"fmt"

	"github.com/lithdew/bytesutil"
	"github.com/valyala/bytebufferpool"
)

// DefaultMaxFrameSize is the default upper bound for an inbound frame.
const DefaultMaxFrameSize = 16384000

const frameHeaderSize = 4

type framedCodec struct {
	maxFrameSize int
}

// NewFramed returns the length-prefixed codec. Frames larger than maxFrameSize are rejected;
// maxFrameSize <= 0 selects DefaultMaxFrameSize.
func NewFramed(maxFrameSize int) Codec {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	return framedCodec{maxFrameSize: maxFrameSize}
}

func (framedCodec) Name() string { return "framed" }

func (c framedCodec) NewReceiver() Receiver {
	return &framedReceiver{maxFrameSize: c.maxFrameSize}
}

func (framedCodec) Encode(dst []byte, msg []byte) []byte {
	dst = bytesutil.AppendUint32BE(dst, uint32(len(msg)))
	return append(dst, msg...)
}

// framedReceiver reassembles length-prefixed frames.
//
//  1. collect the 4-byte header, possibly across chunks
//  2. validate the announced size
//  3. collect frameLeft payload bytes into frame
//  4. hand the completed frame to the handler
type framedReceiver struct {
	maxFrameSize int

	header    [frameHeaderSize]byte
	headerLen int

	frame     *bytebufferpool.ByteBuffer
	frameLeft int
	framePos  int
}

func (r *framedReceiver) Feed(chunk []byte, handle Handler) error {
	var errs []error

	for len(chunk) > 0 {
		if r.frame == nil {
			n := copy(r.header[r.headerLen:], chunk)
			r.headerLen += n
			chunk = chunk[n:]
			if r.headerLen < frameHeaderSize {
				break
			}

			size := int(bytesutil.Uint32BE(r.header[:]))
			r.headerLen = 0
			if size > r.maxFrameSize || size < 0 {
				r.Reset()
				return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, r.maxFrameSize)
			}

			r.frame = bytebufferpool.Get()
			r.frameLeft = size
			r.framePos = 0
		}

		n := min(r.frameLeft, len(chunk))
		_, _ = r.frame.Write(chunk[:n])
		r.frameLeft -= n
		r.framePos += n
		chunk = chunk[n:]

		if r.frameLeft > 0 {
			break
		}

		// frames are independent, so a failing frame does not stop the next one
		if err := handle(NewBuffer(r.frame.B)); err != nil {
			errs = append(errs, err)
		}
		r.releaseFrame()
	}

	return errors.Join(errs...)
}

func (r *framedReceiver) releaseFrame() {
	if r.frame != nil {
		bytebufferpool.Put(r.frame)
		r.frame = nil
	}
	r.frameLeft = 0
	r.framePos = 0
}

func (r *framedReceiver) Reset() {
	r.headerLen = 0
	r.releaseFrame()
}

func (r *framedReceiver) Buffered() int {
	return r.headerLen + r.framePos
}
