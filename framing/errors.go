package framing

import "errors"

var (
	// ErrBufferUnderrun indicates that a read needs more bytes than are currently buffered.
	// It is recoverable: roll the Buffer back and wait for more input.
	ErrBufferUnderrun = errors.New("buffer underrun")

	// ErrFrameTooLarge indicates that a frame header announced a size above the receiver limit.
	ErrFrameTooLarge = errors.New("frame size exceeds limit")
)
