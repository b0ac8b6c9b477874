package framing

// Source is the read side consumed by message codecs.
type Source interface {
	// Next returns the next n bytes and advances the read cursor.
	// It returns ErrBufferUnderrun without advancing when fewer than n bytes remain.
	// The returned slice is only valid until the handler returns.
	Next(n int) ([]byte, error)
}

// Buffer is a read-only view over received bytes with a read cursor and a committed cursor.
//
// Commit marks everything read so far as consumed. Rollback moves the read cursor back to the
// last commit point, undoing a partial parse.
type Buffer struct {
	data      []byte
	readPos   int
	commitPos int
}

var _ Source = (*Buffer)(nil)

// NewBuffer creates a Buffer over data. The Buffer does not copy data.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

func (b *Buffer) Next(n int) ([]byte, error) {
	if n < 0 || len(b.data)-b.readPos < n {
		return nil, ErrBufferUnderrun
	}
	p := b.data[b.readPos : b.readPos+n : b.readPos+n]
	b.readPos += n

	return p, nil
}

// ReadByte reads a single byte.
func (b *Buffer) ReadByte() (byte, error) {
	if b.readPos >= len(b.data) {
		return 0, ErrBufferUnderrun
	}
	c := b.data[b.readPos]
	b.readPos++

	return c, nil
}

// Commit marks the current read position as committed.
func (b *Buffer) Commit() {
	b.commitPos = b.readPos
}

// Rollback moves the read position back to the last committed position.
func (b *Buffer) Rollback() {
	b.readPos = b.commitPos
}

// Remaining returns the number of unread bytes.
func (b *Buffer) Remaining() int {
	return len(b.data) - b.readPos
}

// Committed returns the number of committed bytes.
func (b *Buffer) Committed() int {
	return b.commitPos
}

// Len returns the total number of bytes in the buffer.
func (b *Buffer) Len() int {
	return len(b.data)
}
