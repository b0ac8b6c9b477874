package protocol

import (
	"fmt"
	"math"

	"github.com/arloliu/go-thriftconn/framing"
	"github.com/lithdew/bytesutil"
)

const (
	// VersionMask selects the version bits of a strict header word.
	VersionMask = 0xffff0000
	// Version1 is the only strict binary protocol version.
	Version1 = 0x80010000
	// TypeMask selects the message type bits of a strict header word.
	TypeMask = 0x000000ff

	// DefaultStringLimit bounds a single string or binary value.
	DefaultStringLimit = 16384000
	// DefaultContainerLimit bounds the element count of a single container.
	DefaultContainerLimit = 16384000

	maxSkipDepth = 64
)

// BinaryProtocol reads the binary encoding.
type BinaryProtocol struct {
	src            framing.Source
	strictRead     bool
	stringLimit    int
	containerLimit int
}

var _ Protocol = (*BinaryProtocol)(nil)

// NewBinaryProtocol returns a binary protocol that accepts strict and non-strict headers.
func NewBinaryProtocol(src framing.Source) Protocol {
	return &BinaryProtocol{
		src:            src,
		stringLimit:    DefaultStringLimit,
		containerLimit: DefaultContainerLimit,
	}
}

// NewStrictBinaryProtocol returns a binary protocol that rejects non-strict headers.
func NewStrictBinaryProtocol(src framing.Source) Protocol {
	return &BinaryProtocol{
		src:            src,
		strictRead:     true,
		stringLimit:    DefaultStringLimit,
		containerLimit: DefaultContainerLimit,
	}
}

func (p *BinaryProtocol) ReadMessageBegin() (MessageHeader, error) {
	var hdr MessageHeader

	word, err := p.ReadI32()
	if err != nil {
		return hdr, err
	}

	if word < 0 {
		if uint32(word)&VersionMask != Version1 {
			return hdr, fmt.Errorf("%w: 0x%08x", ErrBadVersion, uint32(word))
		}
		hdr.Type = MessageType(uint32(word) & TypeMask)
		if hdr.Name, err = p.ReadString(); err != nil {
			return hdr, err
		}
		if hdr.SeqID, err = p.ReadI32(); err != nil {
			return hdr, err
		}

		return hdr, nil
	}

	if p.strictRead {
		return hdr, ErrMissingVersion
	}

	// non-strict: the first word is the name length
	name, err := p.readStringBody(word)
	if err != nil {
		return hdr, err
	}
	hdr.Name = name

	typ, err := p.ReadI8()
	if err != nil {
		return hdr, err
	}
	hdr.Type = MessageType(typ)

	if hdr.SeqID, err = p.ReadI32(); err != nil {
		return hdr, err
	}

	return hdr, nil
}

func (p *BinaryProtocol) ReadMessageEnd() error { return nil }

func (p *BinaryProtocol) ReadStructBegin() (string, error) { return "", nil }

func (p *BinaryProtocol) ReadStructEnd() error { return nil }

func (p *BinaryProtocol) ReadFieldBegin() (string, TType, int16, error) {
	t, err := p.ReadI8()
	if err != nil {
		return "", STOP, 0, err
	}
	if TType(t) == STOP {
		return "", STOP, 0, nil
	}
	id, err := p.ReadI16()
	if err != nil {
		return "", STOP, 0, err
	}

	return "", TType(t), id, nil
}

func (p *BinaryProtocol) ReadFieldEnd() error { return nil }

func (p *BinaryProtocol) ReadMapBegin() (TType, TType, int, error) {
	k, err := p.ReadI8()
	if err != nil {
		return STOP, STOP, 0, err
	}
	v, err := p.ReadI8()
	if err != nil {
		return STOP, STOP, 0, err
	}
	size, err := p.readContainerSize()
	if err != nil {
		return STOP, STOP, 0, err
	}

	return TType(k), TType(v), size, nil
}

func (p *BinaryProtocol) ReadMapEnd() error { return nil }

func (p *BinaryProtocol) ReadListBegin() (TType, int, error) {
	e, err := p.ReadI8()
	if err != nil {
		return STOP, 0, err
	}
	size, err := p.readContainerSize()
	if err != nil {
		return STOP, 0, err
	}

	return TType(e), size, nil
}

func (p *BinaryProtocol) ReadListEnd() error { return nil }

func (p *BinaryProtocol) ReadSetBegin() (TType, int, error) {
	return p.ReadListBegin()
}

func (p *BinaryProtocol) ReadSetEnd() error { return nil }

func (p *BinaryProtocol) ReadBool() (bool, error) {
	b, err := p.ReadI8()
	return b == 1, err
}

func (p *BinaryProtocol) ReadI8() (int8, error) {
	b, err := p.src.Next(1)
	if err != nil {
		return 0, err
	}

	return int8(b[0]), nil
}

func (p *BinaryProtocol) ReadI16() (int16, error) {
	b, err := p.src.Next(2)
	if err != nil {
		return 0, err
	}

	return int16(bytesutil.Uint16BE(b)), nil
}

func (p *BinaryProtocol) ReadI32() (int32, error) {
	b, err := p.src.Next(4)
	if err != nil {
		return 0, err
	}

	return int32(bytesutil.Uint32BE(b)), nil
}

func (p *BinaryProtocol) ReadI64() (int64, error) {
	u, err := p.readUint64()
	return int64(u), err
}

func (p *BinaryProtocol) ReadDouble() (float64, error) {
	u, err := p.readUint64()
	return math.Float64frombits(u), err
}

func (p *BinaryProtocol) ReadString() (string, error) {
	size, err := p.ReadI32()
	if err != nil {
		return "", err
	}

	return p.readStringBody(size)
}

func (p *BinaryProtocol) ReadBinary() ([]byte, error) {
	size, err := p.ReadI32()
	if err != nil {
		return nil, err
	}
	if err := p.checkStringSize(size); err != nil {
		return nil, err
	}
	b, err := p.src.Next(int(size))
	if err != nil {
		return nil, err
	}

	// the source is only valid while the handler runs
	out := make([]byte, len(b))
	copy(out, b)

	return out, nil
}

func (p *BinaryProtocol) Skip(typeID TType) error {
	return skip(p, typeID, maxSkipDepth)
}

func (p *BinaryProtocol) readUint64() (uint64, error) {
	b, err := p.src.Next(8)
	if err != nil {
		return 0, err
	}

	return uint64(bytesutil.Uint32BE(b[:4]))<<32 | uint64(bytesutil.Uint32BE(b[4:])), nil
}

func (p *BinaryProtocol) readStringBody(size int32) (string, error) {
	if err := p.checkStringSize(size); err != nil {
		return "", err
	}
	b, err := p.src.Next(int(size))
	if err != nil {
		return "", err
	}

	return string(b), nil
}

func (p *BinaryProtocol) checkStringSize(size int32) error {
	if size < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeSize, size)
	}
	if int(size) > p.stringLimit {
		return fmt.Errorf("%w: string of %d bytes", ErrSizeLimit, size)
	}

	return nil
}

func (p *BinaryProtocol) readContainerSize() (int, error) {
	size, err := p.ReadI32()
	if err != nil {
		return 0, err
	}
	if size < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativeSize, size)
	}
	if int(size) > p.containerLimit {
		return 0, fmt.Errorf("%w: container of %d elements", ErrSizeLimit, size)
	}

	return int(size), nil
}
