package protocol

import "github.com/arloliu/go-thriftconn/framing"

// Protocol reads messages from a framing.Source.
//
// A Protocol is bound to a single buffer and is not goroutine-safe.
type Protocol interface {
	ReadMessageBegin() (MessageHeader, error)
	ReadMessageEnd() error
	ReadStructBegin() (name string, err error)
	ReadStructEnd() error
	ReadFieldBegin() (name string, typeID TType, id int16, err error)
	ReadFieldEnd() error
	ReadMapBegin() (keyType TType, valueType TType, size int, err error)
	ReadMapEnd() error
	ReadListBegin() (elemType TType, size int, err error)
	ReadListEnd() error
	ReadSetBegin() (elemType TType, size int, err error)
	ReadSetEnd() error
	ReadBool() (bool, error)
	ReadI8() (int8, error)
	ReadI16() (int16, error)
	ReadI32() (int32, error)
	ReadI64() (int64, error)
	ReadDouble() (float64, error)
	ReadString() (string, error)
	ReadBinary() ([]byte, error)

	// Skip reads and discards a value of the given type.
	Skip(typeID TType) error
}

// Factory creates a Protocol reading from src.
type Factory func(src framing.Source) Protocol

// ByName returns the protocol factory registered under name, or false if none matches.
func ByName(name string) (Factory, bool) {
	switch name {
	case "binary", "":
		return NewBinaryProtocol, true
	case "binary-strict":
		return NewStrictBinaryProtocol, true
	default:
		return nil, false
	}
}
