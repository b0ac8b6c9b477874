package protocol

import "strconv"

// TType is the wire type of a value.
type TType int8

const (
	STOP   TType = 0
	VOID   TType = 1
	BOOL   TType = 2
	BYTE   TType = 3
	DOUBLE TType = 4
	I16    TType = 6
	I32    TType = 8
	I64    TType = 10
	STRING TType = 11
	STRUCT TType = 12
	MAP    TType = 13
	SET    TType = 14
	LIST   TType = 15
)

func (t TType) String() string {
	switch t {
	case STOP:
		return "STOP"
	case VOID:
		return "VOID"
	case BOOL:
		return "BOOL"
	case BYTE:
		return "BYTE"
	case DOUBLE:
		return "DOUBLE"
	case I16:
		return "I16"
	case I32:
		return "I32"
	case I64:
		return "I64"
	case STRING:
		return "STRING"
	case STRUCT:
		return "STRUCT"
	case MAP:
		return "MAP"
	case SET:
		return "SET"
	case LIST:
		return "LIST"
	default:
		return "TType(" + strconv.Itoa(int(t)) + ")"
	}
}

// MessageType is the kind of a message.
type MessageType int32

const (
	Call      MessageType = 1
	Reply     MessageType = 2
	Exception MessageType = 3
	Oneway    MessageType = 4
)

func (m MessageType) String() string {
	switch m {
	case Call:
		return "call"
	case Reply:
		return "reply"
	case Exception:
		return "exception"
	case Oneway:
		return "oneway"
	default:
		return "MessageType(" + strconv.Itoa(int(m)) + ")"
	}
}

// MessageHeader is the envelope that precedes every message.
type MessageHeader struct {
	Name  string
	Type  MessageType
	SeqID int32
}
