package protocol

import "fmt"

// ApplicationExceptionType classifies an ApplicationException.
type ApplicationExceptionType int32

const (
	UnknownApplicationException ApplicationExceptionType = 0
	UnknownMethod               ApplicationExceptionType = 1
	InvalidMessageType          ApplicationExceptionType = 2
	WrongMethodName             ApplicationExceptionType = 3
	BadSequenceID               ApplicationExceptionType = 4
	MissingResult               ApplicationExceptionType = 5
	InternalError               ApplicationExceptionType = 6
	ProtocolError               ApplicationExceptionType = 7
	InvalidTransform            ApplicationExceptionType = 8
	InvalidProtocol             ApplicationExceptionType = 9
	UnsupportedClientType       ApplicationExceptionType = 10
)

// ApplicationException is a protocol level error, either raised locally or sent by the peer
// as the body of an Exception message.
type ApplicationException struct {
	Type    ApplicationExceptionType
	Message string
}

// NewApplicationException creates an ApplicationException.
func NewApplicationException(typ ApplicationExceptionType, msg string) *ApplicationException {
	return &ApplicationException{Type: typ, Message: msg}
}

func (e *ApplicationException) Error() string {
	if e.Message != "" {
		return e.Message
	}

	return fmt.Sprintf("application exception type %d", e.Type)
}

// ReadApplicationException decodes an ApplicationException struct.
//
//	1: string message
//	2: i32 type
func ReadApplicationException(p Protocol) (*ApplicationException, error) {
	if _, err := p.ReadStructBegin(); err != nil {
		return nil, err
	}

	e := &ApplicationException{}
	for {
		_, fieldType, id, err := p.ReadFieldBegin()
		if err != nil {
			return nil, err
		}
		if fieldType == STOP {
			break
		}

		switch {
		case id == 1 && fieldType == STRING:
			if e.Message, err = p.ReadString(); err != nil {
				return nil, err
			}
		case id == 2 && fieldType == I32:
			v, err := p.ReadI32()
			if err != nil {
				return nil, err
			}
			e.Type = ApplicationExceptionType(v)
		default:
			if err := p.Skip(fieldType); err != nil {
				return nil, err
			}
		}

		if err := p.ReadFieldEnd(); err != nil {
			return nil, err
		}
	}

	if err := p.ReadStructEnd(); err != nil {
		return nil, err
	}

	return e, nil
}

// Write encodes the exception as a struct.
func (e *ApplicationException) Write(w *BinaryWriter) {
	w.WriteStructBegin("TApplicationException")
	if e.Message != "" {
		w.WriteFieldBegin("message", STRING, 1)
		w.WriteString(e.Message)
		w.WriteFieldEnd()
	}
	w.WriteFieldBegin("type", I32, 2)
	w.WriteI32(int32(e.Type))
	w.WriteFieldEnd()
	w.WriteFieldStop()
	w.WriteStructEnd()
}
