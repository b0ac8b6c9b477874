package protocol

import "fmt"

// skip discards a value of type typeID, following nested structs and containers
// up to depth levels.
func skip(p Protocol, typeID TType, depth int) error {
	if depth <= 0 {
		return ErrDepthLimit
	}

	switch typeID {
	case BOOL:
		_, err := p.ReadBool()
		return err
	case BYTE:
		_, err := p.ReadI8()
		return err
	case I16:
		_, err := p.ReadI16()
		return err
	case I32:
		_, err := p.ReadI32()
		return err
	case I64:
		_, err := p.ReadI64()
		return err
	case DOUBLE:
		_, err := p.ReadDouble()
		return err
	case STRING:
		_, err := p.ReadBinary()
		return err
	case STRUCT:
		if _, err := p.ReadStructBegin(); err != nil {
			return err
		}
		for {
			_, fieldType, _, err := p.ReadFieldBegin()
			if err != nil {
				return err
			}
			if fieldType == STOP {
				break
			}
			if err := skip(p, fieldType, depth-1); err != nil {
				return err
			}
			if err := p.ReadFieldEnd(); err != nil {
				return err
			}
		}

		return p.ReadStructEnd()
	case MAP:
		keyType, valueType, size, err := p.ReadMapBegin()
		if err != nil {
			return err
		}
		for i := 0; i < size; i++ {
			if err := skip(p, keyType, depth-1); err != nil {
				return err
			}
			if err := skip(p, valueType, depth-1); err != nil {
				return err
			}
		}

		return p.ReadMapEnd()
	case SET:
		elemType, size, err := p.ReadSetBegin()
		if err != nil {
			return err
		}
		for i := 0; i < size; i++ {
			if err := skip(p, elemType, depth-1); err != nil {
				return err
			}
		}

		return p.ReadSetEnd()
	case LIST:
		elemType, size, err := p.ReadListBegin()
		if err != nil {
			return err
		}
		for i := 0; i < size; i++ {
			if err := skip(p, elemType, depth-1); err != nil {
				return err
			}
		}

		return p.ReadListEnd()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownType, typeID)
	}
}
