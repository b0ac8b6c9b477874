package protocol

import (
	"math"

	"github.com/lithdew/bytesutil"
	"github.com/valyala/bytebufferpool"
)

// BinaryWriter encodes messages with the strict binary encoding into a pooled buffer.
//
// Call Release when the writer is no longer needed; the slice returned by Bytes stays valid
// after Release.
type BinaryWriter struct {
	buf *bytebufferpool.ByteBuffer
}

// NewBinaryWriter returns an empty writer.
func NewBinaryWriter() *BinaryWriter {
	return &BinaryWriter{buf: bytebufferpool.Get()}
}

func (w *BinaryWriter) WriteMessageBegin(name string, typeID MessageType, seqID int32) {
	w.WriteI32(int32(uint32(Version1) | uint32(typeID)))
	w.WriteString(name)
	w.WriteI32(seqID)
}

func (w *BinaryWriter) WriteMessageEnd() {}

func (w *BinaryWriter) WriteStructBegin(string) {}

func (w *BinaryWriter) WriteStructEnd() {}

func (w *BinaryWriter) WriteFieldBegin(_ string, typeID TType, id int16) {
	w.WriteI8(int8(typeID))
	w.WriteI16(id)
}

func (w *BinaryWriter) WriteFieldEnd() {}

func (w *BinaryWriter) WriteFieldStop() {
	w.WriteI8(int8(STOP))
}

func (w *BinaryWriter) WriteMapBegin(keyType TType, valueType TType, size int) {
	w.WriteI8(int8(keyType))
	w.WriteI8(int8(valueType))
	w.WriteI32(int32(size))
}

func (w *BinaryWriter) WriteMapEnd() {}

func (w *BinaryWriter) WriteListBegin(elemType TType, size int) {
	w.WriteI8(int8(elemType))
	w.WriteI32(int32(size))
}

func (w *BinaryWriter) WriteListEnd() {}

func (w *BinaryWriter) WriteSetBegin(elemType TType, size int) {
	w.WriteListBegin(elemType, size)
}

func (w *BinaryWriter) WriteSetEnd() {}

func (w *BinaryWriter) WriteBool(v bool) {
	if v {
		w.WriteI8(1)
	} else {
		w.WriteI8(0)
	}
}

func (w *BinaryWriter) WriteI8(v int8) {
	w.buf.B = append(w.buf.B, byte(v))
}

func (w *BinaryWriter) WriteI16(v int16) {
	w.buf.B = bytesutil.AppendUint16BE(w.buf.B, uint16(v))
}

func (w *BinaryWriter) WriteI32(v int32) {
	w.buf.B = bytesutil.AppendUint32BE(w.buf.B, uint32(v))
}

func (w *BinaryWriter) WriteI64(v int64) {
	w.writeUint64(uint64(v))
}

func (w *BinaryWriter) WriteDouble(v float64) {
	w.writeUint64(math.Float64bits(v))
}

func (w *BinaryWriter) WriteString(v string) {
	w.WriteI32(int32(len(v)))
	w.buf.B = append(w.buf.B, v...)
}

func (w *BinaryWriter) WriteBinary(v []byte) {
	w.WriteI32(int32(len(v)))
	w.buf.B = append(w.buf.B, v...)
}

// Len returns the number of encoded bytes.
func (w *BinaryWriter) Len() int {
	return w.buf.Len()
}

// Bytes returns a copy of the encoded bytes.
func (w *BinaryWriter) Bytes() []byte {
	out := make([]byte, w.buf.Len())
	copy(out, w.buf.B)

	return out
}

// Reset discards the encoded bytes so the writer can be reused.
func (w *BinaryWriter) Reset() {
	w.buf.Reset()
}

// Release returns the internal buffer to the pool. The writer must not be used afterwards.
func (w *BinaryWriter) Release() {
	if w.buf != nil {
		bytebufferpool.Put(w.buf)
		w.buf = nil
	}
}

func (w *BinaryWriter) writeUint64(v uint64) {
	w.buf.B = bytesutil.AppendUint32BE(w.buf.B, uint32(v>>32))
	w.buf.B = bytesutil.AppendUint32BE(w.buf.B, uint32(v))
}
