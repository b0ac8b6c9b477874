// Package framing reassembles the inbound byte stream of a connection into buffers that a
// message codec can parse, and frames outbound messages for the wire.
//
// Two transport codecs are provided:
//
//   - Buffered: messages are written back to back with no delimiter. The receiver keeps every
//     byte it has not seen committed and hands the whole backlog to the handler on each chunk.
//     A handler that runs out of bytes mid-message rolls back to the last commit point and the
//     remainder is retried once more bytes arrive.
//   - Framed: every message is prefixed with its length as a 4-byte big-endian integer. The
//     receiver hands exactly one complete frame to the handler at a time.
//
// Handlers read through a Buffer, which keeps a read cursor and a committed cursor:
//
//	err := recv.Feed(chunk, func(buf *framing.Buffer) error {
//	    for buf.Remaining() > 0 {
//	        if err := parseOne(buf); err != nil {
//	            if errors.Is(err, framing.ErrBufferUnderrun) {
//	                buf.Rollback()
//	                return nil
//	            }
//	            return err
//	        }
//	        buf.Commit()
//	    }
//	    return nil
//	})
package framing
