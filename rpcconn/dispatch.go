package rpcconn

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-thriftconn/framing"
	"github.com/arloliu/go-thriftconn/logger"
	"github.com/arloliu/go-thriftconn/protocol"
)

const unknownMethodMsg = "Received a response to an unknown RPC function"

// dispatcher decodes response envelopes from reassembled buffers and hands each one to
// the receiver of the owning client. It is shared by all connection kinds and runs on a
// single goroutine per connection.
type dispatcher struct {
	protocol protocol.Factory
	clients  *atomic.Pointer[clientSet]
	// routes maps sequence ids of multiplexed calls to their service name, nil when the
	// connection does not support multiplexing.
	routes  *xsync.MapOf[int32, string]
	logger  logger.Logger
	metrics *ConnectionMetrics
	// emit surfaces an error for a single message that was skipped.
	emit func(error)
	// settled is invoked when a call is completed by a response, may be nil.
	settled func(seqID int32)
}

// handle dispatches every complete message in buf.
//
// An incomplete trailing message rolls buf back to the end of the last complete message
// and returns nil so the remainder is parsed again with more bytes. Any other failure is
// returned.
func (d *dispatcher) handle(buf *framing.Buffer) error {
	p := d.protocol(buf)

	for buf.Remaining() > 0 {
		err := d.dispatchOne(p, buf)
		if err == nil {
			continue
		}

		if errors.Is(err, framing.ErrBufferUnderrun) {
			buf.Rollback()
			return nil
		}
		d.metrics.incMsgErrCount()

		return err
	}

	return nil
}

func (d *dispatcher) dispatchOne(p protocol.Protocol, buf *framing.Buffer) error {
	header, err := p.ReadMessageBegin()
	if err != nil {
		return err
	}

	seqID := header.SeqID
	placeholder := -seqID

	var service string
	routed := false
	if d.routes != nil {
		service, routed = d.routes.Load(seqID)
	}

	client, err := d.clients.Load().forService(service)
	if err != nil {
		if skipErr := d.discard(p, buf); skipErr != nil {
			return skipErr
		}
		if routed {
			d.routes.Delete(seqID)
		}
		d.metrics.incMsgErrCount()
		d.emit(fmt.Errorf("response %q seq_id %d: %w", header.Name, seqID, err))

		return nil
	}

	pending := client.Pending()
	pending.Add(placeholder, func(result any, err error) {
		buf.Commit()

		cb, ok := pending.Take(seqID)
		if routed {
			d.routes.Delete(seqID)
		}
		if d.settled != nil {
			d.settled(seqID)
		}
		d.metrics.incMsgRecvCount()

		if ok && cb != nil {
			cb(result, err)
		}
	})

	recv, ok := client.Receiver(header.Name)
	if !ok {
		pending.Remove(placeholder)
		if skipErr := d.discard(p, buf); skipErr != nil {
			return skipErr
		}
		if routed {
			d.routes.Delete(seqID)
		}
		d.metrics.incMsgErrCount()
		d.emit(protocol.NewApplicationException(protocol.WrongMethodName, unknownMethodMsg))

		return nil
	}

	if err := recv(p, header.Type, placeholder); err != nil {
		pending.Remove(placeholder)
		if errors.Is(err, framing.ErrBufferUnderrun) {
			return err
		}

		// the stream is unusable past this message, the call can not be answered
		if routed {
			d.routes.Delete(seqID)
		}
		if cb, ok := pending.Take(seqID); ok {
			if d.settled != nil {
				d.settled(seqID)
			}
			if cb != nil {
				cb(nil, fmt.Errorf("decode response %q seq_id %d: %w", header.Name, seqID, err))
			}
		}

		return err
	}

	// the receiver returned without settling its call
	if _, left := pending.Take(placeholder); left {
		d.logger.Warn("response left unsettled by receiver", "method", header.Name, "seq_id", seqID)
		buf.Commit()
	}

	return nil
}

// discard skips the body of the current message and commits it.
func (d *dispatcher) discard(p protocol.Protocol, buf *framing.Buffer) error {
	if err := p.Skip(protocol.STRUCT); err != nil {
		return err
	}
	if err := p.ReadMessageEnd(); err != nil {
		return err
	}
	buf.Commit()

	return nil
}
