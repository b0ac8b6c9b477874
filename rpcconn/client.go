package rpcconn

import (
	"fmt"
	"maps"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-thriftconn/protocol"
)

// Callback completes a call with its decoded result or an error.
type Callback func(result any, err error)

// RecvFunc decodes the body of a response for one method.
//
// The message header has already been read from p. A RecvFunc must settle the call by
// resolving seqID, which is the negated wire sequence id of the response, through the
// client's PendingRequests, e.g.
//
//	func(p protocol.Protocol, mtype protocol.MessageType, seqID int32) error {
//		result, err := readPingResult(p, mtype)
//		if errors.Is(err, framing.ErrBufferUnderrun) {
//			return err
//		}
//		client.Pending().Resolve(seqID, result, err)
//		return nil
//	}
//
// Returning an error wrapping framing.ErrBufferUnderrun tells the connection that the
// message is incomplete; it is parsed again once more bytes arrive.
type RecvFunc func(p protocol.Protocol, mtype protocol.MessageType, seqID int32) error

// Client is the caller-side stub bound to a connection. It owns the table of pending
// callbacks and the per-method response decoders.
type Client interface {
	// Pending returns the table of pending callbacks keyed by sequence id.
	Pending() *PendingRequests
	// Receiver returns the response decoder for method.
	Receiver(method string) (RecvFunc, bool)
}

// PendingRequests maps sequence ids to callbacks.
//
// Positive ids belong to calls waiting for a response. While a response is dispatched a
// placeholder is registered under the negated id of that response.
type PendingRequests struct {
	reqs *xsync.MapOf[int32, Callback]
}

// NewPendingRequests creates an empty table.
func NewPendingRequests() *PendingRequests {
	return &PendingRequests{reqs: xsync.NewMapOf[int32, Callback]()}
}

// Add registers cb under seqID, replacing any previous entry.
func (p *PendingRequests) Add(seqID int32, cb Callback) {
	p.reqs.Store(seqID, cb)
}

// Take removes and returns the callback registered under seqID.
func (p *PendingRequests) Take(seqID int32) (Callback, bool) {
	return p.reqs.LoadAndDelete(seqID)
}

// Has reports whether a callback is registered under seqID.
func (p *PendingRequests) Has(seqID int32) bool {
	_, ok := p.reqs.Load(seqID)
	return ok
}

// Remove drops the callback registered under seqID without invoking it.
func (p *PendingRequests) Remove(seqID int32) {
	p.reqs.Delete(seqID)
}

// Resolve removes the callback registered under seqID and invokes it.
// It returns false if none was registered.
func (p *PendingRequests) Resolve(seqID int32, result any, err error) bool {
	cb, ok := p.Take(seqID)
	if !ok {
		return false
	}
	if cb != nil {
		cb(result, err)
	}

	return true
}

// FailAll completes every pending call with err and returns how many were completed.
// Placeholders are dropped without being invoked.
func (p *PendingRequests) FailAll(err error) int {
	var ids []int32
	p.reqs.Range(func(seqID int32, _ Callback) bool {
		ids = append(ids, seqID)
		return true
	})

	n := 0
	for _, seqID := range ids {
		if seqID <= 0 {
			p.Remove(seqID)
			continue
		}
		if p.Resolve(seqID, nil, err) {
			n++
		}
	}

	return n
}

// Len returns the number of registered callbacks.
func (p *PendingRequests) Len() int {
	return p.reqs.Size()
}

// ClientBase is a ready-made Client: generated or hand-written stubs embed it and
// register one RecvFunc per method.
type ClientBase struct {
	pending   *PendingRequests
	mu        sync.RWMutex
	receivers map[string]RecvFunc
}

var _ Client = (*ClientBase)(nil)

// NewClientBase creates a ClientBase without receivers.
func NewClientBase() *ClientBase {
	return &ClientBase{
		pending:   NewPendingRequests(),
		receivers: make(map[string]RecvFunc),
	}
}

// Handle registers fn as the response decoder of method.
func (c *ClientBase) Handle(method string, fn RecvFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receivers[method] = fn
}

// Pending implements Client.
func (c *ClientBase) Pending() *PendingRequests {
	return c.pending
}

// Receiver implements Client.
func (c *ClientBase) Receiver(method string) (RecvFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.receivers[method]

	return fn, ok
}

// clientSet is the client binding of a connection: either a single client, or
// multiplexed clients keyed by service name with an optional fallback client.
//
// A clientSet is immutable; updates build a new one.
type clientSet struct {
	single   Client
	services map[string]Client
}

func (s *clientSet) withSingle(c Client) *clientSet {
	next := &clientSet{single: c}
	if s != nil {
		next.services = s.services
	}

	return next
}

func (s *clientSet) withServices(services map[string]Client) *clientSet {
	next := &clientSet{services: maps.Clone(services)}
	if s != nil {
		next.single = s.single
	}

	return next
}

func (s *clientSet) multiplexed() bool {
	return s != nil && len(s.services) > 0
}

// forService returns the client of service, or the single client for an empty name.
func (s *clientSet) forService(service string) (Client, error) {
	if s == nil {
		return nil, ErrNoClient
	}

	if service == "" {
		if s.single == nil {
			return nil, ErrNoClient
		}

		return s.single, nil
	}

	c, ok := s.services[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}

	return c, nil
}

// each calls fn for every bound client. A client bound under several names is visited
// once per name.
func (s *clientSet) each(fn func(Client)) {
	if s == nil {
		return
	}

	if s.single != nil {
		fn(s.single)
	}
	for _, c := range s.services {
		fn(c)
	}
}
