package rpcconn

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

// ConnState represents the lifecycle stage of a connection.
type ConnState uint32

// Connection states.
const (
	// ConnectingState indicates that the initial dial is in progress.
	ConnectingState ConnState = iota
	// ConnectedState indicates that the socket is established and writes go to the wire.
	ConnectedState
	// ReconnectingState indicates that the socket was lost and a reconnection attempt
	// is scheduled or in progress.
	ReconnectingState
	// ClosedState indicates that the connection is permanently closed.
	ClosedState
)

// IsConnected returns if the state is ConnectedState.
func (cs ConnState) IsConnected() bool { return cs == ConnectedState }

// IsClosed returns if the state is ClosedState.
func (cs ConnState) IsClosed() bool { return cs == ClosedState }

// String returns string representation of the state.
func (cs ConnState) String() string {
	switch cs {
	case ConnectingState:
		return "connecting"
	case ConnectedState:
		return "connected"
	case ReconnectingState:
		return "reconnecting"
	case ClosedState:
		return "closed"
	default:
		return "unknown"
	}
}

// connStateMgr tracks the connection state and wakes up waiters on transitions.
type connStateMgr struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state atomic.Uint32
}

func newConnStateMgr() *connStateMgr {
	m := &connStateMgr{}
	m.cond = sync.NewCond(&m.mu)
	m.state.Store(uint32(ConnectingState))

	return m
}

func (m *connStateMgr) get() ConnState {
	return ConnState(m.state.Load())
}

// set transitions to state. ClosedState is final.
func (m *connStateMgr) set(state ConnState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.get() == ClosedState {
		return
	}
	m.state.Store(uint32(state))
	m.cond.Broadcast()
}

// wait blocks until the state is one of states or ctx is done.
func (m *connStateMgr) wait(ctx context.Context, states ...ConnState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if slices.Contains(states, m.get()) {
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.cond.Broadcast()
	})
	defer stop()

	for !slices.Contains(states, m.get()) {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.cond.Wait()
	}

	return nil
}
