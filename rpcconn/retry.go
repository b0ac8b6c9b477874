package rpcconn

import (
	"math"
	"time"
)

const (
	// InitialRetryDelay is the reconnection delay before the first backoff step.
	InitialRetryDelay = 150 * time.Millisecond
	// RetryBackoff is the multiplier applied to the delay on every reconnection attempt.
	RetryBackoff = 1.7
)

// RetryState is a snapshot of the reconnection bookkeeping of a connection.
type RetryState struct {
	// Delay is the delay of the most recently scheduled attempt.
	Delay time.Duration
	// TotalElapsed is the sum of the delays of the attempts that fired.
	TotalElapsed time.Duration
	// Backoff is the delay multiplier.
	Backoff float64
	// Attempts is the number of attempts scheduled since the last successful connect.
	Attempts int
	// TimerActive reports whether an attempt is scheduled but has not fired yet.
	TimerActive bool
}

func initialRetryState() RetryState {
	return RetryState{Delay: InitialRetryDelay, Backoff: RetryBackoff}
}

type retryAction int

const (
	// retryIgnore drops a close event observed while an attempt is pending.
	retryIgnore retryAction = iota
	// retryGone closes the connection permanently without trying again.
	retryGone
	// retryExhausted closes the connection permanently because the attempt budget is spent.
	retryExhausted
	// retrySchedule schedules a reconnection attempt.
	retrySchedule
)

type retryDecision struct {
	action  retryAction
	delay   time.Duration
	attempt int
	err     error
}

// retryPolicy decides what happens after a socket closes. It is not safe for
// concurrent use; the connection guards it with its mutex.
type retryPolicy struct {
	state          RetryState
	maxAttempts    int
	maxDelay       time.Duration
	connectTimeout time.Duration
}

func newRetryPolicy(maxAttempts int, maxDelay, connectTimeout time.Duration) retryPolicy {
	return retryPolicy{
		state:          initialRetryState(),
		maxAttempts:    maxAttempts,
		maxDelay:       maxDelay,
		connectTimeout: connectTimeout,
	}
}

// reset restores the initial state after a successful connect.
func (p *retryPolicy) reset() {
	p.state = initialRetryState()
}

// onDisconnect evaluates a socket close.
//
// forceClose is set when the caller asked for the connection to end, secure is set for
// TLS sockets which are never re-established.
func (p *retryPolicy) onDisconnect(forceClose, secure bool) retryDecision {
	if forceClose {
		return retryDecision{action: retryGone}
	}

	if p.state.TimerActive {
		return retryDecision{action: retryIgnore}
	}

	if p.maxAttempts == 0 || secure {
		return retryDecision{action: retryGone}
	}

	p.state.Delay = p.nextDelay()

	if p.state.Attempts >= p.maxAttempts {
		return retryDecision{action: retryExhausted, attempt: p.state.Attempts, err: ErrAttemptsExhausted}
	}

	p.state.Attempts++
	p.state.TimerActive = true

	return retryDecision{action: retrySchedule, delay: p.state.Delay, attempt: p.state.Attempts}
}

// onTimerFired accounts the elapsed delay of the attempt that fired. It returns
// ErrRetryTimeExhausted when the connect timeout budget is spent, nil if the attempt
// should proceed.
func (p *retryPolicy) onTimerFired() error {
	p.state.TimerActive = false
	p.state.TotalElapsed += p.state.Delay

	if p.connectTimeout > 0 && p.state.TotalElapsed >= p.connectTimeout {
		return ErrRetryTimeExhausted
	}

	return nil
}

// cancelTimer clears the pending attempt marker.
func (p *retryPolicy) cancelTimer() {
	p.state.TimerActive = false
}

// nextDelay multiplies the current delay by the backoff in whole milliseconds and
// clamps it to the max delay.
func (p *retryPolicy) nextDelay() time.Duration {
	ms := math.Floor(float64(p.state.Delay.Milliseconds()) * p.state.Backoff)
	next := time.Duration(ms) * time.Millisecond

	if p.maxDelay > 0 && next > p.maxDelay {
		next = p.maxDelay
	}

	return next
}
