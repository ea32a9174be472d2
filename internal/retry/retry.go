// Package retry holds the backoff policy and the attempt state machine shared
// by the price fetch adapter and the notification dispatcher.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Backoff returns the wait before the attempt following the n-th failure
// (n starts at 1). The delay doubles per failure and is capped by MaxDelay.
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// State is a step of the attempt lifecycle.
type State string

const (
	StateAttempting State = "attempting"
	StateBackingOff State = "backing_off"
	StateSucceeded  State = "succeeded"
	StateAbandoned  State = "abandoned"
)

// Terminal reports whether the machine stopped.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateAbandoned
}

// ErrTerminal is returned when a transition is requested on a stopped machine.
var ErrTerminal = errors.New("retry: machine already terminal")

// Machine tracks one retried operation. It is not safe for concurrent use.
type Machine struct {
	policy   Policy
	state    State
	failures int
	lastErr  error
}

// NewMachine starts a machine in the attempting state. failures seeds the
// counter when resuming a persisted operation.
func NewMachine(policy Policy, failures int) *Machine {
	m := &Machine{policy: policy, state: StateAttempting, failures: failures}
	if policy.Attempts > 0 && failures >= policy.Attempts {
		m.state = StateAbandoned
	}
	return m
}

func (m *Machine) State() State   { return m.state }
func (m *Machine) Failures() int  { return m.failures }
func (m *Machine) LastErr() error { return m.lastErr }

// Succeed moves to succeeded.
func (m *Machine) Succeed() error {
	if m.state.Terminal() {
		return ErrTerminal
	}
	m.state = StateSucceeded
	return nil
}

// Fail records a failed attempt. It returns the backoff before the next
// attempt, or abandons the machine once the attempt budget is spent or the
// error is not retryable.
func (m *Machine) Fail(err error, retryable bool) (time.Duration, error) {
	if m.state.Terminal() {
		return 0, ErrTerminal
	}
	m.failures++
	m.lastErr = err
	if !retryable || (m.policy.Attempts > 0 && m.failures >= m.policy.Attempts) {
		m.state = StateAbandoned
		return 0, nil
	}
	m.state = StateBackingOff
	return m.policy.Backoff(m.failures), nil
}

// Abandon stops the machine without counting an attempt.
func (m *Machine) Abandon(err error) {
	if m.state.Terminal() {
		return
	}
	m.lastErr = err
	m.state = StateAbandoned
}

// Resume leaves backing-off for the next attempt.
func (m *Machine) Resume() error {
	if m.state != StateBackingOff {
		return fmt.Errorf("retry: resume from %s", m.state)
	}
	m.state = StateAttempting
	return nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// is exhausted. The last error is returned.
func Do(ctx context.Context, policy Policy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	m := NewMachine(policy, 0)
	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return m.Succeed()
		}
		wait, _ := m.Fail(err, retryable == nil || retryable(err))
		if m.State() == StateAbandoned {
			return err
		}
		if sleepErr := Sleep(ctx, wait); sleepErr != nil {
			return err
		}
		_ = m.Resume()
	}
}
