package elliptec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/oplab/elliptec/comm"
)

// Policy controls how the bus drives one transaction.
type Policy struct {
	// MaxAttempts is the number of times a command is written before the
	// transaction is abandoned.  Only retryable failures consume further
	// attempts; fatal ones end the transaction at once.
	MaxAttempts int

	// AttemptTimeout bounds each write-and-read exchange.
	AttemptTimeout time.Duration

	// Backoff yields the wait between attempts.  Nil retries immediately.
	// An exhausted Backoff does not end the transaction, MaxAttempts does.
	Backoff backoff.BackOff
}

// DefaultPolicy gives each command three attempts of two seconds with a
// short exponential wait in between.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		AttemptTimeout: 2 * time.Second,
		Backoff: &backoff.ExponentialBackOff{
			InitialInterval:     50 * time.Millisecond,
			RandomizationFactor: 0.25,
			Multiplier:          2,
			MaxInterval:         time.Second,
			Clock:               backoff.SystemClock,
		},
	}
}

// ExhaustedError is returned when every attempt of a transaction failed
// with a retryable error.  Last carries the failure of the final attempt.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e ExhaustedError) Error() string {
	return fmt.Sprintf("transaction failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e ExhaustedError) Unwrap() error {
	return e.Last
}

// retryable sorts a failed exchange.  Timeouts, mangled frames and the
// transient device statuses are worth another attempt; everything else
// ends the transaction.
func retryable(err error) bool {
	var de DecodeError
	if errors.As(err, &de) {
		return true
	}
	var se StatusError
	if errors.As(err, &se) {
		return se.Code.Recoverable()
	}
	return errors.Is(err, comm.ErrTimeout)
}

// Bus serializes transactions onto one shared line.  At most one command
// is outstanding at a time; the reply read always runs to completion or
// timeout before the line is handed to the next caller.
type Bus struct {
	mu  sync.Mutex
	ch  *comm.LineChannel
	pol Policy
}

func newBus(ch *comm.LineChannel, pol Policy) *Bus {
	if pol.MaxAttempts < 1 {
		pol.MaxAttempts = 1
	}
	if pol.AttemptTimeout <= 0 {
		pol.AttemptTimeout = 2 * time.Second
	}
	return &Bus{ch: ch, pol: pol}
}

// Do writes cmd and returns the validated reply from the same address.
func (b *Bus) Do(ctx context.Context, cmd Command) (Reply, error) {
	return b.do(ctx, cmd, cmd.Addr, b.pol)
}

// DoPolicy is Do under a per-call policy.
func (b *Bus) DoPolicy(ctx context.Context, cmd Command, pol Policy) (Reply, error) {
	return b.do(ctx, cmd, cmd.Addr, pol)
}

// DoExpect is Do with the reply expected from a different address than
// the command went to.  Address and group-address changes answer from
// the address the module just adopted.
func (b *Bus) DoExpect(ctx context.Context, cmd Command, expect Address, pol Policy) (Reply, error) {
	return b.do(ctx, cmd, expect, pol)
}

func (b *Bus) do(ctx context.Context, cmd Command, expect Address, pol Policy) (Reply, error) {
	raw, err := Encode(cmd)
	if err != nil {
		return Reply{}, err
	}
	if pol.MaxAttempts < 1 {
		pol.MaxAttempts = 1
	}
	if pol.AttemptTimeout <= 0 {
		pol.AttemptTimeout = b.pol.AttemptTimeout
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if pol.Backoff != nil {
		pol.Backoff.Reset()
	}
	var last error
	for attempt := 1; ; attempt++ {
		rep, err := b.attempt(raw, expect, pol.AttemptTimeout)
		if err == nil {
			return rep, nil
		}
		if !retryable(err) {
			return Reply{}, err
		}
		last = err
		if errors.Is(err, comm.ErrTimeout) && !b.ch.Paced() {
			// Silent modules usually want characters paced out; the
			// mode is sticky once engaged.
			b.ch.SetPaced(true)
		}
		if attempt >= pol.MaxAttempts {
			return Reply{}, ExhaustedError{Attempts: attempt, Last: last}
		}
		if err := b.wait(ctx, pol.Backoff); err != nil {
			return Reply{}, err
		}
	}
}

// attempt is one write-and-read exchange.  Frames from other addresses
// are cross-talk, late answers or overlapping group replies; they are
// dropped without consuming the attempt.
func (b *Bus) attempt(raw []byte, expect Address, budget time.Duration) (Reply, error) {
	b.ch.Drain()
	if err := b.ch.WriteFrame(raw); err != nil {
		return Reply{}, err
	}
	deadline := time.Now().Add(budget)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Reply{}, comm.ErrTimeout
		}
		frame, err := b.ch.ReadFrame(remaining)
		if err != nil {
			return Reply{}, err
		}
		rep, err := Decode(frame)
		if err != nil {
			return Reply{}, err
		}
		if rep.Addr != expect {
			continue
		}
		if rep.Op == repStatus {
			s, err := rep.Status()
			if err != nil {
				return Reply{}, err
			}
			if err := StatusErr(expect, s); err != nil {
				return Reply{}, err
			}
		}
		return rep, nil
	}
}

// wait sleeps out the backoff between attempts, or returns early if the
// caller's context ends.  Cancellation is only honored here; a read in
// flight always runs to its own timeout first.
func (b *Bus) wait(ctx context.Context, bo backoff.BackOff) error {
	var d time.Duration
	if bo != nil {
		d = bo.NextBackOff()
		if d == backoff.Stop {
			d = 0
		}
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
