// Package timeout bounds the wall-clock duration of a unit of work.
//
// A Guard runs work with a deadline. When the deadline passes first, Run
// returns an error matching ErrTimeout and cancels the context handed to the
// work so a cooperative callee stops. When the work finishes first, the
// pending deadline is disarmed and has no further effect.
//
// Two strategies exist. The signal strategy arms the process interval timer
// and waits for SIGALRM; it is only available on Linux. The timer strategy
// uses a runtime timer and works everywhere. New picks one at construction
// time so call sites never depend on the host.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// Strategy names a timeout mechanism.
type Strategy string

const (
	// Auto selects Signal when available and Timer otherwise.
	Auto   Strategy = "auto"
	Signal Strategy = "signal"
	Timer  Strategy = "timer"
)

var (
	// ErrTimeout matches every error returned for an expired Run.
	ErrTimeout = errors.New("timed out")
	// ErrUnavailable is returned by New for a strategy the host cannot provide.
	ErrUnavailable = errors.New("timeout strategy unavailable on this host")
)

// Work is a unit of work bounded by a Guard. It should return promptly once
// ctx is done.
type Work func(ctx context.Context) error

// Guard runs work under a deadline.
type Guard interface {
	Run(ctx context.Context, d time.Duration, work Work) error
	Strategy() Strategy
}

// Error reports an expired Run.
type Error struct {
	Duration time.Duration
	Strategy Strategy
}

func (e *Error) Error() string {
	return fmt.Sprintf("timed out after %s (%s)", e.Duration, e.Strategy)
}

// Is makes errors.Is(err, ErrTimeout) hold.
func (e *Error) Is(target error) bool {
	return target == ErrTimeout
}

// PanicError carries a panic raised by guarded work.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("work panicked: %v", e.Value)
}

// New returns a Guard using strategy s.
func New(s Strategy) (Guard, error) {
	switch s {
	case Auto, "":
		if SignalAvailable() {
			return newSignalGuard()
		}
		return newTimerGuard(), nil
	case Signal:
		if !SignalAvailable() {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, s)
		}
		return newSignalGuard()
	case Timer:
		return newTimerGuard(), nil
	default:
		return nil, fmt.Errorf("unknown timeout strategy %q", s)
	}
}

// ParseStrategy converts a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case Auto, "":
		return Auto, nil
	case Signal, Timer:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown timeout strategy %q (use auto, signal or timer)", s)
}

func validate(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("timeout duration must be positive, got %s", d)
	}
	return nil
}

// call runs work, converting a panic into a *PanicError so it cannot take the
// process down from the worker goroutine.
func call(ctx context.Context, work Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return work(ctx)
}

// wait blocks until the work reports on done, the deadline fires on expired,
// or the parent context ends. A result that is ready when the deadline fires
// wins, so work that has completed is never reported as timed out.
func wait[T any](parent context.Context, cancel context.CancelCauseFunc, done <-chan error, expired <-chan T, d time.Duration, s Strategy) error {
	select {
	case err := <-done:
		return err
	case <-expired:
		select {
		case err := <-done:
			return err
		default:
		}
		te := &Error{Duration: d, Strategy: s}
		cancel(te)
		return te
	case <-parent.Done():
		cancel(parent.Err())
		return parent.Err()
	}
}
