//go:build linux

package timeout

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// SignalAvailable reports whether the signal strategy can be used.
func SignalAvailable() bool {
	return true
}

// signalGuard arms ITIMER_REAL and waits for the SIGALRM it delivers. The
// interval timer is process-wide, so there is a single guard per process and
// only one Run holds it at a time; a nested or concurrent Run falls back to
// the timer strategy.
type signalGuard struct {
	mu       sync.Mutex
	alarms   chan os.Signal
	fallback *timerGuard
}

var processSignalGuard = sync.OnceValue(func() *signalGuard {
	g := &signalGuard{
		alarms:   make(chan os.Signal, 1),
		fallback: newTimerGuard(),
	}
	// Stays registered for the life of the process: an alarm that lands
	// after disarm must never reach the default SIGALRM action.
	signal.Notify(g.alarms, syscall.SIGALRM)
	return g
})

func newSignalGuard() (*signalGuard, error) {
	return processSignalGuard(), nil
}

func (g *signalGuard) Strategy() Strategy {
	return Signal
}

func (g *signalGuard) Run(ctx context.Context, d time.Duration, work Work) error {
	if err := validate(d); err != nil {
		return err
	}
	if !g.mu.TryLock() {
		return g.fallback.Run(ctx, d, work)
	}
	defer g.mu.Unlock()

	g.drain()

	wctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if err := setAlarm(d); err != nil {
		return fmt.Errorf("arm alarm: %w", err)
	}
	defer setAlarm(0)

	done := make(chan error, 1)
	go func() { done <- call(wctx, work) }()

	return wait(ctx, cancel, done, g.alarms, d, Signal)
}

// drain discards an alarm left over from a previous Run.
func (g *signalGuard) drain() {
	for {
		select {
		case <-g.alarms:
		default:
			return
		}
	}
}

// setAlarm arms the real-time interval timer for d, or disarms it when d is 0.
func setAlarm(d time.Duration) error {
	var it unix.Itimerval
	if d > 0 {
		it.Value = unix.NsecToTimeval(d.Nanoseconds())
		if it.Value.Sec == 0 && it.Value.Usec == 0 {
			it.Value.Usec = 1
		}
	}
	_, err := unix.Setitimer(unix.ItimerReal, it)
	return err
}
