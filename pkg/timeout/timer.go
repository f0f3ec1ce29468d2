package timeout

import (
	"context"
	"time"
)

type timerGuard struct{}

func newTimerGuard() *timerGuard {
	return &timerGuard{}
}

func (g *timerGuard) Strategy() Strategy {
	return Timer
}

// Run starts work on its own goroutine and a runtime timer beside it. On
// expiry the work's context is cancelled with the timeout as cause.
func (g *timerGuard) Run(ctx context.Context, d time.Duration, work Work) error {
	if err := validate(d); err != nil {
		return err
	}

	wctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	expired := make(chan struct{})
	t := time.AfterFunc(d, func() { close(expired) })
	defer t.Stop()

	done := make(chan error, 1)
	go func() { done <- call(wctx, work) }()

	return wait(ctx, cancel, done, expired, d, Timer)
}
