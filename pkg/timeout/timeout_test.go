package timeout

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func guards(t *testing.T) map[Strategy]Guard {
	t.Helper()
	out := map[Strategy]Guard{Timer: newTimerGuard()}
	if SignalAvailable() {
		g, err := New(Signal)
		require.NoError(t, err)
		out[Signal] = g
	}
	return out
}

func TestNewAuto(t *testing.T) {
	g, err := New(Auto)
	require.NoError(t, err)
	if SignalAvailable() {
		assert.Equal(t, Signal, g.Strategy())
	} else {
		assert.Equal(t, Timer, g.Strategy())
	}

	_, err = New("bogus")
	assert.Error(t, err)
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]Strategy{"": Auto, "auto": Auto, "signal": Signal, "timer": Timer} {
		got, err := ParseStrategy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseStrategy("alarm")
	assert.Error(t, err)
}

func TestRunCompletes(t *testing.T) {
	for s, g := range guards(t) {
		t.Run(string(s), func(t *testing.T) {
			ran := false
			err := g.Run(context.Background(), time.Second, func(ctx context.Context) error {
				ran = true
				return nil
			})
			require.NoError(t, err)
			assert.True(t, ran)
		})
	}
}

func TestRunReturnsWorkError(t *testing.T) {
	boom := errors.New("boom")
	for s, g := range guards(t) {
		t.Run(string(s), func(t *testing.T) {
			err := g.Run(context.Background(), time.Second, func(ctx context.Context) error {
				return boom
			})
			assert.ErrorIs(t, err, boom)
			assert.False(t, errors.Is(err, ErrTimeout))
		})
	}
}

func TestRunTimesOut(t *testing.T) {
	for s, g := range guards(t) {
		t.Run(string(s), func(t *testing.T) {
			var cancelled atomic.Bool
			start := time.Now()
			err := g.Run(context.Background(), 50*time.Millisecond, func(ctx context.Context) error {
				<-ctx.Done()
				cancelled.Store(true)
				return ctx.Err()
			})
			elapsed := time.Since(start)

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTimeout)
			var te *Error
			require.ErrorAs(t, err, &te)
			assert.Equal(t, s, te.Strategy)
			assert.Equal(t, 50*time.Millisecond, te.Duration)
			assert.Less(t, elapsed, time.Second)

			assert.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond)
		})
	}
}

func TestRunUncooperativeWork(t *testing.T) {
	for s, g := range guards(t) {
		t.Run(string(s), func(t *testing.T) {
			release := make(chan struct{})
			defer close(release)

			start := time.Now()
			err := g.Run(context.Background(), 30*time.Millisecond, func(ctx context.Context) error {
				<-release
				return nil
			})
			assert.ErrorIs(t, err, ErrTimeout)
			assert.Less(t, time.Since(start), time.Second)
		})
	}
}

func TestNoTimeoutAfterCompletion(t *testing.T) {
	for s, g := range guards(t) {
		t.Run(string(s), func(t *testing.T) {
			for i := 0; i < 20; i++ {
				err := g.Run(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
					return nil
				})
				require.NoError(t, err)
			}
			// Any alarm left armed by the runs above would fire in here.
			time.Sleep(60 * time.Millisecond)
			err := g.Run(context.Background(), time.Second, func(ctx context.Context) error {
				time.Sleep(10 * time.Millisecond)
				return ctx.Err()
			})
			assert.NoError(t, err)
		})
	}
}

func TestRepeatedTimeouts(t *testing.T) {
	for s, g := range guards(t) {
		t.Run(string(s), func(t *testing.T) {
			for i := 0; i < 3; i++ {
				err := g.Run(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
					<-ctx.Done()
					return nil
				})
				assert.ErrorIs(t, err, ErrTimeout)
			}
			assert.NoError(t, g.Run(context.Background(), time.Second, func(ctx context.Context) error {
				return nil
			}))
		})
	}
}

func TestNestedRun(t *testing.T) {
	for s, g := range guards(t) {
		t.Run(string(s), func(t *testing.T) {
			err := g.Run(context.Background(), time.Second, func(ctx context.Context) error {
				inner := g.Run(ctx, 20*time.Millisecond, func(ctx context.Context) error {
					<-ctx.Done()
					return nil
				})
				if !errors.Is(inner, ErrTimeout) {
					return errors.New("inner run did not time out")
				}
				return nil
			})
			assert.NoError(t, err)
		})
	}
}

func TestRunRecoversPanic(t *testing.T) {
	for s, g := range guards(t) {
		t.Run(string(s), func(t *testing.T) {
			err := g.Run(context.Background(), time.Second, func(ctx context.Context) error {
				panic("kaboom")
			})
			var pe *PanicError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, "kaboom", pe.Value)
			assert.NotEmpty(t, pe.Stack)
		})
	}
}

func TestRunParentCancelled(t *testing.T) {
	for s, g := range guards(t) {
		t.Run(string(s), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				time.Sleep(10 * time.Millisecond)
				cancel()
			}()
			err := g.Run(ctx, time.Second, func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			})
			assert.ErrorIs(t, err, context.Canceled)
			assert.False(t, errors.Is(err, ErrTimeout))
		})
	}
}

func TestRunRejectsNonPositiveDuration(t *testing.T) {
	for s, g := range guards(t) {
		t.Run(string(s), func(t *testing.T) {
			assert.Error(t, g.Run(context.Background(), 0, func(ctx context.Context) error { return nil }))
		})
	}
}
