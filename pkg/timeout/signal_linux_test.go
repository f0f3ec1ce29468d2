//go:build linux

package timeout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalGuardIsShared(t *testing.T) {
	a, err := New(Signal)
	require.NoError(t, err)
	b, err := New(Auto)
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestSignalGuardConcurrentRuns(t *testing.T) {
	g, err := New(Signal)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = g.Run(context.Background(), 50*time.Millisecond, func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrTimeout)
	}
}
