package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_SucceedsFirstAttempt(t *testing.T) {
	r := NewRetrier(3, 10*time.Millisecond, log.NewLogger())

	calls := 0
	err := r.Execute(context.Background(), "op", func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecute_RetriesUntilSuccess(t *testing.T) {
	r := NewRetrier(3, 10*time.Millisecond, log.NewLogger())

	calls := 0
	err := r.Execute(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecute_ExhaustsBudget(t *testing.T) {
	r := NewRetrier(3, time.Millisecond, log.NewLogger())

	calls := 0
	boom := errors.New("boom")
	err := r.Execute(context.Background(), "op", func() error {
		calls++
		return boom
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 3, calls)
}

func TestExecute_ExponentialBackoff(t *testing.T) {
	base := 50 * time.Millisecond
	r := NewRetrier(3, base, log.NewLogger())

	calls := 0
	start := time.Now()
	err := r.Execute(context.Background(), "op", func() error {
		calls++
		return errors.New("transient")
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	// Two sleeps: base and 2*base.
	assert.GreaterOrEqual(t, elapsed, 3*base)
	assert.Less(t, elapsed, 10*base)
}

func TestExecute_AbortFuncStopsImmediately(t *testing.T) {
	fatal := errors.New("fatal")
	r := NewRetrier(5, time.Millisecond, log.NewLogger()).WithAbortFunc(func(err error) bool {
		return errors.Is(err, fatal)
	})

	calls := 0
	err := r.Execute(context.Background(), "op", func() error {
		calls++
		return fatal
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, fatal))
	assert.Equal(t, 1, calls)
}

func TestExecute_CancelledDuringBackoff(t *testing.T) {
	r := NewRetrier(3, time.Second, log.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	calls := 0
	start := time.Now()
	err := r.Execute(ctx, "op", func() error {
		calls++
		return errors.New("transient")
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecute_CancelledBeforeFirstAttempt(t *testing.T) {
	r := NewRetrier(3, time.Millisecond, log.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := r.Execute(ctx, "op", func() error {
		calls++
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, 0, calls)
}
