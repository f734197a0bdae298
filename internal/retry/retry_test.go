package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSucceedsAfterFailures(t *testing.T) {
	p := Policy{MaxAttempts: 3, Delay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), "flaky", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExhaustsAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 2, Delay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), "doomed", func() error {
		calls++
		return errors.New("still broken")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestPermanentStopsImmediately(t *testing.T) {
	p := Policy{MaxAttempts: 5, Delay: time.Millisecond}
	sentinel := errors.New("fatal")

	calls := 0
	err := p.Do(context.Background(), "fatal op", func() error {
		calls++
		return Permanent(sentinel)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, sentinel)
}

func TestContextCancelStopsBackoff(t *testing.T) {
	p := Policy{MaxAttempts: 3, Delay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Do(ctx, "canceled", func() error {
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestZeroAttemptsRunsOnce(t *testing.T) {
	p := Policy{}

	calls := 0
	err := p.Do(context.Background(), "once", func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
