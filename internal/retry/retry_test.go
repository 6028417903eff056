package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var fast = Policy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	retries := 0
	attempts, err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("timeout")
		}
		return nil
	}, func(error, time.Duration) { retries++ })

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, retries)
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	boom := errors.New("unavailable")
	attempts, err := Do(context.Background(), fast, func(context.Context) error { return boom }, nil)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, attempts)
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	bad := errors.New("bad request")
	attempts, err := Do(context.Background(), fast, func(context.Context) error { return Permanent(bad) }, nil)

	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 1, attempts)
}

func TestDo_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := Policy{MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	attempts, err := Do(ctx, slow, func(context.Context) error { return errors.New("down") }, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}
