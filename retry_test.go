package emdb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errBusy = errors.New("database is locked")

func TestRetryNeverDoesNotRetry(t *testing.T) {
	calls := 0
	err := RetryNever().run(func() error {
		calls++
		return errBusy
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryUpToStopsAfterLimit(t *testing.T) {
	calls := 0
	err := RetryUpTo(3).run(func() error {
		calls++
		return errBusy
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryUpToStopsEarlyOnSuccess(t *testing.T) {
	calls := 0
	err := RetryUpTo(5).run(func() error {
		calls++
		if calls == 2 {
			return nil
		}
		return errBusy
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryNonBusyErrorNeverRetried(t *testing.T) {
	calls := 0
	other := errors.New("disk full")
	err := RetryUpTo(5).run(func() error {
		calls++
		return other
	})
	assert.Equal(t, other, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPredicateStopsWhenPredicateRefuses(t *testing.T) {
	calls := 0
	err := RetryPredicate(func(attempt int, err error) bool {
		return attempt < 2
	}).run(func() error {
		calls++
		return errBusy
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}
