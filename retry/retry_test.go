package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func recordingSleeper(slept *[]time.Duration) Sleeper {
	return func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(error) bool { return true },
		func(context.Context) error {
			calls++
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	var slept []time.Duration
	cfg := Config{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, Sleep: recordingSleeper(&slept)}
	calls := 0
	err := Do(context.Background(), cfg, func(error) bool { return true },
		func(context.Context) error {
			calls++
			if calls < 3 {
				return errFlaky
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, slept)
}

// A step with max_attempts=N must invoke the operation exactly N times and
// sleep the geometric series base*(2^0 + ... + 2^{N-2}) when all attempts fail.
func TestDoExhaustionBoundsAndBackoff(t *testing.T) {
	var slept []time.Duration
	cfg := Config{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, Sleep: recordingSleeper(&slept)}
	calls := 0
	err := Do(context.Background(), cfg, func(error) bool { return true },
		func(context.Context) error {
			calls++
			return errFlaky
		})
	require.Error(t, err)
	assert.Equal(t, 4, calls)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.ErrorIs(t, err, errFlaky)

	var total time.Duration
	for _, d := range slept {
		total += d
	}
	assert.GreaterOrEqual(t, total, 700*time.Millisecond)
	assert.Len(t, slept, 3)
}

func TestDoStopsOnNonRetriable(t *testing.T) {
	fatal := errors.New("bad request")
	calls := 0
	cfg := Config{MaxAttempts: 5, BaseDelay: time.Millisecond, Sleep: recordingSleeper(&[]time.Duration{})}
	err := Do(context.Background(), cfg, func(err error) bool { return !errors.Is(err, fatal) },
		func(context.Context) error {
			calls++
			return fatal
		})
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDoMaxDelayCap(t *testing.T) {
	var slept []time.Duration
	cfg := Config{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    150 * time.Millisecond,
		Sleep:       recordingSleeper(&slept),
	}
	_ = Do(context.Background(), cfg, func(error) bool { return true },
		func(context.Context) error { return errFlaky })
	require.Len(t, slept, 4)
	for _, d := range slept[1:] {
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestDoHonorsContextDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Hour}
	err := Do(ctx, cfg, func(error) bool { return true },
		func(context.Context) error { return errFlaky })
	assert.ErrorIs(t, err, context.Canceled)
}
