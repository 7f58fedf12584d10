package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingPolicy(maxAttempts int, delays *[]time.Duration) Policy {
	return Policy{
		MaxAttempts:   maxAttempts,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      400 * time.Millisecond,
		BackoffFactor: 2.0,
		Sleep: func(_ context.Context, d time.Duration) error {
			*delays = append(*delays, d)
			return nil
		},
	}
}

func TestDo_FailsNTimesThenSucceeds(t *testing.T) {
	var delays []time.Duration
	attempts := 0

	result, err := Do(context.Background(), countingPolicy(5, &delays), nil, func(context.Context) (string, error) {
		attempts++
		if attempts <= 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 4, attempts)
	// One delay per failed attempt that was retried.
	assert.Len(t, delays, 3)
}

func TestDo_ExponentialBackoffWithCeiling(t *testing.T) {
	var delays []time.Duration

	_, err := Do(context.Background(), countingPolicy(5, &delays), nil, func(context.Context) (int, error) {
		return 0, errors.New("always fails")
	})

	require.Error(t, err)
	assert.Equal(t, "always fails", err.Error())
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond, // capped at MaxDelay
	}, delays)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	var delays []time.Duration
	attempts := 0
	permanent := errors.New("bad request")

	_, err := Do(context.Background(), countingPolicy(5, &delays), func(error) bool { return false }, func(context.Context) (int, error) {
		attempts++
		return 0, permanent
	})

	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, delays)
}

func TestDo_ContextCancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := Policy{
		MaxAttempts:   3,
		InitialDelay:  time.Minute,
		MaxDelay:      time.Minute,
		BackoffFactor: 2.0,
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Do(ctx, p, nil, func(context.Context) (int, error) {
		return 0, errors.New("transient")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 10*time.Second, "must not wait out the full delay")
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsRetryableHTTP(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout", timeoutErr{}, true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"408", &HTTPStatusError{StatusCode: 408}, true},
		{"429", &HTTPStatusError{StatusCode: 429}, true},
		{"500", &HTTPStatusError{StatusCode: 500}, true},
		{"503", &HTTPStatusError{StatusCode: 503}, true},
		{"400", &HTTPStatusError{StatusCode: 400}, false},
		{"401", &HTTPStatusError{StatusCode: 401}, false},
		{"404", &HTTPStatusError{StatusCode: 404}, false},
		{"wrapped status", fmt.Errorf("deliver: %w", &HTTPStatusError{StatusCode: 422}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableHTTP(tt.err))
		})
	}
}
