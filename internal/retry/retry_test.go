package retry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type refusedErr struct{}

func (refusedErr) Error() string   { return "refused" }
func (refusedErr) Timeout() bool   { return false }
func (refusedErr) Temporary() bool { return false }

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	attempts, err := Do(context.Background(), NewFixed(3, 0, nil), func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestDoStopsAtMaxAttempts(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	calls := 0
	attempts, err := Do(context.Background(), NewFixed(3, time.Millisecond, nil), func(context.Context, int) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, attempts)
	require.Equal(t, 3, calls)
}

func TestDoPermanentErrorNotRetried(t *testing.T) {
	t.Parallel()

	forbidden := errors.New("403")
	attempts, err := Do(context.Background(), NewFixed(3, 0, nil), func(context.Context, int) error {
		return Permanent(forbidden)
	})
	require.Equal(t, 1, attempts)
	require.ErrorIs(t, err, forbidden)
	require.False(t, IsPermanent(err))
}

func TestDoHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	attempts, err := Do(ctx, NewFixed(5, time.Hour, nil), func(context.Context, int) error {
		cancel()
		return errors.New("transient")
	})
	require.Equal(t, 1, attempts)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDoValue(t *testing.T) {
	t.Parallel()

	v, attempts, err := DoValue(context.Background(), NewFixed(2, 0, nil), func(_ context.Context, attempt int) (string, error) {
		if attempt == 1 {
			return "", errors.New("empty")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, 2, attempts)
}

func TestFixedPolicyClassifier(t *testing.T) {
	t.Parallel()

	p := NewFixed(3, 10*time.Second, TransientNetwork)
	require.Equal(t, 10*time.Second, p.Backoff(1))
	require.True(t, p.ShouldRetry(errors.New("reset"), 1))
	require.False(t, p.ShouldRetry(&net.DNSError{Err: "no such host", IsNotFound: true}, 1))
	require.True(t, p.ShouldRetry(&net.DNSError{Err: "timeout", IsTimeout: true}, 1))
	require.True(t, p.ShouldRetry(context.DeadlineExceeded, 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(nil, 1))
	require.False(t, NewFixed(0, 0, nil).ShouldRetry(errors.New("x"), 1))
}

func TestExponentialPolicy(t *testing.T) {
	t.Parallel()

	p := NewExponential(3, 100*time.Millisecond, 300*time.Millisecond)
	require.True(t, p.ShouldRetry(timeoutErr{}, 1))
	require.False(t, p.ShouldRetry(refusedErr{}, 1))
	require.True(t, p.ShouldRetry(errors.New("status 503"), 2))
	require.False(t, p.ShouldRetry(errors.New("status 503"), 3))

	for attempt := 1; attempt <= 5; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 300*time.Millisecond)
	}
}
