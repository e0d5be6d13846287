package llmgateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_SucceedsFirstTry(t *testing.T) {
	policy := RetryPolicy{InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond, Deadline: time.Second}
	calls := 0
	resp, err := policy.Do(context.Background(), func(context.Context) (Response, error, bool) {
		calls++
		return Response{Content: "ok"}, nil, false
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Content)
	require.Equal(t, 1, calls)
}

func TestRetryPolicy_OneRetryOnOrdinaryError(t *testing.T) {
	policy := RetryPolicy{InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond, Deadline: time.Second}
	calls := 0
	_, err := policy.Do(context.Background(), func(context.Context) (Response, error, bool) {
		calls++
		return Response{}, errors.New("boom"), false
	})
	require.Error(t, err)
	require.Equal(t, 2, calls)
}

func TestRetryPolicy_RecoversAfterOneFailure(t *testing.T) {
	policy := RetryPolicy{InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond, Deadline: time.Second}
	calls := 0
	resp, err := policy.Do(context.Background(), func(context.Context) (Response, error, bool) {
		calls++
		if calls == 1 {
			return Response{}, errors.New("transient"), false
		}
		return Response{Content: "ok"}, nil, false
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Content)
	require.Equal(t, 2, calls)
}

func TestRetryPolicy_RateLimitBacksOffUntilDeadline(t *testing.T) {
	policy := RetryPolicy{InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Deadline: 30 * time.Millisecond}
	calls := 0
	_, err := policy.Do(context.Background(), func(context.Context) (Response, error, bool) {
		calls++
		return Response{}, errors.New("rate limited"), true
	})
	require.ErrorIs(t, err, ErrDeadlineExceeded)
	require.Greater(t, calls, 1)
}
