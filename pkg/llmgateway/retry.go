package llmgateway

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryPolicy implements spec.md §4.5 / §7's retry rules for LLM calls:
// rate-limit errors get exponential backoff with jitter up to a per-call
// deadline; any other error gets exactly one retry.
type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Deadline       time.Duration
}

// DefaultRetryPolicy matches spec.md §4.5 verbatim: 1s initial, 60s cap,
// 300s per-call deadline.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{InitialBackoff: time.Second, MaxBackoff: 60 * time.Second, Deadline: 300 * time.Second}
}

// ErrDeadlineExceeded is returned when rate-limit backoff exhausts the
// per-call deadline without a successful response.
var ErrDeadlineExceeded = errors.New("llmgateway: retry deadline exceeded")

// attempt is one call to the underlying transport: it returns the response,
// an error, and whether that error was a rate-limit signal.
type attempt func(ctx context.Context) (Response, error, bool)

// Do runs fn under this policy's retry rules.
func (p RetryPolicy) Do(ctx context.Context, fn attempt) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Deadline)
	defer cancel()

	backoff := p.InitialBackoff
	nonRateLimitRetries := 0

	for {
		resp, err, rateLimited := fn(ctx)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return Response{}, ErrDeadlineExceeded
		}

		if rateLimited {
			jittered := backoff/2 + time.Duration(rand.Int64N(int64(backoff/2)+1))
			select {
			case <-time.After(jittered):
			case <-ctx.Done():
				return Response{}, ErrDeadlineExceeded
			}
			backoff *= 2
			if backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
			continue
		}

		if nonRateLimitRetries >= 1 {
			return Response{}, err
		}
		nonRateLimitRetries++
	}
}
