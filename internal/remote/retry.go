package remote

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"

	"github.com/Norgate-AV/compilerd/internal/codes"
	"github.com/Norgate-AV/compilerd/internal/logging"
	"github.com/Norgate-AV/compilerd/internal/metrics"
)

// Default retry settings
const (
	DefaultRetries    = 5
	DefaultRetryDelay = 500 * time.Millisecond
)

// RetryPolicy is a fixed retry count with a fixed delay between attempts
type RetryPolicy struct {
	Retries int
	Delay   time.Duration
}

// Retrier applies a RetryPolicy to remote transport calls. The overall budget
// is bounded by the caller's context deadline and is never extended.
type Retrier struct {
	policy RetryPolicy
	logger logr.Logger
}

func NewRetrier(policy RetryPolicy, logger logr.Logger) *Retrier {
	if policy.Retries < 0 {
		policy.Retries = 0
	}

	return &Retrier{policy: policy, logger: logger}
}

// Attempts returns the maximum number of calls Do makes
func (r *Retrier) Attempts() int {
	return r.policy.Retries + 1
}

// Do calls fn until it succeeds, the attempts run out, or ctx ends.
// Configuration errors are returned at once without retrying. Exhaustion is
// reported as codes.BackendUnavailable, a deadline as codes.Stale.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := retry.Do(
		func() error {
			err := fn(ctx)
			if err != nil {
				metrics.RemoteAttempts.WithLabelValues(op, "error").Inc()
				return err
			}

			metrics.RemoteAttempts.WithLabelValues(op, "ok").Inc()

			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(r.Attempts())),
		retry.Delay(r.policy.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !codes.IsConfiguration(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			r.logger.V(logging.VERBOSE).Info("Remote call failed, retrying", "op", op, "attempt", n+1, "err", err.Error())
		}),
	)
	if err == nil {
		return nil
	}

	if codes.IsConfiguration(err) {
		return err
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return codes.Wrap(codes.Stale, ctxErr, "deadline reached during remote "+op)
		}

		return ctxErr
	}

	return codes.Wrap(codes.BackendUnavailable, err, "remote "+op+" failed after retries")
}
