package depot

// retry.go implements the bounded exponential retry applied at the adapter
// layer.  Only transient errors are retried; everything else aborts the
// backoff loop immediately.
//
// © 2025 depot authors. MIT License.

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how hard an adapter tries before surfacing a
// transient error.  The default makes three tries, waiting 100ms and then
// 400ms between them.
type RetryPolicy struct {
	MaxTries        int
	InitialInterval time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy is applied by remote adapters unless overridden.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        3,
		InitialInterval: 100 * time.Millisecond,
		Multiplier:      4,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxTries <= 0 {
		p.MaxTries = 1
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 100 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// retryTransient runs op, retrying transient failures with exponential
// backoff until the policy's try budget or the context runs out.  The last
// error is returned as-is, so its transient wrapper survives for the
// combinator above.
func retryTransient(ctx context.Context, policy RetryPolicy, op func() error) error {
	policy = policy.normalize()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.InitialInterval
	eb.Multiplier = policy.Multiplier
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(policy.MaxTries-1)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}
