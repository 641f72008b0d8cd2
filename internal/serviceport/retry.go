package serviceport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/vaultco/cosigncore/internal/domain"
)

// RetryPolicyConfig mirrors the §6 configuration keys governing the
// service adapter's retry behavior.
type RetryPolicyConfig struct {
	MaxAttempts  int
	BaseDelayMs  int64
	MaxDelayMs   int64
}

// RetryingClient wraps a Transport with bounded exponential backoff and
// jitter, retrying only the classes §4.5/§7 mark retryable, via the
// cenkalti/backoff/v5 library.
type RetryingClient struct {
	transport Transport
	cfg       RetryPolicyConfig
}

// NewRetryingClient wraps transport with cfg's retry policy.
func NewRetryingClient(transport Transport, cfg RetryPolicyConfig) *RetryingClient {
	return &RetryingClient{transport: transport, cfg: cfg}
}

// Do executes op against the wrapped transport, retrying retryable
// failures up to cfg.MaxAttempts with exponential backoff + jitter. A
// Result.Conflict (already-exists) collapses to success without a
// further attempt (§4.5).
func (c *RetryingClient) Do(ctx context.Context, op OperationKind, call Call) (Result, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(c.cfg.BaseDelayMs) * time.Millisecond
	policy.MaxInterval = time.Duration(c.cfg.MaxDelayMs) * time.Millisecond

	operation := func() (Result, error) {
		call.Attempt++
		res, err := c.transport.Do(ctx, op, call)
		if err != nil {
			if IsRetryableTransportError(err) {
				return Result{}, err
			}
			return Result{}, backoff.Permanent(err)
		}
		if res.Conflict {
			return res, nil
		}
		if res.Error != nil && !res.Error.Retryable() {
			return res, backoff.Permanent(res.Error)
		}
		if res.Error != nil {
			return Result{}, res.Error
		}
		return res, nil
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
	)
	if err != nil {
		if ce, ok := err.(*domain.CoreError); ok {
			return Result{Error: ce}, nil
		}
		return Result{}, err
	}
	return result, nil
}
