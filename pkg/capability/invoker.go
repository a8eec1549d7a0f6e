package capability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// RetryConfig defines backoff behavior for idempotent capability calls.
type RetryConfig struct {
	MaxRetries    int           // Maximum retry attempts after the first call
	InitialDelay  time.Duration // Delay before the first retry
	MaxDelay      time.Duration // Cap on the backoff delay
	BackoffFactor float64       // Multiplier per attempt
	Jitter        bool          // Randomize delays to avoid thundering herds
}

// DefaultRetryConfig provides reasonable defaults for capability retries.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:    3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Invoker executes capability calls with a per-call timeout. Idempotent
// capabilities are retried a bounded number of times with exponential
// backoff; non-idempotent capabilities fail on the first timeout or error so
// no side effect can be applied twice.
type Invoker struct {
	timeout time.Duration
	retry   RetryConfig
	logger  *logx.Logger
}

// NewInvoker creates an invoker with the given per-call timeout.
func NewInvoker(timeout time.Duration, retry RetryConfig) *Invoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Invoker{
		timeout: timeout,
		retry:   retry,
		logger:  logx.NewLogger("invoker"),
	}
}

// Invoke runs a read or write capability. The returned error wraps
// ErrCapabilityTimeout when the deadline was the cause.
func (i *Invoker) Invoke(ctx context.Context, c *Capability, params map[string]any) (map[string]any, error) {
	if c.Kind == proto.CapabilityJob {
		return nil, fmt.Errorf("capability %s is a job; use InvokeJob", c.ID)
	}
	if err := c.CheckInput(params); err != nil {
		return nil, err
	}

	attempts := 1
	if c.Idempotent {
		attempts += i.retry.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := i.backoffDelay(attempt)
			i.logger.Warn("retrying capability %s (attempt %d/%d) after %v: %v",
				c.ID, attempt+1, attempts, delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("capability %s: %w", c.ID, ctx.Err())
			}
		}

		result, err := i.callOnce(ctx, c, params)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !c.Idempotent || !retryable(err) {
			break
		}
	}
	return nil, lastErr
}

// InvokeJob runs a long-running job capability. Progress callbacks are
// forwarded to the caller; cancellation propagates through ctx. Jobs are not
// retried regardless of idempotency, since progress has already been
// surfaced to the user.
func (i *Invoker) InvokeJob(ctx context.Context, c *Capability, params map[string]any, progress ProgressFunc) (map[string]any, error) {
	if c.Kind != proto.CapabilityJob {
		return nil, fmt.Errorf("capability %s is not a job", c.ID)
	}
	if err := c.CheckInput(params); err != nil {
		return nil, err
	}
	result, err := c.JobHandler(ctx, params, progress)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("job %s: %w", c.ID, proto.ErrCapabilityTimeout)
		}
		return nil, fmt.Errorf("job %s: %w", c.ID, err)
	}
	return result, nil
}

func (i *Invoker) callOnce(ctx context.Context, c *Capability, params map[string]any) (map[string]any, error) {
	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	result, err := c.Handler(callCtx, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("capability %s: %w", c.ID, proto.ErrCapabilityTimeout)
		}
		return nil, fmt.Errorf("capability %s: %w", c.ID, err)
	}
	return result, nil
}

func (i *Invoker) backoffDelay(attempt int) time.Duration {
	delay := float64(i.retry.InitialDelay) * math.Pow(i.retry.BackoffFactor, float64(attempt-1))
	if delay > float64(i.retry.MaxDelay) {
		delay = float64(i.retry.MaxDelay)
	}
	if i.retry.Jitter {
		delay *= 0.5 + rand.Float64()/2 //nolint:gosec // jitter needs no crypto rand
	}
	return time.Duration(delay)
}

// retryable reports whether an error class is worth retrying: timeouts and
// transient failures, but never input validation or cancellation.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, proto.ErrCapabilityTimeout) {
		return true
	}
	var te *TransientError
	return errors.As(err, &te)
}

// TransientError marks a capability failure as retryable for idempotent
// capabilities. Domain modules wrap recoverable backend failures with it.
type TransientError struct {
	Underlying error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error: %v", e.Underlying)
}

func (e *TransientError) Unwrap() error {
	return e.Underlying
}

// NewTransientError wraps err as retryable.
func NewTransientError(err error) *TransientError {
	return &TransientError{Underlying: err}
}
