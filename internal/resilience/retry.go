package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/marketplace-saga/internal/domain"
	"github.com/fairyhunter13/marketplace-saga/internal/observability"
)

// Policy carries the retry engine parameters: at most MaxAttempts additional
// attempts, exponential delays from BaseDelay by Multiplier capped at
// MaxDelay, with zero-mean Gaussian jitter at 10% standard deviation.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultPolicy returns the standard retry parameters.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2.0, MaxDelay: 30 * time.Second}
}

// Retryable classifies an error. Timeouts, transport failures and explicit
// retry-later responses are retryable; everything else — breaker-open,
// illegal state, validation and explicit peer errors — is terminal.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, domain.ErrTimeout),
		errors.Is(err, domain.ErrSendFailure),
		errors.Is(err, domain.ErrRetryLater),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

// gaussianBackOff implements backoff.BackOff with the policy's delay curve.
// The k-th delay is min(MaxDelay, BaseDelay*Multiplier^k) scaled by
// (1 + N(0, 0.1)), clamped into [0, MaxDelay].
type gaussianBackOff struct {
	policy Policy

	mu      sync.Mutex
	attempt int
	rng     *rand.Rand
}

func newGaussianBackOff(p Policy) *gaussianBackOff {
	return &gaussianBackOff{
		policy: p,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter only
	}
}

func (g *gaussianBackOff) NextBackOff() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	exp := float64(g.policy.BaseDelay) * math.Pow(g.policy.Multiplier, float64(g.attempt))
	g.attempt++
	if exp > float64(g.policy.MaxDelay) {
		exp = float64(g.policy.MaxDelay)
	}
	d := time.Duration(exp * (1 + g.rng.NormFloat64()*0.1))
	if d < 0 {
		d = 0
	}
	if d > g.policy.MaxDelay {
		d = g.policy.MaxDelay
	}
	return d
}

func (g *gaussianBackOff) Reset() {
	g.mu.Lock()
	g.attempt = 0
	g.mu.Unlock()
}

// Retryer executes operations under the retry policy.
type Retryer struct {
	policy Policy
}

// NewRetryer creates a retryer with the given policy.
func NewRetryer(p Policy) *Retryer {
	return &Retryer{policy: p}
}

// Do runs fn, retrying retryable errors with backoff until the attempt budget
// is exhausted. Terminal errors surface immediately. Cancelling ctx aborts
// any pending backoff sleep promptly.
func (r *Retryer) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	b := backoff.WithContext(
		backoff.WithMaxRetries(newGaussianBackOff(r.policy), uint64(r.policy.MaxAttempts)),
		ctx,
	)
	return backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		attempt++
		observability.RetryAttemptsTotal.Inc()
		slog.Warn("scheduling retry",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", r.policy.MaxAttempts),
			slog.Any("error", err))
		return err
	}, b)
}
