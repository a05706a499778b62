// Package resilience implements the per-peer circuit breaker and the retry
// engine that wrap the transport on the coordinator side.
package resilience

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/marketplace-saga/internal/domain"
	"github.com/fairyhunter13/marketplace-saga/internal/observability"
)

// BreakerState represents the state of the circuit breaker.
type BreakerState int32

const (
	// StateClosed indicates normal operation.
	StateClosed BreakerState = iota
	// StateOpen indicates the breaker fails calls fast for a timeout period.
	StateOpen
	// StateHalfOpen indicates a trial state probing peer recovery.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig carries the breaker thresholds.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker from closed.
	FailureThreshold int32
	// SuccessThreshold is the number of consecutive successes that closes the
	// breaker from half-open.
	SuccessThreshold int32
	// OpenTimeout is how long the breaker stays open before the next call
	// probes the peer in half-open.
	OpenTimeout time.Duration
}

// DefaultBreakerConfig returns the standard thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, SuccessThreshold: 3, OpenTimeout: 30 * time.Second}
}

// Breaker is one circuit breaker for a single (coordinator -> seller)
// channel. Counters and state are atomics; there is no coarse lock.
type Breaker struct {
	name string
	cfg  BreakerConfig

	state       atomic.Int32
	failures    atomic.Int32 // consecutive failures while closed
	successes   atomic.Int32 // consecutive successes while half-open
	lastFailure atomic.Int64 // unix nanos
}

// NewBreaker creates a closed breaker named after its peer.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	b := &Breaker{name: name, cfg: cfg}
	observability.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Allow reports whether a call may proceed. When the breaker is open and the
// open timeout has not elapsed it returns a breaker-open error, which the
// retry engine classifies as terminal. The first call after the timeout moves
// the breaker to half-open and is allowed through as a probe.
func (b *Breaker) Allow() error {
	switch BreakerState(b.state.Load()) {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		last := time.Unix(0, b.lastFailure.Load())
		if time.Since(last) > b.cfg.OpenTimeout {
			if b.transition(StateOpen, StateHalfOpen) {
				b.successes.Store(0)
				slog.Info("circuit breaker probing recovery",
					slog.String("peer", b.name),
					slog.Duration("open_timeout", b.cfg.OpenTimeout))
			}
			// Either we moved to half-open or another caller did; probe.
			return nil
		}
		return fmt.Errorf("peer %s: %w", b.name, domain.ErrBreakerOpen)
	default:
		return fmt.Errorf("peer %s: %w", b.name, domain.ErrBreakerOpen)
	}
}

// RecordSuccess notes a successful call, resetting the failure streak and
// closing the breaker once enough half-open probes succeed.
func (b *Breaker) RecordSuccess() {
	b.failures.Store(0)
	if BreakerState(b.state.Load()) != StateHalfOpen {
		return
	}
	if b.successes.Add(1) >= b.cfg.SuccessThreshold {
		if b.transition(StateHalfOpen, StateClosed) {
			slog.Info("circuit breaker closed",
				slog.String("peer", b.name),
				slog.Int("success_threshold", int(b.cfg.SuccessThreshold)))
		}
	}
}

// RecordFailure notes a failed call. A failure streak at the threshold opens
// the breaker; any failure during half-open reopens it and restarts the timer.
func (b *Breaker) RecordFailure() {
	b.lastFailure.Store(time.Now().UnixNano())
	switch BreakerState(b.state.Load()) {
	case StateClosed:
		n := b.failures.Add(1)
		if n >= b.cfg.FailureThreshold {
			if b.transition(StateClosed, StateOpen) {
				slog.Warn("circuit breaker opened",
					slog.String("peer", b.name),
					slog.Int("failures", int(n)))
			}
		}
	case StateHalfOpen:
		if b.transition(StateHalfOpen, StateOpen) {
			slog.Warn("circuit breaker reopened by half-open failure",
				slog.String("peer", b.name))
		}
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	return BreakerState(b.state.Load())
}

// Reset forces the breaker back to closed. Manual intervention and tests only.
func (b *Breaker) Reset() {
	b.state.Store(int32(StateClosed))
	b.failures.Store(0)
	b.successes.Store(0)
	b.lastFailure.Store(0)
	observability.BreakerState.WithLabelValues(b.name).Set(float64(StateClosed))
}

// Stats returns a snapshot for the ops endpoint.
func (b *Breaker) Stats() BreakerStats {
	return BreakerStats{
		Peer:      b.name,
		State:     b.State().String(),
		Failures:  int(b.failures.Load()),
		Successes: int(b.successes.Load()),
	}
}

// BreakerStats is the JSON-friendly breaker snapshot.
type BreakerStats struct {
	Peer      string `json:"peer"`
	State     string `json:"state"`
	Failures  int    `json:"failures"`
	Successes int    `json:"successes"`
}

func (b *Breaker) transition(from, to BreakerState) bool {
	if b.state.CompareAndSwap(int32(from), int32(to)) {
		observability.BreakerState.WithLabelValues(b.name).Set(float64(to))
		return true
	}
	return false
}

// Registry hands out one breaker per peer.
type Registry struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for a peer, creating it on first use.
func (r *Registry) For(peer string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[peer]
	if !ok {
		b = NewBreaker(peer, r.cfg)
		r.breakers[peer] = b
	}
	return b
}

// Stats returns snapshots for every known breaker.
func (r *Registry) Stats() []BreakerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BreakerStats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	return out
}
