package resilience

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/marketplace-saga/internal/domain"
	"github.com/fairyhunter13/marketplace-saga/internal/observability"
)

// GuardedTransport wraps a raw transport with the per-peer circuit breaker
// and the retry engine. The breaker guards each individual attempt, so a
// breaker-open error reaches the retry engine and terminates the call; the
// message ID on msg stays stable across attempts while the transport assigns
// a fresh correlation ID per attempt.
type GuardedTransport struct {
	transport domain.Transport
	breakers  *Registry
	retryer   *Retryer
}

// NewGuardedTransport builds the breaker+retry wrapper around transport.
func NewGuardedTransport(transport domain.Transport, breakers *Registry, retryer *Retryer) *GuardedTransport {
	return &GuardedTransport{transport: transport, breakers: breakers, retryer: retryer}
}

// Request sends msg to peer under breaker and retry policy. ERROR responses
// from the peer are returned to the caller (peer-terminal), except an
// explicit retry-later which is converted into a retryable error.
func (g *GuardedTransport) Request(ctx context.Context, peer string, msg *domain.Message) (domain.Message, error) {
	br := g.breakers.For(peer)
	var resp domain.Message
	op := fmt.Sprintf("%s %s", msg.Type, peer)
	err := g.retryer.Do(ctx, op, func(ctx context.Context) error {
		if err := br.Allow(); err != nil {
			observability.RequestsTotal.WithLabelValues(peer, "breaker_open").Inc()
			return err
		}
		r, err := g.transport.Request(ctx, peer, msg)
		if err != nil {
			br.RecordFailure()
			observability.RequestsTotal.WithLabelValues(peer, "error").Inc()
			return err
		}
		br.RecordSuccess()
		observability.RequestsTotal.WithLabelValues(peer, "ok").Inc()
		if r.Type == domain.MessageError && r.Data.Reason == domain.ReasonRetryLater {
			return fmt.Errorf("peer %s: %w", peer, domain.ErrRetryLater)
		}
		resp = r
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return resp, nil
}
