// Package pipeline feeds orders into the saga orchestrator through a bounded
// worker pool with a configurable submission pace.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/marketplace-saga/internal/domain"
)

// Executor is the saga entry point the pipeline drives.
type Executor interface {
	Execute(ctx context.Context, order *domain.Order) (domain.OrderStatus, error)
}

// Outcome reports the terminal result of one order.
type Outcome struct {
	OrderID  string
	Status   domain.OrderStatus
	Err      error
	Duration time.Duration
}

// Pipeline runs orders on a fixed pool of workers. Submit blocks when all
// workers are busy and the queue is full; Close drains accepted orders before
// returning.
type Pipeline struct {
	executor Executor
	workers  int

	queue    chan *domain.Order
	outcomes chan Outcome

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New starts the worker pool. ctx bounds every saga started by the pool.
func New(ctx context.Context, executor Executor, workers int) *Pipeline {
	p := &Pipeline{
		executor: executor,
		workers:  workers,
		queue:    make(chan *domain.Order, workers),
		outcomes: make(chan Outcome, workers),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p
}

// Submit enqueues one order. It blocks until a worker frees up or ctx is
// cancelled.
func (p *Pipeline) Submit(ctx context.Context, order *domain.Order) error {
	select {
	case p.queue <- order:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit order %s: %w", order.ID, ctx.Err())
	}
}

// Outcomes exposes the stream of terminal results. The channel closes after
// Close has drained the pool. Delivery is best-effort: when no consumer keeps
// up, outcomes are dropped rather than stalling the worker pool; terminal
// states are still logged and counted in the order metrics.
func (p *Pipeline) Outcomes() <-chan Outcome {
	return p.outcomes
}

// Close stops accepting orders and waits for in-flight sagas to finish.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		close(p.queue)
		p.wg.Wait()
		close(p.outcomes)
	})
}

// Drain stops intake and waits up to grace for accepted orders to finish.
// When the grace period elapses first, cancel is invoked to abort the
// remaining sagas and the drain completes once the workers return.
func (p *Pipeline) Drain(grace time.Duration, cancel context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("shutdown grace elapsed, cancelling in-flight orders",
			slog.Duration("grace", grace))
		cancel()
		<-done
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for order := range p.queue {
		start := time.Now()
		status, err := p.executor.Execute(ctx, order)
		out := Outcome{
			OrderID:  order.ID,
			Status:   status,
			Err:      err,
			Duration: time.Since(start),
		}
		if err != nil {
			slog.Warn("order finished with failure",
				slog.String("order_id", order.ID),
				slog.String("status", string(status)),
				slog.Duration("took", out.Duration),
				slog.Any("error", err))
		} else {
			slog.Info("order finished",
				slog.String("order_id", order.ID),
				slog.String("status", string(status)),
				slog.Duration("took", out.Duration))
		}
		select {
		case p.outcomes <- out:
		default:
			// Nobody is consuming outcomes; drop rather than stall the pool.
		}
	}
}

// Generator produces a stream of synthetic orders across the known sellers,
// used when the coordinator runs without an external order feed.
type Generator struct {
	marketplaceID string
	sellers       []string
	products      []string
	rng           *rand.Rand
	mu            sync.Mutex
	seq           int
}

// NewGenerator builds a generator over the given seller and product sets.
func NewGenerator(marketplaceID string, sellers, products []string) *Generator {
	return &Generator{
		marketplaceID: marketplaceID,
		sellers:       sellers,
		products:      products,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // synthetic data only
	}
}

// Next returns a fresh order with 1..len(sellers) line items, one per seller.
func (g *Generator) Next() *domain.Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	n := 1 + g.rng.Intn(len(g.sellers))
	items := make([]domain.OrderItem, 0, n)
	for _, seller := range g.sellers[:n] {
		items = append(items, domain.OrderItem{
			ProductID: g.products[g.rng.Intn(len(g.products))],
			Quantity:  1 + g.rng.Intn(3),
			SellerID:  seller,
		})
	}
	id := fmt.Sprintf("%s-O%d", g.marketplaceID, g.seq)
	return domain.NewOrder(id, "customer-"+uuid.NewString()[:8], g.marketplaceID, items)
}

// Run submits generated orders at the given pace until ctx is done.
func (g *Generator) Run(ctx context.Context, p *Pipeline, delay time.Duration) {
	ticker := time.NewTicker(delay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			order := g.Next()
			if err := p.Submit(ctx, order); err != nil {
				return
			}
			slog.Debug("order submitted",
				slog.String("order_id", order.ID),
				slog.Int("items", len(order.Items)))
		}
	}
}
