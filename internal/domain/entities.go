// Package domain holds the core entities and ports of the order-fulfillment
// saga: orders, saga state, compensation records, the wire envelope and the
// error taxonomy shared by coordinator and seller.
package domain

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Error taxonomy (sentinels)
var (
	// Transport errors. Retryable.
	ErrTimeout     = errors.New("request timed out")
	ErrSendFailure = errors.New("send failure")
	ErrRetryLater  = errors.New("peer asked to retry later")

	// Peer-terminal errors, surfaced immediately.
	ErrOutOfStock         = errors.New("out of stock")
	ErrUnknownReservation = errors.New("unknown reservation")
	ErrReservationExpired = errors.New("reservation expired")
	ErrAlreadyConfirmed   = errors.New("reservation already confirmed")
	ErrInvalidArgument    = errors.New("invalid argument")

	// Breaker short-circuit. Terminal for the current attempt.
	ErrBreakerOpen = errors.New("circuit breaker open")

	// Protocol errors are bugs; they fail the saga.
	ErrInvalidTransition = errors.New("invalid saga state transition")

	// Resource errors.
	ErrShutdown = errors.New("shutdown in progress")
)

// OrderStatus enumerates the externally visible lifecycle of an order.
type OrderStatus string

const (
	OrderCreated      OrderStatus = "CREATED"
	OrderReserving    OrderStatus = "RESERVING"
	OrderAllReserved  OrderStatus = "ALL_RESERVED"
	OrderConfirming   OrderStatus = "CONFIRMING"
	OrderCompleted    OrderStatus = "COMPLETED"
	OrderCompensating OrderStatus = "COMPENSATING"
	OrderCancelled    OrderStatus = "CANCELLED"
	OrderFailed       OrderStatus = "FAILED"
)

// OrderItem is one line of an order. Items are never reassigned between
// sellers by the coordinator.
type OrderItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	SellerID  string `json:"sellerId"`
}

// Order is immutable after creation except for its status.
type Order struct {
	ID            string      `json:"orderId"`
	CustomerID    string      `json:"customerId"`
	MarketplaceID string      `json:"marketplaceId"`
	Items         []OrderItem `json:"items"`
	CreatedAt     time.Time   `json:"createdAt"`

	mu     sync.Mutex
	status OrderStatus
}

// NewOrder creates an order in the CREATED state.
func NewOrder(id, customerID, marketplaceID string, items []OrderItem) *Order {
	return &Order{
		ID:            id,
		CustomerID:    customerID,
		MarketplaceID: marketplaceID,
		Items:         items,
		CreatedAt:     time.Now(),
		status:        OrderCreated,
	}
}

// Status returns the current order status.
func (o *Order) Status() OrderStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// SetStatus replaces the order status.
func (o *Order) SetStatus(s OrderStatus) {
	o.mu.Lock()
	o.status = s
	o.mu.Unlock()
}

// Saga states. Kept as strings so the transition table can be fed directly
// into the state machine and persisted as-is.
const (
	SagaStarted               = "STARTED"
	SagaReserving             = "RESERVING"
	SagaProductsReserved      = "PRODUCTS_RESERVED"
	SagaConfirming            = "CONFIRMING"
	SagaCompleted             = "COMPLETED"
	SagaCompensating          = "COMPENSATING"
	SagaCompensationCompleted = "COMPENSATION_COMPLETED"
	SagaFailed                = "FAILED"
)

// SagaTransitions is the explicit transition table. Call sites never branch
// on the current state; they attempt a transition and act on the result.
var SagaTransitions = map[string][]string{
	SagaStarted:               {SagaReserving, SagaFailed},
	SagaReserving:             {SagaProductsReserved, SagaCompensating, SagaFailed},
	SagaProductsReserved:      {SagaConfirming, SagaCompensating},
	SagaConfirming:            {SagaCompleted, SagaCompensating},
	SagaCompensating:          {SagaCompensationCompleted, SagaFailed},
	SagaCompleted:             {},
	SagaCompensationCompleted: {},
	SagaFailed:                {},
}

// IsTerminalSagaState reports whether a state has no outgoing transitions.
func IsTerminalSagaState(state string) bool {
	return state == SagaCompleted || state == SagaFailed || state == SagaCompensationCompleted
}

// CompensationKind tags a compensation action variant. The orchestrator's
// compensation loop is a single switch over kinds so new variants slot in
// without touching the loop's structure.
type CompensationKind string

const (
	// CompensationCancelReservation undoes a successful RESERVE.
	CompensationCancelReservation CompensationKind = "CANCEL_RESERVATION"
)

// CompensationAction is the persisted record of one inverse step. Actions are
// appended in execution order and undone in reverse.
type CompensationAction struct {
	Kind          CompensationKind `json:"kind"`
	SellerID      string           `json:"sellerId"`
	ReservationID string           `json:"reservationId"`
	RecordedAt    time.Time        `json:"recordedAt"`
}

// SagaSnapshot is the durable image of one in-flight saga.
type SagaSnapshot struct {
	SagaID        string               `json:"sagaId"`
	OrderID       string               `json:"orderId"`
	State         string               `json:"state"`
	Compensations []CompensationAction `json:"compensations"`
	// Reservations maps seller ID to that seller's reservation ID.
	Reservations map[string]string `json:"reservations"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastUpdated  time.Time         `json:"lastUpdated"`
}

// IsExpired reports whether the snapshot has not been touched within timeout.
// Operator utility for detecting abandoned records.
func (s SagaSnapshot) IsExpired(timeout time.Duration) bool {
	return time.Since(s.LastUpdated) > timeout
}

// Transport (port): identity-routed request/response toward a named peer.
// Implementations assign a fresh correlation ID per call and keep the message
// ID stable when the caller has already set one.
type Transport interface {
	Request(ctx context.Context, peerID string, msg *Message) (Message, error)
}

// SagaStore (port): durable snapshots keyed by saga ID.
type SagaStore interface {
	Save(snap SagaSnapshot) error
	Remove(sagaID string) error
	List() []SagaSnapshot
}
