// Package seller implements the seller participant: inventory with
// reservation semantics and expiry, the idempotency cache, and the request
// handler that serves RESERVE/CONFIRM/CANCEL.
package seller

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/marketplace-saga/internal/domain"
)

// Reservation is a hold on stock. It stays unconfirmed until CONFIRM makes it
// permanent; a cancel or expiry restores its quantity exactly once.
type Reservation struct {
	ID        string
	ProductID string
	Quantity  int
	Confirmed bool
	ExpiresAt time.Time
}

func (r *Reservation) expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Inventory guards per-product stock and the reservation table with a
// read-write lock: reserve/confirm/cancel and the sweeper take exclusive
// access, status queries share.
type Inventory struct {
	sellerID           string
	reservationTimeout time.Duration

	mu           sync.RWMutex
	stock        map[string]int
	reservations map[string]*Reservation
	counter      int
}

// NewInventory seeds stock for the given products.
func NewInventory(sellerID string, stock map[string]int, reservationTimeout time.Duration) *Inventory {
	s := make(map[string]int, len(stock))
	for p, q := range stock {
		s[p] = q
	}
	return &Inventory{
		sellerID:           sellerID,
		reservationTimeout: reservationTimeout,
		stock:              s,
		reservations:       make(map[string]*Reservation),
	}
}

// Reserve holds quantity units of a product and returns the reservation ID.
func (inv *Inventory) Reserve(productID string, quantity int) (string, error) {
	if quantity <= 0 {
		return "", fmt.Errorf("quantity %d: %w", quantity, domain.ErrInvalidArgument)
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.sweepLocked(time.Now())

	available, ok := inv.stock[productID]
	if !ok || available < quantity {
		return "", fmt.Errorf("product %s (available %d, requested %d): %w",
			productID, available, quantity, domain.ErrOutOfStock)
	}
	inv.stock[productID] = available - quantity
	inv.counter++
	res := &Reservation{
		ID:        fmt.Sprintf("%s-R%d", inv.sellerID, inv.counter),
		ProductID: productID,
		Quantity:  quantity,
		ExpiresAt: time.Now().Add(inv.reservationTimeout),
	}
	inv.reservations[res.ID] = res
	slog.Debug("reserved stock",
		slog.String("seller_id", inv.sellerID),
		slog.String("product_id", productID),
		slog.Int("quantity", quantity),
		slog.String("reservation_id", res.ID),
		slog.Int("remaining", inv.stock[productID]))
	return res.ID, nil
}

// Confirm makes a reservation permanent. A confirmed reservation is terminal
// and can no longer be cancelled.
func (inv *Inventory) Confirm(reservationID string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	res, ok := inv.reservations[reservationID]
	if !ok {
		return fmt.Errorf("reservation %s: %w", reservationID, domain.ErrUnknownReservation)
	}
	if res.expired(time.Now()) && !res.Confirmed {
		return fmt.Errorf("reservation %s: %w", reservationID, domain.ErrReservationExpired)
	}
	if res.Confirmed {
		return fmt.Errorf("reservation %s: %w", reservationID, domain.ErrAlreadyConfirmed)
	}
	res.Confirmed = true
	slog.Debug("confirmed reservation",
		slog.String("seller_id", inv.sellerID),
		slog.String("reservation_id", reservationID))
	return nil
}

// Cancel removes an unconfirmed reservation and restores its quantity.
// Cancelling an absent (or already expired and swept) reservation succeeds so
// compensation stays idempotent; cancelling a confirmed one is an error.
func (inv *Inventory) Cancel(reservationID string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	res, ok := inv.reservations[reservationID]
	if !ok {
		return nil
	}
	if res.Confirmed {
		return fmt.Errorf("reservation %s: %w", reservationID, domain.ErrAlreadyConfirmed)
	}
	delete(inv.reservations, reservationID)
	inv.stock[res.ProductID] += res.Quantity
	slog.Debug("cancelled reservation",
		slog.String("seller_id", inv.sellerID),
		slog.String("reservation_id", reservationID),
		slog.Int("restored", res.Quantity))
	return nil
}

// SweepExpired removes every non-confirmed, expired reservation and restores
// its quantity. Returns the number of reservations swept.
func (inv *Inventory) SweepExpired() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.sweepLocked(time.Now())
}

func (inv *Inventory) sweepLocked(now time.Time) int {
	swept := 0
	for id, res := range inv.reservations {
		if !res.Confirmed && res.expired(now) {
			delete(inv.reservations, id)
			inv.stock[res.ProductID] += res.Quantity
			swept++
		}
	}
	if swept > 0 {
		slog.Info("swept expired reservations",
			slog.String("seller_id", inv.sellerID),
			slog.Int("count", swept))
	}
	return swept
}

// Available returns the unreserved stock for one product.
func (inv *Inventory) Available(productID string) int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.stock[productID]
}

// Status returns a snapshot of available stock per product.
func (inv *Inventory) Status() map[string]int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make(map[string]int, len(inv.stock))
	for p, q := range inv.stock {
		out[p] = q
	}
	return out
}

// ReservationStats summarizes the reservation table.
type ReservationStats struct {
	Active    int `json:"active"`
	Expired   int `json:"expired"`
	Confirmed int `json:"confirmed"`
}

// Reservations returns counts of active, expired and confirmed reservations.
func (inv *Inventory) Reservations() ReservationStats {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	now := time.Now()
	var st ReservationStats
	for _, res := range inv.reservations {
		switch {
		case res.Confirmed:
			st.Confirmed++
		case res.expired(now):
			st.Expired++
		default:
			st.Active++
		}
	}
	return st
}

// RunSweeper runs the expiry sweep every interval until ctx is done.
func (inv *Inventory) RunSweeper(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			inv.SweepExpired()
			return
		case <-ticker.C:
			inv.SweepExpired()
		}
	}
}
