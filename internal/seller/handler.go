package seller

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fairyhunter13/marketplace-saga/internal/domain"
)

// Handler serves the seller side of the protocol. The idempotency cache is
// consulted strictly before any side-effecting operation: on a hit the
// handler is bypassed and the cached response bytes are returned verbatim.
type Handler struct {
	sellerID string
	inv      *Inventory
	idem     *IdempotencyCache
}

// NewHandler wires the inventory and idempotency cache.
func NewHandler(sellerID string, inv *Inventory, idem *IdempotencyCache) *Handler {
	return &Handler{sellerID: sellerID, inv: inv, idem: idem}
}

// HandleRaw processes one request payload and returns the response payload,
// or nil when no reply is owed (heartbeats, undecodable requests).
func (h *Handler) HandleRaw(_ context.Context, payload []byte) []byte {
	req, err := domain.DecodeMessage(payload)
	if err != nil {
		slog.Warn("discarding malformed request", slog.Any("error", err))
		return nil
	}
	if req.Type == domain.MessageHeartbeat {
		return nil
	}

	// Absent message ID means the caller did not request deduplication.
	if req.MessageID != "" {
		if cached, ok := h.idem.Seen(req.MessageID); ok {
			slog.Debug("replaying cached response",
				slog.String("message_id", req.MessageID),
				slog.String("correlation_id", req.CorrelationID))
			return h.recorrelate(cached, req.CorrelationID)
		}
	}

	resp := h.process(req)
	out, err := domain.EncodeMessage(resp)
	if err != nil {
		slog.Error("encode response failed", slog.Any("error", err))
		return nil
	}
	if req.MessageID != "" {
		h.idem.Record(req.MessageID, out)
	}
	return out
}

func (h *Handler) process(req domain.Message) domain.Message {
	switch req.Type {
	case domain.MessageReserve:
		reservationID, err := h.inv.Reserve(req.Data.ProductID, req.Data.Quantity)
		if err != nil {
			return h.errorResponse(req, err)
		}
		return h.successResponse(req, domain.MessageData{
			ProductID:     req.Data.ProductID,
			Quantity:      req.Data.Quantity,
			ReservationID: reservationID,
			OrderID:       req.Data.OrderID,
		})
	case domain.MessageConfirm:
		if err := h.inv.Confirm(req.Data.ReservationID); err != nil {
			return h.errorResponse(req, err)
		}
		return h.successResponse(req, domain.MessageData{
			ReservationID: req.Data.ReservationID,
			OrderID:       req.Data.OrderID,
		})
	case domain.MessageCancel:
		if err := h.inv.Cancel(req.Data.ReservationID); err != nil {
			return h.errorResponse(req, err)
		}
		return h.successResponse(req, domain.MessageData{
			ReservationID: req.Data.ReservationID,
			OrderID:       req.Data.OrderID,
		})
	default:
		resp := h.errorResponseReason(req, domain.ReasonUnknownType)
		return resp
	}
}

func (h *Handler) successResponse(req domain.Message, data domain.MessageData) domain.Message {
	resp := domain.NewMessage(domain.MessageSuccess, h.sellerID, data)
	resp.CorrelationID = req.CorrelationID
	return resp
}

func (h *Handler) errorResponse(req domain.Message, err error) domain.Message {
	return h.errorResponseReason(req, errorReason(err))
}

func (h *Handler) errorResponseReason(req domain.Message, reason string) domain.Message {
	resp := domain.NewMessage(domain.MessageError, h.sellerID, domain.MessageData{
		ProductID:     req.Data.ProductID,
		ReservationID: req.Data.ReservationID,
		OrderID:       req.Data.OrderID,
		Reason:        reason,
	})
	resp.CorrelationID = req.CorrelationID
	return resp
}

// recorrelate rewrites the correlation ID on a cached response so a retried
// request still routes back to its awaiting caller. All other bytes are the
// original response.
func (h *Handler) recorrelate(cached []byte, correlationID string) []byte {
	msg, err := domain.DecodeMessage(cached)
	if err != nil {
		return cached
	}
	msg.CorrelationID = correlationID
	out, err := domain.EncodeMessage(msg)
	if err != nil {
		return cached
	}
	return out
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrOutOfStock):
		return domain.ReasonOutOfStock
	case errors.Is(err, domain.ErrInvalidArgument):
		return domain.ReasonInvalidQuantity
	case errors.Is(err, domain.ErrUnknownReservation):
		return domain.ReasonUnknownReservation
	case errors.Is(err, domain.ErrReservationExpired):
		return domain.ReasonReservationExpired
	case errors.Is(err, domain.ErrAlreadyConfirmed):
		return domain.ReasonAlreadyConfirmed
	default:
		return err.Error()
	}
}
