package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates the wire envelope.
type MessageType string

const (
	MessageReserve   MessageType = "RESERVE"
	MessageConfirm   MessageType = "CONFIRM"
	MessageCancel    MessageType = "CANCEL"
	MessageHeartbeat MessageType = "HEARTBEAT"
	MessageSuccess   MessageType = "SUCCESS"
	MessageError     MessageType = "ERROR"
)

// Error reasons carried in ERROR responses. The coordinator maps these back
// to the sentinel taxonomy with ReasonToError.
const (
	ReasonOutOfStock         = "out-of-stock"
	ReasonInvalidQuantity    = "invalid-quantity"
	ReasonUnknownReservation = "unknown-reservation"
	ReasonReservationExpired = "reservation-expired"
	ReasonAlreadyConfirmed   = "already-confirmed"
	ReasonRetryLater         = "retry-later"
	ReasonUnknownType        = "unknown-message-type"
)

// MessageData carries the type-dependent payload fields.
type MessageData struct {
	ProductID     string `json:"productId,omitempty"`
	Quantity      int    `json:"quantity,omitempty"`
	ReservationID string `json:"reservationId,omitempty"`
	OrderID       string `json:"orderId,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Message is the wire envelope. MessageID is the idempotency key and stays
// stable across retries of the same logical request; CorrelationID is fresh
// per attempt and routes the response back to its awaiting caller.
type Message struct {
	MessageID     string      `json:"messageId"`
	CorrelationID string      `json:"correlationId"`
	Type          MessageType `json:"type"`
	SenderID      string      `json:"senderId"`
	// Timestamp is milliseconds since epoch.
	Timestamp int64       `json:"timestamp"`
	Data      MessageData `json:"data"`
}

// NewMessage builds an envelope with a fresh message ID and timestamp.
func NewMessage(t MessageType, senderID string, data MessageData) Message {
	return Message{
		MessageID: uuid.NewString(),
		Type:      t,
		SenderID:  senderID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// EncodeMessage serializes the envelope for the payload frame.
func EncodeMessage(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return b, nil
}

// DecodeMessage parses a payload frame back into an envelope.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

// ReasonToError maps a peer ERROR reason to the sentinel taxonomy. Unknown
// reasons come back as a plain error wrapping the reason text.
func ReasonToError(reason string) error {
	switch reason {
	case ReasonOutOfStock:
		return ErrOutOfStock
	case ReasonInvalidQuantity:
		return ErrInvalidArgument
	case ReasonUnknownReservation:
		return ErrUnknownReservation
	case ReasonReservationExpired:
		return ErrReservationExpired
	case ReasonAlreadyConfirmed:
		return ErrAlreadyConfirmed
	case ReasonRetryLater:
		return ErrRetryLater
	default:
		return fmt.Errorf("peer error: %s", reason)
	}
}
