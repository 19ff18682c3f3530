package models

import "time"

type CodeRedeemedEvent struct {
	EventID    string    `json:"event_id"`
	Code       string    `json:"code"`
	Shared     bool      `json:"shared"`
	BookingID  string    `json:"booking_id"`
	RedeemedBy string    `json:"redeemed_by"`
	Quantity   int       `json:"quantity"`
	RedeemedAt time.Time `json:"redeemed_at"`
}

type PoolRegeneratedEvent struct {
	EventID       string    `json:"event_id"`
	PoolSize      int       `json:"pool_size"`
	RegeneratedAt time.Time `json:"regenerated_at"`
}

// TokenMintedEvent feeds the ticket mail worker. It never carries the token
// itself; the worker rebuilds it from the booking record.
type TokenMintedEvent struct {
	EventID      string    `json:"event_id"`
	BookingID    string    `json:"booking_id"`
	CustomerName string    `json:"customer_name"`
	Email        string    `json:"email"`
	EventName    string    `json:"event_name"`
	TicketType   string    `json:"ticket_type"`
	Quantity     int       `json:"quantity"`
	IssuedAt     time.Time `json:"issued_at"`
}

type CheckedInEvent struct {
	EventID     string    `json:"event_id"`
	BookingID   string    `json:"booking_id"`
	ScanID      string    `json:"scan_id"`
	Operator    string    `json:"operator,omitempty"`
	CheckedInAt time.Time `json:"checked_in_at"`
}
