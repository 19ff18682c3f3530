package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
)

// Booking is the purchase record written by checkout. The token columns are
// the only ones this service mutates.
type Booking struct {
	bun.BaseModel `bun:"table:bookings"`

	BookingID     string    `bun:"booking_id,pk" json:"booking_id"`
	CustomerName  string    `bun:"customer_name" json:"customer_name"`
	Email         string    `bun:"email" json:"email"`
	Phone         string    `bun:"phone" json:"phone"`
	EventName     string    `bun:"event_name" json:"event_name"`
	TicketType    string    `bun:"ticket_type" json:"ticket_type"`
	Quantity      int       `bun:"quantity" json:"quantity"`
	PaymentStatus string    `bun:"payment_status" json:"payment_status"`
	SecurityToken string    `bun:"security_token,nullzero" json:"-"`
	TokenIssuedAt time.Time `bun:"token_issued_at,nullzero" json:"-"`
	QRUsed        bool      `bun:"qr_used,notnull" json:"qr_used"`
	QRUsedAt      time.Time `bun:"qr_used_at,nullzero" json:"qr_used_at,omitempty"`
	QRScanID      string    `bun:"qr_scan_id,nullzero" json:"-"`
	CreatedAt     time.Time `bun:"created_at,nullzero" json:"created_at"`
}

func (b Booking) Paid() bool {
	return b.PaymentStatus == PaymentStatusCompleted
}

// BookingSummary is what the gate operator sees after a successful scan.
type BookingSummary struct {
	CustomerName string `json:"customerName"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	EventName    string `json:"eventName"`
	TicketType   string `json:"ticketType"`
	Quantity     int    `json:"quantity"`
}

func (b Booking) Summary() BookingSummary {
	return BookingSummary{
		CustomerName: b.CustomerName,
		Email:        b.Email,
		Phone:        b.Phone,
		EventName:    b.EventName,
		TicketType:   b.TicketType,
		Quantity:     b.Quantity,
	}
}

type MintRequest struct {
	BookingID string `json:"bookingId"`
	IncludeQR bool   `json:"includeQr,omitempty"`
}

type MintResponse struct {
	Token string `json:"token"`
	QRPNG string `json:"qr_png,omitempty"`
}

type VerifyRequest struct {
	Token string `json:"token"`
}

type VerifyResponse struct {
	Valid     bool            `json:"valid"`
	BookingID string          `json:"bookingId,omitempty"`
	Booking   *BookingSummary `json:"booking,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}
