package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// DiscountCode is a single-use pool code. Used flips false -> true exactly once.
type DiscountCode struct {
	bun.BaseModel `bun:"table:discount_codes"`

	Code      string    `bun:"code,pk" json:"code"`
	Used      bool      `bun:"used,notnull" json:"used"`
	UsedBy    string    `bun:"used_by,nullzero" json:"used_by,omitempty"`
	UsedAt    time.Time `bun:"used_at,nullzero" json:"used_at,omitempty"`
	BookingID string    `bun:"booking_id,nullzero" json:"booking_id,omitempty"`
	CreatedAt time.Time `bun:"created_at,nullzero" json:"created_at"`
}

// SharedCode is the capacity-limited code. UsedCount never exceeds MaxUsage
// and always equals the number of SharedCodeUsage rows for the code.
type SharedCode struct {
	bun.BaseModel `bun:"table:shared_codes"`

	Code      string    `bun:"code,pk" json:"code"`
	UsedCount int       `bun:"used_count,notnull" json:"usedCount"`
	MaxUsage  int       `bun:"max_usage,notnull" json:"maxUsage"`
	UpdatedAt time.Time `bun:"updated_at,nullzero" json:"updated_at,omitempty"`
}

func (s SharedCode) Remaining() int {
	if s.UsedCount >= s.MaxUsage {
		return 0
	}
	return s.MaxUsage - s.UsedCount
}

// SharedCodeUsage is one unit of shared quota, bound to one ticket of a booking.
type SharedCodeUsage struct {
	bun.BaseModel `bun:"table:shared_code_usages"`

	BookingID  string    `bun:"booking_id,pk" json:"booking_id"`
	Unit       int       `bun:"unit,pk" json:"unit"`
	Code       string    `bun:"code,notnull" json:"code"`
	RedeemedBy string    `bun:"redeemed_by" json:"redeemed_by"`
	RedeemedAt time.Time `bun:"redeemed_at,notnull" json:"redeemed_at"`
}

type PoolStatus struct {
	Total int `json:"total"`
	Used  int `json:"used"`
}

type SharedStatus struct {
	Code      string `json:"code"`
	UsedCount int    `json:"usedCount"`
	MaxUsage  int    `json:"maxUsage"`
}

// RedemptionStatus is the read-side summary exposed to operators and
// written to the file mirror.
type RedemptionStatus struct {
	Pool       PoolStatus   `json:"pool"`
	Shared     SharedStatus `json:"shared"`
	Stale      bool         `json:"stale"`
	CapturedAt time.Time    `json:"captured_at"`
}

type ValidateRequest struct {
	Code      string           `json:"code"`
	Quantity  int              `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

type DiscountQuote struct {
	Percent  decimal.Decimal `json:"percent"`
	Amount   decimal.Decimal `json:"amount"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Total    decimal.Decimal `json:"total"`
}

type ValidateResponse struct {
	Accepted bool           `json:"accepted"`
	Reason   string         `json:"reason,omitempty"`
	Shared   bool           `json:"shared,omitempty"`
	Discount *DiscountQuote `json:"discount,omitempty"`
}

type RedeemRequest struct {
	Code             string `json:"code"`
	BookingID        string `json:"bookingId"`
	RedeemerIdentity string `json:"redeemerIdentity"`
	Quantity         int    `json:"quantity,omitempty"`
}

type RedeemResponse struct {
	Success  bool   `json:"success"`
	Reason   string `json:"reason,omitempty"`
	Replayed bool   `json:"replayed,omitempty"`
}

type RegenerateResponse struct {
	PoolSize int `json:"poolSize"`
}
