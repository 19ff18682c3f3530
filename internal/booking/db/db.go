package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/uptrace/bun"

	"ms-redemption/internal/errs"
	"ms-redemption/internal/models"
)

type DB struct {
	Bun *bun.DB
}

func storeErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errs.Is(err, sql.ErrNoRows) {
		return errs.Wrap(errs.ErrNotFound, msg)
	}
	return errs.Transient(err, msg)
}

// GetBooking → fetch one booking by its ID
func (d *DB) GetBooking(ctx context.Context, bookingID string) (*models.Booking, error) {
	var booking models.Booking
	err := d.Bun.NewSelect().
		Model(&booking).
		Where("booking_id = ?", bookingID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, storeErr(err, "get booking")
	}
	return &booking, nil
}

// CreateBooking → insert a purchase record; checkout owns these rows, this
// is used by seeding and tests
func (d *DB) CreateBooking(ctx context.Context, booking models.Booking) error {
	_, err := d.Bun.NewInsert().Model(&booking).Exec(ctx)
	return storeErr(err, "create booking")
}

// SaveToken stores the signature of a freshly minted token. Only paid,
// unchecked bookings accept a token; any earlier token is superseded.
func (d *DB) SaveToken(ctx context.Context, bookingID, signature string, issuedAt time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Booking)(nil)).
		Set("security_token = ?", signature).
		Set("token_issued_at = ?", issuedAt).
		Where("booking_id = ?", bookingID).
		Where("qr_used = ?", false).
		Where("payment_status = ?", models.PaymentStatusCompleted).
		Exec(ctx)
	if err != nil {
		return false, storeErr(err, "save booking token")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr(err, "save booking token")
	}
	return n == 1, nil
}

// MarkUsed checks the booking in. It succeeds only while the booking is
// unused and still carries signature; scanID identifies this attempt so a
// retry can recognise its own earlier commit.
func (d *DB) MarkUsed(ctx context.Context, bookingID, signature, scanID string, at time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Booking)(nil)).
		Set("qr_used = ?", true).
		Set("qr_used_at = ?", at).
		Set("qr_scan_id = ?", scanID).
		Where("booking_id = ?", bookingID).
		Where("qr_used = ?", false).
		Where("security_token = ?", signature).
		Exec(ctx)
	if err != nil {
		return false, storeErr(err, "mark booking used")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr(err, "mark booking used")
	}
	return n == 1, nil
}
