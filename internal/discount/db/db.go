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

// errReplay aborts a shared redemption transaction whose booking already
// holds its quota units.
var errReplay = errs.New("shared redemption replay")

// storeErr classifies a driver error. Missing rows become notFound; anything
// else is an infrastructure failure and is marked transient.
func storeErr(err error, notFound error, msg string) error {
	if err == nil {
		return nil
	}
	if errs.Is(err, sql.ErrNoRows) && notFound != nil {
		return errs.Wrap(notFound, msg)
	}
	return errs.Transient(err, msg)
}

// ---------------- POOL CODES ----------------

// GetCode → fetch one pool code
func (d *DB) GetCode(ctx context.Context, code string) (*models.DiscountCode, error) {
	var dc models.DiscountCode
	err := d.Bun.NewSelect().
		Model(&dc).
		Where("code = ?", code).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, storeErr(err, errs.ErrInvalidCode, "get discount code")
	}
	return &dc, nil
}

// MarkCodeUsed flips an unused code to used. It reports false when the code
// is unknown or already used; the row is untouched in that case.
func (d *DB) MarkCodeUsed(ctx context.Context, code, bookingID, redeemedBy string, at time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.DiscountCode)(nil)).
		Set("used = ?", true).
		Set("used_by = ?", redeemedBy).
		Set("used_at = ?", at).
		Set("booking_id = ?", bookingID).
		Where("code = ?", code).
		Where("used = ?", false).
		Exec(ctx)
	if err != nil {
		return false, storeErr(err, nil, "mark discount code used")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr(err, nil, "mark discount code used")
	}
	return n == 1, nil
}

// ReplacePool deletes every pool code and inserts codes in one transaction.
func (d *DB) ReplacePool(ctx context.Context, codes []string, at time.Time) error {
	rows := make([]models.DiscountCode, len(codes))
	for i, c := range codes {
		rows[i] = models.DiscountCode{Code: c, CreatedAt: at}
	}

	err := d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*models.DiscountCode)(nil)).
			Where("1 = 1").
			Exec(ctx); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		_, err := tx.NewInsert().Model(&rows).Exec(ctx)
		return err
	})
	return storeErr(err, nil, "replace discount pool")
}

func (d *DB) PoolStatus(ctx context.Context) (models.PoolStatus, error) {
	var status models.PoolStatus
	total, err := d.Bun.NewSelect().Model((*models.DiscountCode)(nil)).Count(ctx)
	if err != nil {
		return status, storeErr(err, nil, "count discount pool")
	}
	used, err := d.Bun.NewSelect().
		Model((*models.DiscountCode)(nil)).
		Where("used = ?", true).
		Count(ctx)
	if err != nil {
		return status, storeErr(err, nil, "count used discount codes")
	}
	status.Total = total
	status.Used = used
	return status, nil
}

// ---------------- SHARED CODE ----------------

func (d *DB) GetSharedCode(ctx context.Context, code string) (*models.SharedCode, error) {
	var sc models.SharedCode
	err := d.Bun.NewSelect().
		Model(&sc).
		Where("code = ?", code).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, storeErr(err, errs.ErrInvalidCode, "get shared code")
	}
	return &sc, nil
}

// EnsureSharedCode creates the shared code with a zero counter. An existing
// row keeps its counter and quota.
func (d *DB) EnsureSharedCode(ctx context.Context, code string, maxUsage int, at time.Time) error {
	sc := models.SharedCode{Code: code, MaxUsage: maxUsage, UpdatedAt: at}
	_, err := d.Bun.NewInsert().
		Model(&sc).
		On("CONFLICT (code) DO NOTHING").
		Exec(ctx)
	return storeErr(err, nil, "ensure shared code")
}

// RedeemShared consumes quantity units of the shared quota for bookingID.
// The bounded increment and the history rows commit together, so
// used_count always equals the number of usage rows. A booking that already
// holds its units is reported as replayed without touching the counter.
func (d *DB) RedeemShared(ctx context.Context, code, bookingID, redeemedBy string, quantity int, at time.Time) (bool, error) {
	err := d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*models.SharedCode)(nil)).
			Set("used_count = used_count + ?", quantity).
			Set("updated_at = ?", at).
			Where("code = ?", code).
			Where("used_count + ? <= max_usage", quantity).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			held, err := countUsages(ctx, tx, code, bookingID)
			if err != nil {
				return err
			}
			if held > 0 {
				return errReplay
			}
			exists, err := tx.NewSelect().
				Model((*models.SharedCode)(nil)).
				Where("code = ?", code).
				Exists(ctx)
			if err != nil {
				return err
			}
			if !exists {
				return errs.ErrInvalidCode
			}
			return errs.ErrCapacityExhausted
		}

		usages := make([]models.SharedCodeUsage, quantity)
		for i := range usages {
			usages[i] = models.SharedCodeUsage{
				BookingID:  bookingID,
				Unit:       i + 1,
				Code:       code,
				RedeemedBy: redeemedBy,
				RedeemedAt: at,
			}
		}
		res, err = tx.NewInsert().
			Model(&usages).
			On("CONFLICT (booking_id, unit) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return err
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		switch {
		case inserted == int64(quantity):
			return nil
		case inserted == 0:
			return errReplay
		default:
			// booking already holds a different number of units
			return errs.ErrAlreadyUsed
		}
	})

	switch {
	case err == nil:
		return false, nil
	case errs.Is(err, errReplay):
		return true, nil
	case errs.Is(err, errs.ErrInvalidCode), errs.Is(err, errs.ErrCapacityExhausted), errs.Is(err, errs.ErrAlreadyUsed):
		return false, errs.Wrapf(err, "redeem shared code %s", code)
	default:
		return false, storeErr(err, nil, "redeem shared code")
	}
}

func countUsages(ctx context.Context, tx bun.Tx, code, bookingID string) (int, error) {
	return tx.NewSelect().
		Model((*models.SharedCodeUsage)(nil)).
		Where("code = ?", code).
		Where("booking_id = ?", bookingID).
		Count(ctx)
}

// SharedHistory returns the usage rows in redemption order.
func (d *DB) SharedHistory(ctx context.Context, code string) ([]models.SharedCodeUsage, error) {
	var usages []models.SharedCodeUsage
	err := d.Bun.NewSelect().
		Model(&usages).
		Where("code = ?", code).
		Order("redeemed_at ASC", "booking_id ASC", "unit ASC").
		Scan(ctx)
	if err != nil {
		return nil, storeErr(err, nil, "list shared history")
	}
	return usages, nil
}
