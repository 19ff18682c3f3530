package discount

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ms-redemption/internal/config"
	"ms-redemption/internal/errs"
	"ms-redemption/internal/kafka"
	"ms-redemption/internal/logger"
	"ms-redemption/internal/models"
	"ms-redemption/internal/retry"
	"ms-redemption/internal/utils"
)

type DBLayer interface {
	GetCode(ctx context.Context, code string) (*models.DiscountCode, error)
	MarkCodeUsed(ctx context.Context, code, bookingID, redeemedBy string, at time.Time) (bool, error)
	ReplacePool(ctx context.Context, codes []string, at time.Time) error
	PoolStatus(ctx context.Context) (models.PoolStatus, error)
	GetSharedCode(ctx context.Context, code string) (*models.SharedCode, error)
	EnsureSharedCode(ctx context.Context, code string, maxUsage int, at time.Time) error
	RedeemShared(ctx context.Context, code, bookingID, redeemedBy string, quantity int, at time.Time) (bool, error)
}

// Mirror is the best-effort status export.
type Mirror interface {
	Write(status models.RedemptionStatus) error
	Read() (*models.RedemptionStatus, error)
}

// Settings describes the pool and the shared code.
type Settings struct {
	PoolSize       int
	CodeLength     int
	PoolPercent    decimal.Decimal
	SharedCode     string
	SharedMaxUsage int
	SharedPercent  decimal.Decimal
}

func SettingsFromConfig(cfg config.DiscountConfig) Settings {
	return Settings{
		PoolSize:       cfg.PoolSize,
		CodeLength:     cfg.CodeLength,
		PoolPercent:    cfg.PoolPercent,
		SharedCode:     NormalizeCode(cfg.SharedCode),
		SharedMaxUsage: cfg.SharedMaxUsage,
		SharedPercent:  cfg.SharedPercent,
	}
}

// DiscountService owns the single-use pool and the capacity-limited shared
// code. Every mutation is a conditional update executed by the store.
type DiscountService struct {
	DB       DBLayer
	Kafka    kafka.Publisher
	Mirror   Mirror
	Logger   *logger.Logger
	Settings Settings
	Retry    retry.Policy
	Now      func() time.Time
}

func NewDiscountService(db DBLayer, publisher kafka.Publisher, mirror Mirror, log *logger.Logger, settings Settings, policy retry.Policy) *DiscountService {
	return &DiscountService{
		DB:       db,
		Kafka:    publisher,
		Mirror:   mirror,
		Logger:   log,
		Settings: settings,
		Retry:    policy,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (s *DiscountService) isShared(code string) bool {
	return s.Settings.SharedCode != "" && code == s.Settings.SharedCode
}

// MaxQuantity bounds the tickets one request may discount.
const MaxQuantity = 10000

func normalizeQuantity(q int) (int, error) {
	if q < 0 {
		return 0, errs.Malformedf("quantity must not be negative, got %d", q)
	}
	if q > MaxQuantity {
		return 0, errs.Malformedf("quantity must be at most %d, got %d", MaxQuantity, q)
	}
	if q == 0 {
		return 1, nil
	}
	return q, nil
}

// ---------------- VALIDATE ----------------

// Validate reports whether code can currently be applied to quantity
// tickets. It never mutates state. Rejections come back in the response;
// the error is reserved for malformed input and store failures.
func (s *DiscountService) Validate(ctx context.Context, req models.ValidateRequest) (*models.ValidateResponse, error) {
	code := NormalizeCode(req.Code)
	if code == "" {
		return nil, errs.Malformedf("code is required")
	}
	quantity, err := normalizeQuantity(req.Quantity)
	if err != nil {
		return nil, err
	}
	if req.UnitPrice != nil && req.UnitPrice.IsNegative() {
		return nil, errs.Malformedf("unit_price must not be negative")
	}

	if s.isShared(code) {
		return s.validateShared(ctx, code, quantity, req.UnitPrice)
	}

	var dc *models.DiscountCode
	err = retry.Do(ctx, s.Retry, func() error {
		var err error
		dc, err = s.DB.GetCode(ctx, code)
		return err
	})
	switch {
	case errs.Is(err, errs.ErrInvalidCode):
		return reject(errs.ErrInvalidCode), nil
	case err != nil:
		return nil, err
	case dc.Used:
		return reject(errs.ErrAlreadyUsed), nil
	case quantity != 1:
		return reject(errs.ErrQuantityNotAllowed), nil
	}

	return &models.ValidateResponse{
		Accepted: true,
		Discount: Quote(s.Settings.PoolPercent, req.UnitPrice, quantity),
	}, nil
}

func (s *DiscountService) validateShared(ctx context.Context, code string, quantity int, unitPrice *decimal.Decimal) (*models.ValidateResponse, error) {
	var sc *models.SharedCode
	err := retry.Do(ctx, s.Retry, func() error {
		var err error
		sc, err = s.DB.GetSharedCode(ctx, code)
		return err
	})
	switch {
	case errs.Is(err, errs.ErrInvalidCode):
		return reject(errs.ErrInvalidCode), nil
	case err != nil:
		return nil, err
	case quantity > sc.MaxUsage-sc.UsedCount:
		resp := reject(errs.ErrCapacityExhausted)
		resp.Shared = true
		return resp, nil
	}

	return &models.ValidateResponse{
		Accepted: true,
		Shared:   true,
		Discount: Quote(s.Settings.SharedPercent, unitPrice, quantity),
	}, nil
}

func reject(cause error) *models.ValidateResponse {
	return &models.ValidateResponse{Accepted: false, Reason: errs.Reason(cause)}
}

// Quote prices a discount of percent on quantity tickets. It returns nil
// when no unit price is known.
func Quote(percent decimal.Decimal, unitPrice *decimal.Decimal, quantity int) *models.DiscountQuote {
	if unitPrice == nil {
		return nil
	}
	subtotal := unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
	amount := subtotal.Mul(percent).Div(decimal.NewFromInt(100)).Round(2)
	if amount.GreaterThan(subtotal) {
		amount = subtotal
	}
	return &models.DiscountQuote{
		Percent:  percent,
		Amount:   amount,
		Subtotal: subtotal,
		Total:    subtotal.Sub(amount),
	}
}

// ---------------- REDEEM ----------------

// Redeem consumes code for bookingID. Repeating a committed redemption with
// the same bookingID succeeds with Replayed set and changes nothing.
func (s *DiscountService) Redeem(ctx context.Context, req models.RedeemRequest) (*models.RedeemResponse, error) {
	code := NormalizeCode(req.Code)
	if code == "" {
		return nil, errs.Malformedf("code is required")
	}
	if !utils.ValidBookingID(req.BookingID) {
		return nil, errs.Malformedf("invalid bookingId %q", req.BookingID)
	}
	redeemer := strings.TrimSpace(req.RedeemerIdentity)
	if redeemer == "" {
		return nil, errs.Malformedf("redeemerIdentity is required")
	}
	quantity, err := normalizeQuantity(req.Quantity)
	if err != nil {
		return nil, err
	}

	if s.isShared(code) {
		return s.redeemShared(ctx, code, req.BookingID, redeemer, quantity)
	}
	if quantity != 1 {
		return s.refuse(code, req.BookingID, errs.ErrQuantityNotAllowed), nil
	}

	now := s.Now()
	var marked bool
	err = retry.Do(ctx, s.Retry, func() error {
		var err error
		marked, err = s.DB.MarkCodeUsed(ctx, code, req.BookingID, redeemer, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	if !marked {
		// Either the code is unknown, used by someone else, or our own
		// earlier attempt already committed.
		var dc *models.DiscountCode
		err = retry.Do(ctx, s.Retry, func() error {
			var err error
			dc, err = s.DB.GetCode(ctx, code)
			return err
		})
		switch {
		case errs.Is(err, errs.ErrInvalidCode):
			return s.refuse(code, req.BookingID, err), nil
		case err != nil:
			return nil, err
		case dc.Used && dc.BookingID == req.BookingID:
			s.Logger.LogRedemption("REPLAY", code, fmt.Sprintf("booking %s already holds this code", req.BookingID))
			return &models.RedeemResponse{Success: true, Replayed: true}, nil
		default:
			return s.refuse(code, req.BookingID, errs.ErrAlreadyUsed), nil
		}
	}

	s.Logger.LogRedemption("REDEEM", code, fmt.Sprintf("redeemed by %s for booking %s", redeemer, req.BookingID))
	s.afterCommit(ctx, kafka.TopicCodeRedeemed, req.BookingID, models.CodeRedeemedEvent{
		EventID:    uuid.NewString(),
		Code:       code,
		BookingID:  req.BookingID,
		RedeemedBy: redeemer,
		Quantity:   1,
		RedeemedAt: now,
	})
	return &models.RedeemResponse{Success: true}, nil
}

func (s *DiscountService) redeemShared(ctx context.Context, code, bookingID, redeemer string, quantity int) (*models.RedeemResponse, error) {
	now := s.Now()
	var replayed bool
	err := retry.Do(ctx, s.Retry, func() error {
		var err error
		replayed, err = s.DB.RedeemShared(ctx, code, bookingID, redeemer, quantity, now)
		return err
	})
	if err != nil {
		if errs.Reason(err) != "" && !errs.IsTransient(err) {
			return s.refuse(code, bookingID, err), nil
		}
		return nil, err
	}

	if replayed {
		s.Logger.LogRedemption("REPLAY", code, fmt.Sprintf("booking %s already holds shared units", bookingID))
		return &models.RedeemResponse{Success: true, Replayed: true}, nil
	}

	s.Logger.LogRedemption("REDEEM", code, fmt.Sprintf("%d unit(s) redeemed by %s for booking %s", quantity, redeemer, bookingID))
	s.afterCommit(ctx, kafka.TopicSharedRedeemed, bookingID, models.CodeRedeemedEvent{
		EventID:    uuid.NewString(),
		Code:       code,
		Shared:     true,
		BookingID:  bookingID,
		RedeemedBy: redeemer,
		Quantity:   quantity,
		RedeemedAt: now,
	})
	return &models.RedeemResponse{Success: true}, nil
}

// refuse turns a rejection into a response. Security rejections are logged
// under SECURITY.
func (s *DiscountService) refuse(code, bookingID string, cause error) *models.RedeemResponse {
	reason := errs.Reason(cause)
	if errs.IsSecurity(cause) {
		s.Logger.LogSecurity(reason, fmt.Sprintf("redeem of %s for booking %s refused", code, bookingID))
	} else {
		s.Logger.LogRedemption("REJECT", code, fmt.Sprintf("%s for booking %s", reason, bookingID))
	}
	return &models.RedeemResponse{Success: false, Reason: reason}
}

// ---------------- POOL ----------------

// Regenerate atomically replaces the whole pool with fresh codes. The new
// pool has the size of the current one, or the configured size when empty.
func (s *DiscountService) Regenerate(ctx context.Context) (int, error) {
	var current models.PoolStatus
	err := retry.Do(ctx, s.Retry, func() error {
		var err error
		current, err = s.DB.PoolStatus(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	size := current.Total
	if size == 0 {
		size = s.Settings.PoolSize
	}

	codes, err := utils.GeneratePool(size, s.Settings.CodeLength, s.Settings.SharedCode)
	if err != nil {
		return 0, errs.Wrap(err, "generate discount pool")
	}

	now := s.Now()
	err = retry.Do(ctx, s.Retry, func() error {
		return s.DB.ReplacePool(ctx, codes, now)
	})
	if err != nil {
		return 0, err
	}

	s.Logger.LogRedemption("REGENERATE", "pool", fmt.Sprintf("replaced %d codes with %d fresh codes", current.Total, size))
	s.afterCommit(ctx, kafka.TopicPoolRegenerated, "pool", models.PoolRegeneratedEvent{
		EventID:       uuid.NewString(),
		PoolSize:      size,
		RegeneratedAt: now,
	})
	return size, nil
}

// Seed creates the shared code and fills an empty pool. Existing data is
// left alone.
func (s *DiscountService) Seed(ctx context.Context) error {
	now := s.Now()
	if s.Settings.SharedCode != "" {
		if err := s.DB.EnsureSharedCode(ctx, s.Settings.SharedCode, s.Settings.SharedMaxUsage, now); err != nil {
			return err
		}
	}

	status, err := s.DB.PoolStatus(ctx)
	if err != nil {
		return err
	}
	if status.Total > 0 {
		s.Logger.LogRedemption("SEED", "pool", fmt.Sprintf("pool already holds %d codes", status.Total))
		return nil
	}

	codes, err := utils.GeneratePool(s.Settings.PoolSize, s.Settings.CodeLength, s.Settings.SharedCode)
	if err != nil {
		return errs.Wrap(err, "generate discount pool")
	}
	if err := s.DB.ReplacePool(ctx, codes, now); err != nil {
		return err
	}
	s.Logger.LogRedemption("SEED", "pool", fmt.Sprintf("seeded %d codes", len(codes)))
	s.refreshMirror(ctx)
	return nil
}

// ---------------- STATUS ----------------

// Status reads usage from the store. When the store is unavailable the last
// mirror snapshot is returned with Stale set.
func (s *DiscountService) Status(ctx context.Context) (*models.RedemptionStatus, error) {
	status, err := s.storeStatus(ctx)
	if err == nil {
		return status, nil
	}
	if !errs.IsTransient(err) || s.Mirror == nil {
		return nil, err
	}

	snapshot, mirrorErr := s.Mirror.Read()
	if mirrorErr != nil {
		s.Logger.Warn("MIRROR", fmt.Sprintf("Mirror unavailable while store is down: %v", mirrorErr))
		return nil, err
	}
	s.Logger.Warn("MIRROR", fmt.Sprintf("Serving stale status from mirror: %v", err))
	snapshot.Stale = true
	return snapshot, nil
}

func (s *DiscountService) storeStatus(ctx context.Context) (*models.RedemptionStatus, error) {
	var pool models.PoolStatus
	err := retry.Do(ctx, s.Retry, func() error {
		var err error
		pool, err = s.DB.PoolStatus(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	shared := models.SharedStatus{Code: s.Settings.SharedCode, MaxUsage: s.Settings.SharedMaxUsage}
	if s.Settings.SharedCode != "" {
		var sc *models.SharedCode
		err = retry.Do(ctx, s.Retry, func() error {
			var err error
			sc, err = s.DB.GetSharedCode(ctx, s.Settings.SharedCode)
			return err
		})
		switch {
		case errs.Is(err, errs.ErrInvalidCode):
			// not seeded yet
		case err != nil:
			return nil, err
		default:
			shared.UsedCount = sc.UsedCount
			shared.MaxUsage = sc.MaxUsage
		}
	}

	return &models.RedemptionStatus{
		Pool:       pool,
		Shared:     shared,
		CapturedAt: s.Now(),
	}, nil
}

// afterCommit publishes the event and refreshes the mirror. Failures here
// are logged only; the redemption has already committed.
func (s *DiscountService) afterCommit(ctx context.Context, topic, key string, event interface{}) {
	if s.Kafka != nil {
		if err := s.Kafka.Publish(ctx, topic, key, event); err != nil {
			s.Logger.Error("KAFKA", fmt.Sprintf("Failed to publish %s for %s: %v", topic, key, err))
		}
	}
	s.refreshMirror(ctx)
}

func (s *DiscountService) refreshMirror(ctx context.Context) {
	if s.Mirror == nil {
		return
	}
	status, err := s.storeStatus(ctx)
	if err != nil {
		s.Logger.Warn("MIRROR", fmt.Sprintf("Skipping mirror refresh: %v", err))
		return
	}
	if err := s.Mirror.Write(*status); err != nil {
		s.Logger.Warn("MIRROR", fmt.Sprintf("Failed to write mirror: %v", err))
	}
}
