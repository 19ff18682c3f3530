package discount_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ms-redemption/internal/discount"
	"ms-redemption/internal/errs"
	"ms-redemption/internal/kafka"
	"ms-redemption/internal/logger"
	"ms-redemption/internal/models"
	"ms-redemption/internal/retry"
)

// MockDBLayer is a mock implementation of the discount DBLayer interface
type MockDBLayer struct {
	mock.Mock
}

func (m *MockDBLayer) GetCode(ctx context.Context, code string) (*models.DiscountCode, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DiscountCode), args.Error(1)
}

func (m *MockDBLayer) MarkCodeUsed(ctx context.Context, code, bookingID, redeemedBy string, at time.Time) (bool, error) {
	args := m.Called(ctx, code, bookingID, redeemedBy, at)
	return args.Bool(0), args.Error(1)
}

func (m *MockDBLayer) ReplacePool(ctx context.Context, codes []string, at time.Time) error {
	args := m.Called(ctx, codes, at)
	return args.Error(0)
}

func (m *MockDBLayer) PoolStatus(ctx context.Context) (models.PoolStatus, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.PoolStatus), args.Error(1)
}

func (m *MockDBLayer) GetSharedCode(ctx context.Context, code string) (*models.SharedCode, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SharedCode), args.Error(1)
}

func (m *MockDBLayer) EnsureSharedCode(ctx context.Context, code string, maxUsage int, at time.Time) error {
	args := m.Called(ctx, code, maxUsage, at)
	return args.Error(0)
}

func (m *MockDBLayer) RedeemShared(ctx context.Context, code, bookingID, redeemedBy string, quantity int, at time.Time) (bool, error) {
	args := m.Called(ctx, code, bookingID, redeemedBy, quantity, at)
	return args.Bool(0), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	args := m.Called(ctx, topic, key, payload)
	return args.Error(0)
}

type MockMirror struct {
	mock.Mock
}

func (m *MockMirror) Write(status models.RedemptionStatus) error {
	args := m.Called(status)
	return args.Error(0)
}

func (m *MockMirror) Read() (*models.RedemptionStatus, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RedemptionStatus), args.Error(1)
}

var testSettings = discount.Settings{
	PoolSize:       5,
	CodeLength:     6,
	PoolPercent:    decimal.NewFromInt(10),
	SharedCode:     "EVENTLY100",
	SharedMaxUsage: 100,
	SharedPercent:  decimal.NewFromInt(15),
}

var fastRetry = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func newService(db *MockDBLayer, pub kafka.Publisher) *discount.DiscountService {
	return discount.NewDiscountService(db, pub, nil, logger.NewNopLogger(), testSettings, fastRetry)
}

func transientErr() error {
	return errs.Transient(errors.New("connection reset by peer"), "store")
}

func TestValidate_RegularCode(t *testing.T) {
	mockDB := new(MockDBLayer)
	svc := newService(mockDB, kafka.NopPublisher{})
	ctx := context.Background()

	mockDB.On("GetCode", mock.Anything, "ABC123").Return(&models.DiscountCode{Code: "ABC123"}, nil)

	price := decimal.RequireFromString("50.00")
	resp, err := svc.Validate(ctx, models.ValidateRequest{Code: " abc123 ", Quantity: 1, UnitPrice: &price})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.False(t, resp.Shared)
	require.NotNil(t, resp.Discount)
	assert.True(t, resp.Discount.Amount.Equal(decimal.RequireFromString("5.00")))
	assert.True(t, resp.Discount.Total.Equal(decimal.RequireFromString("45.00")))

	// quantity above one points the caller at the shared code
	resp, err = svc.Validate(ctx, models.ValidateRequest{Code: "ABC123", Quantity: 2})
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, errs.ReasonQuantityNotAllowed, resp.Reason)

	mockDB.AssertExpectations(t)
}

func TestValidate_RegularRejections(t *testing.T) {
	mockDB := new(MockDBLayer)
	svc := newService(mockDB, kafka.NopPublisher{})
	ctx := context.Background()

	mockDB.On("GetCode", mock.Anything, "USED01").Return(&models.DiscountCode{Code: "USED01", Used: true}, nil)
	mockDB.On("GetCode", mock.Anything, "NOPE00").Return(nil, errs.ErrInvalidCode)

	resp, err := svc.Validate(ctx, models.ValidateRequest{Code: "USED01", Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, errs.ReasonAlreadyUsed, resp.Reason)

	resp, err = svc.Validate(ctx, models.ValidateRequest{Code: "NOPE00", Quantity: 1})
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, errs.ReasonInvalidCode, resp.Reason)
}

func TestValidate_SharedCode(t *testing.T) {
	mockDB := new(MockDBLayer)
	svc := newService(mockDB, kafka.NopPublisher{})
	ctx := context.Background()

	mockDB.On("GetSharedCode", mock.Anything, "EVENTLY100").Return(&models.SharedCode{Code: "EVENTLY100", UsedCount: 99, MaxUsage: 100}, nil)

	resp, err := svc.Validate(ctx, models.ValidateRequest{Code: "evently100", Quantity: 1})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.True(t, resp.Shared)

	resp, err = svc.Validate(ctx, models.ValidateRequest{Code: "EVENTLY100", Quantity: 2})
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, errs.ReasonCapacityExhausted, resp.Reason)

	mockDB.AssertNotCalled(t, "GetCode", mock.Anything, mock.Anything)
}

func TestValidate_Malformed(t *testing.T) {
	svc := newService(new(MockDBLayer), kafka.NopPublisher{})
	ctx := context.Background()

	_, err := svc.Validate(ctx, models.ValidateRequest{Code: "  "})
	assert.True(t, errs.Is(err, errs.ErrMalformed))

	_, err = svc.Validate(ctx, models.ValidateRequest{Code: "ABC123", Quantity: -1})
	assert.True(t, errs.Is(err, errs.ErrMalformed))

	negative := decimal.NewFromInt(-5)
	_, err = svc.Validate(ctx, models.ValidateRequest{Code: "ABC123", UnitPrice: &negative})
	assert.True(t, errs.Is(err, errs.ErrMalformed))
}

func TestValidate_HugeQuantity(t *testing.T) {
	mockDB := new(MockDBLayer)
	svc := newService(mockDB, kafka.NopPublisher{})
	ctx := context.Background()

	for _, q := range []int{math.MaxInt, math.MaxInt - 1, discount.MaxQuantity + 1} {
		_, err := svc.Validate(ctx, models.ValidateRequest{Code: "EVENTLY100", Quantity: q})
		assert.True(t, errs.Is(err, errs.ErrMalformed), "quantity %d", q)
	}
	mockDB.AssertNotCalled(t, "GetSharedCode", mock.Anything, mock.Anything)
}

func TestValidate_SharedQuantityBeyondRemaining(t *testing.T) {
	mockDB := new(MockDBLayer)
	svc := newService(mockDB, kafka.NopPublisher{})

	mockDB.On("GetSharedCode", mock.Anything, "EVENTLY100").Return(&models.SharedCode{Code: "EVENTLY100", UsedCount: 1, MaxUsage: 100}, nil)

	resp, err := svc.Validate(context.Background(), models.ValidateRequest{Code: "EVENTLY100", Quantity: discount.MaxQuantity})
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, errs.ReasonCapacityExhausted, resp.Reason)
}

func TestRedeem_RegularCode(t *testing.T) {
	mockDB := new(MockDBLayer)
	pub := new(MockPublisher)
	svc := newService(mockDB, pub)

	mockDB.On("MarkCodeUsed", mock.Anything, "ABC123", "BK1", "alice@example.com", mock.Anything).Return(true, nil)
	pub.On("Publish", mock.Anything, kafka.TopicCodeRedeemed, "BK1", mock.MatchedBy(func(e models.CodeRedeemedEvent) bool {
		return e.Code == "ABC123" && e.BookingID == "BK1" && e.Quantity == 1 && !e.Shared
	})).Return(nil)

	resp, err := svc.Redeem(context.Background(), models.RedeemRequest{Code: "ABC123", BookingID: "BK1", RedeemerIdentity: "alice@example.com"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.False(t, resp.Replayed)

	mockDB.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestRedeem_RegularReplayAndConflict(t *testing.T) {
	mockDB := new(MockDBLayer)
	pub := new(MockPublisher)
	svc := newService(mockDB, pub)
	ctx := context.Background()

	mockDB.On("MarkCodeUsed", mock.Anything, "ABC123", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)
	mockDB.On("GetCode", mock.Anything, "ABC123").Return(&models.DiscountCode{Code: "ABC123", Used: true, BookingID: "BK1"}, nil)

	resp, err := svc.Redeem(ctx, models.RedeemRequest{Code: "ABC123", BookingID: "BK1", RedeemerIdentity: "alice"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.True(t, resp.Replayed)

	resp, err = svc.Redeem(ctx, models.RedeemRequest{Code: "ABC123", BookingID: "BK2", RedeemerIdentity: "bob"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, errs.ReasonAlreadyUsed, resp.Reason)

	// replays and rejections publish nothing
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRedeem_RegularQuantityNotAllowed(t *testing.T) {
	mockDB := new(MockDBLayer)
	svc := newService(mockDB, kafka.NopPublisher{})

	resp, err := svc.Redeem(context.Background(), models.RedeemRequest{Code: "ABC123", BookingID: "BK1", RedeemerIdentity: "alice", Quantity: 3})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, errs.ReasonQuantityNotAllowed, resp.Reason)
	mockDB.AssertNotCalled(t, "MarkCodeUsed", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRedeem_Malformed(t *testing.T) {
	svc := newService(new(MockDBLayer), kafka.NopPublisher{})
	ctx := context.Background()

	cases := []models.RedeemRequest{
		{Code: "", BookingID: "BK1", RedeemerIdentity: "alice"},
		{Code: "ABC123", BookingID: "", RedeemerIdentity: "alice"},
		{Code: "ABC123", BookingID: "BK 1", RedeemerIdentity: "alice"},
		{Code: "ABC123", BookingID: "BK1", RedeemerIdentity: " "},
		{Code: "ABC123", BookingID: "BK1", RedeemerIdentity: "alice", Quantity: -2},
		{Code: "EVENTLY100", BookingID: "BK1", RedeemerIdentity: "alice", Quantity: math.MaxInt},
	}
	for _, req := range cases {
		_, err := svc.Redeem(ctx, req)
		assert.True(t, errs.Is(err, errs.ErrMalformed), "request %+v", req)
	}
}

func TestRedeem_TransientRetriedThenSucceeds(t *testing.T) {
	mockDB := new(MockDBLayer)
	svc := newService(mockDB, kafka.NopPublisher{})

	mockDB.On("MarkCodeUsed", mock.Anything, "ABC123", "BK1", "alice", mock.Anything).Return(false, transientErr()).Twice()
	mockDB.On("MarkCodeUsed", mock.Anything, "ABC123", "BK1", "alice", mock.Anything).Return(true, nil).Once()

	resp, err := svc.Redeem(context.Background(), models.RedeemRequest{Code: "ABC123", BookingID: "BK1", RedeemerIdentity: "alice"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	mockDB.AssertNumberOfCalls(t, "MarkCodeUsed", 3)
}

func TestRedeem_TransientExhausted(t *testing.T) {
	mockDB := new(MockDBLayer)
	svc := newService(mockDB, kafka.NopPublisher{})

	mockDB.On("MarkCodeUsed", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(false, transientErr())

	resp, err := svc.Redeem(context.Background(), models.RedeemRequest{Code: "ABC123", BookingID: "BK1", RedeemerIdentity: "alice"})
	assert.Nil(t, resp)
	assert.True(t, errs.IsTransient(err))
	assert.Equal(t, errs.ReasonTransientStore, errs.Reason(err))
	mockDB.AssertNumberOfCalls(t, "MarkCodeUsed", 3)
}

func TestRedeem_SharedCode(t *testing.T) {
	mockDB := new(MockDBLayer)
	pub := new(MockPublisher)
	svc := newService(mockDB, pub)
	ctx := context.Background()

	mockDB.On("RedeemShared", mock.Anything, "EVENTLY100", "BK1", "alice", 2, mock.Anything).Return(false, nil)
	mockDB.On("RedeemShared", mock.Anything, "EVENTLY100", "BK2", "bob", 1, mock.Anything).Return(false, errs.Wrap(errs.ErrCapacityExhausted, "redeem shared code"))
	mockDB.On("RedeemShared", mock.Anything, "EVENTLY100", "BK3", "carol", 1, mock.Anything).Return(true, nil)
	pub.On("Publish", mock.Anything, kafka.TopicSharedRedeemed, "BK1", mock.Anything).Return(errors.New("broker down"))

	// a failed publish never fails the committed redemption
	resp, err := svc.Redeem(ctx, models.RedeemRequest{Code: "EVENTLY100", BookingID: "BK1", RedeemerIdentity: "alice", Quantity: 2})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	resp, err = svc.Redeem(ctx, models.RedeemRequest{Code: "EVENTLY100", BookingID: "BK2", RedeemerIdentity: "bob"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, errs.ReasonCapacityExhausted, resp.Reason)

	resp, err = svc.Redeem(ctx, models.RedeemRequest{Code: "EVENTLY100", BookingID: "BK3", RedeemerIdentity: "carol"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.True(t, resp.Replayed)

	mockDB.AssertNumberOfCalls(t, "RedeemShared", 3)
	pub.AssertNumberOfCalls(t, "Publish", 1)
}

func TestRegenerate_KeepsPoolSize(t *testing.T) {
	mockDB := new(MockDBLayer)
	pub := new(MockPublisher)
	svc := newService(mockDB, pub)

	mockDB.On("PoolStatus", mock.Anything).Return(models.PoolStatus{Total: 7, Used: 3}, nil)
	mockDB.On("ReplacePool", mock.Anything, mock.MatchedBy(func(codes []string) bool {
		seen := map[string]bool{}
		for _, c := range codes {
			if len(c) != 6 || seen[c] || c == "EVENTLY100" {
				return false
			}
			seen[c] = true
		}
		return len(codes) == 7
	}), mock.Anything).Return(nil)
	pub.On("Publish", mock.Anything, kafka.TopicPoolRegenerated, "pool", mock.MatchedBy(func(e models.PoolRegeneratedEvent) bool {
		return e.PoolSize == 7
	})).Return(nil)

	size, err := svc.Regenerate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, size)
	mockDB.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestRegenerate_EmptyPoolUsesConfiguredSize(t *testing.T) {
	mockDB := new(MockDBLayer)
	svc := newService(mockDB, kafka.NopPublisher{})

	mockDB.On("PoolStatus", mock.Anything).Return(models.PoolStatus{}, nil)
	mockDB.On("ReplacePool", mock.Anything, mock.MatchedBy(func(codes []string) bool {
		return len(codes) == testSettings.PoolSize
	}), mock.Anything).Return(nil)

	size, err := svc.Regenerate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testSettings.PoolSize, size)
}

func TestStatus_FallsBackToMirror(t *testing.T) {
	mockDB := new(MockDBLayer)
	mirror := new(MockMirror)
	svc := discount.NewDiscountService(mockDB, kafka.NopPublisher{}, mirror, logger.NewNopLogger(), testSettings, fastRetry)

	mockDB.On("PoolStatus", mock.Anything).Return(models.PoolStatus{}, transientErr())
	mirror.On("Read").Return(&models.RedemptionStatus{
		Pool:   models.PoolStatus{Total: 100, Used: 12},
		Shared: models.SharedStatus{Code: "EVENTLY100", UsedCount: 40, MaxUsage: 100},
	}, nil)

	status, err := svc.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Stale)
	assert.Equal(t, 12, status.Pool.Used)
	assert.Equal(t, 40, status.Shared.UsedCount)
}

func TestStatus_MirrorMissingSurfacesStoreError(t *testing.T) {
	mockDB := new(MockDBLayer)
	mirror := new(MockMirror)
	svc := discount.NewDiscountService(mockDB, kafka.NopPublisher{}, mirror, logger.NewNopLogger(), testSettings, fastRetry)

	mockDB.On("PoolStatus", mock.Anything).Return(models.PoolStatus{}, transientErr())
	mirror.On("Read").Return(nil, errors.New("no snapshot"))

	_, err := svc.Status(context.Background())
	assert.True(t, errs.IsTransient(err))
}

func TestStatus_FromStore(t *testing.T) {
	mockDB := new(MockDBLayer)
	mirror := new(MockMirror)
	svc := discount.NewDiscountService(mockDB, kafka.NopPublisher{}, mirror, logger.NewNopLogger(), testSettings, fastRetry)

	mockDB.On("PoolStatus", mock.Anything).Return(models.PoolStatus{Total: 100, Used: 1}, nil)
	mockDB.On("GetSharedCode", mock.Anything, "EVENTLY100").Return(&models.SharedCode{Code: "EVENTLY100", UsedCount: 5, MaxUsage: 100}, nil)

	status, err := svc.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Stale)
	assert.Equal(t, models.SharedStatus{Code: "EVENTLY100", UsedCount: 5, MaxUsage: 100}, status.Shared)
	mirror.AssertNotCalled(t, "Read")
}

func TestQuote(t *testing.T) {
	assert.Nil(t, discount.Quote(decimal.NewFromInt(10), nil, 1))

	price := decimal.RequireFromString("19.99")
	q := discount.Quote(decimal.NewFromInt(15), &price, 3)
	require.NotNil(t, q)
	assert.Equal(t, "59.97", q.Subtotal.StringFixed(2))
	assert.Equal(t, "9.00", q.Amount.StringFixed(2))
	assert.Equal(t, "50.97", q.Total.StringFixed(2))
}
