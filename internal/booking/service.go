package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ms-redemption/internal/booking/token"
	"ms-redemption/internal/errs"
	"ms-redemption/internal/kafka"
	"ms-redemption/internal/logger"
	"ms-redemption/internal/models"
	"ms-redemption/internal/retry"
	"ms-redemption/internal/utils"
)

type DBLayer interface {
	GetBooking(ctx context.Context, bookingID string) (*models.Booking, error)
	SaveToken(ctx context.Context, bookingID, signature string, issuedAt time.Time) (bool, error)
	MarkUsed(ctx context.Context, bookingID, signature, scanID string, at time.Time) (bool, error)
}

// BookingService mints booking tokens and checks them in at the gate. A
// booking is admitted at most once.
type BookingService struct {
	DB        DBLayer
	Signer    *token.Signer
	Kafka     kafka.Publisher
	Logger    *logger.Logger
	Retry     retry.Policy
	Now       func() time.Time
	NewScanID func() string
}

func NewBookingService(db DBLayer, signer *token.Signer, publisher kafka.Publisher, log *logger.Logger, policy retry.Policy) *BookingService {
	return &BookingService{
		DB:        db,
		Signer:    signer,
		Kafka:     publisher,
		Logger:    log,
		Retry:     policy,
		Now:       func() time.Time { return time.Now().UTC() },
		NewScanID: uuid.NewString,
	}
}

// NewBookingID returns an unpredictable booking id for checkout to use.
func NewBookingID() (string, error) {
	return utils.GenerateBookingID()
}

func (s *BookingService) load(ctx context.Context, bookingID string) (*models.Booking, error) {
	var b *models.Booking
	err := retry.Do(ctx, s.Retry, func() error {
		var err error
		b, err = s.DB.GetBooking(ctx, bookingID)
		return err
	})
	return b, err
}

// Mint issues a token for a paid booking and stores its signature. Minting
// again supersedes the previous token.
func (s *BookingService) Mint(ctx context.Context, bookingID string) (*token.Token, error) {
	if !utils.ValidBookingID(bookingID) {
		return nil, errs.Malformedf("invalid booking id %q", bookingID)
	}

	b, err := s.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.Paid() {
		return nil, errs.Wrapf(errs.ErrNotFound, "booking %s is not paid", bookingID)
	}
	if b.QRUsed {
		return nil, errs.Wrapf(errs.ErrAlreadyUsed, "booking %s already checked in", bookingID)
	}

	tok, err := s.Signer.Issue(bookingID, s.Now())
	if err != nil {
		return nil, err
	}

	var saved bool
	err = retry.Do(ctx, s.Retry, func() error {
		var err error
		saved, err = s.DB.SaveToken(ctx, bookingID, tok.Signature, tok.IssuedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !saved {
		// checked in or refunded between the read and the write
		return nil, errs.Wrapf(errs.ErrAlreadyUsed, "booking %s no longer accepts tokens", bookingID)
	}

	s.Logger.LogBooking("MINT", bookingID, fmt.Sprintf("token issued at %d", tok.IssuedAt.UnixMilli()))
	s.publish(ctx, kafka.TopicTokenMinted, bookingID, models.TokenMintedEvent{
		EventID:      uuid.NewString(),
		BookingID:    bookingID,
		CustomerName: b.CustomerName,
		Email:        b.Email,
		EventName:    b.EventName,
		TicketType:   b.TicketType,
		Quantity:     b.Quantity,
		IssuedAt:     tok.IssuedAt,
	})
	return &tok, nil
}

// CurrentToken rebuilds the token last minted for bookingID.
func (s *BookingService) CurrentToken(ctx context.Context, bookingID string) (*token.Token, error) {
	if !utils.ValidBookingID(bookingID) {
		return nil, errs.Malformedf("invalid booking id %q", bookingID)
	}
	b, err := s.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.Paid() || b.SecurityToken == "" {
		return nil, errs.Wrapf(errs.ErrNotFound, "booking %s has no token", bookingID)
	}
	return &token.Token{
		BookingID: b.BookingID,
		IssuedAt:  b.TokenIssuedAt.UTC(),
		Signature: b.SecurityToken,
	}, nil
}

// Verify admits the holder of text. It succeeds at most once per booking.
// operator names the scanner for the audit event.
func (s *BookingService) Verify(ctx context.Context, text, operator string) (*models.Booking, error) {
	tok, err := token.Parse(text)
	if err != nil {
		return nil, err
	}

	if err := s.Signer.Check(tok); err != nil {
		s.Logger.LogSecurity(errs.ReasonInvalidSignature, fmt.Sprintf("forged token for booking %s scanned by %s", tok.BookingID, operator))
		return nil, err
	}

	b, err := s.load(ctx, tok.BookingID)
	if err != nil {
		return nil, err
	}
	if !b.Paid() {
		return nil, errs.Wrapf(errs.ErrNotFound, "booking %s is not paid", tok.BookingID)
	}
	if b.SecurityToken != tok.Signature {
		s.Logger.LogSecurity(errs.ReasonInvalidSignature, fmt.Sprintf("superseded token for booking %s scanned by %s", tok.BookingID, operator))
		return nil, errs.Wrapf(errs.ErrInvalidSignature, "booking %s token superseded", tok.BookingID)
	}
	if b.QRUsed {
		s.Logger.LogSecurity(errs.ReasonAlreadyUsed, fmt.Sprintf("booking %s scanned again by %s", tok.BookingID, operator))
		return nil, errs.Wrapf(errs.ErrAlreadyUsed, "booking %s", tok.BookingID)
	}

	scanID := s.NewScanID()
	now := s.Now()
	var marked bool
	err = retry.Do(ctx, s.Retry, func() error {
		var err error
		marked, err = s.DB.MarkUsed(ctx, tok.BookingID, tok.Signature, scanID, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	if !marked {
		latest, err := s.load(ctx, tok.BookingID)
		if err != nil {
			return nil, err
		}
		switch {
		case latest.QRScanID == scanID:
			// an earlier attempt of this scan committed before its reply was lost
			b = latest
		case latest.QRUsed:
			s.Logger.LogSecurity(errs.ReasonAlreadyUsed, fmt.Sprintf("booking %s lost check-in race, scanned by %s", tok.BookingID, operator))
			return nil, errs.Wrapf(errs.ErrAlreadyUsed, "booking %s", tok.BookingID)
		case latest.SecurityToken != tok.Signature:
			return nil, errs.Wrapf(errs.ErrInvalidSignature, "booking %s token superseded", tok.BookingID)
		default:
			return nil, errs.Wrapf(errs.ErrNotFound, "booking %s changed during check-in", tok.BookingID)
		}
	} else {
		b.QRUsed = true
		b.QRUsedAt = now
		b.QRScanID = scanID
	}

	s.Logger.LogBooking("CHECKIN", tok.BookingID, fmt.Sprintf("admitted by %s", operator))
	s.publish(ctx, kafka.TopicCheckedIn, tok.BookingID, models.CheckedInEvent{
		EventID:     uuid.NewString(),
		BookingID:   tok.BookingID,
		ScanID:      scanID,
		Operator:    operator,
		CheckedInAt: b.QRUsedAt,
	})
	return b, nil
}

func (s *BookingService) publish(ctx context.Context, topic, key string, event interface{}) {
	if s.Kafka == nil {
		return
	}
	if err := s.Kafka.Publish(ctx, topic, key, event); err != nil {
		s.Logger.Error("KAFKA", fmt.Sprintf("Failed to publish %s for %s: %v", topic, key, err))
	}
}
