package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"ms-redemption/internal/booking/token"
	"ms-redemption/internal/errs"
	"ms-redemption/internal/logger"
	"ms-redemption/internal/models"
)

type Claimer interface {
	Claim(ctx context.Context, id, owner string) (bool, error)
	Release(ctx context.Context, id, owner string) error
}

type QREncoder interface {
	Encode(text string) ([]byte, error)
}

// TokenSource rebuilds the token currently stored for a booking.
type TokenSource interface {
	CurrentToken(ctx context.Context, bookingID string) (*token.Token, error)
}

// Dispatcher mails each minted ticket once. The claim key includes the
// issue time, so a re-minted token is mailed again.
type Dispatcher struct {
	Claims Claimer
	Tokens TokenSource
	QR     QREncoder
	Mailer Mailer
	Logger *logger.Logger
	owner  string
}

func NewDispatcher(claims Claimer, tokens TokenSource, qr QREncoder, mailer Mailer, log *logger.Logger) *Dispatcher {
	return &Dispatcher{Claims: claims, Tokens: tokens, QR: qr, Mailer: mailer, Logger: log, owner: uuid.NewString()}
}

// HandleMessage is the kafka handler for booking.token.minted.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var event models.TokenMintedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// poison message; committing it is the only way forward
		d.Logger.Error("NOTIFY", fmt.Sprintf("Dropping undecodable minted event at offset %d: %v", msg.Offset, err))
		return nil
	}
	return d.Dispatch(ctx, event)
}

func (d *Dispatcher) Dispatch(ctx context.Context, event models.TokenMintedEvent) error {
	if event.Email == "" {
		d.Logger.Warn("NOTIFY", fmt.Sprintf("Booking %s has no email, skipping ticket mail", event.BookingID))
		return nil
	}

	tok, err := d.Tokens.CurrentToken(ctx, event.BookingID)
	switch {
	case errs.Is(err, errs.ErrNotFound), errs.Is(err, errs.ErrMalformed):
		d.Logger.Warn("NOTIFY", fmt.Sprintf("Booking %s has no token any more, skipping ticket mail", event.BookingID))
		return nil
	case err != nil:
		return err
	case tok.IssuedAt.UnixMilli() != event.IssuedAt.UnixMilli():
		// a later mint superseded this one and has its own event
		d.Logger.Info("NOTIFY", fmt.Sprintf("Token for %s was re-minted, skipping stale ticket mail", event.BookingID))
		return nil
	}

	key := fmt.Sprintf("%s:%d", event.BookingID, event.IssuedAt.UnixMilli())
	ok, err := d.Claims.Claim(ctx, key, d.owner)
	if err != nil {
		return err
	}
	if !ok {
		d.Logger.Info("NOTIFY", fmt.Sprintf("Ticket mail for %s already sent", event.BookingID))
		return nil
	}

	if err := d.send(ctx, event, *tok); err != nil {
		if relErr := d.Claims.Release(ctx, key, d.owner); relErr != nil {
			d.Logger.Error("NOTIFY", fmt.Sprintf("Failed to release mail claim for %s: %v", event.BookingID, relErr))
		}
		return err
	}

	d.Logger.Info("NOTIFY", fmt.Sprintf("Ticket mail sent for booking %s", event.BookingID))
	return nil
}

func (d *Dispatcher) send(ctx context.Context, event models.TokenMintedEvent, tok token.Token) error {
	png, err := d.QR.Encode(tok.Encode())
	if err != nil {
		return fmt.Errorf("render QR for %s: %w", event.BookingID, err)
	}
	return d.Mailer.SendTicket(ctx, TicketMail{
		To:           event.Email,
		CustomerName: event.CustomerName,
		EventName:    event.EventName,
		TicketType:   event.TicketType,
		Quantity:     event.Quantity,
		BookingID:    event.BookingID,
		QRPNG:        png,
	})
}

// LogMailer writes ticket mails to the log instead of sending them.
type LogMailer struct {
	Logger *logger.Logger
}

func (m LogMailer) SendTicket(_ context.Context, mail TicketMail) error {
	m.Logger.Info("NOTIFY", fmt.Sprintf("SMTP disabled, would mail %s (%d byte QR) to %s", mail.BookingID, len(mail.QRPNG), mail.To))
	return nil
}
