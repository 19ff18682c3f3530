package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"

	"ms-redemption/internal/config"
)

// TicketMail is one ticket delivery.
type TicketMail struct {
	To           string
	CustomerName string
	EventName    string
	TicketType   string
	Quantity     int
	BookingID    string
	QRPNG        []byte
}

type Mailer interface {
	SendTicket(ctx context.Context, mail TicketMail) error
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type SMTPMailer struct {
	cfg  config.EmailConfig
	send sendFunc
}

func NewSMTPMailer(cfg config.EmailConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail}
}

func (m *SMTPMailer) SendTicket(ctx context.Context, mail TicketMail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := buildMessage(m.cfg.From, mail)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if m.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", m.cfg.SMTPUsername, m.cfg.SMTPPassword, m.cfg.SMTPHost)
	}
	addr := m.cfg.SMTPHost + ":" + m.cfg.SMTPPort
	if err := m.send(addr, auth, m.cfg.From, []string{mail.To}, msg); err != nil {
		return fmt.Errorf("send ticket mail for %s: %w", mail.BookingID, err)
	}
	return nil
}

func buildMessage(from string, mail TicketMail) ([]byte, error) {
	if strings.ContainsAny(mail.To, "\r\n") || mail.To == "" {
		return nil, fmt.Errorf("invalid recipient %q", mail.To)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", mail.To)
	fmt.Fprintf(&msg, "Subject: Your tickets for %s\r\n", sanitizeHeader(mail.EventName))
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", writer.Boundary())

	textPart, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=utf-8"},
	})
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(textPart, "Hi %s,\r\n\r\nYour booking %s for %s (%d x %s) is confirmed.\r\nShow the attached QR code at the entrance. It admits you once.\r\n",
		mail.CustomerName, mail.BookingID, mail.EventName, mail.Quantity, mail.TicketType)

	imgPart, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"image/png"},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", "ticket-"+mail.BookingID+".png")},
	})
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(mail.QRPNG)
	for len(encoded) > 76 {
		imgPart.Write([]byte(encoded[:76] + "\r\n"))
		encoded = encoded[76:]
	}
	imgPart.Write([]byte(encoded + "\r\n"))

	if err := writer.Close(); err != nil {
		return nil, err
	}
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
