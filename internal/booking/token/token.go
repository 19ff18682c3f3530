// Package token mints and checks the signed booking tokens printed in
// ticket QR codes.
//
// Wire form is a url-encoded query string:
//
//	booking_id=<id>&token=<hex hmac-sha256>&ts=<unix millis>
//
// The MAC covers "<booking_id>|<ts>".
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ms-redemption/internal/errs"
	"ms-redemption/internal/utils"
)

const (
	keyBookingID = "booking_id"
	keySignature = "token"
	keyIssuedAt  = "ts"
)

type Token struct {
	BookingID string
	IssuedAt  time.Time
	Signature string
}

type Signer struct {
	secret []byte
}

func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("booking token secret is empty")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign returns the lowercase hex MAC of bookingID and issuedAt at
// millisecond precision.
func (s *Signer) Sign(bookingID string, issuedAt time.Time) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(bookingID))
	mac.Write([]byte("|"))
	mac.Write([]byte(strconv.FormatInt(issuedAt.UnixMilli(), 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue mints a token for bookingID stamped at at.
func (s *Signer) Issue(bookingID string, at time.Time) (Token, error) {
	if !utils.ValidBookingID(bookingID) {
		return Token{}, errs.Malformedf("invalid booking id %q", bookingID)
	}
	issuedAt := time.UnixMilli(at.UnixMilli()).UTC()
	return Token{
		BookingID: bookingID,
		IssuedAt:  issuedAt,
		Signature: s.Sign(bookingID, issuedAt),
	}, nil
}

// Check recomputes the MAC and compares it in constant time against the
// token's signature text.
func (s *Signer) Check(t Token) error {
	expected := s.Sign(t.BookingID, t.IssuedAt)
	if !hmac.Equal([]byte(expected), []byte(t.Signature)) {
		return errs.Wrapf(errs.ErrInvalidSignature, "booking %s", t.BookingID)
	}
	return nil
}

func (t Token) Encode() string {
	v := url.Values{}
	v.Set(keyBookingID, t.BookingID)
	v.Set(keySignature, t.Signature)
	v.Set(keyIssuedAt, strconv.FormatInt(t.IssuedAt.UnixMilli(), 10))
	return v.Encode()
}

// Parse decodes token text. A full URL is accepted; only its query is read.
// Structural problems are Malformed. The signature value is taken raw and
// never judged here, so a corrupted signature always reaches Check.
func Parse(text string) (Token, error) {
	text = strings.TrimSpace(text)
	if !startsWithField(text) {
		if i := strings.IndexByte(text, '?'); i >= 0 {
			text = text[i+1:]
		}
	}
	if text == "" {
		return Token{}, errs.Malformedf("empty token")
	}

	fields, err := splitFields(text)
	if err != nil {
		return Token{}, err
	}

	bookingID, err := url.QueryUnescape(fields[keyBookingID])
	if err != nil || !utils.ValidBookingID(bookingID) {
		return Token{}, errs.Malformedf("invalid booking id %q", fields[keyBookingID])
	}
	signature := fields[keySignature]
	if signature == "" {
		return Token{}, errs.Malformedf("token signature missing")
	}
	ms, err := strconv.ParseInt(fields[keyIssuedAt], 10, 64)
	if err != nil || ms <= 0 {
		return Token{}, errs.Malformedf("invalid token timestamp %q", fields[keyIssuedAt])
	}

	return Token{
		BookingID: bookingID,
		IssuedAt:  time.UnixMilli(ms).UTC(),
		Signature: signature,
	}, nil
}

var fieldPrefixes = []string{keyBookingID + "=", keySignature + "=", keyIssuedAt + "="}

func startsWithField(text string) bool {
	for _, p := range fieldPrefixes {
		if strings.HasPrefix(text, p) {
			return true
		}
	}
	return false
}

// splitFields splits key=value pairs on '&'. A segment that does not open
// a known field belongs to the signature value before it.
func splitFields(text string) (map[string]string, error) {
	fields := make(map[string]string, 3)
	current := ""
	for _, segment := range strings.Split(text, "&") {
		key, value, ok := strings.Cut(segment, "=")
		switch {
		case ok && (key == keyBookingID || key == keySignature || key == keyIssuedAt):
			if _, seen := fields[key]; seen {
				return nil, errs.Malformedf("token field %q repeated", key)
			}
			fields[key] = value
			current = key
		case current == keySignature:
			fields[keySignature] += "&" + segment
		default:
			return nil, errs.Malformedf("unexpected token field %q", segment)
		}
	}
	for _, key := range []string{keyBookingID, keySignature, keyIssuedAt} {
		if _, ok := fields[key]; !ok {
			return nil, errs.Malformedf("token field %q missing", key)
		}
	}
	return fields, nil
}
