package errs

import (
	"context"
	"fmt"
	"strings"

	cr "github.com/cockroachdb/errors"
)

// Rejection reasons reported to checkout and scanning clients.
const (
	ReasonInvalidCode        = "InvalidCode"
	ReasonAlreadyUsed        = "AlreadyUsed"
	ReasonCapacityExhausted  = "CapacityExhausted"
	ReasonQuantityNotAllowed = "QuantityNotAllowed"
	ReasonMalformed          = "Malformed"
	ReasonInvalidSignature   = "InvalidSignature"
	ReasonNotFound           = "NotFound"
	ReasonTransientStore     = "TransientStoreError"
)

var (
	ErrInvalidCode        = cr.New(ReasonInvalidCode)
	ErrAlreadyUsed        = cr.New(ReasonAlreadyUsed)
	ErrCapacityExhausted  = cr.New(ReasonCapacityExhausted)
	ErrQuantityNotAllowed = cr.New(ReasonQuantityNotAllowed)
	ErrMalformed          = cr.New(ReasonMalformed)
	ErrInvalidSignature   = cr.New(ReasonInvalidSignature)
	ErrNotFound           = cr.New(ReasonNotFound)
	ErrTransientStore     = cr.New(ReasonTransientStore)
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrInvalidCode, ReasonInvalidCode},
	{ErrAlreadyUsed, ReasonAlreadyUsed},
	{ErrCapacityExhausted, ReasonCapacityExhausted},
	{ErrQuantityNotAllowed, ReasonQuantityNotAllowed},
	{ErrMalformed, ReasonMalformed},
	{ErrInvalidSignature, ReasonInvalidSignature},
	{ErrNotFound, ReasonNotFound},
	{ErrTransientStore, ReasonTransientStore},
}

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return cr.Wrap(err, msg)
}

func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return cr.Wrapf(err, format, args...)
}

func New(msg string) error {
	return cr.New(msg)
}

func Mark(err error, markErr error) error {
	if err == nil {
		return markErr
	}
	return cr.Mark(err, markErr)
}

func Is(err, reference error) bool {
	return cr.Is(err, reference)
}

// Transient marks an infrastructure failure as retryable. Context
// cancellation is never treated as transient.
func Transient(err error, msg string) error {
	if err == nil {
		return nil
	}
	if cr.Is(err, context.Canceled) || cr.Is(err, context.DeadlineExceeded) {
		return cr.Wrap(err, msg)
	}
	return Mark(cr.Wrap(err, msg), ErrTransientStore)
}

func IsTransient(err error) bool {
	return err != nil && cr.Is(err, ErrTransientStore)
}

// Malformedf builds a parse/validation failure carrying the Malformed reason.
func Malformedf(format string, args ...interface{}) error {
	return Mark(cr.Newf(format, args...), ErrMalformed)
}

// Reason returns the taxonomy reason carried by err, or "" when err is not
// one of the known rejections.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if cr.Is(err, r.err) {
			return r.reason
		}
	}
	return ""
}

// IsSecurity reports rejections that must be surfaced verbatim and never
// retried.
func IsSecurity(err error) bool {
	return cr.Is(err, ErrInvalidSignature) || cr.Is(err, ErrAlreadyUsed) || cr.Is(err, ErrCapacityExhausted)
}

func ExtractStackLines(err error, maxLines int) []string {
	if err == nil {
		return nil
	}
	s := fmt.Sprintf("%+v", err)
	lines := strings.Split(s, "\n")
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	return lines
}
