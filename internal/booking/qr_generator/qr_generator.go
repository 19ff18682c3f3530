package qr_generator

import (
	"errors"

	"github.com/skip2/go-qrcode"
)

type QRGenerator struct {
	size int
}

func NewQRGenerator(size int) *QRGenerator {
	if size <= 0 {
		size = 256
	}
	return &QRGenerator{size: size}
}

// Encode renders text as a PNG QR code.
func (q *QRGenerator) Encode(text string) ([]byte, error) {
	if text == "" {
		return nil, errors.New("nothing to encode")
	}
	return qrcode.Encode(text, qrcode.Medium, q.size)
}
