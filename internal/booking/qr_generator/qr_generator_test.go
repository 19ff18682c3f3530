package qr_generator_test

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-redemption/internal/booking/qr_generator"
)

func TestQRGenerator(t *testing.T) {
	qrGen := qr_generator.NewQRGenerator(256)

	qrBytes, err := qrGen.Encode("booking_id=BK1&token=abcdef&ts=1700000000000")
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(qrBytes))
	require.NoError(t, err)
	assert.Equal(t, 256, img.Bounds().Dx())
	assert.Equal(t, 256, img.Bounds().Dy())
}

func TestQRGeneratorWithDifferentTokens(t *testing.T) {
	qrGen := qr_generator.NewQRGenerator(0)

	a, err := qrGen.Encode("booking_id=BK1&token=aaaa&ts=1")
	require.NoError(t, err)
	b, err := qrGen.Encode("booking_id=BK2&token=bbbb&ts=2")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestQRGeneratorRejectsEmpty(t *testing.T) {
	_, err := qr_generator.NewQRGenerator(128).Encode("")
	assert.Error(t, err)
}
