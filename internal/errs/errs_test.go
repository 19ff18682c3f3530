package errs

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMark_NilErrorBecomesTheMark(t *testing.T) {
	assert.Equal(t, ErrNotFound, Mark(nil, ErrNotFound))

	err := Mark(New("row missing"), ErrNotFound)
	assert.True(t, Is(err, ErrNotFound))
	assert.Equal(t, ReasonNotFound, Reason(err))
	assert.Equal(t, "row missing", err.Error())
}

func TestTransient(t *testing.T) {
	assert.Nil(t, Transient(nil, "load"))

	err := Transient(New("connection reset"), "load code")
	assert.True(t, IsTransient(err))
	assert.Equal(t, ReasonTransientStore, Reason(err))

	cancelled := Transient(context.Canceled, "load code")
	assert.False(t, IsTransient(cancelled))
	assert.True(t, Is(cancelled, context.Canceled))
}

func TestMalformedf(t *testing.T) {
	err := Malformedf("quantity %d out of range", -1)
	assert.Equal(t, "quantity -1 out of range", err.Error())
	assert.Equal(t, ReasonMalformed, Reason(err))
	assert.False(t, IsSecurity(err))
}

func TestIsSecurity(t *testing.T) {
	assert.True(t, IsSecurity(ErrInvalidSignature))
	assert.True(t, IsSecurity(Wrap(ErrAlreadyUsed, "mark used")))
	assert.True(t, IsSecurity(ErrCapacityExhausted))
	assert.False(t, IsSecurity(ErrInvalidCode))
	assert.False(t, IsSecurity(ErrQuantityNotAllowed))
	assert.False(t, IsSecurity(Transient(New("timeout"), "load")))
}

func TestExtractStackLines(t *testing.T) {
	assert.Nil(t, ExtractStackLines(nil, 5))

	lines := ExtractStackLines(Wrap(New("disk full"), "write usage"), 4)
	require.Len(t, lines, 4)
	assert.Equal(t, "write usage: disk full", lines[0])

	all := ExtractStackLines(New("disk full"), 0)
	assert.Greater(t, len(all), 4)
	assert.True(t, strings.Contains(strings.Join(all, "\n"), "errs_test.go"))
}
