package mirror

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-redemption/internal/models"
)

func TestFileMirror_WriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mirror.json")
	m := NewFileMirror(path)

	status := models.RedemptionStatus{
		Pool:       models.PoolStatus{Total: 100, Used: 7},
		Shared:     models.SharedStatus{Code: "EVENTLY100", UsedCount: 42, MaxUsage: 100},
		CapturedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, m.Write(status))

	got, err := m.Read()
	require.NoError(t, err)
	assert.Equal(t, status, *got)

	// overwrite leaves no temp files behind
	status.Pool.Used = 8
	require.NoError(t, m.Write(status))
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	got, err = m.Read()
	require.NoError(t, err)
	assert.Equal(t, 8, got.Pool.Used)
}

func TestFileMirror_ReadMissing(t *testing.T) {
	m := NewFileMirror(filepath.Join(t.TempDir(), "absent.json"))

	_, err := m.Read()
	assert.Error(t, err)
}
