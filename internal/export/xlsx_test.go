package export

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/product-scout/internal/model"
	"github.com/sells-group/product-scout/internal/store"
)

func TestWriteXLSX(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	scores := []store.ProductScore{
		{
			Product: model.Product{ID: "p1", CanonicalName: "Portable Blender", Category: "kitchen"},
			Snapshot: model.ScoreSnapshot{
				Velocity: 92, Margin: 96.25, Saturation: 85, Composite: 91.19, Confidence: 0.57,
				Signals: []string{"rapid_growth", "heuristic_saturation"}, ComputedAt: at,
			},
		},
		{
			Product:  model.Product{ID: "p2", CanonicalName: "Desk Lamp", Category: "home"},
			Snapshot: model.ScoreSnapshot{Composite: 40, ComputedAt: at},
		},
	}

	path := filepath.Join(t.TempDir(), "scores.xlsx")
	require.NoError(t, WriteXLSX(path, scores))

	rows, err := ReadXLSX(path)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, Header, rows[0])

	first := rows[1]
	assert.Equal(t, "p1", first[0])
	assert.Equal(t, "Portable Blender", first[1])
	assert.Equal(t, "strong_buy", first[3])
	composite, err := strconv.ParseFloat(first[4], 64)
	require.NoError(t, err)
	assert.InDelta(t, 91.19, composite, 0.001)
	assert.Equal(t, "rapid_growth,heuristic_saturation", first[9])
	assert.Equal(t, "2026-03-01T12:00:00Z", first[10])

	assert.Equal(t, "p2", rows[2][0])
	assert.Equal(t, "pass", rows[2][3])
}

func TestWriteXLSX_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.xlsx")
	require.NoError(t, WriteXLSX(path, nil))

	rows, err := ReadXLSX(path)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestWriteXLSX_BadPath(t *testing.T) {
	err := WriteXLSX(filepath.Join(t.TempDir(), "missing", "scores.xlsx"), nil)
	require.Error(t, err)
}

func TestReadXLSX_Missing(t *testing.T) {
	_, err := ReadXLSX(filepath.Join(t.TempDir(), "nope.xlsx"))
	require.Error(t, err)
}
