package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
	"github.com/modularmind/modularmind/internal/metric"
)

func TestVectorMatrix_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	rows := [][]float32{{1, 2, 3}, {4, 5, 6}}
	require.NoError(t, saveVectors(dir, rows, 3))

	loaded, err := loadVectors(dir, 3)

	require.NoError(t, err)
	assert.Equal(t, rows, loaded)
}

func TestVectorMatrix_DimensionGuard(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, saveVectors(dir, [][]float32{{1, 2, 3}}, 3))

	_, err := loadVectors(dir, 4)
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindDimensionMismatch), "got %v", err)

	// wantDims <= 0 trusts the header instead.
	loaded, err := loadVectors(dir, 0)
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}

func TestVectorMatrix_Truncated(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, saveVectors(dir, [][]float32{{1, 2, 3}, {4, 5, 6}}, 3))
	path := filepath.Join(dir, vectorsFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-4], 0o644))

	_, err = loadVectors(dir, 3)

	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindIndexCorrupt), "got %v", err)
}

func TestVectorMatrix_Missing(t *testing.T) {
	_, err := loadVectors(t.TempDir(), 3)

	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindNotFound), "got %v", err)
}

func TestGobPayload_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, saveGob(dir, "flat", flatHeader{Rows: 7, Dims: 3}))

	var got flatHeader
	require.NoError(t, loadGob(dir, "flat", &got))
	assert.Equal(t, flatHeader{Rows: 7, Dims: 3}, got)

	err := loadGob(t.TempDir(), "flat", &got)
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindNotFound), "got %v", err)
}

func TestConfigJSON_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Backend: BackendIVF, Metric: metric.L2, Dimensions: 8, Nlist: 32}
	require.NoError(t, saveConfigJSON(dir, "ivf", cfg))

	loaded, ok, err := loadConfigJSON(dir, "ivf")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, BackendIVF, loaded.Backend)
	assert.Equal(t, metric.L2, loaded.Metric)
	assert.Equal(t, 8, loaded.Dimensions)
	assert.Equal(t, 32, loaded.Nlist)
}

func TestConfigJSON_MissingIsNotAnError(t *testing.T) {
	_, ok, err := loadConfigJSON(t.TempDir(), "ivf")

	require.NoError(t, err)
	assert.False(t, ok)
}
