package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modularmind/modularmind/internal/metric"
)

// Tiny hand-built codebooks: two subspaces of two dimensions, two
// centroids each.
var testCodebooks = [][][]float32{
	{{0, 0}, {1, 0}},
	{{0, 0}, {0, 1}},
}

func TestTrainProductCodebooks_Shape(t *testing.T) {
	rng := newTrainingRNG()
	vectors := dummyVectors(32, 8, rng)

	books := trainProductCodebooks(vectors, 4, 16, rng)

	require.Len(t, books, 4)
	for _, book := range books {
		require.Len(t, book, 16)
		for _, centroid := range book {
			assert.Len(t, centroid, 2)
		}
	}
}

func TestEncodePQ(t *testing.T) {
	assert.Equal(t, []uint8{1, 1}, encodePQ([]float32{1, 0, 0, 1}, testCodebooks, 2))
	assert.Equal(t, []uint8{0, 0}, encodePQ([]float32{0, 0, 0, 0}, testCodebooks, 2))
	assert.Equal(t, []uint8{1, 0}, encodePQ([]float32{0.9, 0.1, 0.1, 0.2}, testCodebooks, 2))
}

func TestPQDistanceTables_L2(t *testing.T) {
	query := []float32{1, 0, 0, 0}

	tables := pqDistanceTables(query, testCodebooks, 2, metric.L2)

	require.Len(t, tables, 2)
	// Squared distances from each query sub-vector to each centroid.
	assert.InDelta(t, 1.0, float64(tables[0][0]), 1e-6)
	assert.InDelta(t, 0.0, float64(tables[0][1]), 1e-6)
	assert.InDelta(t, 0.0, float64(tables[1][0]), 1e-6)
	assert.InDelta(t, 1.0, float64(tables[1][1]), 1e-6)

	// code {1,1} reconstructs [1,0,0,1]; l2 distance to the query is 1.
	acc := scoreCode([]uint8{1, 1}, tables)
	assert.InDelta(t, 1.0, float64(pqAccToDistance(acc, metric.L2)), 1e-6)
}

func TestPQDistanceTables_InnerProduct(t *testing.T) {
	query := []float32{1, 0, 0, 0}

	tables := pqDistanceTables(query, testCodebooks, 2, metric.Cosine)

	// Inner products against each centroid.
	assert.InDelta(t, 0.0, float64(tables[0][0]), 1e-6)
	assert.InDelta(t, 1.0, float64(tables[0][1]), 1e-6)

	// A perfectly matching code accumulates ip=1, so cosine distance 0.
	acc := scoreCode([]uint8{1, 0}, tables)
	assert.InDelta(t, 0.0, float64(pqAccToDistance(acc, metric.Cosine)), 1e-6)
}

func TestPQAccToDistance(t *testing.T) {
	assert.InDelta(t, 2.0, float64(pqAccToDistance(4.0, metric.L2)), 1e-6)
	assert.InDelta(t, 3.0, float64(pqAccToDistance(3.0, metric.Manhattan)), 1e-6)
	assert.InDelta(t, -0.7, float64(pqAccToDistance(0.7, metric.Dot)), 1e-6)
	assert.InDelta(t, 0.3, float64(pqAccToDistance(0.7, metric.Cosine)), 1e-6)
}

// The table path must agree with an exact distance computation against
// the vector the code reconstructs.
func TestPQScore_MatchesReconstruction(t *testing.T) {
	rng := newTrainingRNG()
	vectors := dummyVectors(64, 8, rng)
	books := trainProductCodebooks(vectors, 4, 16, rng)
	query := vectors[0]
	tables := pqDistanceTables(query, books, 2, metric.L2)

	for _, v := range vectors[:8] {
		code := encodePQ(v, books, 2)
		recon := make([]float32, 0, len(query))
		for m, c := range code {
			recon = append(recon, books[m][c]...)
		}
		want, err := metric.Distance(metric.L2, query, recon)
		require.NoError(t, err)
		got := pqAccToDistance(scoreCode(code, tables), metric.L2)
		assert.InDelta(t, float64(want), float64(got), 1e-4)
	}
}
