package index

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blob scatters n points tightly around a centre.
func blob(centre []float32, n int, spread float32, rng *rand.Rand) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, len(centre))
		for j := range v {
			v[j] = centre[j] + (rng.Float32()*2-1)*spread
		}
		out[i] = v
	}
	return out
}

func TestTrainKMeans_SeparatedBlobs(t *testing.T) {
	// Given: two well separated clusters of forty points each
	rng := rand.New(rand.NewSource(5))
	vectors := append(
		blob([]float32{5, 5}, 40, 0.25, rng),
		blob([]float32{-5, -5}, 40, 0.25, rng)...)

	// When: training two centroids
	centroids := trainKMeans(vectors, 2, newTrainingRNG())

	// Then: one centroid settles in each cluster
	require.Len(t, centroids, 2)
	var nearA, nearB int
	for _, c := range centroids {
		switch {
		case squaredL2(c, []float32{5, 5}) < 1:
			nearA++
		case squaredL2(c, []float32{-5, -5}) < 1:
			nearB++
		}
	}
	assert.Equal(t, 1, nearA)
	assert.Equal(t, 1, nearB)
}

func TestTrainKMeans_ClampsK(t *testing.T) {
	vectors := [][]float32{{1, 0}, {0, 1}, {1, 1}}

	centroids := trainKMeans(vectors, 10, newTrainingRNG())

	assert.Len(t, centroids, 3)
}

func TestTrainKMeans_Degenerate(t *testing.T) {
	assert.Nil(t, trainKMeans(nil, 4, newTrainingRNG()))
	assert.Nil(t, trainKMeans([][]float32{{1, 2}}, 0, newTrainingRNG()))
}

func TestNearestCentroids_Ordering(t *testing.T) {
	centroids := [][]float32{{0, 0}, {1, 0}, {5, 0}}
	v := []float32{0.9, 0}

	idx, dist := nearestCentroid(v, centroids)
	assert.Equal(t, 1, idx)
	assert.InDelta(t, 0.01, float64(dist), 1e-6)

	assert.Equal(t, []int{1, 0}, nearestCentroids(v, centroids, 2))
	// n beyond the centroid count returns everything, still ordered.
	assert.Equal(t, []int{1, 0, 2}, nearestCentroids(v, centroids, 7))
}

func TestDummyVectors_Deterministic(t *testing.T) {
	a := dummyVectors(16, 4, newTrainingRNG())
	b := dummyVectors(16, 4, newTrainingRNG())

	require.Len(t, a, 16)
	require.Len(t, a[0], 4)
	assert.Equal(t, a, b)
	for _, v := range a {
		for _, x := range v {
			assert.GreaterOrEqual(t, x, float32(-1))
			assert.Less(t, x, float32(1))
		}
	}
}
