package index

import (
	"math/rand"
)

// kmeansIterations bounds the Lloyd iterations of one training run.
const kmeansIterations = 20

// trainingSeed makes dummy training and centroid seeding
// reproducible across runs of the same process shape.
const trainingSeed int64 = 1

func newTrainingRNG() *rand.Rand {
	return rand.New(rand.NewSource(trainingSeed))
}

// trainKMeans clusters vectors into k centroids with plain Lloyd
// iterations. Initial centroids are a random sample without
// replacement; empty clusters are reseeded from a random vector.
// k is clamped to the number of vectors.
func trainKMeans(vectors [][]float32, k int, rng *rand.Rand) [][]float32 {
	if len(vectors) == 0 || k <= 0 {
		return nil
	}
	if k > len(vectors) {
		k = len(vectors)
	}
	dims := len(vectors[0])

	centroids := make([][]float32, k)
	for i, idx := range rng.Perm(len(vectors))[:k] {
		c := make([]float32, dims)
		copy(c, vectors[idx])
		centroids[i] = c
	}

	assignments := make([]int, len(vectors))
	for i := range assignments {
		assignments[i] = -1
	}

	sums := make([][]float64, k)
	counts := make([]int, k)
	for i := range sums {
		sums[i] = make([]float64, dims)
	}

	for iter := 0; iter < kmeansIterations; iter++ {
		changed := false
		for i, v := range vectors {
			c, _ := nearestCentroid(v, centroids)
			if c != assignments[i] {
				assignments[i] = c
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		for i := range sums {
			for j := range sums[i] {
				sums[i][j] = 0
			}
			counts[i] = 0
		}
		for i, v := range vectors {
			c := assignments[i]
			counts[c]++
			for j, x := range v {
				sums[c][j] += float64(x)
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				copy(centroids[c], vectors[rng.Intn(len(vectors))])
				continue
			}
			for j := range centroids[c] {
				centroids[c][j] = float32(sums[c][j] / float64(counts[c]))
			}
		}
	}
	return centroids
}

// nearestCentroid returns the index of the closest centroid by squared
// euclidean distance, and that distance.
func nearestCentroid(v []float32, centroids [][]float32) (int, float32) {
	best := 0
	bestDist := squaredL2(v, centroids[0])
	for i := 1; i < len(centroids); i++ {
		if d := squaredL2(v, centroids[i]); d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best, bestDist
}

// nearestCentroids returns the indices of the n closest centroids in
// ascending distance order. Used for IVF probe selection.
func nearestCentroids(v []float32, centroids [][]float32, n int) []int {
	if n > len(centroids) {
		n = len(centroids)
	}
	type candidate struct {
		idx  int
		dist float32
	}
	cands := make([]candidate, len(centroids))
	for i, c := range centroids {
		cands[i] = candidate{idx: i, dist: squaredL2(v, c)}
	}
	// Partial selection sort; nprobe is small against nlist.
	for i := 0; i < n; i++ {
		min := i
		for j := i + 1; j < len(cands); j++ {
			if cands[j].dist < cands[min].dist {
				min = j
			}
		}
		cands[i], cands[min] = cands[min], cands[i]
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = cands[i].idx
	}
	return out
}

func squaredL2(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(sum)
}

// dummyVectors generates deterministic synthetic vectors so quantised
// indexes are usable before real data arrives.
func dummyVectors(n, dims int, rng *rand.Rand) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dims)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		out[i] = v
	}
	return out
}
