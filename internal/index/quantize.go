package index

import (
	"math"
	"math/rand"

	"github.com/modularmind/modularmind/internal/metric"
)

// Product-quantisation math shared by the pq and ivfpq backends. A
// vector of d dimensions splits into msub sub-vectors of d/msub
// dimensions; each subspace carries its own codebook of k centroids
// and a vector is stored as msub centroid ids.

// trainProductCodebooks runs one k-means per subspace and returns
// [msub][k][subDims] codebooks.
func trainProductCodebooks(vectors [][]float32, msub, k int, rng *rand.Rand) [][][]float32 {
	subDims := len(vectors[0]) / msub
	books := make([][][]float32, msub)
	subVecs := make([][]float32, len(vectors))
	for m := 0; m < msub; m++ {
		for i, v := range vectors {
			subVecs[i] = v[m*subDims : (m+1)*subDims]
		}
		books[m] = trainKMeans(subVecs, k, rng)
	}
	return books
}

// encodePQ maps a vector to its per-subspace centroid ids.
func encodePQ(vec []float32, codebooks [][][]float32, subDims int) []uint8 {
	code := make([]uint8, len(codebooks))
	for m := range codebooks {
		c, _ := nearestCentroid(vec[m*subDims:(m+1)*subDims], codebooks[m])
		code[m] = uint8(c)
	}
	return code
}

// pqDistanceTables precomputes the per-subspace contribution of every
// codebook centroid for one query: squared l2 for l2, inner product
// for cosine and dot, l1 for manhattan. Scoring a code is then msub
// table lookups summed into an accumulator.
func pqDistanceTables(query []float32, codebooks [][][]float32, subDims int, m metric.Metric) [][]float32 {
	tables := make([][]float32, len(codebooks))
	for s := range codebooks {
		q := query[s*subDims : (s+1)*subDims]
		row := make([]float32, len(codebooks[s]))
		for c, centroid := range codebooks[s] {
			switch m {
			case metric.L2:
				row[c] = squaredL2(q, centroid)
			case metric.Manhattan:
				var sum float64
				for i := range q {
					sum += math.Abs(float64(q[i]) - float64(centroid[i]))
				}
				row[c] = float32(sum)
			default: // cosine and dot accumulate the inner product
				var sum float64
				for i := range q {
					sum += float64(q[i]) * float64(centroid[i])
				}
				row[c] = float32(sum)
			}
		}
		tables[s] = row
	}
	return tables
}

// pqAccToDistance folds an accumulated table sum into the raw distance
// of the metric.
func pqAccToDistance(acc float64, m metric.Metric) float32 {
	switch m {
	case metric.L2:
		return float32(math.Sqrt(acc))
	case metric.Manhattan:
		return float32(acc)
	case metric.Dot:
		return float32(-acc)
	default: // cosine over pre-normalised vectors
		return float32(1 - acc)
	}
}

// scoreCode sums the table entries selected by a code.
func scoreCode(code []uint8, tables [][]float32) float64 {
	var acc float64
	for m, c := range code {
		acc += float64(tables[m][c])
	}
	return acc
}

func sqrt32(v float32) float32 {
	return float32(math.Sqrt(float64(v)))
}
