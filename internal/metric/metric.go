// Package metric implements the distance functions shared by every index
// backend and the mapping from raw distances to the [0,1] similarity scale
// used in search results.
package metric

import (
	"math"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// Metric identifies a vector distance function.
type Metric string

const (
	Cosine    Metric = "cosine"
	L2        Metric = "l2"
	Dot       Metric = "dot"
	Manhattan Metric = "manhattan"
)

// Parse normalises a metric name, accepting the common aliases.
func Parse(s string) (Metric, error) {
	switch s {
	case "cosine", "cos":
		return Cosine, nil
	case "l2", "euclidean":
		return L2, nil
	case "dot", "ip", "inner_product":
		return Dot, nil
	case "manhattan", "l1":
		return Manhattan, nil
	default:
		return "", mmerrors.Newf(mmerrors.KindConfigInvalid, "unknown metric %q", s)
	}
}

// Valid reports whether m is one of the four supported metrics.
func (m Metric) Valid() bool {
	switch m {
	case Cosine, L2, Dot, Manhattan:
		return true
	}
	return false
}

// Distance computes the raw distance between two vectors.
// Cosine assumes pre-normalised inputs and returns 1 - dot; callers cannot
// rely on the kernel renormalising for them.
func Distance(m Metric, a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, mmerrors.Newf(mmerrors.KindDimensionMismatch,
			"vector lengths differ: %d vs %d", len(a), len(b))
	}
	switch m {
	case Cosine:
		return 1 - dot(a, b), nil
	case L2:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return float32(math.Sqrt(sum)), nil
	case Dot:
		return -dot(a, b), nil
	case Manhattan:
		var sum float64
		for i := range a {
			sum += math.Abs(float64(a[i]) - float64(b[i]))
		}
		return float32(sum), nil
	default:
		return 0, mmerrors.Newf(mmerrors.KindConfigInvalid, "unknown metric %q", string(m))
	}
}

// Similarity maps a raw distance onto [0,1] where 1.0 is most similar:
// cosine 1-d/2, dot -d, l2 and manhattan 1/(1+d). Results are clamped.
func Similarity(m Metric, d float32) float32 {
	var s float32
	switch m {
	case Cosine:
		s = 1 - d/2
	case Dot:
		s = -d
	case L2, Manhattan:
		s = 1 / (1 + d)
	default:
		s = 1 / (1 + d)
	}
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// CosineSimilarity returns the cosine of the angle between a and b in [-1,1],
// independent of their norms. Zero-norm inputs yield 0.
func CosineSimilarity(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, mmerrors.Newf(mmerrors.KindDimensionMismatch,
			"vector lengths differ: %d vs %d", len(a), len(b))
	}
	var dp, na, nb float64
	for i := range a {
		dp += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return float32(dp / (math.Sqrt(na) * math.Sqrt(nb))), nil
}

// Normalize returns a unit-length copy of v.
// Zero-norm vectors are returned as an all-zero copy rather than NaN.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	NormalizeInPlace(out)
	return out
}

// NormalizeInPlace scales v to unit length, clamping zero-norm input to zero.
func NormalizeInPlace(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		for i := range v {
			v[i] = 0
		}
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}

func dot(a, b []float32) float32 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}
