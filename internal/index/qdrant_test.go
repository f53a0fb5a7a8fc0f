package index

import (
	"errors"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
	"github.com/modularmind/modularmind/internal/metric"
)

func TestQdrantEndpoint(t *testing.T) {
	cases := []struct {
		raw  string
		host string
		port int
		tls  bool
	}{
		{"", "localhost", 6334, false},
		{"qdrant.local", "qdrant.local", 6334, false},
		{"qdrant.local:7000", "qdrant.local", 7000, false},
		{"http://qdrant.local:6334", "qdrant.local", 6334, false},
		{"https://xyz.cloud.qdrant.io:6334", "xyz.cloud.qdrant.io", 6334, true},
	}
	for _, tc := range cases {
		host, port, tls, err := qdrantEndpoint(tc.raw)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.host, host, tc.raw)
		assert.Equal(t, tc.port, port, tc.raw)
		assert.Equal(t, tc.tls, tls, tc.raw)
	}

	for _, bad := range []string{":6334", "qdrant.local:notaport"} {
		_, _, _, err := qdrantEndpoint(bad)
		require.Error(t, err, bad)
		assert.True(t, mmerrors.IsKind(err, mmerrors.KindConfigInvalid), "got %v", err)
	}
}

func TestQdrantDistance(t *testing.T) {
	assert.Equal(t, qdrant.Distance_Cosine, qdrantDistance(metric.Cosine))
	assert.Equal(t, qdrant.Distance_Euclid, qdrantDistance(metric.L2))
	assert.Equal(t, qdrant.Distance_Dot, qdrantDistance(metric.Dot))
	assert.Equal(t, qdrant.Distance_Manhattan, qdrantDistance(metric.Manhattan))
}

func TestQdrantRawDistance(t *testing.T) {
	// Cosine and dot come back as similarities.
	assert.InDelta(t, 0.04, float64(qdrantRawDistance(metric.Cosine, 0.96)), 1e-6)
	assert.InDelta(t, -0.7, float64(qdrantRawDistance(metric.Dot, 0.7)), 1e-6)
	// Euclid and manhattan come back as distances already.
	assert.InDelta(t, 2.0, float64(qdrantRawDistance(metric.L2, 2)), 1e-6)
	assert.InDelta(t, 3.0, float64(qdrantRawDistance(metric.Manhattan, 3)), 1e-6)
}

func TestQdrantError(t *testing.T) {
	assert.NoError(t, qdrantError(nil))

	err := qdrantError(errors.New(`collection "chunks" doesn't exist`))
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindCollectionMissing), "got %v", err)

	err = qdrantError(errors.New("rpc error: code = Unauthenticated desc = invalid api key"))
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindProviderAuth), "got %v", err)

	err = qdrantError(errors.New("context deadline exceeded"))
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindTimeout), "got %v", err)

	err = qdrantError(errors.New("connection refused"))
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindRemoteUnavailable), "got %v", err)
}

func TestQdrantIndex_ConfigValidation(t *testing.T) {
	_, err := New(Config{Backend: BackendQdrant, Metric: metric.Cosine, Dimensions: 4})

	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindConfigInvalid), "got %v", err)
}
