package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
	"github.com/modularmind/modularmind/internal/metric"
)

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: "faiss", Metric: metric.Cosine, Dimensions: 4})

	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindConfigInvalid), "got %v", err)
	assert.Contains(t, err.Error(), "faiss")
}

func TestNew_NormalisesBackendName(t *testing.T) {
	idx, err := New(Config{Backend: "  HNSW ", Metric: metric.Cosine, Dimensions: 4})

	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	assert.Equal(t, string(BackendHNSW), idx.Stats().Backend)
}

func TestNew_RejectsBadShape(t *testing.T) {
	_, err := New(Config{Backend: BackendFlat, Metric: metric.Cosine})
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindConfigInvalid), "got %v", err)

	_, err = New(Config{Backend: BackendFlat, Metric: "chebyshev", Dimensions: 4})
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindConfigInvalid), "got %v", err)
}

func TestNew_RejectsBadQuantisation(t *testing.T) {
	// Dimensions must split evenly into m_sub subspaces.
	_, err := New(Config{Backend: BackendPQ, Metric: metric.Cosine, Dimensions: 5, MSub: 2})
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindConfigInvalid), "got %v", err)

	_, err = New(Config{Backend: BackendIVFPQ, Metric: metric.Cosine, Dimensions: 4, MSub: 2, Nbits: 9})
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindConfigInvalid), "got %v", err)
}

func TestValidBackends_CoversRegistry(t *testing.T) {
	names := ValidBackends()

	assert.Len(t, names, 11)
	for _, want := range localBackends {
		assert.Contains(t, names, string(want))
	}
	assert.Contains(t, names, string(BackendQdrant))
	assert.Contains(t, names, string(BackendPGVector))
}

func TestBackend_Remote(t *testing.T) {
	for _, b := range localBackends {
		assert.False(t, b.Remote(), string(b))
	}
	for _, b := range []Backend{
		BackendQdrant, BackendMilvus, BackendElasticsearch,
		BackendWeaviate, BackendPinecone, BackendPGVector,
	} {
		assert.True(t, b.Remote(), string(b))
	}
}
