package index

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both quantised backends start on synthetic codebooks and retrain on
// the corpus once it is large enough to be representative.
func TestQuantisedIndex_RetrainsOnRealData(t *testing.T) {
	for _, backend := range []Backend{BackendPQ, BackendIVFPQ} {
		t.Run(string(backend), func(t *testing.T) {
			// Given: a freshly initialised, dummy-trained index
			idx := newLocalIndex(t, backend)
			ctx := context.Background()
			assert.False(t, idx.Stats().Trained)

			// When: the corpus crosses the retrain threshold
			vecs := randomUnitVectors(pqRetrainThreshold+1, rand.New(rand.NewSource(23)))
			ids := make([]string, len(vecs))
			for i := range ids {
				ids[i] = fmt.Sprintf("v%04d", i)
			}
			require.NoError(t, idx.AddBatch(ctx, vecs, ids))

			// Then: the codebooks have been retrained and storage is compact
			stats := idx.Stats()
			assert.True(t, stats.Trained)
			assert.Equal(t, pqRetrainThreshold+1, stats.TotalVectors)
			assert.Equal(t, pqRetrainThreshold+1, stats.Capacity)
			assert.Equal(t, 0, stats.Deleted)

			// And: a stored vector finds itself within a modest candidate set
			results, err := idx.Search(ctx, vecs[42], 20, 0)
			require.NoError(t, err)
			require.NotEmpty(t, results)
			var found bool
			for _, r := range results {
				if r.ID == ids[42] {
					found = true
					break
				}
			}
			assert.True(t, found, "self match missing from the top candidates")
		})
	}
}
