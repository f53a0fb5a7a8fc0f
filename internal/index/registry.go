package index

import (
	"sort"
	"strings"
	"sync"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// BackendConstructor builds an unopened index from a config. Callers
// run Initialize before first use.
type BackendConstructor func(cfg Config) (VectorIndex, error)

var (
	backendsMu sync.RWMutex
	backends   = map[Backend]BackendConstructor{}
)

// RegisterBackend installs a constructor for a backend name.
// Registering an existing name replaces the previous constructor.
func RegisterBackend(b Backend, ctor BackendConstructor) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[b] = ctor
}

func init() {
	RegisterBackend(BackendHNSW, newHNSWIndex)
	RegisterBackend(BackendFlat, newFlatIndex)
	RegisterBackend(BackendIVF, newIVFIndex)
	RegisterBackend(BackendPQ, newPQIndex)
	RegisterBackend(BackendIVFPQ, newIVFPQIndex)
	RegisterBackend(BackendQdrant, newQdrantIndex)
	RegisterBackend(BackendMilvus, newMilvusIndex)
	RegisterBackend(BackendPGVector, newPGVectorIndex)
	RegisterBackend(BackendElasticsearch, newElasticsearchIndex)
	RegisterBackend(BackendWeaviate, newWeaviateIndex)
	RegisterBackend(BackendPinecone, newPineconeIndex)
}

// New creates an index for the config's backend.
func New(cfg Config) (VectorIndex, error) {
	backend := Backend(strings.ToLower(strings.TrimSpace(string(cfg.Backend))))

	backendsMu.RLock()
	ctor, ok := backends[backend]
	backendsMu.RUnlock()

	if !ok {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"unknown index backend %q (valid: %s)",
			cfg.Backend, strings.Join(ValidBackends(), ", "))
	}
	if cfg.Dimensions <= 0 {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"index backend %q needs dimensions > 0, got %d", backend, cfg.Dimensions)
	}
	if cfg.Metric != "" && !cfg.Metric.Valid() {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"unknown metric %q for index backend %q", cfg.Metric, backend)
	}
	cfg.Backend = backend
	return ctor(cfg)
}

// ValidBackends returns the registered backend names, sorted.
func ValidBackends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for b := range backends {
		names = append(names, string(b))
	}
	sort.Strings(names)
	return names
}
