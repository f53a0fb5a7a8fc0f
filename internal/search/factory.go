package search

import (
	"os"
	"path/filepath"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// Backend selects the sparse index implementation.
type Backend string

const (
	// BackendMemory uses the built-in in-memory BM25 index with JSON
	// snapshots (default).
	BackendMemory Backend = "memory"

	// BackendBleve uses Bleve v2. Exclusive file locking via BoltDB,
	// single process only.
	BackendBleve Backend = "bleve"
)

// NewSparseIndex creates a SparseIndex using the named backend. The
// basePath is the artefact path without extension; the extension is
// added per backend (.json for memory snapshots, .bleve for Bleve).
// An empty backend means memory. For Bleve an empty basePath creates
// an in-memory index for testing.
func NewSparseIndex(basePath string, config Config, backend string) (SparseIndex, error) {
	switch backend {
	case string(BackendMemory), "":
		return NewMemoryBM25(config), nil

	case string(BackendBleve):
		var path string
		if basePath != "" {
			path = basePath + ".bleve"
		}
		return NewBleveSparse(path, config)

	default:
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"unknown sparse backend: %s (valid options: memory, bleve)", backend)
	}
}

// DetectBackend reports which backend an existing store used based on
// the artefacts on disk, or an empty string when no index exists.
func DetectBackend(basePath string) Backend {
	if fileExists(basePath + ".json") {
		return BackendMemory
	}
	if dirExists(basePath + ".bleve") {
		return BackendBleve
	}
	return ""
}

// SparseIndexPath returns the full artefact path for a backend,
// rooted at dataDir.
func SparseIndexPath(dataDir string, backend string) string {
	basePath := filepath.Join(dataDir, "sparse")
	switch backend {
	case string(BackendBleve):
		return basePath + ".bleve"
	default:
		return basePath + ".json"
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
