package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// idMapping is the id <-> internal-key bijection every local backend
// keeps beside its vector storage. Keys released by a true delete go to
// the free list for reuse; keys orphaned by a lazy delete stay burned
// until a rebuild resets the mapping.
type idMapping struct {
	toKey   map[string]uint64
	toDocID map[uint64]string
	nextKey uint64
	free    []uint64
}

func newIDMapping() *idMapping {
	return &idMapping{
		toKey:   make(map[string]uint64),
		toDocID: make(map[uint64]string),
	}
}

// Len returns the number of live ids.
func (m *idMapping) Len() int {
	return len(m.toKey)
}

// NextKey returns the next key a fresh assignment would mint.
func (m *idMapping) NextKey() uint64 {
	return m.nextKey
}

// Lookup returns the internal key for an id.
func (m *idMapping) Lookup(id string) (uint64, bool) {
	key, ok := m.toKey[id]
	return key, ok
}

// DocID returns the id bound to an internal key.
func (m *idMapping) DocID(key uint64) (string, bool) {
	id, ok := m.toDocID[key]
	return id, ok
}

// Assign binds id to a key, reusing the free list before minting a new
// key. The caller must have unbound any previous key for this id.
func (m *idMapping) Assign(id string) uint64 {
	var key uint64
	if n := len(m.free); n > 0 {
		key = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		key = m.nextKey
		m.nextKey++
	}
	m.toKey[id] = key
	m.toDocID[key] = id
	return key
}

// Release unbinds an id and returns its key to the free list. Used by
// backends whose storage slot becomes reusable immediately.
func (m *idMapping) Release(id string) (uint64, bool) {
	key, ok := m.toKey[id]
	if !ok {
		return 0, false
	}
	delete(m.toKey, id)
	delete(m.toDocID, key)
	m.free = append(m.free, key)
	return key, true
}

// Orphan unbinds an id without freeing its key. Used by lazy-deleting
// backends where the underlying slot still holds the old vector.
func (m *idMapping) Orphan(id string) (uint64, bool) {
	key, ok := m.toKey[id]
	if !ok {
		return 0, false
	}
	delete(m.toKey, id)
	delete(m.toDocID, key)
	return key, true
}

// Reset clears all bindings and the free list.
func (m *idMapping) Reset() {
	m.toKey = make(map[string]uint64)
	m.toDocID = make(map[uint64]string)
	m.nextKey = 0
	m.free = nil
}

// IDs returns the live ids sorted for deterministic iteration.
func (m *idMapping) IDs() []string {
	ids := make([]string, 0, len(m.toKey))
	for id := range m.toKey {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// mappingsFile is the on-disk shape of a mapping snapshot.
type mappingsFile struct {
	IDToDocID map[uint64]string `json:"id_to_docid"`
	NextID    uint64            `json:"next_id"`
	Free      []uint64          `json:"free,omitempty"`
}

// saveMappings writes the bijection to <prefix>_mappings.json under dir
// via the usual tmp+rename dance.
func (m *idMapping) saveMappings(dir, prefix string) error {
	snap := mappingsFile{
		IDToDocID: make(map[uint64]string, len(m.toDocID)),
		NextID:    m.nextKey,
		Free:      append([]uint64(nil), m.free...),
	}
	for key, id := range m.toDocID {
		snap.IDToDocID[key] = id
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index mappings: %w", err)
	}

	path := filepath.Join(dir, prefix+"_mappings.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write index mappings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename index mappings: %w", err)
	}
	return nil
}

// loadMappings restores the bijection from <prefix>_mappings.json.
func (m *idMapping) loadMappings(dir, prefix string) error {
	path := filepath.Join(dir, prefix+"_mappings.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return mmerrors.Newf(mmerrors.KindNotFound, "index mappings not found at %s", path)
		}
		return fmt.Errorf("read index mappings: %w", err)
	}

	var snap mappingsFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return mmerrors.Wrap(mmerrors.KindIndexCorrupt,
			fmt.Errorf("decode index mappings %s: %w", path, err))
	}

	m.toKey = make(map[string]uint64, len(snap.IDToDocID))
	m.toDocID = make(map[uint64]string, len(snap.IDToDocID))
	for key, id := range snap.IDToDocID {
		m.toKey[id] = key
		m.toDocID[key] = id
	}
	m.nextKey = snap.NextID
	m.free = snap.Free
	return nil
}
