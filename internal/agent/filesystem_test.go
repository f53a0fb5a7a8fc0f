package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// memFSAgent builds a filesystem agent through the registry, then
// swaps in an in-memory filesystem seeded with the given files.
func memFSAgent(t *testing.T, cfg Config, files map[string]string) *filesystemAgent {
	t.Helper()
	cfg.AgentType = TypeFilesystem

	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	fsa, ok := a.(*filesystemAgent)
	require.True(t, ok)

	memfs := afero.NewMemMapFs()
	for path, content := range files {
		require.NoError(t, memfs.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, afero.WriteFile(memfs, path, []byte(content), 0o644))
	}
	fsa.fs = memfs
	return fsa
}

// --- TS01: the walk honours extensions and hidden directories ---

func TestFilesystemAgent_Walk(t *testing.T) {
	a := memFSAgent(t, Config{
		Name:      "docs",
		SourceURL: "/docs",
		Options:   map[string]any{"extensions": []any{"md"}},
	}, map[string]string{
		"/docs/readme.md":         "# Hello\nWorld",
		"/docs/notes.txt":         "plain notes",
		"/docs/sub/deep.md":       "deep text",
		"/docs/.obsidian/plug.md": "hidden away",
	})

	res, err := a.Fetch(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Documents, 2)
	first := res.Documents[0]
	assert.Equal(t, "/docs/readme.md", first.ID)
	assert.Equal(t, "# Hello\nWorld", first.Text)
	assert.Equal(t, TypeFilesystem, first.Metadata["source_type"])
	assert.Equal(t, "readme.md", first.Metadata["filename"])
	assert.Equal(t, ".md", first.Metadata["extension"])
	assert.EqualValues(t, len("# Hello\nWorld"), first.Metadata["size_bytes"])
	assert.NotEmpty(t, first.Metadata["modified_at"])

	assert.Equal(t, "/docs/sub/deep.md", res.Documents[1].ID)

	// The hidden directory was never entered; notes.txt was seen but
	// filtered on extension.
	assert.Equal(t, 3, res.Metadata["files_seen"])
	assert.Equal(t, 1, res.Metadata["skipped"])
}

// --- TS02: files with NUL bytes are skipped ---

func TestFilesystemAgent_SkipsBinary(t *testing.T) {
	a := memFSAgent(t, Config{Name: "mixed", SourceURL: "/data"}, map[string]string{
		"/data/text.txt": "readable",
		"/data/blob.bin": "PK\x03\x04\x00binary",
	})

	res, err := a.Fetch(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Documents, 1)
	assert.Equal(t, "/data/text.txt", res.Documents[0].ID)
	assert.Equal(t, 1, res.Metadata["skipped"])
}

// --- TS03: check_mtime makes runs incremental ---

func TestFilesystemAgent_CheckMtime(t *testing.T) {
	lastRun := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	a := memFSAgent(t, Config{
		Name:      "inc",
		SourceURL: "/notes",
		LastRun:   lastRun,
		Options:   map[string]any{"check_mtime": true},
	}, map[string]string{
		"/notes/old.md": "stale",
		"/notes/new.md": "fresh",
	})
	require.NoError(t, a.fs.Chtimes("/notes/old.md", lastRun.Add(-time.Hour), lastRun.Add(-time.Hour)))
	require.NoError(t, a.fs.Chtimes("/notes/new.md", lastRun.Add(time.Hour), lastRun.Add(time.Hour)))

	res, err := a.Fetch(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Documents, 1)
	assert.Equal(t, "/notes/new.md", res.Documents[0].ID)
	assert.Equal(t, 1, res.Metadata["skipped"])
}

// --- TS04: the item cap ends the walk early ---

func TestFilesystemAgent_MaxItems(t *testing.T) {
	a := memFSAgent(t, Config{Name: "cap", SourceURL: "/pile", MaxItems: 2}, map[string]string{
		"/pile/a.txt": "a",
		"/pile/b.txt": "b",
		"/pile/c.txt": "c",
	})

	res, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Documents, 2)
}

// --- TS05: a missing root fails the run ---

func TestFilesystemAgent_MissingRoot(t *testing.T) {
	a := memFSAgent(t, Config{Name: "ghost", SourceURL: "/nowhere"}, nil)

	_, err := a.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindTransient), "got %v", err)
}

// --- TS06: construction options ---

func TestFilesystemAgent_Options(t *testing.T) {
	a, err := New(Config{
		AgentType: TypeFilesystem,
		Name:      "kb",
		SourceURL: "file:///var/kb",
		Options:   map[string]any{"watch": true},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	fsa := a.(*filesystemAgent)
	assert.Equal(t, "/var/kb", fsa.root)
	assert.True(t, fsa.WatchRequested())

	_, err = New(Config{AgentType: TypeFilesystem, Name: "bare", SourceURL: "file://"})
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindConfigInvalid))
}

// --- TS07: the directory watcher signals writes ---

func TestDirWatcher_SignalsChanges(t *testing.T) {
	dir := t.TempDir()
	w, err := NewDirWatcher(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("hi"), 0o644))

	select {
	case <-w.Changes():
	case <-time.After(3 * time.Second):
		t.Fatal("no change signal within 3s")
	}

	// Stopping twice is safe
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}

func TestDirWatcher_MissingRoot(t *testing.T) {
	_, err := NewDirWatcher(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindTransient), "got %v", err)
}
