package agent

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/modularmind/modularmind/internal/document"
	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

const defaultMaxFileSize = 10 << 20

// errWalkDone stops a walk once the item cap is reached.
var errWalkDone = errors.New("walk limit reached")

// filesystemAgent walks the directory at source_url. Options:
//
//	extensions     file extensions to ingest (default: every file)
//	check_mtime    skip files not modified since the last run
//	max_file_size  per-file byte cap, default 10 MiB
//	watch          hint for the scheduler to attach a change watcher
//
// Hidden directories and files with NUL bytes are skipped.
type filesystemAgent struct {
	cfg         Config
	fs          afero.Fs
	root        string
	extensions  map[string]bool
	checkMtime  bool
	maxFileSize int64
}

func newFilesystemAgent(cfg Config) (Agent, error) {
	root := strings.TrimPrefix(cfg.SourceURL, "file://")
	if strings.TrimSpace(root) == "" {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"agent %q has no filesystem path", cfg.Name)
	}

	extensions := map[string]bool{}
	for _, ext := range stringListOption(cfg.Options, "extensions") {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		extensions[ext] = true
	}

	return &filesystemAgent{
		cfg:         cfg,
		fs:          afero.NewOsFs(),
		root:        root,
		extensions:  extensions,
		checkMtime:  boolOption(cfg.Options, "check_mtime", false),
		maxFileSize: int64(intOption(cfg.Options, "max_file_size", defaultMaxFileSize)),
	}, nil
}

func (a *filesystemAgent) Type() string { return TypeFilesystem }

func (a *filesystemAgent) Close() error { return nil }

// WatchRequested reports whether the config asks for filesystem watch
// mode. The scheduler uses this to attach a DirWatcher.
func (a *filesystemAgent) WatchRequested() bool {
	return boolOption(a.cfg.Options, "watch", false)
}

// Root returns the directory the agent scans.
func (a *filesystemAgent) Root() string { return a.root }

func (a *filesystemAgent) Fetch(ctx context.Context) (*Result, error) {
	if _, err := a.fs.Stat(a.root); err != nil {
		return nil, mmerrors.Newf(mmerrors.KindTransient,
			"agent %q cannot read %s: %v", a.cfg.Name, a.root, err)
	}

	maxItems := a.cfg.EffectiveMaxItems()
	var docs []*document.Document
	seen, skipped := 0, 0

	walkErr := afero.Walk(a.fs, a.root, func(path string, info os.FileInfo, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return mmerrors.Wrap(mmerrors.KindCancelled, cerr)
		}
		if err != nil {
			slog.Warn("fs_walk_skipped",
				slog.String("agent", a.cfg.Name),
				slog.String("path", path),
				slog.String("error", err.Error()))
			return nil
		}
		if info.IsDir() {
			if path != a.root && strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		seen++

		ext := strings.ToLower(filepath.Ext(path))
		if len(a.extensions) > 0 && !a.extensions[ext] {
			skipped++
			return nil
		}
		if a.checkMtime && !a.cfg.LastRun.IsZero() && !info.ModTime().After(a.cfg.LastRun) {
			skipped++
			return nil
		}
		if info.Size() > a.maxFileSize {
			skipped++
			slog.Warn("fs_file_too_large",
				slog.String("agent", a.cfg.Name),
				slog.String("path", path),
				slog.Int64("size", info.Size()))
			return nil
		}

		content, err := afero.ReadFile(a.fs, path)
		if err != nil {
			skipped++
			slog.Warn("fs_file_unreadable",
				slog.String("agent", a.cfg.Name),
				slog.String("path", path),
				slog.String("error", err.Error()))
			return nil
		}
		if bytes.IndexByte(content, 0) >= 0 {
			skipped++
			return nil
		}

		md := document.Metadata{
			"source_type": TypeFilesystem,
			"path":        path,
			"filename":    info.Name(),
			"extension":   ext,
			"size_bytes":  info.Size(),
			"modified_at": info.ModTime().UTC().Format(time.RFC3339),
		}
		a.cfg.applyMetadataMapping(md)

		doc := document.New(path, string(content), md)
		doc.Touch(time.Now())
		docs = append(docs, doc)

		if len(docs) >= maxItems {
			return errWalkDone
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errWalkDone) {
		return nil, walkErr
	}

	slog.Debug("fs_walk_complete",
		slog.String("agent", a.cfg.Name),
		slog.String("root", a.root),
		slog.Int("files_seen", seen),
		slog.Int("documents", len(docs)))

	return &Result{
		Documents: docs,
		Metadata: document.Metadata{
			"root":       a.root,
			"files_seen": seen,
			"skipped":    skipped,
		},
	}, nil
}
