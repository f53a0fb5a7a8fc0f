// Package config loads and writes the platform's YAML surfaces. Each
// surface lives in its own file under one directory: embedding.yaml,
// router.yaml, vectorstore.yaml and ingestion.yaml. A missing file
// keeps its defaults; a present one must parse and validate.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/modularmind/modularmind/internal/embed"
	mmerrors "github.com/modularmind/modularmind/internal/errors"
	"github.com/modularmind/modularmind/internal/ingest"
	"github.com/modularmind/modularmind/internal/schedule"
	"github.com/modularmind/modularmind/internal/vectorstore"
)

// File names under the config directory.
const (
	EmbeddingFile   = "embedding.yaml"
	RouterFile      = "router.yaml"
	VectorStoreFile = "vectorstore.yaml"
	IngestionFile   = "ingestion.yaml"
)

// DefaultDir is where Load looks when no directory is given.
const DefaultDir = "config"

// Config bundles the four surfaces the platform reads at startup.
type Config struct {
	Embedding   embed.ServiceConfig `yaml:"embedding" json:"embedding"`
	Router      embed.RouterConfig  `yaml:"router" json:"router"`
	VectorStore vectorstore.Config  `yaml:"vectorstore" json:"vectorstore"`
	Ingestion   ingest.Options      `yaml:"ingestion" json:"ingestion"`
}

// Default returns the defaults for every surface. The agent config
// directory sits next to the four files under dir.
func Default(dir string) Config {
	if dir == "" {
		dir = DefaultDir
	}
	return Config{
		Embedding:   embed.DefaultServiceConfig(),
		Router:      embed.DefaultRouterConfig(),
		VectorStore: vectorstore.DefaultConfig(),
		Ingestion: ingest.Options{
			ConfigPath: filepath.Join(dir, "agents"),
			MaxJobs:    schedule.DefaultMaxJobs,
		},
	}
}

// Load reads the four surface files under dir, which may be empty for
// DefaultDir. Values from the files override the defaults key by key;
// the merged result is validated as a whole.
func Load(dir string) (Config, error) {
	if dir == "" {
		dir = DefaultDir
	}
	cfg := Default(dir)
	if err := readInto(filepath.Join(dir, EmbeddingFile), &cfg.Embedding); err != nil {
		return Config{}, err
	}
	if err := readInto(filepath.Join(dir, RouterFile), &cfg.Router); err != nil {
		return Config{}, err
	}
	if err := readInto(filepath.Join(dir, VectorStoreFile), &cfg.VectorStore); err != nil {
		return Config{}, err
	}
	if err := readInto(filepath.Join(dir, IngestionFile), &cfg.Ingestion); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// readInto unmarshals path over the defaults already in v. A missing
// file is not an error.
func readInto(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return mmerrors.Newf(mmerrors.KindConfigInvalid,
			"cannot read config file %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return mmerrors.Newf(mmerrors.KindConfigInvalid,
			"cannot parse config file %s: %v", path, err)
	}
	return nil
}

// Validate checks every surface.
func (c Config) Validate() error {
	if err := c.Embedding.Validate(); err != nil {
		return err
	}
	if err := c.Router.Validate(); err != nil {
		return err
	}
	if err := c.VectorStore.Validate(); err != nil {
		return err
	}
	if c.Ingestion.ConfigPath == "" {
		return mmerrors.Newf(mmerrors.KindConfigInvalid, "ingestion config_path is empty")
	}
	if c.Ingestion.MaxJobs < 0 {
		return mmerrors.Newf(mmerrors.KindConfigInvalid,
			"ingestion max_jobs must not be negative, got %d", c.Ingestion.MaxJobs)
	}
	return nil
}

// WriteFile serialises one surface to path, creating the directory.
func WriteFile(path string, surface any) error {
	data, err := yaml.Marshal(surface)
	if err != nil {
		return mmerrors.Wrap(mmerrors.KindTransient, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return mmerrors.Newf(mmerrors.KindTransient,
			"cannot create config dir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return mmerrors.Newf(mmerrors.KindTransient,
			"cannot write config file %s: %v", path, err)
	}
	return nil
}
