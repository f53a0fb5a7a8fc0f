package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/modularmind/modularmind/internal/config"
	"github.com/modularmind/modularmind/internal/embed"
	"github.com/modularmind/modularmind/internal/output"
)

const (
	// modelsFile is the registry of model metadata written beside the
	// YAML surfaces.
	modelsFile = "models.json"

	// envFile holds provider API keys, mode 0600. Key values go here
	// and nowhere else.
	envFile = ".env"
)

// modelEntry is one record in models.json: enough metadata for tooling
// to pull, serve or bill a model without parsing the YAML surfaces.
type modelEntry struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"` // embedding or llm
	Provider      string `json:"provider"`
	RemoteModelID string `json:"remote_model_id"`
	Dimensions    int    `json:"dimensions,omitempty"`
	APIKeyEnv     string `json:"api_key_env,omitempty"`
}

// modelRegistry is the root document of models.json.
type modelRegistry struct {
	Models []modelEntry `json:"models"`
}

// initOptions carries the init command's flags.
type initOptions struct {
	dir             string
	force           bool
	addMultilingual bool
	addAnthropic    bool
	addLocalLLM     bool
	openaiKey       string
	cohereKey       string
	huggingfaceKey  string
	googleKey       string
}

func newInitCmd() *cobra.Command {
	opts := initOptions{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the configuration files",
		Long: `Write the platform's configuration files into the config directory:

  embedding.yaml    embedding models and cache
  router.yaml       model routing rules
  vectorstore.yaml  index, metric and fusion settings
  ingestion.yaml    agent registry location and job limits
  models.json       registry of model metadata

Existing files are kept unless --force is given; forced rewrites back
up the old file first. Provider API keys go into a .env file next to
the configs, never into the YAML.`,
		Example: `  # Default setup with a local Ollama embedding model
  mmind init

  # Add OpenAI embeddings (key stored in config/.env)
  mmind init --openai-key sk-...

  # Multilingual routing via bge-m3
  mmind init --add-multilingual

  # Start over
  mmind init --force`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.dir, "config-dir", config.DefaultDir, "Directory for the config files")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Overwrite existing files, backing them up first")
	cmd.Flags().BoolVar(&opts.addMultilingual, "add-multilingual", false, "Add bge-m3 and route non-English queries to it")
	cmd.Flags().BoolVar(&opts.addAnthropic, "add-anthropic", false, "Register an Anthropic LLM in models.json")
	cmd.Flags().BoolVar(&opts.addLocalLLM, "add-local-llm", false, "Register a local Ollama LLM in models.json")
	cmd.Flags().StringVar(&opts.openaiKey, "openai-key", "", "OpenAI API key; adds text-embedding-3-small")
	cmd.Flags().StringVar(&opts.cohereKey, "cohere-key", "", "Cohere API key; adds embed-english-v3")
	cmd.Flags().StringVar(&opts.huggingfaceKey, "huggingface-key", "", "Hugging Face API key; adds bge-small-en")
	cmd.Flags().StringVar(&opts.googleKey, "google-key", "", "Google API key; adds text-embedding-004")

	return cmd
}

// buildConfig composes the configuration the flags describe. Pure so
// tests can assert on the composition without touching the filesystem.
func buildConfig(opts initOptions) (config.Config, modelRegistry, map[string]string) {
	cfg := config.Default(opts.dir)
	cfg.VectorStore.StoragePath = filepath.Join("data", "vectors")

	models := []embed.ModelConfig{{
		ID:            "nomic-embed-text",
		Provider:      "ollama",
		RemoteModelID: "nomic-embed-text",
		Dimensions:    768,
		Normalize:     true,
		CacheEnabled:  true,
	}}
	envKeys := map[string]string{}

	if opts.openaiKey != "" {
		models = append(models, embed.ModelConfig{
			ID:            "text-embedding-3-small",
			Provider:      "openai",
			RemoteModelID: "text-embedding-3-small",
			Dimensions:    1536,
			APIKeyEnv:     "OPENAI_API_KEY",
			Normalize:     true,
			CacheEnabled:  true,
		})
		envKeys["OPENAI_API_KEY"] = opts.openaiKey
	}
	if opts.cohereKey != "" {
		models = append(models, embed.ModelConfig{
			ID:            "embed-english-v3",
			Provider:      "cohere",
			RemoteModelID: "embed-english-v3.0",
			Dimensions:    1024,
			APIKeyEnv:     "COHERE_API_KEY",
			CacheEnabled:  true,
		})
		envKeys["COHERE_API_KEY"] = opts.cohereKey
	}
	if opts.huggingfaceKey != "" {
		models = append(models, embed.ModelConfig{
			ID:            "bge-small-en",
			Provider:      "huggingface",
			RemoteModelID: "BAAI/bge-small-en-v1.5",
			Dimensions:    384,
			APIKeyEnv:     "HF_API_KEY",
			Normalize:     true,
			CacheEnabled:  true,
		})
		envKeys["HF_API_KEY"] = opts.huggingfaceKey
	}
	if opts.googleKey != "" {
		models = append(models, embed.ModelConfig{
			ID:            "text-embedding-004",
			Provider:      "google",
			RemoteModelID: "text-embedding-004",
			Dimensions:    768,
			APIKeyEnv:     "GOOGLE_API_KEY",
			CacheEnabled:  true,
		})
		envKeys["GOOGLE_API_KEY"] = opts.googleKey
	}
	if opts.addMultilingual {
		models = append(models, embed.ModelConfig{
			ID:            "bge-m3",
			Provider:      "ollama",
			RemoteModelID: "bge-m3",
			Dimensions:    1024,
			Normalize:     true,
			CacheEnabled:  true,
		})
	}

	cfg.Embedding.Models = models
	cfg.Embedding.DefaultModel = "nomic-embed-text"
	cfg.Router.DefaultModelID = "nomic-embed-text"
	cfg.VectorStore.DefaultEmbeddingModel = "nomic-embed-text"
	if opts.addMultilingual {
		cfg.Router.EnableAutoRouting = true
		cfg.Router.FallbackModelID = "nomic-embed-text"
		cfg.Router.LanguageModels = map[string]string{
			"spanish":    "bge-m3",
			"french":     "bge-m3",
			"german":     "bge-m3",
			"portuguese": "bge-m3",
			"italian":    "bge-m3",
		}
	}

	reg := modelRegistry{}
	for _, m := range models {
		reg.Models = append(reg.Models, modelEntry{
			ID:            m.ID,
			Kind:          "embedding",
			Provider:      m.Provider,
			RemoteModelID: m.RemoteModelID,
			Dimensions:    m.Dimensions,
			APIKeyEnv:     m.APIKeyEnv,
		})
	}
	if opts.addAnthropic {
		reg.Models = append(reg.Models, modelEntry{
			ID:            "claude",
			Kind:          "llm",
			Provider:      "anthropic",
			RemoteModelID: "claude-3-5-sonnet-latest",
			APIKeyEnv:     "ANTHROPIC_API_KEY",
		})
	}
	if opts.addLocalLLM {
		reg.Models = append(reg.Models, modelEntry{
			ID:            "local-llm",
			Kind:          "llm",
			Provider:      "ollama",
			RemoteModelID: "llama3.1:8b",
		})
	}

	return cfg, reg, envKeys
}

func runInit(cmd *cobra.Command, opts initOptions) error {
	out := output.New(cmd.OutOrStdout())

	cfg, registry, envKeys := buildConfig(opts)

	if err := os.MkdirAll(opts.dir, 0o755); err != nil {
		out.Errorf("cannot create %s: %v", opts.dir, err)
		return err
	}

	surfaces := []struct {
		name  string
		value any
	}{
		{config.EmbeddingFile, cfg.Embedding},
		{config.RouterFile, cfg.Router},
		{config.VectorStoreFile, cfg.VectorStore},
		{config.IngestionFile, cfg.Ingestion},
	}
	for _, s := range surfaces {
		value := s.value
		if err := writeSurface(out, opts, s.name, func(path string) error {
			return config.WriteFile(path, value)
		}); err != nil {
			return err
		}
	}

	if err := writeSurface(out, opts, modelsFile, func(path string) error {
		data, err := json.MarshalIndent(registry, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(path, append(data, '\n'), 0o644)
	}); err != nil {
		return err
	}

	// The agent registry directory referenced by ingestion.yaml.
	if err := os.MkdirAll(cfg.Ingestion.ConfigPath, 0o755); err != nil {
		out.Warningf("cannot create agent directory %s: %v", cfg.Ingestion.ConfigPath, err)
	}

	if len(envKeys) > 0 {
		envPath := filepath.Join(opts.dir, envFile)
		if err := writeEnvKeys(envPath, envKeys); err != nil {
			out.Errorf("cannot write %s: %v", envFile, err)
			return err
		}
		names := make([]string, 0, len(envKeys))
		for name := range envKeys {
			names = append(names, name)
		}
		sort.Strings(names)
		out.Statusf("🔑", "stored %s in %s", strings.Join(names, ", "), envFile)
	}

	out.Newline()
	out.Successf("config ready in %s", opts.dir)
	return nil
}

// writeSurface writes one config file honouring --force. An existing
// file is kept without --force and backed up with it.
func writeSurface(out *output.Writer, opts initOptions, name string, write func(path string) error) error {
	path := filepath.Join(opts.dir, name)
	if _, err := os.Stat(path); err == nil {
		if !opts.force {
			out.Warningf("kept %s, use --force to overwrite", name)
			return nil
		}
		backupPath, err := config.Backup(path)
		if err != nil {
			return err
		}
		if backupPath != "" {
			out.Statusf("📦", "backed up %s", filepath.Base(backupPath))
		}
	}
	if err := write(path); err != nil {
		out.Errorf("cannot write %s: %v", name, err)
		return err
	}
	out.Statusf("📝", "wrote %s", name)
	return nil
}

// writeEnvKeys upserts NAME=value lines into the env file. The file is
// created 0600 and chmodded back to 0600 on every write in case it was
// loosened by hand.
func writeEnvKeys(path string, keys map[string]string) error {
	content, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	var lines []string
	if len(content) > 0 {
		lines = strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	}

	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entry := name + "=" + keys[name]
		replaced := false
		for i, line := range lines {
			if strings.HasPrefix(line, name+"=") {
				lines[i] = entry
				replaced = true
				break
			}
		}
		if !replaced {
			lines = append(lines, entry)
		}
	}

	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}
