package embed

import (
	"os"
	"sort"
	"strings"
	"sync"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// Provider identifies an embedding provider.
type Provider string

const (
	// ProviderOpenAI uses the OpenAI embeddings API.
	ProviderOpenAI Provider = "openai"

	// ProviderAzureOpenAI uses an Azure-hosted OpenAI deployment.
	ProviderAzureOpenAI Provider = "azure_openai"

	// ProviderCohere uses the Cohere embed API.
	ProviderCohere Provider = "cohere"

	// ProviderHuggingFace uses the Hugging Face inference API.
	ProviderHuggingFace Provider = "huggingface"

	// ProviderGoogle uses the Gemini API embedding models.
	ProviderGoogle Provider = "google"

	// ProviderOllama uses a local Ollama server.
	ProviderOllama Provider = "ollama"

	// ProviderLocal uses a generic local embedding HTTP server.
	ProviderLocal Provider = "local"

	// ProviderStub uses deterministic hash-based embeddings. No network,
	// useful for tests and BM25-only deployments.
	ProviderStub Provider = "stub"
)

// String returns the string representation of the provider.
func (p Provider) String() string {
	return string(p)
}

// ParseProvider converts a string to a Provider. Unknown strings are
// returned as-is so custom registered providers resolve too.
func ParseProvider(s string) Provider {
	return Provider(strings.ToLower(strings.TrimSpace(s)))
}

// Constructor builds an adapter from a model config.
type Constructor func(cfg ModelConfig) (Adapter, error)

var (
	providersMu sync.RWMutex
	providers   = map[Provider]Constructor{}
)

// RegisterProvider installs a constructor for a provider name.
// Registering an existing name replaces the previous constructor.
func RegisterProvider(p Provider, ctor Constructor) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[p] = ctor
}

func init() {
	RegisterProvider(ProviderOpenAI, newOpenAIAdapter)
	RegisterProvider(ProviderAzureOpenAI, newAzureOpenAIAdapter)
	RegisterProvider(ProviderCohere, newCohereAdapter)
	RegisterProvider(ProviderHuggingFace, newHuggingFaceAdapter)
	RegisterProvider(ProviderGoogle, newGoogleAdapter)
	RegisterProvider(ProviderOllama, newOllamaAdapter)
	RegisterProvider(ProviderLocal, newLocalAdapter)
	RegisterProvider(ProviderStub, newStubAdapter)
}

// NewAdapter creates an adapter for the model config's provider.
func NewAdapter(cfg ModelConfig) (Adapter, error) {
	provider := ParseProvider(cfg.Provider)

	providersMu.RLock()
	ctor, ok := providers[provider]
	providersMu.RUnlock()

	if !ok {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"unknown embedding provider %q for model %q (valid: %s)",
			cfg.Provider, cfg.ID, strings.Join(ValidProviders(), ", "))
	}
	return ctor(cfg)
}

// ValidProviders returns the registered provider names, sorted.
func ValidProviders() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	names := make([]string, 0, len(providers))
	for p := range providers {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}

// IsValidProvider reports whether a provider name is registered.
func IsValidProvider(s string) bool {
	providersMu.RLock()
	defer providersMu.RUnlock()
	_, ok := providers[ParseProvider(s)]
	return ok
}

// requireAPIKey resolves the API key for a remote provider. The env
// variable name comes from the config with a provider default. A
// missing key fails fast so misconfiguration surfaces at registration,
// not on the first embed call.
func requireAPIKey(cfg ModelConfig, defaultEnv string) (string, error) {
	env := cfg.APIKeyEnv
	if env == "" {
		env = defaultEnv
	}
	key := os.Getenv(env)
	if key == "" {
		return "", mmerrors.Newf(mmerrors.KindProviderAuth,
			"no API key for model %q: environment variable %s is not set", cfg.ID, env).
			WithDetail("env", env)
	}
	return key, nil
}
