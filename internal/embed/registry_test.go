package embed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

func TestParseProvider(t *testing.T) {
	tests := []struct {
		in   string
		want Provider
	}{
		{"openai", ProviderOpenAI},
		{"OpenAI", ProviderOpenAI},
		{"  ollama  ", ProviderOllama},
		{"AZURE_OPENAI", ProviderAzureOpenAI},
		{"stub", ProviderStub},
		// Unknown names pass through so registered custom providers
		// resolve by their own name.
		{"my-custom", Provider("my-custom")},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseProvider(tt.in))
		})
	}
}

func TestNewAdapter_UnknownProvider(t *testing.T) {
	_, err := NewAdapter(ModelConfig{ID: "m", Provider: "no-such-provider"})

	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindConfigInvalid))
	assert.Contains(t, err.Error(), "no-such-provider")
}

func TestNewAdapter_StubProvider(t *testing.T) {
	a, err := NewAdapter(ModelConfig{ID: "m-stub", Provider: "stub", Dimensions: 32})

	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	assert.Equal(t, 32, a.Dimensions())
	assert.Equal(t, "m-stub", a.ModelID())
}

func TestValidProviders_IncludesBuiltins(t *testing.T) {
	valid := ValidProviders()

	assert.Subset(t, valid, []string{
		string(ProviderOpenAI),
		string(ProviderAzureOpenAI),
		string(ProviderCohere),
		string(ProviderHuggingFace),
		string(ProviderGoogle),
		string(ProviderOllama),
		string(ProviderLocal),
		string(ProviderStub),
	})
	assert.IsIncreasing(t, valid)
}

func TestIsValidProvider(t *testing.T) {
	assert.True(t, IsValidProvider("openai"))
	assert.True(t, IsValidProvider("STUB"))
	assert.False(t, IsValidProvider("no-such-provider"))
}

func TestRegisterProvider_Custom(t *testing.T) {
	RegisterProvider("reg-test-custom", func(cfg ModelConfig) (Adapter, error) {
		return NewStubAdapter(cfg.ID, 8), nil
	})

	a, err := NewAdapter(ModelConfig{ID: "custom-model", Provider: "reg-test-custom"})

	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	assert.Equal(t, 8, a.Dimensions())
	assert.True(t, IsValidProvider("reg-test-custom"))
}
