package memory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Provider names accepted by NewEmbeddingProvider.
const (
	NoopProviderName   = "none"
	OpenAIProviderName = "openai"
	customPrefix       = "custom:"
)

// Defaults for the embedding pipeline.
const (
	DefaultEmbeddingModel      = "text-embedding-3-small"
	DefaultEmbeddingDimensions = 1536
	DefaultEmbeddingTimeout    = 30 * time.Second
)

// EmbeddingProvider generates vector embeddings from text
type EmbeddingProvider interface {
	Name() string
	Model() string
	Dimension() int
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// ModelID identifies the vector space a provider embeds into. Vectors with
// different model ids are never compared.
func ModelID(p EmbeddingProvider) string {
	return p.Name() + ":" + p.Model()
}

// IsNoop reports whether p is absent or the explicit no-op provider, meaning
// recall runs keyword-only.
func IsNoop(p EmbeddingProvider) bool {
	return p == nil || p.Name() == NoopProviderName
}

// EmbeddingConfig selects and configures an embedding provider.
type EmbeddingConfig struct {
	// Provider is "none", "openai" or "custom:<base url>".
	Provider   string
	Model      string
	Dimensions int
	APIKey     string
	Timeout    time.Duration
}

// NewEmbeddingProvider builds the provider named by cfg.Provider.
func NewEmbeddingProvider(cfg EmbeddingConfig) (EmbeddingProvider, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultEmbeddingModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultEmbeddingDimensions
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultEmbeddingTimeout
	}

	provider := strings.TrimSpace(cfg.Provider)
	switch {
	case provider == "" || provider == NoopProviderName:
		return NewNoopProvider(cfg.Dimensions), nil
	case provider == OpenAIProviderName:
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("openai embedding provider requires an API key")
		}
		return NewOpenAIProvider(apiKey, cfg.Model, cfg.Dimensions, cfg.Timeout), nil
	case strings.HasPrefix(provider, customPrefix):
		baseURL := strings.TrimSpace(strings.TrimPrefix(provider, customPrefix))
		if baseURL == "" {
			return nil, fmt.Errorf("custom embedding provider requires a URL")
		}
		return NewCustomProvider(baseURL, cfg.APIKey, cfg.Model, cfg.Dimensions, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %q", cfg.Provider)
	}
}

// NoopProvider returns a zero vector of the configured width. It keeps the
// engine in keyword-only mode without treating embeddings as failed.
type NoopProvider struct {
	dimension int
}

// NewNoopProvider creates a no-op provider
func NewNoopProvider(dimension int) *NoopProvider {
	return &NoopProvider{dimension: dimension}
}

func (p *NoopProvider) Name() string   { return NoopProviderName }
func (p *NoopProvider) Model() string  { return NoopProviderName }
func (p *NoopProvider) Dimension() int { return p.dimension }

func (p *NoopProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, p.dimension), nil
}

func (p *NoopProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, p.dimension)
	}
	return out, nil
}

// OpenAIProvider implements EmbeddingProvider against the OpenAI embeddings
// API or any endpoint speaking the same protocol.
type OpenAIProvider struct {
	client    openai.Client
	name      string
	model     string
	dimension int
	// sendDimensions is set for models that accept a requested output width.
	sendDimensions bool
}

// NewOpenAIProvider creates a new OpenAI embedding provider
func NewOpenAIProvider(apiKey, model string, dimension int, timeout time.Duration) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithRequestTimeout(timeout),
			option.WithMaxRetries(1),
		),
		name:           OpenAIProviderName,
		model:          model,
		dimension:      dimension,
		sendDimensions: strings.HasPrefix(model, "text-embedding-3"),
	}
}

// NewCustomProvider creates a provider for an OpenAI-compatible endpoint at
// baseURL, e.g. a local model server.
func NewCustomProvider(baseURL, apiKey, model string, dimension int, timeout time.Duration) *OpenAIProvider {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	opts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(1),
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	} else {
		opts = append(opts, option.WithAPIKey("unused"))
	}
	return &OpenAIProvider{
		client:    openai.NewClient(opts...),
		name:      customPrefix + strings.TrimSuffix(baseURL, "/"),
		model:     model,
		dimension: dimension,
	}
}

func (p *OpenAIProvider) Name() string   { return p.name }
func (p *OpenAIProvider) Model() string  { return p.model }
func (p *OpenAIProvider) Dimension() int { return p.dimension }

func (p *OpenAIProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := p.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (p *OpenAIProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(p.model),
	}
	if p.sendDimensions {
		params.Dimensions = openai.Int(int64(p.dimension))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s embeddings API: %w", p.name, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%s returned %d embeddings for %d inputs", p.name, len(resp.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for i, data := range resp.Data {
		idx := int(data.Index)
		if idx < 0 || idx >= len(texts) {
			idx = i
		}
		vec := make([]float32, len(data.Embedding))
		for j, f := range data.Embedding {
			vec[j] = float32(f)
		}
		embeddings[idx] = vec
	}

	return embeddings, nil
}
