package embed

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"github.com/swarmmem/swarmmem/pkg/log"
)

// ErrEmptyAPIKey is returned when the API key is missing.
var ErrEmptyAPIKey = errors.New("API key cannot be empty")

// OpenAIConfig holds the configuration for the OpenAI embedder.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key.
	APIKey string
	// Model is the embedding model, e.g. "text-embedding-3-small".
	Model string
	// Dimension is the expected embedding dimension of the model.
	Dimension int
	// BaseURL is the base URL for the OpenAI API (for testing).
	BaseURL string
}

// OpenAIEmbedder implements Embedder using the OpenAI embeddings API.
// Results are re-normalized so downstream cosine math can assume unit
// vectors regardless of model behavior.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dim    int
}

// NewOpenAIEmbedder creates a new OpenAI embedder.
func NewOpenAIEmbedder(config OpenAIConfig) (*OpenAIEmbedder, error) {
	if config.APIKey == "" {
		return nil, ErrEmptyAPIKey
	}
	if config.Model == "" {
		config.Model = "text-embedding-3-small"
	}
	if config.Dimension <= 0 {
		config.Dimension = 1536
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(clientConfig),
		model:  config.Model,
		dim:    config.Dimension,
	}, nil
}

// Dimension returns the embedding dimension.
func (e *OpenAIEmbedder) Dimension() int {
	return e.dim
}

// Embed generates an embedding for the given text using the OpenAI API.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	request := openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	}

	response, err := e.client.CreateEmbeddings(ctx, request)
	if err != nil {
		log.Error("Failed to generate embedding", "error", err)
		return nil, err
	}
	if len(response.Data) == 0 {
		return nil, errors.New("embedding response contained no data")
	}

	vec := response.Data[0].Embedding
	Normalize(vec)
	return vec, nil
}
