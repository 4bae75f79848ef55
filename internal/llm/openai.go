package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/kalder/scribe/pkg/types"
)

// OpenAIConfig holds configuration for the OpenAI-compatible client. An
// empty BaseURL targets api.openai.com; pointing it elsewhere works with
// any compatible endpoint (Azure, local gateways).
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	EmbeddingModel string  // default: text-embedding-3-small
	ChatModel      string  // default: gpt-4o-mini
	Dimensions     int     // default: 1536
	RequestsPerSec float64 // client-side rate limit, default: 10
	Timeout        time.Duration
}

// OpenAIClient implements EmbeddingGenerator and EntityExtractor against the
// OpenAI API. Both call paths share one rate limiter; each has its own
// circuit breaker so embedding failures do not lock out extraction.
type OpenAIClient struct {
	api        *openai.Client
	cfg        OpenAIConfig
	limiter    *rate.Limiter
	embedCB    *CircuitBreaker
	extractCB  *CircuitBreaker
	dimensions int
}

var (
	_ EmbeddingGenerator = (*OpenAIClient)(nil)
	_ EntityExtractor    = (*OpenAIClient)(nil)
)

// NewOpenAIClient creates a client with the given configuration.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: OpenAI API key is required")
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = string(openai.SmallEmbedding3)
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = openai.GPT4oMini
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 1536
	}
	if cfg.RequestsPerSec == 0 {
		cfg.RequestsPerSec = 10
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIClient{
		api:        openai.NewClientWithConfig(clientCfg),
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), int(cfg.RequestsPerSec)),
		embedCB:    NewCircuitBreaker("openai-embeddings"),
		extractCB:  NewCircuitBreaker("openai-extraction"),
		dimensions: cfg.Dimensions,
	}, nil
}

// Dimensions reports the embedding vector size.
func (c *OpenAIClient) Dimensions() int {
	return c.dimensions
}

// Embed generates an embedding for text.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("llm: cannot embed empty text")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	result, err := c.embedCB.Execute(ctx, func() (interface{}, error) {
		resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model:      openai.EmbeddingModel(c.cfg.EmbeddingModel),
			Input:      []string{text},
			Dimensions: c.dimensions,
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Data) == 0 {
			return nil, errors.New("no embeddings returned")
		}
		return resp.Data[0].Embedding, nil
	})
	if err != nil {
		return nil, fmt.Errorf("llm: embed: %w", err)
	}

	embedding := result.([]float32)
	if len(embedding) != c.dimensions {
		return nil, fmt.Errorf("llm: embedding has %d dimensions, expected %d",
			len(embedding), c.dimensions)
	}
	return embedding, nil
}

// Extract asks the chat model for the entities mentioned in text.
func (c *OpenAIClient) Extract(ctx context.Context, text string) ([]types.ExtractedEntity, error) {
	if text == "" {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	result, err := c.extractCB.Execute(ctx, func() (interface{}, error) {
		resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.cfg.ChatModel,
			Temperature: 0,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: fmt.Sprintf(extractionPrompt, text),
				},
			},
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, errors.New("no completion choices returned")
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		return nil, fmt.Errorf("llm: extract: %w", err)
	}

	entities, err := ParseEntities(result.(string))
	if err != nil {
		log.Printf("llm: unparseable extraction response: %v", err)
		return nil, fmt.Errorf("llm: extract: %w", err)
	}
	return entities, nil
}
