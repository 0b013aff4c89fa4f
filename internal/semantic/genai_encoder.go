package semantic

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// DefaultGenAIModel is a multilingual embedding model served by the Gemini API
const DefaultGenAIModel = "text-embedding-004"

// genaiBatchSize bounds the contents sent in one EmbedContent call
const genaiBatchSize = 100

// GenAIEncoder embeds texts with a Gemini embedding model
type GenAIEncoder struct {
	client *genai.Client
	model  string
}

// GenAIConfig configures the remote encoder
type GenAIConfig struct {
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint, mostly for tests
	BaseURL string
}

// NewGenAIEncoder creates a Gemini client for embeddings
func NewGenAIEncoder(ctx context.Context, config GenAIConfig) (*GenAIEncoder, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("genai encoder requires an API key")
	}
	if config.Model == "" {
		config.Model = DefaultGenAIModel
	}

	cc := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIEncoder{client: client, model: config.Model}, nil
}

// Name implements Encoder
func (e *GenAIEncoder) Name() string {
	return "genai-" + e.model
}

// Encode implements Encoder
func (e *GenAIEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += genaiBatchSize {
		end := start + genaiBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		contents := make([]*genai.Content, 0, end-start)
		for _, t := range texts[start:end] {
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: t}},
			})
		}

		resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
			TaskType: "SEMANTIC_SIMILARITY",
		})
		if err != nil {
			return nil, fmt.Errorf("embed content: %w", err)
		}
		if len(resp.Embeddings) != len(contents) {
			return nil, fmt.Errorf("embed content: got %d embeddings for %d texts", len(resp.Embeddings), len(contents))
		}
		for _, emb := range resp.Embeddings {
			out = append(out, emb.Values)
		}
	}
	return out, nil
}
