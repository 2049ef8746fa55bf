// Package openai provides the genai.Structurer and retrieval.Embedder
// implementations backed by the OpenAI API. Structured generation uses the
// Chat Completions strict json_schema response format so the provider
// enforces schema conformance at the sampling level; embeddings back the
// vector retrieval branch.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/quest/runtime/genai"
)

type (
	// ChatClient captures the subset of the OpenAI SDK chat completion service
	// used by the adapter. It is satisfied by client.Chat.Completions.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// EmbeddingClient captures the subset of the OpenAI SDK embedding service
	// used by the adapter. It is satisfied by client.Embeddings.
	EmbeddingClient interface {
		New(ctx context.Context, body sdk.EmbeddingNewParams, opts ...option.RequestOption) (*sdk.CreateEmbeddingResponse, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Chat is the chat completion service. Required for InferStructured.
		Chat ChatClient
		// Embeddings is the embedding service. Required for Embed.
		Embeddings EmbeddingClient
		// Model is the chat model identifier, e.g. string(sdk.ChatModelGPT4o).
		Model string
		// EmbeddingModel is the embedding model identifier. Defaults to
		// text-embedding-3-small.
		EmbeddingModel string
	}

	// Client implements genai.Structurer and retrieval.Embedder via the
	// OpenAI API.
	Client struct {
		chat       ChatClient
		embeddings EmbeddingClient
		model      string
		embedModel string
	}
)

// New builds an OpenAI-backed client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Chat == nil && opts.Embeddings == nil {
		return nil, errors.New("openai chat or embedding client is required")
	}
	if opts.Chat != nil && opts.Model == "" {
		return nil, errors.New("chat model identifier is required")
	}
	embedModel := opts.EmbeddingModel
	if embedModel == "" {
		embedModel = string(sdk.EmbeddingModelTextEmbedding3Small)
	}
	return &Client{
		chat:       opts.Chat,
		embeddings: opts.Embeddings,
		model:      opts.Model,
		embedModel: embedModel,
	}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Chat: &oc.Chat.Completions, Embeddings: &oc.Embeddings, Model: model})
}

// InferStructured issues a chat completion with a strict json_schema response
// format and returns the raw message content. The provider enforces the
// schema at sampling time; the generator still validates the result before
// accepting it.
func (c *Client) InferStructured(ctx context.Context, req genai.StructureRequest) (string, error) {
	if c.chat == nil {
		return "", errors.New("openai: chat client is not configured")
	}
	if req.Prompt == "" {
		return "", errors.New("openai: prompt is required")
	}
	var schema map[string]any
	if err := json.Unmarshal(req.Schema, &schema); err != nil {
		return "", fmt.Errorf("openai: decode schema %s: %w", req.SchemaName, err)
	}
	params := sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(c.model),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.UserMessage(req.Prompt),
		},
		ResponseFormat: sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &sdk.ResponseFormatJSONSchemaParam{
				JSONSchema: sdk.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.SchemaName,
					Schema: schema,
					Strict: sdk.Bool(true),
				},
			},
		},
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return "", fmt.Errorf("%w: %w", genai.ErrRateLimited, err)
		}
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: response contained no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed returns the embedding vector for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.embeddings == nil {
		return nil, errors.New("openai: embedding client is not configured")
	}
	if text == "" {
		return nil, errors.New("openai: text is required")
	}
	resp, err := c.embeddings.New(ctx, sdk.EmbeddingNewParams{
		Model: sdk.EmbeddingModel(c.embedModel),
		Input: sdk.EmbeddingNewParamsInputUnion{OfString: sdk.String(text)},
	})
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", genai.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai: response contained no embeddings")
	}
	src := resp.Data[0].Embedding
	vector := make([]float32, len(src))
	for i, v := range src {
		vector[i] = float32(v)
	}
	return vector, nil
}

// isRateLimited reports whether err is an HTTP 429 from the OpenAI API.
func isRateLimited(err error) bool {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == 429
	}
	return false
}
