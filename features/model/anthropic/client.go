// Package anthropic provides a genai.Reasoner implementation backed by the
// Anthropic Claude Messages API. It translates reasoning requests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// joins the returned text blocks into the freeform analysis string the
// generator consumes.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/quest/runtime/genai"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// Model is the Claude model identifier. Use the typed model constants
		// from github.com/anthropics/anthropic-sdk-go, for example
		// string(sdk.ModelClaudeSonnet4_5_20250929).
		Model string

		// MaxTokens caps the completion length. When zero or negative the
		// adapter uses a default suitable for long-form analysis.
		MaxTokens int

		// Temperature sets the sampling temperature when positive.
		Temperature float64
	}

	// Client implements genai.Reasoner on top of Anthropic Claude Messages.
	Client struct {
		msg    MessagesClient
		model  string
		maxTok int
		temp   float64
	}
)

const defaultMaxTokens = 8192

// New builds an Anthropic-backed reasoner from the provided Messages client
// and configuration options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		msg:    msg,
		model:  opts.Model,
		maxTok: maxTokens,
		temp:   opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{Model: model})
}

// Infer issues a non-streaming Messages.New request and joins the text blocks
// of the response. Provider rate limiting is wrapped with genai.ErrRateLimited
// so callers can match with errors.Is.
func (c *Client) Infer(ctx context.Context, req genai.ReasonRequest) (string, error) {
	if req.Prompt == "" {
		return "", errors.New("anthropic: prompt is required")
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(c.maxTok),
		Model:     sdk.Model(c.model),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return "", fmt.Errorf("%w: %w", genai.ErrRateLimited, err)
		}
		return "", fmt.Errorf("anthropic messages.new: %w", err)
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", errors.New("anthropic: response contained no text blocks")
	}
	return b.String(), nil
}

// isRateLimited reports whether err is an HTTP 429 from the Anthropic API.
func isRateLimited(err error) bool {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == 429
	}
	return false
}
