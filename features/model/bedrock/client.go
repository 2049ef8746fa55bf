// Package bedrock provides a genai.Reasoner implementation backed by the AWS
// Bedrock Converse API. It is the alternate reasoning backend for deployments
// that reach Claude through AWS rather than the Anthropic API directly.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/quest/runtime/genai"
)

type (
	// ConverseClient is the subset of the AWS Bedrock runtime API required by
	// the adapter. It matches *bedrockruntime.Client so callers can pass
	// either a real client or a mock in tests.
	ConverseClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the Bedrock adapter.
	Options struct {
		// ModelID is the Bedrock model identifier, e.g.
		// "anthropic.claude-sonnet-4-5-20250929-v1:0".
		ModelID string
		// MaxTokens caps the completion length. When zero or negative the
		// adapter uses a default suitable for long-form analysis.
		MaxTokens int
		// Temperature sets the sampling temperature when positive.
		Temperature float32
	}

	// Client implements genai.Reasoner on top of Bedrock Converse.
	Client struct {
		runtime ConverseClient
		modelID string
		maxTok  int
		temp    float32
	}
)

const defaultMaxTokens = 8192

// New builds a Bedrock-backed reasoner from the provided Converse client and
// configuration options.
func New(runtime ConverseClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.ModelID == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		runtime: runtime,
		modelID: opts.ModelID,
		maxTok:  maxTokens,
		temp:    opts.Temperature,
	}, nil
}

// Infer issues a Converse request and joins the text blocks of the response.
// Throttling errors are wrapped with genai.ErrRateLimited so callers can
// match with errors.Is.
func (c *Client) Infer(ctx context.Context, req genai.ReasonRequest) (string, error) {
	if req.Prompt == "" {
		return "", errors.New("bedrock: prompt is required")
	}
	input := c.buildConverseInput(req)
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return "", fmt.Errorf("%w: %w", genai.ErrRateLimited, err)
		}
		return "", fmt.Errorf("bedrock converse: %w", err)
	}
	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("bedrock: response carried no message output")
	}
	var b strings.Builder
	for _, block := range msg.Value.Content {
		if v, ok := block.(*brtypes.ContentBlockMemberText); ok && v.Value != "" {
			b.WriteString(v.Value)
		}
	}
	if b.Len() == 0 {
		return "", errors.New("bedrock: response contained no text blocks")
	}
	return b.String(), nil
}

func (c *Client) buildConverseInput(req genai.ReasonRequest) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(c.modelID),
		Messages: []brtypes.Message{
			{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: req.Prompt},
				},
			},
		},
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.System},
		}
	}
	cfg := &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(int32(c.maxTok))}
	if c.temp > 0 {
		cfg.Temperature = aws.Float32(c.temp)
	}
	input.InferenceConfig = cfg
	return input
}

// isRateLimited recognizes Bedrock's throttling condition. It treats both
// HTTP 429 responses and provider throttling error codes as rate limiting.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429
}
