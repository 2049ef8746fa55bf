package anthropic

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"goa.design/quest/runtime/genai"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestInferJoinsTextBlocks(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "first"},
			{Type: "tool_use"},
			{Type: "text", Text: " second"},
		},
	}}
	cl, err := New(stub, Options{Model: "claude-sonnet-4-5"})
	require.NoError(t, err)

	out, err := cl.Infer(context.Background(), genai.ReasonRequest{
		Prompt: "analyze this",
		System: "you are an analyst",
	})
	require.NoError(t, err)
	require.Equal(t, "first second", out)

	require.Equal(t, sdk.Model("claude-sonnet-4-5"), stub.lastParams.Model)
	require.Equal(t, int64(defaultMaxTokens), stub.lastParams.MaxTokens)
	require.Len(t, stub.lastParams.Messages, 1)
	require.Len(t, stub.lastParams.System, 1)
	require.Equal(t, "you are an analyst", stub.lastParams.System[0].Text)
}

func TestInferEmptyResponse(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{}}
	cl, err := New(stub, Options{Model: "claude-sonnet-4-5"})
	require.NoError(t, err)
	_, err = cl.Infer(context.Background(), genai.ReasonRequest{Prompt: "p"})
	require.Error(t, err)
}

func TestInferWrapsRateLimit(t *testing.T) {
	stub := &stubMessagesClient{err: &sdk.Error{StatusCode: 429}}
	cl, err := New(stub, Options{Model: "claude-sonnet-4-5"})
	require.NoError(t, err)
	_, err = cl.Infer(context.Background(), genai.ReasonRequest{Prompt: "p"})
	require.ErrorIs(t, err, genai.ErrRateLimited)
}

func TestInferOtherErrorsAreNotRateLimits(t *testing.T) {
	stub := &stubMessagesClient{err: errors.New("boom")}
	cl, err := New(stub, Options{Model: "claude-sonnet-4-5"})
	require.NoError(t, err)
	_, err = cl.Infer(context.Background(), genai.ReasonRequest{Prompt: "p"})
	require.Error(t, err)
	require.NotErrorIs(t, err, genai.ErrRateLimited)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Options{Model: "m"})
	require.Error(t, err)
	_, err = New(&stubMessagesClient{}, Options{})
	require.Error(t, err)
}
