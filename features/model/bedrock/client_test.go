package bedrock

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"goa.design/quest/runtime/genai"
)

type stubConverseClient struct {
	lastInput *bedrockruntime.ConverseInput
	resp      *bedrockruntime.ConverseOutput
	err       error
}

func (s *stubConverseClient) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	s.lastInput = params
	return s.resp, s.err
}

func converseText(blocks ...string) *bedrockruntime.ConverseOutput {
	content := make([]brtypes.ContentBlock, len(blocks))
	for i, b := range blocks {
		content[i] = &brtypes.ContentBlockMemberText{Value: b}
	}
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: content},
		},
	}
}

func TestInferJoinsTextBlocks(t *testing.T) {
	stub := &stubConverseClient{resp: converseText("first", " second")}
	cl, err := New(stub, Options{ModelID: "anthropic.claude-sonnet-4-5-20250929-v1:0"})
	require.NoError(t, err)

	out, err := cl.Infer(context.Background(), genai.ReasonRequest{
		Prompt: "analyze this",
		System: "you are an analyst",
	})
	require.NoError(t, err)
	require.Equal(t, "first second", out)

	require.Equal(t, "anthropic.claude-sonnet-4-5-20250929-v1:0", *stub.lastInput.ModelId)
	require.Len(t, stub.lastInput.Messages, 1)
	require.Len(t, stub.lastInput.System, 1)
	require.NotNil(t, stub.lastInput.InferenceConfig)
	require.Equal(t, int32(defaultMaxTokens), *stub.lastInput.InferenceConfig.MaxTokens)
	require.Nil(t, stub.lastInput.InferenceConfig.Temperature)
}

func TestInferSetsTemperature(t *testing.T) {
	stub := &stubConverseClient{resp: converseText("ok")}
	cl, err := New(stub, Options{ModelID: "m", Temperature: 0.7})
	require.NoError(t, err)
	_, err = cl.Infer(context.Background(), genai.ReasonRequest{Prompt: "p"})
	require.NoError(t, err)
	require.NotNil(t, stub.lastInput.InferenceConfig.Temperature)
	require.InDelta(t, 0.7, *stub.lastInput.InferenceConfig.Temperature, 1e-6)
}

func TestInferNoMessageOutput(t *testing.T) {
	stub := &stubConverseClient{resp: &bedrockruntime.ConverseOutput{}}
	cl, err := New(stub, Options{ModelID: "m"})
	require.NoError(t, err)
	_, err = cl.Infer(context.Background(), genai.ReasonRequest{Prompt: "p"})
	require.Error(t, err)
}

func TestInferWrapsThrottling(t *testing.T) {
	for _, code := range []string{"ThrottlingException", "TooManyRequestsException"} {
		stub := &stubConverseClient{err: &smithy.GenericAPIError{Code: code}}
		cl, err := New(stub, Options{ModelID: "m"})
		require.NoError(t, err)
		_, err = cl.Infer(context.Background(), genai.ReasonRequest{Prompt: "p"})
		require.ErrorIs(t, err, genai.ErrRateLimited, code)
	}
}

func TestInferOtherErrorsAreNotRateLimits(t *testing.T) {
	stub := &stubConverseClient{err: errors.New("boom")}
	cl, err := New(stub, Options{ModelID: "m"})
	require.NoError(t, err)
	_, err = cl.Infer(context.Background(), genai.ReasonRequest{Prompt: "p"})
	require.Error(t, err)
	require.NotErrorIs(t, err, genai.ErrRateLimited)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Options{ModelID: "m"})
	require.Error(t, err)
	_, err = New(&stubConverseClient{}, Options{})
	require.Error(t, err)
}
