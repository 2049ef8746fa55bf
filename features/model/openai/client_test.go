package openai

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	"goa.design/quest/runtime/genai"
)

type stubChatClient struct {
	lastParams sdk.ChatCompletionNewParams
	resp       *sdk.ChatCompletion
	err        error
}

func (s *stubChatClient) New(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	s.lastParams = body
	return s.resp, s.err
}

type stubEmbeddingClient struct {
	lastParams sdk.EmbeddingNewParams
	resp       *sdk.CreateEmbeddingResponse
	err        error
}

func (s *stubEmbeddingClient) New(_ context.Context, body sdk.EmbeddingNewParams, _ ...option.RequestOption) (*sdk.CreateEmbeddingResponse, error) {
	s.lastParams = body
	return s.resp, s.err
}

var testSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"answer": {"type": "string"}},
	"required": ["answer"],
	"additionalProperties": false
}`)

func TestInferStructuredSetsStrictSchema(t *testing.T) {
	stub := &stubChatClient{resp: &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{
			{Message: sdk.ChatCompletionMessage{Content: `{"answer":"42"}`}},
		},
	}}
	cl, err := New(Options{Chat: stub, Model: "gpt-4o"})
	require.NoError(t, err)

	out, err := cl.InferStructured(context.Background(), genai.StructureRequest{
		Prompt:     "structure this",
		SchemaName: "answer_payload",
		Schema:     testSchema,
	})
	require.NoError(t, err)
	require.Equal(t, `{"answer":"42"}`, out)

	require.Equal(t, sdk.ChatModel("gpt-4o"), stub.lastParams.Model)
	require.Len(t, stub.lastParams.Messages, 1)
	format := stub.lastParams.ResponseFormat.OfJSONSchema
	require.NotNil(t, format)
	require.Equal(t, "answer_payload", format.JSONSchema.Name)
	require.True(t, format.JSONSchema.Strict.Value)
	schema, ok := format.JSONSchema.Schema.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "object", schema["type"])
}

func TestInferStructuredNoChoices(t *testing.T) {
	stub := &stubChatClient{resp: &sdk.ChatCompletion{}}
	cl, err := New(Options{Chat: stub, Model: "gpt-4o"})
	require.NoError(t, err)
	_, err = cl.InferStructured(context.Background(), genai.StructureRequest{
		Prompt:     "p",
		SchemaName: "s",
		Schema:     testSchema,
	})
	require.Error(t, err)
}

func TestInferStructuredWrapsRateLimit(t *testing.T) {
	stub := &stubChatClient{err: &sdk.Error{StatusCode: 429}}
	cl, err := New(Options{Chat: stub, Model: "gpt-4o"})
	require.NoError(t, err)
	_, err = cl.InferStructured(context.Background(), genai.StructureRequest{
		Prompt:     "p",
		SchemaName: "s",
		Schema:     testSchema,
	})
	require.ErrorIs(t, err, genai.ErrRateLimited)
}

func TestInferStructuredRejectsInvalidSchema(t *testing.T) {
	stub := &stubChatClient{}
	cl, err := New(Options{Chat: stub, Model: "gpt-4o"})
	require.NoError(t, err)
	_, err = cl.InferStructured(context.Background(), genai.StructureRequest{
		Prompt:     "p",
		SchemaName: "s",
		Schema:     json.RawMessage(`{not json`),
	})
	require.Error(t, err)
}

func TestEmbedConvertsVector(t *testing.T) {
	stub := &stubEmbeddingClient{resp: &sdk.CreateEmbeddingResponse{
		Data: []sdk.Embedding{{Embedding: []float64{0.25, -0.5, 1}}},
	}}
	cl, err := New(Options{Embeddings: stub})
	require.NoError(t, err)

	vec, err := cl.Embed(context.Background(), "some text")
	require.NoError(t, err)
	require.Equal(t, []float32{0.25, -0.5, 1}, vec)

	require.Equal(t, sdk.EmbeddingModel(sdk.EmbeddingModelTextEmbedding3Small), stub.lastParams.Model)
	require.Equal(t, "some text", stub.lastParams.Input.OfString.Value)
}

func TestEmbedEmptyResponse(t *testing.T) {
	stub := &stubEmbeddingClient{resp: &sdk.CreateEmbeddingResponse{}}
	cl, err := New(Options{Embeddings: stub})
	require.NoError(t, err)
	_, err = cl.Embed(context.Background(), "text")
	require.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Chat: &stubChatClient{}})
	require.Error(t, err)
}
