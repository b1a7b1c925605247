package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/dream-interpreter/internal/provider"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *GeminiProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New("test-key", server.URL, server.Client()).(*GeminiProvider)
}

func textChunk(text, finishReason string, usage *geminiUsageMetadata) string {
	data, _ := json.Marshal(geminiResponse{
		Candidates: []geminiCandidate{
			{Content: geminiContent{Role: "model", Parts: []geminiPart{{Text: text}}}, FinishReason: finishReason},
		},
		UsageMetadata: usage,
	})
	return fmt.Sprintf("data: %s\n\n", data)
}

func collect(t *testing.T, p *GeminiProvider, req *provider.Request) (string, []*provider.Chunk) {
	t.Helper()
	ch, err := p.Stream(context.Background(), req)
	require.NoError(t, err)

	var content string
	var chunks []*provider.Chunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
		content += chunk.Content
	}
	require.NotEmpty(t, chunks)
	return content, chunks
}

func TestStream_Mock(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		var body geminiRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if assert.NotNil(t, body.SystemInstruction) {
			assert.Equal(t, "be kind", body.SystemInstruction.Parts[0].Text)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, textChunk("Snakes", "", &geminiUsageMetadata{PromptTokenCount: 11, CandidatesTokenCount: 1}))
		fmt.Fprint(w, textChunk(" shed", "", &geminiUsageMetadata{PromptTokenCount: 11, CandidatesTokenCount: 2}))
		fmt.Fprint(w, textChunk(" skin.", "STOP", &geminiUsageMetadata{PromptTokenCount: 11, CandidatesTokenCount: 4}))
	})

	content, chunks := collect(t, p, &provider.Request{
		Model: "gemini-1.5-flash",
		Messages: []provider.Message{
			{Role: "system", Content: "be kind"},
			{Role: "user", Content: "a snake"},
		},
	})
	for _, c := range chunks {
		require.NoError(t, c.Err)
	}
	assert.Equal(t, "Snakes shed skin.", content)
	assert.Equal(t, provider.KindGemini, chunks[0].Provider)

	last := chunks[len(chunks)-1]
	require.True(t, last.Done, "stream should end with a done chunk")
	require.NotNil(t, last.Usage)
	assert.Equal(t, 11, last.Usage.InputTokens)
	assert.Equal(t, 4, last.Usage.OutputTokens)
}

func TestStream_NoUsageReported(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, textChunk("only text", "STOP", nil))
	})

	_, chunks := collect(t, p, &provider.Request{Model: "gemini-2.0-flash"})
	last := chunks[len(chunks)-1]
	require.True(t, last.Done)
	assert.Nil(t, last.Usage)
}

func TestStream_EmptyCompletion(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, textChunk("", "STOP", nil))
	})

	_, chunks := collect(t, p, &provider.Request{Model: "gemini-2.0-flash"})
	require.Len(t, chunks, 1)
	assert.ErrorIs(t, chunks[0].Err, provider.ErrEmptyResponse)
}

func TestStream_UpstreamError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"code":400,"message":"API key not valid"}}`)
	})

	_, chunks := collect(t, p, &provider.Request{Model: "gemini-2.0-flash"})
	require.Len(t, chunks, 1)
	assert.ErrorContains(t, chunks[0].Err, "API key not valid")
}

func TestStream_TruncatedStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, textChunk("half a", "", nil))
	})

	content, chunks := collect(t, p, &provider.Request{Model: "gemini-2.0-flash"})
	assert.Equal(t, "half a", content)
	last := chunks[len(chunks)-1]
	assert.False(t, last.Done)
	assert.ErrorContains(t, last.Err, "finishReason", "a stream cut before finishReason should fail")
}

func TestMapRequest_Roles(t *testing.T) {
	p := New("key", "", nil).(*GeminiProvider)
	req := p.mapRequest(&provider.Request{
		Messages: []provider.Message{
			{Role: "user", Content: "q"},
			{Role: "assistant", Content: "a"},
		},
	})
	require.Len(t, req.Contents, 2)
	assert.Equal(t, "model", req.Contents[1].Role, "assistant should map to model")
	assert.Nil(t, req.SystemInstruction)
}
