package claude

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

func writeEvent(w http.ResponseWriter, event string, payload any) {
	data, _ := json.Marshal(payload)
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func newTestProvider(t *testing.T, handler http.HandlerFunc) *ClaudeProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New("test-key", server.URL, server.Client()).(*ClaudeProvider)
}

func collect(t *testing.T, p *ClaudeProvider) (string, []*provider.Chunk) {
	t.Helper()
	ch, err := p.Stream(context.Background(), &provider.Request{
		Model: "claude-3-5-haiku-20241022",
		Messages: []provider.Message{
			{Role: "system", Content: "You interpret dreams."},
			{Role: "user", Content: "I was flying."},
		},
	})
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
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		w.Header().Set("Content-Type", "text/event-stream")

		writeEvent(w, "message_start", claudeStreamEvent{
			Type:    "message_start",
			Message: &claudeMessageStart{ID: "msg_1", Usage: claudeUsage{InputTokens: 30}},
		})
		writeEvent(w, "content_block_delta", claudeStreamEvent{
			Type:  "content_block_delta",
			Delta: claudeDelta{Type: "text_delta", Text: "Flying"},
		})
		writeEvent(w, "content_block_delta", claudeStreamEvent{
			Type:  "content_block_delta",
			Delta: claudeDelta{Type: "text_delta", Text: " is freedom."},
		})
		writeEvent(w, "message_delta", claudeStreamEvent{
			Type:  "message_delta",
			Delta: claudeDelta{StopReason: "end_turn"},
			Usage: &claudeUsage{OutputTokens: 12},
		})
		writeEvent(w, "message_stop", map[string]string{"type": "message_stop"})
	})

	content, chunks := collect(t, p)
	for _, c := range chunks {
		require.NoError(t, c.Err)
	}
	assert.Equal(t, "Flying is freedom.", content)
	assert.Equal(t, provider.KindClaude, chunks[0].Provider)

	last := chunks[len(chunks)-1]
	require.True(t, last.Done, "stream should end with a done chunk")
	require.NotNil(t, last.Usage)
	assert.Equal(t, 30, last.Usage.InputTokens)
	assert.Equal(t, 12, last.Usage.OutputTokens)
}

func TestStream_ErrorEvent(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeEvent(w, "error", claudeStreamEvent{
			Type:  "error",
			Error: &claudeError{Type: "overloaded_error", Message: "Overloaded"},
		})
	})

	_, chunks := collect(t, p)
	require.Len(t, chunks, 1)
	assert.ErrorContains(t, chunks[0].Err, "Overloaded")
}

func TestStream_TruncatedStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeEvent(w, "content_block_delta", claudeStreamEvent{
			Type:  "content_block_delta",
			Delta: claudeDelta{Type: "text_delta", Text: "half"},
		})
	})

	content, chunks := collect(t, p)
	assert.Equal(t, "half", content)
	last := chunks[len(chunks)-1]
	assert.False(t, last.Done)
	assert.Error(t, last.Err, "a stream cut before message_stop should fail")
}

func TestStream_MalformedFrame(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeEvent(w, "content_block_delta", claudeStreamEvent{
			Type:  "content_block_delta",
			Delta: claudeDelta{Type: "text_delta", Text: "half"},
		})
		fmt.Fprint(w, "event: content_block_delta\ndata: {not json\n\n")
		writeEvent(w, "message_stop", map[string]string{"type": "message_stop"})
	})

	_, chunks := collect(t, p)
	last := chunks[len(chunks)-1]
	assert.False(t, last.Done, "a malformed frame must not be skipped")
	assert.ErrorContains(t, last.Err, "claude stream decode")
}

func TestMapRequest_SystemPrompt(t *testing.T) {
	p := New("key", "", nil).(*ClaudeProvider)
	req := p.mapRequest(&provider.Request{
		Model: "claude-3-haiku-20240307",
		Messages: []provider.Message{
			{Role: "system", Content: "persona"},
			{Role: "system", Content: "format"},
			{Role: "user", Content: "dream"},
		},
	})

	assert.Equal(t, "persona\n\nformat", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, 4096, req.MaxTokens)
}
