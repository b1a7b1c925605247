package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan *Chunk) []*Chunk {
	var out []*Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestEmitter_ProviderOnFirstChunkOnly(t *testing.T) {
	em, ch := NewEmitter(context.Background(), KindClaude)
	go func() {
		defer em.Close()
		em.Text("a")
		em.Text("b")
		em.Done(&Usage{InputTokens: 3, OutputTokens: 2})
	}()

	chunks := drain(ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, KindClaude, chunks[0].Provider)
	assert.Empty(t, chunks[1].Provider)
	assert.Empty(t, chunks[2].Provider)
	assert.True(t, chunks[2].Done)
	assert.Equal(t, 2, chunks[2].Usage.OutputTokens)
}

func TestEmitter_EmptyCompletionIsAnError(t *testing.T) {
	em, ch := NewEmitter(context.Background(), KindOpenAI)
	go func() {
		defer em.Close()
		em.Text("")
		em.Done(nil)
	}()

	chunks := drain(ch)
	require.Len(t, chunks, 1)
	assert.False(t, chunks[0].Done)
	assert.True(t, errors.Is(chunks[0].Err, ErrEmptyResponse))
	assert.Equal(t, KindOpenAI, chunks[0].Provider)
}

func TestEmitter_FailNamesProviderOnce(t *testing.T) {
	em, ch := NewEmitter(context.Background(), KindGemini)
	go func() {
		defer em.Close()
		em.Text("partial")
		em.Fail(errors.New("upstream reset"))
	}()

	chunks := drain(ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, KindGemini, chunks[0].Provider)
	assert.Empty(t, chunks[1].Provider)
	assert.Error(t, chunks[1].Err)
}

func TestEmitter_StopsWhenConsumerLeaves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	em, _ := NewEmitter(ctx, KindGemini)
	cancel()

	done := make(chan bool, 1)
	go func() { done <- em.Text("never read") }()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Text blocked after context cancellation")
	}
}
