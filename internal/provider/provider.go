package provider

import (
	"context"
	"errors"
)

// Kind identifies the upstream vendor that answered a request. Adapters
// report it explicitly; callers never infer it from model names.
type Kind string

const (
	KindOpenAI Kind = "openai"
	KindClaude Kind = "claude"
	KindGemini Kind = "gemini"
)

// ErrEmptyResponse is returned when the vendor finished the completion
// without producing any text.
var ErrEmptyResponse = errors.New("provider returned an empty response")

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	// Metadata for tracing
	UserID    string
	RequestID string
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

// Usage is a vendor-reported token count.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Chunk is one unit of a streamed completion. Provider is set on the first
// chunk only; Usage only on the Done chunk and only if the vendor reported it.
type Chunk struct {
	Content  string
	Provider Kind
	Done     bool
	Usage    *Usage
	Err      error
}

type Provider interface {
	// Stream starts a completion. The returned channel yields content chunks
	// followed by exactly one chunk with Done or Err set, then closes.
	Stream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Kind() Kind
	SupportedModels() []string
}

// Emitter is the sending half of a provider stream. Adapters run their
// read loop in a goroutine and report through it.
type Emitter struct {
	ctx          context.Context
	ch           chan *Chunk
	kind         Kind
	sentProvider bool
	sentContent  bool
}

// NewEmitter returns an emitter and the channel its chunks are delivered on.
func NewEmitter(ctx context.Context, kind Kind) (*Emitter, <-chan *Chunk) {
	ch := make(chan *Chunk)
	return &Emitter{ctx: ctx, ch: ch, kind: kind}, ch
}

// Text delivers a content fragment. It returns false once the consumer has
// gone away, at which point the adapter must stop reading upstream.
func (e *Emitter) Text(content string) bool {
	if content == "" {
		return e.ctx.Err() == nil
	}
	e.sentContent = true
	return e.send(&Chunk{Content: content})
}

// Done ends the stream. A completion that produced no text is reported as
// ErrEmptyResponse instead.
func (e *Emitter) Done(usage *Usage) {
	if !e.sentContent {
		e.Fail(ErrEmptyResponse)
		return
	}
	e.send(&Chunk{Done: true, Usage: usage})
}

// Fail ends the stream with an error.
func (e *Emitter) Fail(err error) {
	e.send(&Chunk{Err: err})
}

// Close must be deferred by the adapter goroutine.
func (e *Emitter) Close() {
	close(e.ch)
}

func (e *Emitter) send(c *Chunk) bool {
	if !e.sentProvider {
		c.Provider = e.kind
		e.sentProvider = true
	}
	select {
	case e.ch <- c:
		return true
	case <-e.ctx.Done():
		return false
	}
}
