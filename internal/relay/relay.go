package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/dream-interpreter/internal/billing"
	"github.com/vnmchuo/dream-interpreter/internal/credits"
	"github.com/vnmchuo/dream-interpreter/internal/metrics"
	"github.com/vnmchuo/dream-interpreter/internal/pricing"
	"github.com/vnmchuo/dream-interpreter/internal/prompt"
	"github.com/vnmchuo/dream-interpreter/internal/provider"
	"github.com/vnmchuo/dream-interpreter/internal/worker"
)

// ErrorType classifies a failed call in its usage record.
type ErrorType string

const (
	ErrorEmptyResponse      ErrorType = "empty_response"
	ErrorStreaming          ErrorType = "streaming_error"
	ErrorClientDisconnected ErrorType = "client_disconnected"
	ErrorCreditGate         ErrorType = "credit_gate_error"
)

type State int

const (
	StateAwaitingGate State = iota
	StateStreaming
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwaitingGate:
		return "awaiting_gate"
	case StateStreaming:
		return "streaming"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Streamer opens a provider stream. The proxy binds one to the provider it
// selected for the call.
type Streamer interface {
	Stream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error)
}

// sourceKind names the provider behind s when the stream never reported one,
// e.g. when it failed to open.
func sourceKind(s Streamer) provider.Kind {
	if k, ok := s.(interface{ Kind() provider.Kind }); ok {
		return k.Kind()
	}
	return ""
}

// Call is a validated, authenticated request ready to be gated and streamed.
type Call struct {
	Endpoint  prompt.Endpoint
	UserID    string
	RequestID string
	Model     string
	Messages  []provider.Message
	MaxTokens int
	Cost      int64
	Language  string
	Source    Streamer
}

type Relay struct {
	ledger       credits.Ledger
	sink         worker.Sink
	prices       *pricing.Table
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	chunkTimeout time.Duration
}

// New builds a relay. A zero chunkTimeout waits on the provider indefinitely.
func New(ledger credits.Ledger, sink worker.Sink, prices *pricing.Table, m *metrics.Metrics, tracer trace.Tracer, chunkTimeout time.Duration) *Relay {
	return &Relay{
		ledger:       ledger,
		sink:         sink,
		prices:       prices,
		metrics:      m,
		tracer:       tracer,
		chunkTimeout: chunkTimeout,
	}
}

// outcome accumulates what the usage record needs.
type outcome struct {
	provider   provider.Kind
	completion strings.Builder
	usage      *provider.Usage
	errType    ErrorType
	err        error
}

// Serve gates the call on credits and relays the provider stream to w.
// Insufficient credits and gate failures get a JSON response; everything
// after a successful deduction is a single SSE stream that ends with exactly
// one done or error event.
func (rl *Relay) Serve(w http.ResponseWriter, r *http.Request, call *Call) {
	ctx, span := rl.tracer.Start(r.Context(), "relay.stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("endpoint", string(call.Endpoint)),
		attribute.String("user_id", call.UserID),
		attribute.String("request_id", call.RequestID),
		attribute.String("model", call.Model),
	)
	logger := log.With().
		Str("request_id", call.RequestID).
		Str("user_id", call.UserID).
		Str("endpoint", string(call.Endpoint)).
		Logger()

	if _, ok := w.(http.Flusher); !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": Message(call.Language, MsgServerError)})
		return
	}

	state := StateAwaitingGate
	start := time.Now()

	gate, err := rl.ledger.TryDeduct(ctx, call.UserID, call.Cost)
	if err != nil {
		logger.Error().Err(err).Msg("credit gate failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "credit gate failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": Message(call.Language, MsgServerError)})
		rl.record(call, &outcome{provider: sourceKind(call.Source), errType: ErrorCreditGate, err: err}, time.Since(start), true)
		return
	}
	if !gate.Success {
		rl.metrics.InsufficientCredits(string(call.Endpoint))
		span.SetAttributes(attribute.String("outcome", "insufficient_credits"))
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":             Message(call.Language, MsgInsufficientCredits),
			"remaining_credits": gate.Remaining,
		})
		return
	}
	rl.metrics.CreditsDeducted(string(call.Endpoint), call.Cost)

	ew, err := NewEventWriter(w)
	if err != nil {
		// Checked above; unreachable unless w changes under us.
		logger.Error().Err(err).Msg("cannot stream")
		return
	}
	state = StateStreaming

	out := &outcome{}
	func() {
		defer func() {
			if p := recover(); p != nil {
				logger.Error().Interface("panic", p).Msg("relay panicked")
				out.errType = ErrorStreaming
				out.err = fmt.Errorf("panic: %v", p)
				_ = ew.Send(Event{Type: EventError, Error: Message(call.Language, MsgServerError)})
			}
		}()
		rl.stream(ctx, ew, call, gate, out)
	}()
	state = StateTerminated
	if out.provider == "" {
		out.provider = sourceKind(call.Source)
	}

	elapsed := time.Since(start)
	resultLabel := "success"
	if out.errType != "" {
		resultLabel = string(out.errType)
		if out.err != nil {
			span.RecordError(out.err)
		}
		span.SetStatus(codes.Error, resultLabel)
		ev := logger.Warn().Str("error_type", resultLabel)
		if out.err != nil {
			ev = ev.Err(out.err)
		}
		ev.Msg("stream failed")
	}
	span.SetAttributes(
		attribute.String("provider", string(out.provider)),
		attribute.String("outcome", resultLabel),
		attribute.String("state", state.String()),
	)
	rl.metrics.StreamFinished(string(call.Endpoint), string(out.provider), resultLabel, elapsed)
	rl.record(call, out, elapsed, false)
}

func (rl *Relay) stream(ctx context.Context, ew *EventWriter, call *Call, gate *credits.DeductResult, out *outcome) {
	remaining := gate.Remaining
	if err := ew.Send(Event{
		Type:                 EventCredits,
		Remaining:            &remaining,
		ReferralBonusClaimed: gate.BonusClaimed,
		ReferralBonusAmount:  gate.BonusAmount,
	}); err != nil {
		out.errType, out.err = ErrorClientDisconnected, err
		return
	}

	// Cancelling streamCtx stops the provider adapter and closes its connection.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := call.Source.Stream(streamCtx, &provider.Request{
		Model:     call.Model,
		Messages:  call.Messages,
		MaxTokens: call.MaxTokens,
		UserID:    call.UserID,
		RequestID: call.RequestID,
	})
	if err != nil {
		rl.fail(ew, call, out, ErrorStreaming, MsgStreamFailed, err)
		return
	}

	var timeout <-chan time.Time
	var timer *time.Timer
	if rl.chunkTimeout > 0 {
		timer = time.NewTimer(rl.chunkTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			out.errType, out.err = ErrorClientDisconnected, ctx.Err()
			return

		case <-timeout:
			rl.fail(ew, call, out, ErrorStreaming, MsgTimeout,
				fmt.Errorf("no chunk from provider within %s", rl.chunkTimeout))
			return

		case chunk, ok := <-ch:
			if !ok {
				rl.fail(ew, call, out, ErrorStreaming, MsgStreamFailed,
					errors.New("provider stream closed without a terminal chunk"))
				return
			}
			if timer != nil {
				timer.Reset(rl.chunkTimeout)
			}

			if chunk.Provider != "" && out.provider == "" {
				out.provider = chunk.Provider
				if err := ew.Send(Event{Type: EventProvider, Provider: string(chunk.Provider)}); err != nil {
					out.errType, out.err = ErrorClientDisconnected, err
					return
				}
			}

			if chunk.Err != nil {
				if errors.Is(chunk.Err, provider.ErrEmptyResponse) {
					rl.fail(ew, call, out, ErrorEmptyResponse, MsgEmptyResponse, chunk.Err)
				} else {
					rl.fail(ew, call, out, ErrorStreaming, MsgStreamFailed, chunk.Err)
				}
				return
			}

			if chunk.Content != "" {
				out.completion.WriteString(chunk.Content)
				if err := ew.Send(Event{Type: EventText, Content: chunk.Content}); err != nil {
					out.errType, out.err = ErrorClientDisconnected, err
					return
				}
			}

			if chunk.Done {
				if chunk.Usage != nil {
					out.usage = chunk.Usage
					if err := ew.Send(Event{Type: EventUsage, Usage: &UsagePayload{
						InputTokens:  chunk.Usage.InputTokens,
						OutputTokens: chunk.Usage.OutputTokens,
					}}); err != nil {
						out.errType, out.err = ErrorClientDisconnected, err
						return
					}
				}
				if err := ew.Send(Event{Type: EventDone}); err != nil {
					out.errType, out.err = ErrorClientDisconnected, err
				}
				return
			}
		}
	}
}

// fail emits the single error event. The vendor error is kept for the log;
// the client only sees the localized message.
func (rl *Relay) fail(ew *EventWriter, call *Call, out *outcome, errType ErrorType, key MessageKey, err error) {
	out.errType, out.err = errType, err
	if sendErr := ew.Send(Event{Type: EventError, Error: Message(call.Language, key)}); sendErr != nil && !errors.Is(sendErr, ErrTerminated) {
		log.Debug().Err(sendErr).Str("request_id", call.RequestID).Msg("could not deliver error event")
	}
}

func (rl *Relay) record(call *Call, out *outcome, elapsed time.Duration, zeroTokens bool) {
	if rl.sink == nil {
		return
	}

	var tokens pricing.TokenCount
	switch {
	case zeroTokens:
		tokens = pricing.Reported{}
	case out.usage != nil:
		tokens = pricing.Reported{Input: out.usage.InputTokens, Output: out.usage.OutputTokens}
	default:
		tokens = pricing.EstimateCall(prompt.Text(call.Messages), out.completion.String())
	}
	in, outTokens := tokens.Tokens()

	rec := &billing.UsageRecord{
		RequestID:     call.RequestID,
		UserID:        call.UserID,
		Endpoint:      string(call.Endpoint),
		Provider:      string(out.provider),
		Model:         call.Model,
		InputTokens:   in,
		OutputTokens:  outTokens,
		EstimatedCost: rl.prices.CostOf(call.Model, tokens),
		LatencyMs:     elapsed.Milliseconds(),
		Success:       out.errType == "",
		ErrorType:     string(out.errType),
		Metadata: map[string]any{
			billing.MetaEstimated: pricing.IsEstimated(tokens),
			"credits_cost":        call.Cost,
		},
	}
	if call.Language != "" {
		rec.Metadata["language"] = call.Language
	}
	rl.sink.Record(rec)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
