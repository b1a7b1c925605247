package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type EventType string

const (
	EventCredits  EventType = "credits"
	EventProvider EventType = "provider"
	EventText     EventType = "text"
	EventUsage    EventType = "usage"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Terminal reports whether no event may follow t.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError
}

type UsagePayload struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Event is one SSE frame. Only the fields of its type are set.
type Event struct {
	Type                 EventType     `json:"type"`
	Remaining            *int64        `json:"remaining,omitempty"`
	ReferralBonusClaimed bool          `json:"referralBonusClaimed,omitempty"`
	ReferralBonusAmount  int64         `json:"referralBonusAmount,omitempty"`
	Provider             string        `json:"provider,omitempty"`
	Content              string        `json:"content,omitempty"`
	Usage                *UsagePayload `json:"usage,omitempty"`
	Error                string        `json:"error,omitempty"`
}

var ErrTerminated = errors.New("stream already terminated")

// EventWriter frames events as `data: <json>\n\n` and flushes each one.
// Once a done or error event has been written it refuses everything else.
type EventWriter struct {
	w          http.ResponseWriter
	flusher    http.Flusher
	terminated bool
}

// NewEventWriter sends the SSE response headers. w must implement http.Flusher.
func NewEventWriter(w http.ResponseWriter) (*EventWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &EventWriter{w: w, flusher: flusher}, nil
}

func (ew *EventWriter) Send(ev Event) error {
	if ew.terminated {
		return ErrTerminated
	}
	if ev.Type.Terminal() {
		ew.terminated = true
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(ew.w, "data: %s\n\n", data); err != nil {
		return err
	}
	ew.flusher.Flush()
	return nil
}

func (ew *EventWriter) Terminated() bool {
	return ew.terminated
}
