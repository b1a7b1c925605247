package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vnmchuo/dream-interpreter/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

var defaultModels = []string{
	"claude-3-5-sonnet-20241022",
	"claude-3-5-haiku-20241022",
	"claude-3-haiku-20240307",
}

type ClaudeProvider struct {
	apiKey  string
	baseURL string
	models  []string
	client  *http.Client
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// claudeStreamEvent covers every event type we read:
// message_start carries input usage, content_block_delta carries text,
// message_delta carries output usage, error carries a vendor fault.
type claudeStreamEvent struct {
	Type    string              `json:"type"`
	Message *claudeMessageStart `json:"message,omitempty"`
	Delta   claudeDelta         `json:"delta,omitempty"`
	Usage   *claudeUsage        `json:"usage,omitempty"`
	Error   *claudeError        `json:"error,omitempty"`
}

type claudeMessageStart struct {
	ID    string      `json:"id"`
	Model string      `json:"model"`
	Usage claudeUsage `json:"usage"`
}

type claudeDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New(apiKey, baseURL string, client *http.Client, models ...string) provider.Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	if len(models) == 0 {
		models = defaultModels
	}
	return &ClaudeProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		models:  models,
		client:  client,
	}
}

func (p *ClaudeProvider) mapRequest(req *provider.Request) claudeRequest {
	var system string
	var messages []claudeMessage

	for _, m := range req.Messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, claudeMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	return claudeRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    messages,
		Temperature: req.Temperature,
		Stream:      true,
	}
}

func (p *ClaudeProvider) Stream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	em, ch := provider.NewEmitter(ctx, p.Kind())

	go func() {
		defer em.Close()

		resp, err := p.client.Do(httpReq)
		if err != nil {
			em.Fail(err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			em.Fail(fmt.Errorf("claude api error (status %d): %s", resp.StatusCode, string(respBody)))
			return
		}

		var (
			currentEvent string
			inputTokens  int
			outputTokens int
			sawUsage     bool
		)
		usage := func() *provider.Usage {
			if !sawUsage {
				return nil
			}
			return &provider.Usage{InputTokens: inputTokens, OutputTokens: outputTokens}
		}

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					em.Fail(fmt.Errorf("claude stream ended before message_stop"))
					return
				}
				em.Fail(err)
				return
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if strings.HasPrefix(line, "event: ") {
				currentEvent = strings.TrimPrefix(line, "event: ")
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			var event claudeStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				em.Fail(fmt.Errorf("claude stream decode: %w", err))
				return
			}

			switch currentEvent {
			case "message_start":
				if event.Message != nil {
					inputTokens = event.Message.Usage.InputTokens
					sawUsage = true
				}
			case "content_block_delta":
				if event.Delta.Type == "text_delta" {
					if !em.Text(event.Delta.Text) {
						return
					}
				}
			case "message_delta":
				if event.Usage != nil {
					outputTokens = event.Usage.OutputTokens
					sawUsage = true
				}
			case "message_stop":
				em.Done(usage())
				return
			case "error":
				msg := "unknown error"
				if event.Error != nil {
					msg = event.Error.Message
				}
				em.Fail(fmt.Errorf("claude stream error: %s", msg))
				return
			}
		}
	}()

	return ch, nil
}

func (p *ClaudeProvider) Kind() provider.Kind {
	return provider.KindClaude
}

func (p *ClaudeProvider) SupportedModels() []string {
	return p.models
}
