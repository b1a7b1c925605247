package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/vnmchuo/dream-interpreter/internal/provider"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

var defaultModels = []string{"gemini-1.5-pro", "gemini-1.5-flash", "gemini-2.0-flash"}

type GeminiProvider struct {
	apiKey  string
	baseURL string
	models  []string
	client  *http.Client
}

type geminiRequest struct {
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	Contents          []geminiContent  `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	Error         *geminiError         `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type geminiError struct {
	Code    int    `json:"code"`
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
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		models:  models,
		client:  client,
	}
}

func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	var system []geminiPart
	contents := make([]geminiContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, geminiPart{Text: m.Content})
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	out := geminiRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: system}
	}
	return out
}

func (p *GeminiProvider) Stream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
		p.baseURL, url.PathEscape(req.Model), url.QueryEscape(p.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
			em.Fail(fmt.Errorf("gemini api error (status %d): %s", resp.StatusCode, string(respBody)))
			return
		}

		// usageMetadata is repeated on every chunk; the last one wins.
		var usage *provider.Usage
		var finished bool
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					// Gemini has no end marker; a finishReason on the last
					// candidate is the only sign the stream completed.
					if !finished {
						em.Fail(errors.New("gemini stream ended without a finishReason"))
						return
					}
					em.Done(usage)
					return
				}
				em.Fail(err)
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			var chunk geminiResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
				em.Fail(fmt.Errorf("gemini stream decode: %w", err))
				return
			}
			if chunk.Error != nil {
				em.Fail(fmt.Errorf("gemini stream error: %s", chunk.Error.Message))
				return
			}
			if chunk.UsageMetadata != nil {
				usage = &provider.Usage{
					InputTokens:  chunk.UsageMetadata.PromptTokenCount,
					OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
				}
			}

			for _, c := range chunk.Candidates {
				if c.FinishReason != "" {
					finished = true
				}
				for _, part := range c.Content.Parts {
					if !em.Text(part.Text) {
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

func (p *GeminiProvider) Kind() provider.Kind {
	return provider.KindGemini
}

func (p *GeminiProvider) SupportedModels() []string {
	return p.models
}
