// Package openaicompat implements llm.Provider against any backend that
// speaks the OpenAI chat-completions wire format (vLLM, LocalAI, Ollama's
// compatibility shim, or OpenAI itself).
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	sharedhttp "github.com/opsconductor/opsconductor/pkg/shared/http"
)

// Provider talks to one OpenAI-compatible /chat/completions endpoint.
type Provider struct {
	endpoint   string
	model      string
	httpClient *http.Client
}

// New builds a Provider. endpoint is the base URL (e.g. "http://host:8080/v1").
func New(endpoint, model string, timeout time.Duration) *Provider {
	return &Provider{
		endpoint:   endpoint,
		model:      model,
		httpClient: sharedhttp.NewClient(sharedhttp.LLMClientConfig(timeout)),
	}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model          string        `json:"model"`
	Messages       []wireMessage `json:"messages"`
	Temperature    float32       `json:"temperature,omitempty"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat *responseFmt  `json:"response_format,omitempty"`
}

type responseFmt struct {
	Type       string          `json:"type"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Message, Request and Response mirror llm.ChatMessage/llm.ChatRequest/llm.ChatResponse
// structurally so this package has no import-cycle dependency on pkg/llm;
// the caller (pkg/llm.Client) adapts between the two at the call site.
type Message struct {
	Role    string
	Content string
}

// Request is the provider-facing chat request.
type Request struct {
	Messages    []Message
	Temperature float32
	MaxTokens   int
	JSONSchema  string
}

// Response is the provider-facing chat response.
type Response struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// ChatCompletion sends req to the configured endpoint and returns the first
// choice plus token usage reported by the backend.
func (p *Provider) ChatCompletion(ctx context.Context, req Request) (Response, error) {
	wireMsgs := make([]wireMessage, len(req.Messages))
	for i, m := range req.Messages {
		wireMsgs[i] = wireMessage{Role: m.Role, Content: m.Content}
	}

	body := wireRequest{
		Model:       p.model,
		Messages:    wireMsgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONSchema != "" {
		body.ResponseFormat = &responseFmt{Type: "json_schema", JSONSchema: json.RawMessage(req.JSONSchema)}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("openaicompat: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("openaicompat: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("openaicompat: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("openaicompat: read response: %w", err)
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Response{}, fmt.Errorf("openaicompat: decode response: %w", err)
	}

	if resp.StatusCode >= 400 {
		msg := string(raw)
		if wire.Error != nil {
			msg = wire.Error.Message
		}
		return Response{}, fmt.Errorf("openaicompat: backend returned %d: %s", resp.StatusCode, msg)
	}

	if len(wire.Choices) == 0 {
		return Response{}, fmt.Errorf("openaicompat: response had no choices")
	}

	return Response{
		Content:          wire.Choices[0].Message.Content,
		PromptTokens:     wire.Usage.PromptTokens,
		CompletionTokens: wire.Usage.CompletionTokens,
	}, nil
}
