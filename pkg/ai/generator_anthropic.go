package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicMaxTokens      = 4096
)

// AnthropicGenerator calls the Anthropic Messages API.
type AnthropicGenerator struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewAnthropicGenerator builds an Anthropic-based Generator.
func NewAnthropicGenerator(baseURL, apiKey, model string) *AnthropicGenerator {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &AnthropicGenerator{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		model:      strings.TrimSpace(model),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// GenerateText implements Generator using /v1/messages.
func (g *AnthropicGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := g.do(ctx, anthropicRequest{
		Model:     g.model,
		MaxTokens: anthropicMaxTokens,
		System:    systemPrompt,
		Messages:  []anthropicMessage{{Role: "user", Content: userPrompt}},
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var msgResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&msgResp); err != nil {
		return "", fmt.Errorf("anthropic decode: %w", err)
	}
	var sb strings.Builder
	for _, block := range msgResp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("%w: anthropic", ErrEmptyResponse)
	}
	return text, nil
}

// StreamText implements Generator streaming over SSE. Text arrives in
// content_block_delta events; message_stop ends the stream.
func (g *AnthropicGenerator) StreamText(ctx context.Context, systemPrompt, userPrompt string) (*Stream, error) {
	resp, err := g.do(ctx, anthropicRequest{
		Model:     g.model,
		MaxTokens: anthropicMaxTokens,
		System:    systemPrompt,
		Messages:  []anthropicMessage{{Role: "user", Content: userPrompt}},
		Stream:    true,
	})
	if err != nil {
		return nil, err
	}
	return newStream(resp.Body, decodeAnthropicFrame), nil
}

func decodeAnthropicFrame(line string) (string, bool, bool) {
	payload, found := strings.CutPrefix(line, "data:")
	if !found {
		// "event:" lines and comments carry no text
		return "", false, false
	}
	var frame struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &frame); err != nil {
		return "", false, false
	}
	switch frame.Type {
	case "message_stop":
		return "", true, true
	case "content_block_delta":
		return frame.Delta.Text, false, true
	}
	return "", false, true
}

func (g *AnthropicGenerator) do(ctx context.Context, reqBody anthropicRequest) (*http.Response, error) {
	if g.model == "" {
		return nil, fmt.Errorf("anthropic generation model required")
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", g.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var errResp anthropicErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return nil, fmt.Errorf("anthropic api error: %s", errResp.Error.Message)
		}
		return nil, fmt.Errorf("anthropic api error: %s", resp.Status)
	}
	return resp, nil
}

// Anthropic Messages API request/response types.

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
