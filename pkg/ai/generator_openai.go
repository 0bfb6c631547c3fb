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

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIGenerator calls an OpenAI-compatible /chat/completions endpoint.
// Works with the OpenAI API and compatible servers (vLLM, LiteLLM,
// OpenRouter, self-hosted models).
type OpenAIGenerator struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAIGenerator builds an OpenAI-compatible Generator. baseURL should
// include the /v1 prefix; empty means the hosted OpenAI API.
func NewOpenAIGenerator(baseURL, apiKey, model string) *OpenAIGenerator {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIGenerator{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		model:      strings.TrimSpace(model),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// GenerateText implements Generator using the chat completions API.
func (g *OpenAIGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := g.do(ctx, oaiChatRequest{
		Model:    g.model,
		Messages: oaiMessages(systemPrompt, userPrompt),
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("openai decode: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("%w: openai", ErrEmptyResponse)
	}
	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("%w: openai", ErrEmptyResponse)
	}
	return text, nil
}

// StreamText implements Generator streaming over SSE: "data: {json}" lines
// terminated by "data: [DONE]".
func (g *OpenAIGenerator) StreamText(ctx context.Context, systemPrompt, userPrompt string) (*Stream, error) {
	resp, err := g.do(ctx, oaiChatRequest{
		Model:    g.model,
		Messages: oaiMessages(systemPrompt, userPrompt),
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}
	return newStream(resp.Body, decodeOpenAIFrame), nil
}

func decodeOpenAIFrame(line string) (string, bool, bool) {
	payload, found := strings.CutPrefix(line, "data:")
	if !found {
		return "", false, false
	}
	payload = strings.TrimSpace(payload)
	if payload == "[DONE]" {
		return "", true, true
	}
	var frame struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		return "", false, false
	}
	if len(frame.Choices) == 0 {
		return "", false, true
	}
	return frame.Choices[0].Delta.Content, false, true
}

func (g *OpenAIGenerator) do(ctx context.Context, reqBody oaiChatRequest) (*http.Response, error) {
	if g.model == "" {
		return nil, fmt.Errorf("openai generation model required")
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return nil, fmt.Errorf("openai api error: %s", errResp.Error.Message)
		}
		return nil, fmt.Errorf("openai api error: %s", resp.Status)
	}
	return resp, nil
}

func oaiMessages(systemPrompt, userPrompt string) []oaiMessage {
	messages := make([]oaiMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, oaiMessage{Role: "user", Content: userPrompt})
	return messages
}

// OpenAI-compatible request/response types.

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiChatRequest struct {
	Model    string       `json:"model"`
	Messages []oaiMessage `json:"messages"`
	Stream   bool         `json:"stream,omitempty"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
