package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// OllamaGenerator wraps OllamaClient with a fixed model for text generation
// using the Ollama /api/chat endpoint. It also serves custom backends that
// expose the same API shape.
type OllamaGenerator struct {
	client *OllamaClient
	model  string
}

// NewOllamaGenerator builds an Ollama-based Generator.
func NewOllamaGenerator(client *OllamaClient, model string) *OllamaGenerator {
	return &OllamaGenerator{client: client, model: strings.TrimSpace(model)}
}

// GenerateText implements Generator using Ollama /api/chat.
func (g *OllamaGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if g.model == "" {
		return "", fmt.Errorf("ollama generation model required")
	}
	reqBody := ollamaChatRequest{
		Model:    g.model,
		Messages: chatMessages(systemPrompt, userPrompt),
		Stream:   false,
	}
	var resp ollamaChatResponse
	if _, err := g.client.doJSON(ctx, "/api/chat", reqBody, &resp); err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return "", fmt.Errorf("%w: ollama", ErrEmptyResponse)
	}
	return resp.Message.Content, nil
}

// StreamText implements Generator streaming via Ollama's NDJSON protocol:
// one JSON object per line, with "done": true on the final frame.
func (g *OllamaGenerator) StreamText(ctx context.Context, systemPrompt, userPrompt string) (*Stream, error) {
	if g.model == "" {
		return nil, fmt.Errorf("ollama generation model required")
	}
	reqBody := ollamaChatRequest{
		Model:    g.model,
		Messages: chatMessages(systemPrompt, userPrompt),
		Stream:   true,
	}
	resp, err := g.client.doStream(ctx, "/api/chat", reqBody)
	if err != nil {
		return nil, fmt.Errorf("ollama stream: %w", err)
	}
	return newStream(resp.Body, decodeOllamaFrame), nil
}

// NewNDJSONStream wraps an Ollama-shaped NDJSON body in a Stream. Exposed
// for callers that already hold an open response body.
func NewNDJSONStream(body io.ReadCloser) *Stream {
	return newStream(body, decodeOllamaFrame)
}

func decodeOllamaFrame(line string) (string, bool, bool) {
	var frame struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Done bool `json:"done"`
	}
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		return "", false, false
	}
	if frame.Done {
		return "", true, true
	}
	return frame.Message.Content, false, true
}

func chatMessages(systemPrompt, userPrompt string) []ollamaChatMessage {
	messages := make([]ollamaChatMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, ollamaChatMessage{Role: "user", Content: userPrompt})
	return messages
}

// Ollama /api/chat request/response types.

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
}
