// Package chatbridge forwards deepseek_chat messages to an external
// chat-completion endpoint. The protocol is explicitly out of scope for
// this system's own design (spec.md §4.11 Non-goals); Bridge exists only so
// the session loop has a narrow collaborator to call through.
package chatbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Completer answers one chat message with a single reply string.
type Completer interface {
	Complete(ctx context.Context, message string) (string, error)
}

// Bridge is the DeepSeek-shaped HTTP adapter: Bearer auth, a single
// user-role message, and a choices[0].message.content reply.
type Bridge struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// New constructs a Bridge targeting endpoint with apiKey as Bearer auth.
func New(endpoint, apiKey string) *Bridge {
	return &Bridge{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends message as a single user turn and returns the model's reply.
func (b *Bridge) Complete(ctx context.Context, message string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       "deepseek-chat",
		Messages:    []chatMessage{{Role: "user", Content: message}},
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat endpoint returned status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat response carried no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
