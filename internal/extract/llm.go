package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chemd/internal/stage"
)

// LLMClient calls a chat-completion endpoint for semantic enhancement.
// Each call is a single attempt; the fallback wrapper around the
// enhancement stage owns retries and backoff.
type LLMClient struct {
	baseURL string
	apiKey  string
	model   string
	hc      *http.Client
	log     zerolog.Logger
}

func NewLLMClient(baseURL, apiKey string, log zerolog.Logger) *LLMClient {
	return &LLMClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   "gpt-4o-mini",
		hc:      &http.Client{Timeout: 2 * time.Minute},
		log:     log,
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
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

// Complete sends one prompt and returns the first choice. Rate limits,
// server errors and transport failures are reported as retryable.
func (c *LLMClient) Complete(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", stage.ErrUnavailable("llm: " + err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := fmt.Sprintf("llm: status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", stage.ErrBadInput(msg)
		}
		return "", stage.ErrUnavailable(msg)
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", stage.ErrUnavailable("llm: decoding response: " + err.Error())
	}
	if len(out.Choices) == 0 {
		return "", stage.ErrUnavailable("llm: empty response")
	}
	return out.Choices[0].Message.Content, nil
}
