package propose

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ChatClient is the single network-touching dependency of the proposer.
// Implementations must honor ctx cancellation.
type ChatClient interface {
	// Complete sends one chat exchange and returns the assistant's text.
	Complete(ctx context.Context, system, user string) (string, error)
}

// OpenAIChatClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIChatClient struct {
	BaseURL string // eg "https://api.openai.com/v1"
	APIKey  string
	Model   string
	Client  *http.Client
}

func NewOpenAIChatClient(baseURL, apiKey, model string) *OpenAIChatClient {
	return &OpenAIChatClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		Client:  http.DefaultClient,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *OpenAIChatClient) Complete(ctx context.Context, system, user string) (string, error) {
	body := chatRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	bodyB, err := json.Marshal(&body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/chat/completions", bytes.NewReader(bodyB))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	resp, err := c.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%v. %v", resp.Status, string(msg))
	}
	response := chatResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("%v. %w", resp.Status, err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("chat response contains no choices")
	}
	return response.Choices[0].Message.Content, nil
}
