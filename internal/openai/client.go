package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/wayne/internal/chat"
)

const (
	Name           = "openai"
	defaultBaseURL = "https://api.openai.com/v1"
	maxBodyBytes   = 8 << 20
)

type Client struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewClient(apiKey, model string) *Client {
	return &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		client:  &http.Client{},
	}
}

// SetBaseURL points the client at a different API root, e.g. a test server.
func (c *Client) SetBaseURL(url string) {
	if url != "" {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

func (c *Client) Name() string    { return Name }
func (c *Client) Mode() chat.Mode { return chat.MultiTurn }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type response struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    any    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends the conversation to the chat completions endpoint.
func (c *Client) Complete(ctx context.Context, p chat.Prompt) (*chat.Result, error) {
	model := chat.OptString(p.Options, "model", c.model)

	msgs := make([]message, 0, len(p.History))
	for _, m := range p.History {
		msgs = append(msgs, message{Role: m.Role, Content: m.Content})
	}
	if len(msgs) == 0 && p.Text != "" {
		msgs = append(msgs, message{Role: chat.RoleUser, Content: p.Text})
	}

	body, err := json.Marshal(request{
		Model:       model,
		Messages:    msgs,
		Temperature: chat.OptFloat(p.Options, "temperature", 0.7),
		MaxTokens:   chat.OptInt(p.Options, "max_tokens", 0),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &chat.ProviderError{HTTPStatus: http.StatusBadGateway, Provider: Name, RawMessage: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &chat.ProviderError{HTTPStatus: http.StatusBadGateway, Provider: Name, RawMessage: "read response: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp errorResponse
		_ = json.Unmarshal(respBody, &errResp)
		return nil, &chat.ProviderError{
			HTTPStatus: resp.StatusCode,
			Provider:   Name,
			RawMessage: chat.StatusMessage(resp.StatusCode, errResp.Error.Message),
		}
	}

	var apiResp response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &chat.ProviderError{HTTPStatus: http.StatusBadGateway, Provider: Name, RawMessage: "unmarshal response: " + err.Error()}
	}

	text := chat.NoResponseContent
	if len(apiResp.Choices) > 0 && apiResp.Choices[0].Message.Content != "" {
		text = apiResp.Choices[0].Message.Content
	}

	var usage chat.Usage
	if apiResp.Usage != nil {
		usage = chat.Usage{
			PromptUnits:     apiResp.Usage.PromptTokens,
			CompletionUnits: apiResp.Usage.CompletionTokens,
			TotalUnits:      apiResp.Usage.TotalTokens,
		}
	} else {
		usage = chat.EstimateUsage(chat.HistoryText(p.History)+p.Text, text)
	}

	if apiResp.Model != "" {
		model = apiResp.Model
	}

	return &chat.Result{
		ResponseText:    text,
		Usage:           usage,
		ProviderName:    Name,
		ModelIdentifier: model,
		Timestamp:       time.Now().UTC(),
	}, nil
}
