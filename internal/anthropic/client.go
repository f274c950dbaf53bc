package anthropic

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
	Name             = "anthropic"
	defaultBaseURL   = "https://api.anthropic.com/v1"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
	maxBodyBytes     = 8 << 20
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
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type response struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// toMessages splits system messages out of the history; the Messages API
// takes them as a separate top-level field.
func toMessages(p chat.Prompt) ([]message, string) {
	var system []string
	msgs := make([]message, 0, len(p.History))
	for _, m := range p.History {
		if m.Role == chat.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, message{Role: m.Role, Content: m.Content})
	}
	if len(msgs) == 0 && p.Text != "" {
		msgs = append(msgs, message{Role: chat.RoleUser, Content: p.Text})
	}
	return msgs, strings.Join(system, "\n\n")
}

// Complete sends the conversation to the Messages API.
func (c *Client) Complete(ctx context.Context, p chat.Prompt) (*chat.Result, error) {
	model := chat.OptString(p.Options, "model", c.model)
	msgs, system := toMessages(p)

	reqBody := request{
		Model:     model,
		MaxTokens: chat.OptInt(p.Options, "max_tokens", defaultMaxTokens),
		System:    system,
		Messages:  msgs,
	}
	if _, ok := p.Options["temperature"]; ok {
		t := chat.OptFloat(p.Options, "temperature", 0)
		reqBody.Temperature = &t
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

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
	for _, block := range apiResp.Content {
		if block.Type == "text" && block.Text != "" {
			text = block.Text
			break
		}
	}

	var usage chat.Usage
	if apiResp.Usage != nil {
		usage = chat.Usage{
			PromptUnits:     apiResp.Usage.InputTokens,
			CompletionUnits: apiResp.Usage.OutputTokens,
			TotalUnits:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
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
