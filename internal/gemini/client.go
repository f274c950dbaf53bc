package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/wayne/internal/chat"
)

const (
	Name           = "gemini"
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
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
func (c *Client) SetBaseURL(u string) {
	if u != "" {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

func (c *Client) Name() string    { return Name }
func (c *Client) Mode() chat.Mode { return chat.MultiTurn }

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type request struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type response struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// toContents maps chat history onto Gemini's user/model turns. System messages
// are collected into the system instruction.
func toContents(p chat.Prompt) ([]content, *content) {
	var contents []content
	var system []part
	for _, m := range p.History {
		switch m.Role {
		case chat.RoleSystem:
			system = append(system, part{Text: m.Content})
		case chat.RoleAssistant:
			contents = append(contents, content{Role: "model", Parts: []part{{Text: m.Content}}})
		default:
			contents = append(contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		}
	}
	if len(contents) == 0 && p.Text != "" {
		contents = append(contents, content{Role: "user", Parts: []part{{Text: p.Text}}})
	}
	if len(system) == 0 {
		return contents, nil
	}
	return contents, &content{Parts: system}
}

// Complete calls generateContent with the conversation history.
func (c *Client) Complete(ctx context.Context, p chat.Prompt) (*chat.Result, error) {
	model := chat.OptString(p.Options, "model", c.model)

	contents, system := toContents(p)
	reqBody := request{Contents: contents, SystemInstruction: system}
	cfg := generationConfig{MaxOutputTokens: chat.OptInt(p.Options, "maxOutputTokens", 0)}
	if _, ok := p.Options["temperature"]; ok {
		t := chat.OptFloat(p.Options, "temperature", 0)
		cfg.Temperature = &t
	}
	if cfg.Temperature != nil || cfg.MaxOutputTokens > 0 {
		reqBody.GenerationConfig = &cfg
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, url.PathEscape(model), url.QueryEscape(c.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &chat.ProviderError{HTTPStatus: http.StatusBadGateway, Provider: Name, RawMessage: redact(err.Error(), c.apiKey)}
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
	if len(apiResp.Candidates) > 0 {
		if parts := apiResp.Candidates[0].Content.Parts; len(parts) > 0 && parts[0].Text != "" {
			text = parts[0].Text
		}
	}

	var usage chat.Usage
	if md := apiResp.UsageMetadata; md != nil {
		usage = chat.Usage{
			PromptUnits:     md.PromptTokenCount,
			CompletionUnits: md.CandidatesTokenCount,
			TotalUnits:      md.TotalTokenCount,
		}
	} else {
		usage = chat.EstimateUsage(chat.HistoryText(p.History)+p.Text, text)
	}

	if apiResp.ModelVersion != "" {
		model = apiResp.ModelVersion
	}

	return &chat.Result{
		ResponseText:    text,
		Usage:           usage,
		ProviderName:    Name,
		ModelIdentifier: model,
		Timestamp:       time.Now().UTC(),
	}, nil
}

// redact strips the API key from transport errors, which echo the request URL.
func redact(msg, key string) string {
	if key == "" {
		return msg
	}
	msg = strings.ReplaceAll(msg, url.QueryEscape(key), "REDACTED")
	return strings.ReplaceAll(msg, key, "REDACTED")
}
