package stability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/wayne/internal/chat"
)

const (
	Name           = "stability"
	defaultBaseURL = "https://api.stability.ai/v1"
	// Base64 artifacts for 1024x1024 images run to a few MiB.
	maxBodyBytes = 32 << 20
)

var enginePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

type Client struct {
	apiKey  string
	engine  string
	baseURL string
	client  *http.Client
}

func NewClient(apiKey, engine string) *Client {
	return &Client{
		apiKey:  apiKey,
		engine:  engine,
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
func (c *Client) Mode() chat.Mode { return chat.SingleTurn }

type textPrompt struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight,omitempty"`
}

type request struct {
	TextPrompts []textPrompt `json:"text_prompts"`
	CfgScale    float64      `json:"cfg_scale"`
	Height      int          `json:"height"`
	Width       int          `json:"width"`
	Steps       int          `json:"steps"`
	Samples     int          `json:"samples"`
	Seed        int          `json:"seed,omitempty"`
}

type artifact struct {
	Base64       string `json:"base64"`
	Seed         int64  `json:"seed"`
	FinishReason string `json:"finishReason"`
}

type response struct {
	Artifacts []artifact `json:"artifacts"`
}

type errorResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// engineFor returns the per-call engine override when it is a plain engine
// id, otherwise the configured engine.
func (c *Client) engineFor(opts map[string]any) string {
	engine := chat.OptString(opts, "engine", c.engine)
	if !enginePattern.MatchString(engine) || strings.Contains(engine, "..") {
		return c.engine
	}
	return engine
}

// Complete generates one image from the prompt text.
func (c *Client) Complete(ctx context.Context, p chat.Prompt) (*chat.Result, error) {
	engine := c.engineFor(p.Options)
	prompt := p.Text
	if prompt == "" && len(p.History) > 0 {
		prompt = p.History[len(p.History)-1].Content
	}

	body, err := json.Marshal(request{
		TextPrompts: []textPrompt{{Text: prompt}},
		CfgScale:    chat.OptFloat(p.Options, "cfg_scale", 7),
		Height:      chat.OptInt(p.Options, "height", 1024),
		Width:       chat.OptInt(p.Options, "width", 1024),
		Steps:       chat.OptInt(p.Options, "steps", 30),
		Samples:     1,
		Seed:        chat.OptInt(p.Options, "seed", 0),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/generation/%s/text-to-image", c.baseURL, url.PathEscape(engine))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
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
			RawMessage: chat.StatusMessage(resp.StatusCode, errResp.Message),
		}
	}

	var apiResp response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &chat.ProviderError{HTTPStatus: http.StatusBadGateway, Provider: Name, RawMessage: "unmarshal response: " + err.Error()}
	}

	result := &chat.Result{
		ResponseText:    chat.NoResponseContent,
		ProviderName:    Name,
		ModelIdentifier: engine,
		Timestamp:       time.Now().UTC(),
	}
	if len(apiResp.Artifacts) > 0 && apiResp.Artifacts[0].Base64 != "" {
		a := apiResp.Artifacts[0]
		result.ImageData = a.Base64
		result.ResponseText = fmt.Sprintf("Image generated with seed: %d", a.Seed)
	}
	result.Usage = chat.EstimateUsage(prompt, result.ResponseText)

	return result, nil
}
