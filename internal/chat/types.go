package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// AnonymousIdentity buckets history for callers that do not send an identity.
const AnonymousIdentity = "anonymous"

// NoResponseContent is returned in place of a payload the provider did not include.
const NoResponseContent = "No response content"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Request is the normalized chat request accepted by the gateway.
type Request struct {
	Messages []Message      `json:"messages"`
	Provider string         `json:"provider,omitempty"`
	Identity string         `json:"identity,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// UnmarshalJSON also accepts the legacy "aiProvider" selector sent by older UIs.
func (r *Request) UnmarshalJSON(data []byte) error {
	type plain Request
	var aux struct {
		plain
		AIProvider string `json:"aiProvider"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Request(aux.plain)
	if r.Provider == "" {
		r.Provider = aux.AIProvider
	}
	return nil
}

// Validate checks the invariants the gateway relies on.
func (r *Request) Validate() error {
	if len(r.Messages) == 0 {
		return &ValidationError{Reason: "messages must be a non-empty list"}
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return &ValidationError{Reason: fmt.Sprintf("message %d has unsupported role %q", i, m.Role)}
		}
	}
	return nil
}

// IdentityOrDefault returns the caller identity, falling back to AnonymousIdentity.
func (r *Request) IdentityOrDefault() string {
	if id := strings.TrimSpace(r.Identity); id != "" {
		return id
	}
	return AnonymousIdentity
}

// LastUserMessage returns the newest user message, or the last message when no
// user turn is present.
func (r *Request) LastUserMessage() Message {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i]
		}
	}
	if len(r.Messages) == 0 {
		return Message{}
	}
	return r.Messages[len(r.Messages)-1]
}

// Prompt is what an adapter receives: either the full history or a single prompt.
type Prompt struct {
	History []Message
	Text    string
	Options map[string]any
}

type Usage struct {
	PromptUnits     int `json:"promptUnits"`
	CompletionUnits int `json:"completionUnits"`
	TotalUnits      int `json:"totalUnits"`
}

// EstimateUsage approximates token units for providers that do not report them.
func EstimateUsage(prompt, completion string) Usage {
	p := EstimateUnits(prompt)
	c := EstimateUnits(completion)
	return Usage{PromptUnits: p, CompletionUnits: c, TotalUnits: p + c}
}

// EstimateUnits is ceil(characters / 4).
func EstimateUnits(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

// HistoryText concatenates message contents for usage estimation.
func HistoryText(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Content)
	}
	return b.String()
}

// Result is the provider-agnostic response returned to the browser.
type Result struct {
	ResponseText    string    `json:"responseText,omitempty"`
	ImageData       string    `json:"imageData,omitempty"`
	Usage           Usage     `json:"usage"`
	ProviderName    string    `json:"providerName"`
	ModelIdentifier string    `json:"modelIdentifier"`
	Timestamp       time.Time `json:"timestamp"`
}

// Mode tells the dispatcher how much of the conversation an adapter consumes.
type Mode int

const (
	// MultiTurn adapters receive the full ordered history.
	MultiTurn Mode = iota
	// SingleTurn adapters receive only the latest user message.
	SingleTurn
)
