package chat

import (
	"fmt"
	"net/http"
	"strconv"
)

// ValidationError reports a malformed or incomplete request.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Reason
}

// UnsupportedProviderError is returned when neither the requested provider nor
// the configured default is registered.
type UnsupportedProviderError struct {
	Provider string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("unsupported provider %q", e.Provider)
}

// ProviderError is an upstream HTTP, network or timeout failure.
type ProviderError struct {
	HTTPStatus int
	Provider   string
	RawMessage string
}

func (e *ProviderError) Error() string {
	return DisplayName(e.Provider) + " API error: " + e.RawMessage
}

// Timeout reports whether the provider call hit the dispatcher deadline.
func (e *ProviderError) Timeout() bool {
	return e.HTTPStatus == http.StatusGatewayTimeout
}

// NewTimeoutError builds the error raised when a provider call exceeds its deadline.
func NewTimeoutError(provider string) *ProviderError {
	return &ProviderError{HTTPStatus: http.StatusGatewayTimeout, Provider: provider, RawMessage: "timeout"}
}

// StatusMessage picks the provider's own message when present, else the status text.
func StatusMessage(status int, providerMessage string) string {
	if providerMessage != "" {
		return providerMessage
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "status " + strconv.Itoa(status)
}

// DisplayName maps a provider key to its human-readable name.
func DisplayName(provider string) string {
	switch provider {
	case "openai":
		return "OpenAI"
	case "gemini":
		return "Gemini"
	case "stability":
		return "Stability AI"
	case "anthropic":
		return "Anthropic"
	case "":
		return "Provider"
	default:
		return provider
	}
}
