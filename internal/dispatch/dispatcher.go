package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/wayne/internal/chat"
)

// DefaultTimeout bounds a provider call when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// Adapter is one upstream provider.
type Adapter interface {
	Name() string
	Mode() chat.Mode
	Complete(ctx context.Context, p chat.Prompt) (*chat.Result, error)
}

// Dispatcher routes a chat request to exactly one adapter.
type Dispatcher struct {
	adapters        map[string]Adapter
	defaultProvider string
	timeout         time.Duration
	logger          *slog.Logger
}

func New(defaultProvider string, timeout time.Duration, logger *slog.Logger, adapters ...Adapter) *Dispatcher {
	d := &Dispatcher{
		adapters:        make(map[string]Adapter, len(adapters)),
		defaultProvider: normalize(defaultProvider),
		timeout:         timeout,
		logger:          logger,
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	for _, a := range adapters {
		d.adapters[normalize(a.Name())] = a
	}
	return d
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Providers lists the registered provider names.
func (d *Dispatcher) Providers() []string {
	names := make([]string, 0, len(d.adapters))
	for name := range d.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select resolves the adapter for a provider selector. Missing and unknown
// selectors both fall back to the default provider.
func (d *Dispatcher) Select(provider string) (Adapter, error) {
	if a, ok := d.adapters[normalize(provider)]; ok {
		return a, nil
	}
	if a, ok := d.adapters[d.defaultProvider]; ok {
		return a, nil
	}
	return nil, &chat.UnsupportedProviderError{Provider: provider}
}

// Dispatch sends the request to the selected adapter under the configured
// timeout. Caller cancellation does not abort the upstream call.
func (d *Dispatcher) Dispatch(ctx context.Context, req *chat.Request) (*chat.Result, error) {
	adapter, err := d.Select(req.Provider)
	if err != nil {
		return nil, err
	}

	prompt := chat.Prompt{Options: req.Options}
	if adapter.Mode() == chat.SingleTurn {
		prompt.Text = req.LastUserMessage().Content
	} else {
		prompt.History = req.Messages
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	start := time.Now()
	result, err := adapter.Complete(callCtx, prompt)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			d.logger.Warn("provider call timed out", "provider", adapter.Name(), "timeout", d.timeout)
			return nil, chat.NewTimeoutError(adapter.Name())
		}
		d.logger.Warn("provider call failed", "provider", adapter.Name(), "duration", elapsed, "error", err)
		return nil, err
	}

	d.logger.Info("provider call complete",
		"provider", adapter.Name(),
		"model", result.ModelIdentifier,
		"duration", elapsed,
		"total_units", result.Usage.TotalUnits,
	)
	return result, nil
}
