// Package brain provides schema-constrained structured completion against
// LLM providers. Every call supplies a JSON schema; providers are required
// to return an object conforming to it, and callers decode the raw JSON at
// the boundary rather than trusting the model to self-correct.
package brain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed wraps decode failures of provider output. Callers treat it as
// "this unit was checked but produced nothing usable", which is reported
// differently from a clean negative.
var ErrMalformed = errors.New("malformed provider output")

// Provider is the interface for structured-completion backends
type Provider interface {
	// Name returns the provider name (e.g., "claude", "openai")
	Name() string

	// Available returns true if the provider is configured and ready
	Available() bool

	// Complete sends a prompt and returns the schema-conforming JSON object
	Complete(ctx context.Context, req Request) (Response, error)
}

// Request is a structured-completion request
type Request struct {
	SystemPrompt string
	UserPrompt   string
	// Schema is a JSON Schema the output object must conform to.
	Schema    json.RawMessage
	MaxTokens int
}

// Response is the provider's structured response
type Response struct {
	// JSON is the schema-conforming output object.
	JSON        json.RawMessage
	Model       string
	RawResponse string // The raw API response body for logging/debugging
}

// Decode unmarshals a response into out, wrapping failures as ErrMalformed.
func Decode(resp Response, out any) error {
	if len(resp.JSON) == 0 {
		return fmt.Errorf("%w: empty output", ErrMalformed)
	}
	if err := json.Unmarshal(resp.JSON, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// ProviderManager manages multiple providers with fallback
type ProviderManager struct {
	providers []Provider
	preferred string // Preferred provider name
}

// NewProviderManager creates a new provider manager
func NewProviderManager() *ProviderManager {
	return &ProviderManager{
		providers: make([]Provider, 0),
	}
}

// AddProvider adds a provider to the manager
func (pm *ProviderManager) AddProvider(p Provider) {
	pm.providers = append(pm.providers, p)
}

// SetPreferred sets the preferred provider by name
func (pm *ProviderManager) SetPreferred(name string) {
	pm.preferred = name
}

// GetAvailable returns the first available provider, preferring the preferred one
func (pm *ProviderManager) GetAvailable() Provider {
	if pm.preferred != "" {
		for _, p := range pm.providers {
			if p.Name() == pm.preferred && p.Available() {
				return p
			}
		}
	}

	for _, p := range pm.providers {
		if p.Available() {
			return p
		}
	}

	return nil
}

// Complete routes a request to the first available provider. One retry on a
// second provider if the first fails; no prompt-level self-correction.
func (pm *ProviderManager) Complete(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	tried := 0
	for _, p := range pm.ordered() {
		if !p.Available() {
			continue
		}
		resp, err := p.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		tried++
		if tried >= 2 {
			break
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no provider available")
	}
	return Response{}, lastErr
}

// Name implements Provider so a manager can stand wherever a single
// provider is expected.
func (pm *ProviderManager) Name() string { return "manager" }

// Available reports whether any managed provider is ready.
func (pm *ProviderManager) Available() bool {
	for _, p := range pm.providers {
		if p.Available() {
			return true
		}
	}
	return false
}

// ordered returns providers with the preferred one first.
func (pm *ProviderManager) ordered() []Provider {
	if pm.preferred == "" {
		return pm.providers
	}
	out := make([]Provider, 0, len(pm.providers))
	for _, p := range pm.providers {
		if p.Name() == pm.preferred {
			out = append(out, p)
		}
	}
	for _, p := range pm.providers {
		if p.Name() != pm.preferred {
			out = append(out, p)
		}
	}
	return out
}
