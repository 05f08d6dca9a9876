package llm

import (
	"fmt"

	"github.com/lectio-dev/lectio/internal/llm/provider"
)

// Settings selects and tunes a provider.
type Settings struct {
	Provider string
	// Options are passed to the provider factory ("api_key", "base_url",
	// "model", "project_id", "location", "region").
	Options map[string]any
	// RequestsPerSecond limits outgoing calls; zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	StrictSchema      bool
}

// NewClientFromSettings builds a traced, optionally rate limited client.
func NewClientFromSettings(s Settings) (*Client, error) {
	prov, err := provider.Create(s.Provider, s.Options)
	if err != nil {
		return nil, fmt.Errorf("create provider %q: %w", s.Provider, err)
	}
	if s.RequestsPerSecond > 0 {
		prov = provider.NewRateLimited(prov, s.RequestsPerSecond, s.Burst)
	}
	prov = provider.WrapProvider(prov)

	model, _ := s.Options["model"].(string)
	return NewClient(prov, ClientConfig{Model: model, StrictSchema: s.StrictSchema}), nil
}
