package provider

import (
	"context"
	"sync"
)

// MockProvider is a scripted provider for tests. Responses and errors are
// consumed in order; once exhausted it returns DefaultContent.
type MockProvider struct {
	name string

	mu             sync.Mutex
	Responses      []string
	Errors         []error
	DefaultContent string

	CompletionCalls []CompletionRequest
	StructuredCalls []StructuredRequest

	index int
}

// NewMockProvider creates a new mock provider
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name, DefaultContent: `{"message":"mock"}`}
}

func init() {
	RegisterFactory("mock", func(config map[string]any) (Provider, error) {
		m := NewMockProvider("mock")
		if content := stringOpt(config, "content"); content != "" {
			m.DefaultContent = content
		}
		return m, nil
	})
}

// Name returns the provider name
func (m *MockProvider) Name() string {
	return m.name
}

// CreateCompletion implements Provider
func (m *MockProvider) CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	m.CompletionCalls = append(m.CompletionCalls, request)
	m.mu.Unlock()

	content, err := m.next()
	if err != nil {
		return nil, err
	}
	return &CompletionResponse{Content: content, FinishReason: "stop"}, nil
}

// CreateStructured implements Provider
func (m *MockProvider) CreateStructured(ctx context.Context, request StructuredRequest) (*StructuredResponse, error) {
	m.mu.Lock()
	m.StructuredCalls = append(m.StructuredCalls, request)
	m.mu.Unlock()

	content, err := m.next()
	if err != nil {
		return nil, err
	}
	return toStructured(m.name, &CompletionResponse{Content: content, FinishReason: "stop"})
}

// Calls returns the number of requests served.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CompletionCalls) + len(m.StructuredCalls)
}

func (m *MockProvider) next() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.index
	m.index++
	if i < len(m.Errors) && m.Errors[i] != nil {
		return "", m.Errors[i]
	}
	if i < len(m.Responses) {
		return m.Responses[i], nil
	}
	return m.DefaultContent, nil
}
