package llm

import (
	"context"
	"fmt"
	"sync"
)

// CompleteFunc is a custom completion handler a MockClient can delegate to.
type CompleteFunc func(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error)

// MockClient is a test double for Client: a CompleteFunc override with
// call tracking, defaulting to a deterministic echo when no override is
// set.
type MockClient struct {
	mu         sync.Mutex
	CompleteFn CompleteFunc
	CallCount  int
	LastPrompt string
}

// NewMockClient returns a MockClient using the default echo behavior.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// NewMockClientWithFunc returns a MockClient delegating every call to fn.
func NewMockClientWithFunc(fn CompleteFunc) *MockClient {
	return &MockClient{CompleteFn: fn}
}

// Complete implements Client.
func (m *MockClient) Complete(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	m.mu.Lock()
	m.CallCount++
	m.LastPrompt = prompt
	m.mu.Unlock()

	if m.CompleteFn != nil {
		return m.CompleteFn(ctx, prompt, temperature, maxTokens)
	}
	return fmt.Sprintf("echo: %s", prompt), nil
}

// Calls reports how many times Complete has been invoked.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}
