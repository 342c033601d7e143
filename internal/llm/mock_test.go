package llm

import (
	"context"
	"errors"
	"testing"
)

func TestMockClientDefaultEcho(t *testing.T) {
	m := NewMockClient()
	got, err := m.Complete(context.Background(), "hello", 0.2, 100)
	if err != nil {
		t.Fatal(err)
	}
	if got != "echo: hello" {
		t.Fatalf("Complete() = %q", got)
	}
	if m.Calls() != 1 {
		t.Fatalf("Calls() = %d, want 1", m.Calls())
	}
	if m.LastPrompt != "hello" {
		t.Fatalf("LastPrompt = %q", m.LastPrompt)
	}
}

func TestMockClientCustomFunc(t *testing.T) {
	wantErr := errors.New("boom")
	m := NewMockClientWithFunc(func(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
		return "", wantErr
	})
	_, err := m.Complete(context.Background(), "anything", 0, 0)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped custom error, got %v", err)
	}
}

func TestMockClientTracksCallCount(t *testing.T) {
	m := NewMockClient()
	for i := 0; i < 3; i++ {
		if _, err := m.Complete(context.Background(), "x", 0, 0); err != nil {
			t.Fatal(err)
		}
	}
	if m.Calls() != 3 {
		t.Fatalf("Calls() = %d, want 3", m.Calls())
	}
}
