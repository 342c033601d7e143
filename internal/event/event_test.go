package event

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNewRequiresCoreFields(t *testing.T) {
	_, err := New("", "urn:test", nil)
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent for empty type, got %v", err)
	}

	_, err = New("task.request.weather", "", nil)
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent for empty source, got %v", err)
	}
}

func TestNewGeneratesIDAndTime(t *testing.T) {
	e, err := New("task.request.weather", "urn:orchestrator", map[string]any{"correlationId": "R1"})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if e.ID == "" {
		t.Fatal("expected generated id")
	}
	if e.Time.IsZero() {
		t.Fatal("expected generated time")
	}
	if e.DataContentType != DefaultDataContentType {
		t.Fatalf("DataContentType = %q", e.DataContentType)
	}
	if e.CorrelationID() != "R1" {
		t.Fatalf("CorrelationID() = %q", e.CorrelationID())
	}
}

func TestValidateRejectsCeExtensionPrefix(t *testing.T) {
	_, err := New("task.request.weather", "urn:orchestrator", nil, WithExtension("ce-custom", "x"))
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent for ce- prefixed extension, got %v", err)
	}
}

func TestTopicFallsBackToType(t *testing.T) {
	e, err := New("task.request.weather", "urn:orchestrator", nil)
	if err != nil {
		t.Fatal(err)
	}
	if e.Topic() != "task.request.weather" {
		t.Fatalf("Topic() = %q", e.Topic())
	}
}

func TestTopicUsesAMCPExtensionWhenSet(t *testing.T) {
	e, err := New("com.example.task.weather.request", "urn:orchestrator", nil, WithTopic("task.request.weather"))
	if err != nil {
		t.Fatal(err)
	}
	if e.Topic() != "task.request.weather" {
		t.Fatalf("Topic() = %q, want amcp-topic extension value", e.Topic())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	original, err := New(
		"task.response.weather",
		"urn:agent:weather",
		map[string]any{"correlationId": "R1-1", "success": true},
		WithSubject("weather-reply"),
		WithExtension("amcp-sender", "agent_weather"),
	)
	if err != nil {
		t.Fatal(err)
	}

	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded.SpecVersion != original.SpecVersion ||
		decoded.ID != original.ID ||
		decoded.Source != original.Source ||
		decoded.Type != original.Type ||
		decoded.Subject != original.Subject ||
		decoded.DataContentType != original.DataContentType {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, *original)
	}

	if !decoded.Time.Equal(original.Time) {
		t.Fatalf("Time mismatch: got %v, want %v", decoded.Time, original.Time)
	}

	if decoded.Extensions["amcp-sender"] != "agent_weather" {
		t.Fatalf("extension not preserved: %+v", decoded.Extensions)
	}

	data, ok := decoded.Data.(map[string]any)
	if !ok {
		t.Fatalf("Data not decoded as map: %T", decoded.Data)
	}
	if data["correlationId"] != "R1-1" {
		t.Fatalf("correlationId not preserved: %+v", data)
	}
}

func TestMarshalJSONStableExtensionOrder(t *testing.T) {
	e, err := New("agent.heartbeat", "urn:agent:weather", nil,
		WithExtension("amcp-meta-zone", "eu"),
		WithExtension("amcp-meta-alpha", "a"),
	)
	if err != nil {
		t.Fatal(err)
	}
	first, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	second, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Fatalf("marshal is not deterministic:\n%s\n%s", first, second)
	}
}

func TestTimeRFC3339(t *testing.T) {
	ts := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	e, err := New("user.request", "urn:frontend", nil, WithTime(ts))
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := json.Marshal(e)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	if m["time"] != "2026-07-30T12:00:00Z" {
		t.Fatalf("time field = %v", m["time"])
	}
}
