// Package event implements the CloudEvents-1.0-shaped envelope that every
// component in the mesh publishes and consumes.
package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SpecVersion is the only CloudEvents spec version this envelope supports.
const SpecVersion = "1.0"

// DefaultDataContentType is applied when a producer does not set one.
const DefaultDataContentType = "application/json"

// AMCPTopicExtension carries the hierarchical routing topic when it cannot
// be inferred from Type alone (see spec §3, §6 and DESIGN.md's "Open
// Question decisions" entry on topic-to-capability mapping).
const AMCPTopicExtension = "amcp-topic"

// ErrInvalidEvent is returned by New and Validate when an event does not
// satisfy the invariants of §3: specVersion "1.0", non-empty id, type,
// source, and a non-zero time.
var ErrInvalidEvent = fmt.Errorf("invalid event")

// Event is an immutable CloudEvents-1.0-compliant record. Zero value is not
// valid; construct with New.
type Event struct {
	SpecVersion     string
	ID              string
	Source          string
	Type            string
	Time            time.Time
	Subject         string
	DataContentType string
	DataSchema      string
	Data            any
	Extensions      map[string]any
}

// Option customizes a New-constructed Event.
type Option func(*Event)

// WithID overrides the auto-generated id.
func WithID(id string) Option { return func(e *Event) { e.ID = id } }

// WithTime overrides the auto-generated timestamp.
func WithTime(t time.Time) Option { return func(e *Event) { e.Time = t } }

// WithSubject sets the optional free-form subject.
func WithSubject(subject string) Option { return func(e *Event) { e.Subject = subject } }

// WithDataContentType overrides the default "application/json".
func WithDataContentType(ct string) Option { return func(e *Event) { e.DataContentType = ct } }

// WithDataSchema sets the optional dataschema attribute.
func WithDataSchema(schema string) Option { return func(e *Event) { e.DataSchema = schema } }

// WithExtension adds a scalar extension attribute. Names beginning with
// "ce-" are rejected by Validate, not by WithExtension, so that repair/
// diagnostic tooling can construct an invalid event to report the defect.
func WithExtension(name string, value any) Option {
	return func(e *Event) {
		if e.Extensions == nil {
			e.Extensions = make(map[string]any)
		}
		e.Extensions[name] = value
	}
}

// WithTopic sets the amcp-topic extension, the AMCP-native routing topic
// when it differs from Type.
func WithTopic(topic string) Option {
	return WithExtension(AMCPTopicExtension, topic)
}

// New builds an Event, applying options, and validates the result.
// Source and eventType are required; id and time default to a generated
// uuid and time.Now().UTC() respectively when not overridden.
func New(eventType, source string, data any, opts ...Option) (*Event, error) {
	e := &Event{
		SpecVersion:     SpecVersion,
		ID:              uuid.NewString(),
		Type:            eventType,
		Source:          source,
		Time:            time.Now().UTC(),
		DataContentType: DefaultDataContentType,
		Data:            data,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks the invariants of §3: specVersion is "1.0", id, type and
// source are non-empty, time is non-zero, and no extension name begins
// with "ce-".
func (e *Event) Validate() error {
	if e.SpecVersion != SpecVersion {
		return fmt.Errorf("%w: specVersion must be %q", ErrInvalidEvent, SpecVersion)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEvent)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidEvent)
	}
	if e.Source == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidEvent)
	}
	if e.Time.IsZero() {
		return fmt.Errorf("%w: time is required", ErrInvalidEvent)
	}
	for name := range e.Extensions {
		if strings.HasPrefix(name, "ce-") {
			return fmt.Errorf("%w: extension name %q must not begin with \"ce-\"", ErrInvalidEvent, name)
		}
	}
	return nil
}

// Topic returns the AMCP hierarchical routing topic: the amcp-topic
// extension when set, otherwise Type itself (see DESIGN.md's Open Question
// decision on topic-to-capability mapping).
func (e *Event) Topic() string {
	if e.Extensions != nil {
		if v, ok := e.Extensions[AMCPTopicExtension]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return e.Type
}

// CorrelationID extracts data.correlationId, the authoritative linkage
// field per spec §9 — never the CloudEvents id.
func (e *Event) CorrelationID() string {
	m, ok := e.Data.(map[string]any)
	if !ok {
		return ""
	}
	if v, ok := m["correlationId"].(string); ok {
		return v
	}
	return ""
}

// wireEvent is the structured-mode JSON shape: CloudEvents required/
// optional top-level attributes plus extensions flattened as top-level
// keys, per spec §6.
type wireEvent struct {
	SpecVersion     string    `json:"specversion"`
	ID              string    `json:"id"`
	Source          string    `json:"source"`
	Type            string    `json:"type"`
	Time            time.Time `json:"time"`
	Subject         string    `json:"subject,omitempty"`
	DataContentType string    `json:"datacontenttype,omitempty"`
	DataSchema      string    `json:"dataschema,omitempty"`
	Data            any       `json:"data,omitempty"`
}

// MarshalJSON encodes the event in CloudEvents structured mode, with
// extensions flattened as additional top-level keys in stable (sorted)
// order, satisfying the round-trip law of spec §8.
func (e *Event) MarshalJSON() ([]byte, error) {
	base := wireEvent{
		SpecVersion:     e.SpecVersion,
		ID:              e.ID,
		Source:          e.Source,
		Type:            e.Type,
		Time:            e.Time,
		Subject:         e.Subject,
		DataContentType: e.DataContentType,
		DataSchema:      e.DataSchema,
		Data:            e.Data,
	}
	baseBytes, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	if len(e.Extensions) == 0 {
		return baseBytes, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(baseBytes, &merged); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(e.Extensions))
	for name := range e.Extensions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		raw, err := json.Marshal(e.Extensions[name])
		if err != nil {
			return nil, err
		}
		merged[name] = raw
	}

	orderedKeys := append([]string{
		"specversion", "id", "source", "type", "time",
		"subject", "datacontenttype", "dataschema", "data",
	}, names...)

	var buf strings.Builder
	buf.WriteByte('{')
	first := true
	for _, k := range orderedKeys {
		raw, ok := merged[k]
		if !ok {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		keyBytes, _ := json.Marshal(k)
		buf.Write(keyBytes)
		buf.WriteByte(':')
		buf.Write(raw)
	}
	buf.WriteByte('}')
	return []byte(buf.String()), nil
}

// UnmarshalJSON decodes a structured-mode CloudEvent, recovering any
// top-level key that is not a reserved CloudEvents attribute as an
// extension.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	reserved := map[string]bool{
		"specversion": true, "id": true, "source": true, "type": true,
		"time": true, "subject": true, "datacontenttype": true,
		"dataschema": true, "data": true,
	}

	get := func(key string) string {
		v, ok := raw[key]
		if !ok {
			return ""
		}
		var s string
		_ = json.Unmarshal(v, &s)
		return s
	}

	e.SpecVersion = get("specversion")
	e.ID = get("id")
	e.Source = get("source")
	e.Type = get("type")
	e.Subject = get("subject")
	e.DataContentType = get("datacontenttype")
	e.DataSchema = get("dataschema")

	if tv, ok := raw["time"]; ok {
		var t time.Time
		if err := json.Unmarshal(tv, &t); err != nil {
			return fmt.Errorf("%w: malformed time: %v", ErrInvalidEvent, err)
		}
		e.Time = t
	}

	if dv, ok := raw["data"]; ok {
		var d any
		if err := json.Unmarshal(dv, &d); err != nil {
			return err
		}
		e.Data = normalizeJSONData(d)
	}

	for k, v := range raw {
		if reserved[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		if e.Extensions == nil {
			e.Extensions = make(map[string]any)
		}
		e.Extensions[k] = val
	}

	return nil
}

// normalizeJSONData converts map[string]interface{} trees decoded from
// JSON (already the Go default for JSON objects) through unchanged; kept
// as a seam so callers normalizing numeric types can hook in later.
func normalizeJSONData(d any) any {
	return d
}
