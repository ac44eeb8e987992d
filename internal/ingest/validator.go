package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowmart/order-audit-trail/internal/schema"
)

// ValidationError reports a structural violation of the envelope or payload.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s (%s)", e.Field, e.Message, e.Code)
}

// Validator performs structural checks against the envelope and the
// payload-shape constraints declared by the schema descriptor. Semantic
// validation belongs to producers.
type Validator struct {
	skewPast   time.Duration
	skewFuture time.Duration
}

// NewValidator creates a validator with the configured timestamp skew
// window.
func NewValidator(skewPast, skewFuture time.Duration) *Validator {
	return &Validator{skewPast: skewPast, skewFuture: skewFuture}
}

// Validate checks env against desc. Returns a *ValidationError describing
// the first violation found, or nil.
func (v *Validator) Validate(env *Envelope, desc schema.Descriptor, now time.Time) error {
	if env.EventID == "" {
		return &ValidationError{Code: "missing", Field: "event_id", Message: "event_id is required"}
	}
	if _, err := uuid.Parse(env.EventID); err != nil {
		return &ValidationError{Code: "malformed", Field: "event_id", Message: "event_id must be a UUID"}
	}
	if env.EventType == "" {
		return &ValidationError{Code: "missing", Field: "event_type", Message: "event_type is required"}
	}
	if env.EventType != desc.EventType {
		return &ValidationError{
			Code:    "mismatch",
			Field:   "event_type",
			Message: fmt.Sprintf("topic schema expects %s, got %s", desc.EventType, env.EventType),
		}
	}
	if env.AggregateID == "" {
		return &ValidationError{Code: "missing", Field: "aggregate_id", Message: "aggregate_id is required"}
	}
	if env.AggregateType == "" {
		return &ValidationError{Code: "missing", Field: "aggregate_type", Message: "aggregate_type is required"}
	}
	if env.Source == "" {
		return &ValidationError{Code: "missing", Field: "source", Message: "source is required"}
	}
	if env.Version < 1 {
		return &ValidationError{
			Code:    "out_of_range",
			Field:   "version",
			Message: fmt.Sprintf("version must be >= 1, got %d", env.Version),
		}
	}
	if env.Timestamp.IsZero() {
		return &ValidationError{Code: "missing", Field: "timestamp", Message: "timestamp is required"}
	}
	if env.Timestamp.Before(now.Add(-v.skewPast)) {
		return &ValidationError{
			Code:    "out_of_range",
			Field:   "timestamp",
			Message: fmt.Sprintf("timestamp %s older than allowed skew", env.Timestamp.UTC().Format(time.RFC3339)),
		}
	}
	if env.Timestamp.After(now.Add(v.skewFuture)) {
		return &ValidationError{
			Code:    "out_of_range",
			Field:   "timestamp",
			Message: fmt.Sprintf("timestamp %s further in the future than allowed skew", env.Timestamp.UTC().Format(time.RFC3339)),
		}
	}

	return v.validatePayload(env.Payload, desc)
}

// validatePayload checks required keys and primitive kinds declared by the
// descriptor. Unknown keys are left alone.
func (v *Validator) validatePayload(payload json.RawMessage, desc schema.Descriptor) error {
	if len(desc.Payload) == 0 {
		return nil
	}
	if len(payload) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		return &ValidationError{Code: "missing", Field: "payload", Message: "payload is required"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return &ValidationError{Code: "malformed", Field: "payload", Message: "payload must be a JSON object"}
	}

	for _, f := range desc.Payload {
		raw, present := fields[f.Name]
		isNull := present && bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
		if !present || isNull {
			if f.Required {
				return &ValidationError{
					Code:    "missing",
					Field:   "payload." + f.Name,
					Message: "required payload field is missing",
				}
			}
			// Missing optional fields are null.
			continue
		}
		if !kindMatches(f.Kind, raw) {
			return &ValidationError{
				Code:    "wrong_type",
				Field:   "payload." + f.Name,
				Message: fmt.Sprintf("expected %s", f.Kind),
			}
		}
	}
	return nil
}

// kindMatches inspects the first significant byte of a JSON value.
func kindMatches(kind schema.FieldKind, raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	switch kind {
	case schema.KindAny:
		return true
	case schema.KindString:
		return trimmed[0] == '"'
	case schema.KindNumber:
		return trimmed[0] == '-' || (trimmed[0] >= '0' && trimmed[0] <= '9')
	case schema.KindBool:
		return trimmed[0] == 't' || trimmed[0] == 'f'
	case schema.KindObject:
		return trimmed[0] == '{'
	case schema.KindArray:
		return trimmed[0] == '['
	default:
		return false
	}
}
