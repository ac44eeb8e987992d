package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmart/order-audit-trail/internal/schema"
)

var testDescriptor = schema.Descriptor{
	EventType:     "OrderCreated",
	AggregateType: "Order",
	Payload: []schema.Field{
		{Name: "customer_id", Kind: schema.KindString, Required: true},
		{Name: "total_amount", Kind: schema.KindNumber, Required: true},
		{Name: "gift", Kind: schema.KindBool, Required: false},
	},
}

func validEnvelope() *Envelope {
	return &Envelope{
		EventID:       "11111111-1111-1111-1111-111111111111",
		EventType:     "OrderCreated",
		AggregateID:   "ORD-1",
		AggregateType: "Order",
		Version:       1,
		Timestamp:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Source:        "orders-svc",
		Payload:       json.RawMessage(`{"customer_id": "C-1", "total_amount": 10}`),
	}
}

func TestValidator_Valid(t *testing.T) {
	v := NewValidator(30*24*time.Hour, 5*time.Minute)
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	assert.NoError(t, v.Validate(validEnvelope(), testDescriptor, now))
}

func TestValidator_EnvelopeViolations(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	v := NewValidator(30*24*time.Hour, 5*time.Minute)

	tests := []struct {
		name      string
		mutate    func(*Envelope)
		wantField string
		wantCode  string
	}{
		{
			name:      "missing event_id",
			mutate:    func(e *Envelope) { e.EventID = "" },
			wantField: "event_id",
			wantCode:  "missing",
		},
		{
			name:      "malformed event_id",
			mutate:    func(e *Envelope) { e.EventID = "not-a-uuid" },
			wantField: "event_id",
			wantCode:  "malformed",
		},
		{
			name:      "event_type mismatch",
			mutate:    func(e *Envelope) { e.EventType = "OrderCancelled" },
			wantField: "event_type",
			wantCode:  "mismatch",
		},
		{
			name:      "missing aggregate_id",
			mutate:    func(e *Envelope) { e.AggregateID = "" },
			wantField: "aggregate_id",
			wantCode:  "missing",
		},
		{
			name:      "missing aggregate_type",
			mutate:    func(e *Envelope) { e.AggregateType = "" },
			wantField: "aggregate_type",
			wantCode:  "missing",
		},
		{
			name:      "missing source",
			mutate:    func(e *Envelope) { e.Source = "" },
			wantField: "source",
			wantCode:  "missing",
		},
		{
			name:      "zero version",
			mutate:    func(e *Envelope) { e.Version = 0 },
			wantField: "version",
			wantCode:  "out_of_range",
		},
		{
			name:      "negative version",
			mutate:    func(e *Envelope) { e.Version = -3 },
			wantField: "version",
			wantCode:  "out_of_range",
		},
		{
			name:      "missing timestamp",
			mutate:    func(e *Envelope) { e.Timestamp = time.Time{} },
			wantField: "timestamp",
			wantCode:  "missing",
		},
		{
			name:      "timestamp too old",
			mutate:    func(e *Envelope) { e.Timestamp = now.Add(-31 * 24 * time.Hour) },
			wantField: "timestamp",
			wantCode:  "out_of_range",
		},
		{
			name:      "timestamp too far ahead",
			mutate:    func(e *Envelope) { e.Timestamp = now.Add(10 * time.Minute) },
			wantField: "timestamp",
			wantCode:  "out_of_range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := validEnvelope()
			tt.mutate(env)

			err := v.Validate(env, testDescriptor, now)
			require.Error(t, err)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
			assert.Equal(t, tt.wantCode, verr.Code)
		})
	}
}

func TestValidator_TimestampWithinSkew(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	v := NewValidator(30*24*time.Hour, 5*time.Minute)

	env := validEnvelope()
	env.Timestamp = now.Add(4 * time.Minute)
	assert.NoError(t, v.Validate(env, testDescriptor, now))

	env.Timestamp = now.Add(-29 * 24 * time.Hour)
	assert.NoError(t, v.Validate(env, testDescriptor, now))
}

func TestValidator_PayloadShape(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	v := NewValidator(30*24*time.Hour, 5*time.Minute)

	tests := []struct {
		name      string
		payload   string
		wantField string
		wantCode  string
	}{
		{
			name:    "valid with optional absent",
			payload: `{"customer_id": "C-1", "total_amount": 10}`,
		},
		{
			name:    "valid with optional present",
			payload: `{"customer_id": "C-1", "total_amount": 10, "gift": true}`,
		},
		{
			name:    "unknown fields tolerated",
			payload: `{"customer_id": "C-1", "total_amount": 10, "later_addition": {"x": 1}}`,
		},
		{
			name:      "missing payload",
			payload:   "",
			wantField: "payload",
			wantCode:  "missing",
		},
		{
			name:      "null payload",
			payload:   "null",
			wantField: "payload",
			wantCode:  "missing",
		},
		{
			name:      "payload not an object",
			payload:   `[1, 2]`,
			wantField: "payload",
			wantCode:  "malformed",
		},
		{
			name:      "required field missing",
			payload:   `{"total_amount": 10}`,
			wantField: "payload.customer_id",
			wantCode:  "missing",
		},
		{
			name:      "required field null",
			payload:   `{"customer_id": null, "total_amount": 10}`,
			wantField: "payload.customer_id",
			wantCode:  "missing",
		},
		{
			name:      "wrong primitive type",
			payload:   `{"customer_id": "C-1", "total_amount": "ten"}`,
			wantField: "payload.total_amount",
			wantCode:  "wrong_type",
		},
		{
			name:      "optional field wrong type",
			payload:   `{"customer_id": "C-1", "total_amount": 10, "gift": "yes"}`,
			wantField: "payload.gift",
			wantCode:  "wrong_type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := validEnvelope()
			env.Payload = json.RawMessage(tt.payload)

			err := v.Validate(env, testDescriptor, now)
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
			assert.Equal(t, tt.wantCode, verr.Code)
		})
	}
}

func TestValidator_NoShapeConstraints(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	v := NewValidator(30*24*time.Hour, 5*time.Minute)

	desc := schema.Descriptor{EventType: "OrderCreated", AggregateType: "Order"}
	env := validEnvelope()
	env.Payload = nil

	// A descriptor without payload constraints accepts an absent payload.
	assert.NoError(t, v.Validate(env, desc, now))
}
