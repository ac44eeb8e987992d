// Package ingest turns raw bus payloads into validated envelope records.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is the producer contract framing every domain event.
//
// Payload is kept as raw bytes exactly as received. A future signature
// scheme depends on the stored event_data matching the wire bytes, so the
// payload is never re-serialized through a typed struct.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Version       int64           `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// DecodeError reports a failure to parse raw bytes into an Envelope, with
// the byte offset and field name when the decoder can provide them.
type DecodeError struct {
	Offset int64
	Field  string
	Err    error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("decode envelope: field %s: %v", e.Field, e.Err)
	case e.Offset > 0:
		return fmt.Sprintf("decode envelope: at byte %d: %v", e.Offset, e.Err)
	default:
		return fmt.Sprintf("decode envelope: %v", e.Err)
	}
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode parses raw message bytes into an Envelope. Unknown envelope and
// payload fields are tolerated; the payload bytes are preserved verbatim.
func Decode(raw []byte) (*Envelope, error) {
	if len(raw) == 0 {
		return nil, &DecodeError{Err: errors.New("empty message body")}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			return nil, &DecodeError{Offset: syn.Offset, Err: err}
		}
		var typ *json.UnmarshalTypeError
		if errors.As(err, &typ) {
			return nil, &DecodeError{Offset: typ.Offset, Field: typ.Field, Err: err}
		}
		return nil, &DecodeError{Err: err}
	}

	return &env, nil
}
