package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/flowmart/order-audit-trail/internal/ingest"
	"github.com/flowmart/order-audit-trail/internal/schema"
	"github.com/flowmart/order-audit-trail/internal/store"
)

// Persister is the slice of the event repository the dispatcher needs.
type Persister interface {
	Persist(ctx context.Context, rec *store.EventRecord, coords store.BusCoordinates, advanceCursor bool) (store.PersistResult, error)
}

// DeadLetterSink is the slice of the DLQ repository the dispatcher needs.
type DeadLetterSink interface {
	Record(ctx context.Context, rec *store.DeadLetterRecord, coords store.BusCoordinates, advanceCursor bool) error
}

// Message is one delivery off the bus, decoupled from the consumer client.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Status is the dispatcher's disposition for a message. Any status other
// than StatusFailed means the message is durably accounted for and its
// offset may be committed.
type Status int

const (
	StatusPersisted Status = iota
	StatusDuplicate
	StatusDeadLettered
	StatusFailed
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusPersisted:
		return "Persisted"
	case StatusDuplicate:
		return "Duplicate"
	case StatusDeadLettered:
		return "DeadLettered"
	default:
		return "Failed"
	}
}

// DispatcherConfig configures per-message processing.
type DispatcherConfig struct {
	ConsumerGroup  string
	AdvanceCursor  bool
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Dispatcher runs one message through resolve, decode, validate and
// persist, and routes failures to the DLQ by error kind. Terminal kinds
// dead-letter immediately so one poison message never stalls a partition;
// transient store errors retry with exponential backoff before giving up.
type Dispatcher struct {
	registry  *schema.Registry
	validator *ingest.Validator
	persister Persister
	dlq       DeadLetterSink
	recorder  *Recorder
	metrics   *Metrics
	config    DispatcherConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewDispatcher wires the pipeline stages. recorder and metrics may be nil.
func NewDispatcher(
	registry *schema.Registry,
	validator *ingest.Validator,
	persister Persister,
	dlq DeadLetterSink,
	recorder *Recorder,
	metrics *Metrics,
	cfg DispatcherConfig,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry:  registry,
		validator: validator,
		persister: persister,
		dlq:       dlq,
		recorder:  recorder,
		metrics:   metrics,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Dispatch processes one delivery. A nil error means the message is
// accounted for (persisted, absorbed as a duplicate, or dead-lettered) and
// its offset is safe to commit. A non-nil error means nothing durable
// happened and the message must be redelivered.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) (Status, error) {
	return d.dispatch(ctx, msg, false)
}

// Reprocess is Dispatch for operator-driven replay. With force set, a
// message whose event row already exists reports ErrAlreadyPersisted
// instead of silently succeeding, so the operator sees that nothing new
// was written.
func (d *Dispatcher) Reprocess(ctx context.Context, msg Message, force bool) (Status, error) {
	return d.dispatch(ctx, msg, force)
}

func (d *Dispatcher) dispatch(ctx context.Context, msg Message, force bool) (Status, error) {
	start := d.now()
	coords := store.BusCoordinates{
		ConsumerGroup: d.config.ConsumerGroup,
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Key:           msg.Key,
	}

	desc, ok := d.registry.Resolve(msg.Topic)
	if !ok {
		detail := fmt.Sprintf("no schema registered for topic %s", msg.Topic)
		return d.deadLetter(ctx, msg, coords, KindUnknownTopic, detail, "", "", start)
	}

	env, err := ingest.Decode(msg.Value)
	if err != nil {
		return d.deadLetter(ctx, msg, coords, KindDeserialize, err.Error(), desc.EventType, "", start)
	}

	if err := d.validator.Validate(env, desc, d.now()); err != nil {
		return d.deadLetter(ctx, msg, coords, KindValidation, err.Error(), desc.EventType, env.EventType, start)
	}

	rec := recordFromEnvelope(env)
	result, err := d.persistWithRetry(ctx, rec, coords)
	switch {
	case err == nil && result == store.ResultCommitted:
		d.observe(env.EventType, msg.Topic, OutcomeSuccess, start)
		return StatusPersisted, nil

	case err == nil && result == store.ResultDuplicate:
		if d.metrics != nil {
			d.metrics.RecordDuplicate(msg.Topic)
		}
		d.observe(env.EventType, msg.Topic, OutcomeSuccess, start)
		if force {
			return StatusDuplicate, ErrAlreadyPersisted
		}
		return StatusDuplicate, nil

	case errors.Is(err, store.ErrVersionConflict):
		if d.metrics != nil {
			d.metrics.RecordVersionConflict(msg.Topic)
		}
		detail := fmt.Sprintf("aggregate %s/%s version %d already written by another event",
			env.AggregateType, env.AggregateID, env.Version)
		return d.deadLetter(ctx, msg, coords, KindVersionConflict, detail, desc.EventType, env.EventType, start)

	case ctx.Err() != nil:
		// Shutdown or deadline: nothing durable happened, the bus will
		// redeliver after restart.
		return StatusFailed, NewError(KindShutdown, err)

	default:
		d.logger.Error("persist retries exhausted",
			zap.String("event_id", env.EventID),
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return d.deadLetter(ctx, msg, coords, KindTransientStore, err.Error(), desc.EventType, env.EventType, start)
	}
}

// persistWithRetry retries transient store failures with exponential
// backoff up to MaxRetries. Constraint outcomes and non-transient errors
// stop the retry loop immediately.
func (d *Dispatcher) persistWithRetry(ctx context.Context, rec *store.EventRecord, coords store.BusCoordinates) (store.PersistResult, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.config.BackoffInitial
	bo.MaxInterval = d.config.BackoffMax
	bo.MaxElapsedTime = 0

	var result store.PersistResult
	operation := func() error {
		res, err := d.persister.Persist(ctx, rec, coords, d.config.AdvanceCursor)
		result = res
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrVersionConflict) || !store.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if d.metrics != nil {
			d.metrics.RecordRetry(coords.Topic)
		}
		d.logger.Warn("transient store error, retrying persist",
			zap.String("event_id", rec.EventID),
			zap.String("topic", coords.Topic),
			zap.Int64("offset", coords.Offset),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(
		operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(d.config.MaxRetries)), ctx),
		notify,
	)
	return result, err
}

// deadLetter routes a refused message to the DLQ. A DLQ write failure
// leaves the message unaccounted for, so the caller must not commit.
func (d *Dispatcher) deadLetter(ctx context.Context, msg Message, coords store.BusCoordinates, kind Kind, detail, schemaAttempted, eventType string, start time.Time) (Status, error) {
	rec := &store.DeadLetterRecord{
		Payload:         msg.Value,
		Headers:         encodeHeaders(msg.Headers),
		SchemaAttempted: schemaAttempted,
		ErrorKind:       string(kind),
		ErrorDetail:     detail,
		FirstSeen:       d.now().UTC(),
	}

	if err := d.dlq.Record(ctx, rec, coords, d.config.AdvanceCursor); err != nil {
		d.logger.Error("dead-letter write failed",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.String("error_kind", string(kind)),
			zap.Error(err),
		)
		return StatusFailed, fmt.Errorf("dead-letter %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}

	if d.metrics != nil {
		d.metrics.RecordDeadLetter(msg.Topic, kind)
	}
	d.observe(eventType, msg.Topic, OutcomeForKind(kind), start)
	return StatusDeadLettered, nil
}

// observe records the per-message sample in both sinks.
func (d *Dispatcher) observe(eventType, topic string, outcome Outcome, start time.Time) {
	elapsed := d.now().Sub(start)
	if d.metrics != nil {
		d.metrics.RecordOutcome(eventType, outcome, elapsed.Seconds())
	}
	if d.recorder != nil {
		d.recorder.Record(Sample{
			EventType: eventType,
			Topic:     topic,
			Outcome:   outcome,
			Duration:  elapsed,
		})
	}
}

// recordFromEnvelope maps a validated envelope to its store row. The bus
// coordinates are filled in by the persister.
func recordFromEnvelope(env *ingest.Envelope) *store.EventRecord {
	return &store.EventRecord{
		EventID:       env.EventID,
		EventType:     env.EventType,
		AggregateID:   env.AggregateID,
		AggregateType: env.AggregateType,
		Version:       env.Version,
		Timestamp:     env.Timestamp.UTC(),
		Source:        env.Source,
		EventData:     []byte(env.Payload),
		CorrelationID: env.CorrelationID,
		CausationID:   env.CausationID,
		UserID:        env.UserID,
	}
}

// encodeHeaders serializes bus headers for the DLQ row.
func encodeHeaders(headers map[string]string) []byte {
	if len(headers) == 0 {
		return nil
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return nil
	}
	return data
}
