package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowmart/order-audit-trail/internal/ingest"
	"github.com/flowmart/order-audit-trail/internal/schema"
	"github.com/flowmart/order-audit-trail/internal/store"
)

type persistCall struct {
	result store.PersistResult
	err    error
}

type fakePersister struct {
	script   []persistCall
	attempts int
	last     *store.EventRecord
	coords   store.BusCoordinates
	advance  bool
}

func (f *fakePersister) Persist(_ context.Context, rec *store.EventRecord, coords store.BusCoordinates, advanceCursor bool) (store.PersistResult, error) {
	f.attempts++
	f.last = rec
	f.coords = coords
	f.advance = advanceCursor
	call := f.script[0]
	if len(f.script) > 1 {
		f.script = f.script[1:]
	}
	return call.result, call.err
}

type fakeDLQ struct {
	err      error
	recorded []*store.DeadLetterRecord
	coords   []store.BusCoordinates
	advance  bool
}

func (f *fakeDLQ) Record(_ context.Context, rec *store.DeadLetterRecord, coords store.BusCoordinates, advanceCursor bool) error {
	if f.err != nil {
		return f.err
	}
	f.recorded = append(f.recorded, rec)
	f.coords = append(f.coords, coords)
	f.advance = advanceCursor
	return nil
}

func newTestDispatcher(persister Persister, dlq DeadLetterSink) *Dispatcher {
	return NewDispatcher(
		schema.Default(),
		ingest.NewValidator(30*24*time.Hour, 5*time.Minute),
		persister,
		dlq,
		nil,
		nil,
		DispatcherConfig{
			ConsumerGroup:  "audit-test",
			AdvanceCursor:  true,
			MaxRetries:     3,
			BackoffInitial: time.Millisecond,
			BackoffMax:     2 * time.Millisecond,
		},
		zap.NewNop(),
	)
}

func orderCreatedMessage(t *testing.T) Message {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event_id":       uuid.NewString(),
		"event_type":     "OrderCreated",
		"aggregate_id":   "order-7001",
		"aggregate_type": "Order",
		"version":        1,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"source":         "order-service",
		"correlation_id": "corr-1",
		"payload": map[string]any{
			"customer_id":  "cust-1",
			"total_amount": 99.95,
			"currency":     "EUR",
			"lines":        []any{map[string]any{"sku": "SKU-1", "qty": 2}},
		},
	})
	require.NoError(t, err)
	return Message{
		Topic:     "orders.order.created",
		Partition: 2,
		Offset:    42,
		Key:       "order-7001",
		Value:     body,
		Headers:   map[string]string{"trace-id": "abc"},
		Timestamp: time.Now().UTC(),
	}
}

func TestDispatch_PersistsValidMessage(t *testing.T) {
	persister := &fakePersister{script: []persistCall{{result: store.ResultCommitted}}}
	dlq := &fakeDLQ{}
	d := newTestDispatcher(persister, dlq)

	status, err := d.Dispatch(context.Background(), orderCreatedMessage(t))

	require.NoError(t, err)
	assert.Equal(t, StatusPersisted, status)
	assert.Equal(t, 1, persister.attempts)
	assert.Empty(t, dlq.recorded)

	assert.Equal(t, "OrderCreated", persister.last.EventType)
	assert.Equal(t, "Order", persister.last.AggregateType)
	assert.Equal(t, int64(1), persister.last.Version)
	assert.True(t, persister.advance)
	assert.Equal(t, store.BusCoordinates{
		ConsumerGroup: "audit-test",
		Topic:         "orders.order.created",
		Partition:     2,
		Offset:        42,
		Key:           "order-7001",
	}, persister.coords)
}

func TestDispatch_PayloadBytesPreserved(t *testing.T) {
	persister := &fakePersister{script: []persistCall{{result: store.ResultCommitted}}}
	d := newTestDispatcher(persister, &fakeDLQ{})

	msg := orderCreatedMessage(t)
	_, err := d.Dispatch(context.Background(), msg)
	require.NoError(t, err)

	var env ingest.Envelope
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	assert.Equal(t, []byte(env.Payload), persister.last.EventData)
}

func TestDispatch_DuplicateAbsorbed(t *testing.T) {
	persister := &fakePersister{script: []persistCall{{result: store.ResultDuplicate}}}
	dlq := &fakeDLQ{}
	d := newTestDispatcher(persister, dlq)

	status, err := d.Dispatch(context.Background(), orderCreatedMessage(t))

	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, status)
	assert.Empty(t, dlq.recorded)
}

func TestReprocess_ForceReportsAlreadyPersisted(t *testing.T) {
	persister := &fakePersister{script: []persistCall{{result: store.ResultDuplicate}}}
	d := newTestDispatcher(persister, &fakeDLQ{})

	status, err := d.Reprocess(context.Background(), orderCreatedMessage(t), true)

	assert.Equal(t, StatusDuplicate, status)
	assert.ErrorIs(t, err, ErrAlreadyPersisted)
}

func TestDispatch_VersionConflictDeadLetters(t *testing.T) {
	persister := &fakePersister{script: []persistCall{
		{result: store.ResultVersionConflict, err: store.ErrVersionConflict},
	}}
	dlq := &fakeDLQ{}
	d := newTestDispatcher(persister, dlq)

	status, err := d.Dispatch(context.Background(), orderCreatedMessage(t))

	require.NoError(t, err)
	assert.Equal(t, StatusDeadLettered, status)
	assert.Equal(t, 1, persister.attempts)
	require.Len(t, dlq.recorded, 1)
	assert.Equal(t, string(KindVersionConflict), dlq.recorded[0].ErrorKind)
	assert.Contains(t, dlq.recorded[0].ErrorDetail, "Order/order-7001 version 1")
}

func TestDispatch_UnknownTopicDeadLetters(t *testing.T) {
	persister := &fakePersister{script: []persistCall{{result: store.ResultCommitted}}}
	dlq := &fakeDLQ{}
	d := newTestDispatcher(persister, dlq)

	msg := orderCreatedMessage(t)
	msg.Topic = "orders.order.archived"
	status, err := d.Dispatch(context.Background(), msg)

	require.NoError(t, err)
	assert.Equal(t, StatusDeadLettered, status)
	assert.Zero(t, persister.attempts)
	require.Len(t, dlq.recorded, 1)
	assert.Equal(t, string(KindUnknownTopic), dlq.recorded[0].ErrorKind)
	assert.Empty(t, dlq.recorded[0].SchemaAttempted)
	assert.Equal(t, msg.Value, dlq.recorded[0].Payload)
}

func TestDispatch_MalformedBodyDeadLetters(t *testing.T) {
	persister := &fakePersister{script: []persistCall{{result: store.ResultCommitted}}}
	dlq := &fakeDLQ{}
	d := newTestDispatcher(persister, dlq)

	msg := orderCreatedMessage(t)
	msg.Value = []byte(`{"event_id": `)
	status, err := d.Dispatch(context.Background(), msg)

	require.NoError(t, err)
	assert.Equal(t, StatusDeadLettered, status)
	assert.Zero(t, persister.attempts)
	require.Len(t, dlq.recorded, 1)
	assert.Equal(t, string(KindDeserialize), dlq.recorded[0].ErrorKind)
	assert.Equal(t, "OrderCreated", dlq.recorded[0].SchemaAttempted)
}

func TestDispatch_ValidationFailureDeadLetters(t *testing.T) {
	persister := &fakePersister{script: []persistCall{{result: store.ResultCommitted}}}
	dlq := &fakeDLQ{}
	d := newTestDispatcher(persister, dlq)

	msg := orderCreatedMessage(t)
	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	body["version"] = 0
	msg.Value, _ = json.Marshal(body)

	status, err := d.Dispatch(context.Background(), msg)

	require.NoError(t, err)
	assert.Equal(t, StatusDeadLettered, status)
	assert.Zero(t, persister.attempts)
	require.Len(t, dlq.recorded, 1)
	assert.Equal(t, string(KindValidation), dlq.recorded[0].ErrorKind)
	assert.Contains(t, dlq.recorded[0].ErrorDetail, "version")
}

func TestDispatch_TransientErrorRetriesThenSucceeds(t *testing.T) {
	transient := &pgconn.PgError{Code: "08006"}
	persister := &fakePersister{script: []persistCall{
		{result: store.ResultFailed, err: transient},
		{result: store.ResultFailed, err: transient},
		{result: store.ResultCommitted},
	}}
	dlq := &fakeDLQ{}
	d := newTestDispatcher(persister, dlq)

	status, err := d.Dispatch(context.Background(), orderCreatedMessage(t))

	require.NoError(t, err)
	assert.Equal(t, StatusPersisted, status)
	assert.Equal(t, 3, persister.attempts)
	assert.Empty(t, dlq.recorded)
}

func TestDispatch_RetriesExhaustedDeadLetters(t *testing.T) {
	persister := &fakePersister{script: []persistCall{
		{result: store.ResultFailed, err: &pgconn.PgError{Code: "40001"}},
	}}
	dlq := &fakeDLQ{}
	d := newTestDispatcher(persister, dlq)

	status, err := d.Dispatch(context.Background(), orderCreatedMessage(t))

	require.NoError(t, err)
	assert.Equal(t, StatusDeadLettered, status)
	// Initial attempt plus MaxRetries.
	assert.Equal(t, 4, persister.attempts)
	require.Len(t, dlq.recorded, 1)
	assert.Equal(t, string(KindTransientStore), dlq.recorded[0].ErrorKind)
}

func TestDispatch_NonTransientErrorSkipsRetries(t *testing.T) {
	persister := &fakePersister{script: []persistCall{
		{result: store.ResultFailed, err: errors.New("value too long for column")},
	}}
	dlq := &fakeDLQ{}
	d := newTestDispatcher(persister, dlq)

	status, err := d.Dispatch(context.Background(), orderCreatedMessage(t))

	require.NoError(t, err)
	assert.Equal(t, StatusDeadLettered, status)
	assert.Equal(t, 1, persister.attempts)
	require.Len(t, dlq.recorded, 1)
	assert.Equal(t, string(KindTransientStore), dlq.recorded[0].ErrorKind)
}

func TestDispatch_DeadLetterWriteFailureFails(t *testing.T) {
	persister := &fakePersister{script: []persistCall{{result: store.ResultCommitted}}}
	dlq := &fakeDLQ{err: errors.New("dlq insert failed")}
	d := newTestDispatcher(persister, dlq)

	msg := orderCreatedMessage(t)
	msg.Value = []byte("not json")
	status, err := d.Dispatch(context.Background(), msg)

	assert.Equal(t, StatusFailed, status)
	assert.Error(t, err)
}

func TestDispatch_ContextCancelledDuringRetry(t *testing.T) {
	persister := &fakePersister{script: []persistCall{
		{result: store.ResultFailed, err: &pgconn.PgError{Code: "08006"}},
	}}
	dlq := &fakeDLQ{}
	d := newTestDispatcher(persister, dlq)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	status, err := d.Dispatch(ctx, orderCreatedMessage(t))

	assert.Equal(t, StatusFailed, status)
	assert.Equal(t, KindShutdown, KindOf(err))
	assert.Empty(t, dlq.recorded)
}

func TestDispatch_HeadersStoredOnDeadLetter(t *testing.T) {
	dlq := &fakeDLQ{}
	d := newTestDispatcher(&fakePersister{script: []persistCall{{result: store.ResultCommitted}}}, dlq)

	msg := orderCreatedMessage(t)
	msg.Value = []byte("{")
	_, err := d.Dispatch(context.Background(), msg)
	require.NoError(t, err)

	require.Len(t, dlq.recorded, 1)
	var headers map[string]string
	require.NoError(t, json.Unmarshal(dlq.recorded[0].Headers, &headers))
	assert.Equal(t, "abc", headers["trace-id"])
}

func TestKindTerminal(t *testing.T) {
	assert.True(t, KindUnknownTopic.Terminal())
	assert.True(t, KindDeserialize.Terminal())
	assert.True(t, KindValidation.Terminal())
	assert.True(t, KindVersionConflict.Terminal())
	assert.False(t, KindTransientStore.Terminal())
	assert.False(t, KindTransientBus.Terminal())
	assert.False(t, KindShutdown.Terminal())
}

func TestOutcomeForKind(t *testing.T) {
	assert.Equal(t, OutcomeValidationFailed, OutcomeForKind(KindDeserialize))
	assert.Equal(t, OutcomeValidationFailed, OutcomeForKind(KindValidation))
	assert.Equal(t, OutcomePersistFailed, OutcomeForKind(KindVersionConflict))
	assert.Equal(t, OutcomePersistFailed, OutcomeForKind(KindTransientStore))
	assert.Equal(t, OutcomeUnknown, OutcomeForKind(KindUnknownTopic))
}
