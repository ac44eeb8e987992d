package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowmart/order-audit-trail/internal/pipeline"
	"github.com/flowmart/order-audit-trail/internal/store"
)

type fakeDLQStore struct {
	records map[int64]*store.DeadLetterRecord
	retried map[int64]string
}

func newFakeDLQStore(recs ...*store.DeadLetterRecord) *fakeDLQStore {
	f := &fakeDLQStore{
		records: make(map[int64]*store.DeadLetterRecord),
		retried: make(map[int64]string),
	}
	for _, rec := range recs {
		f.records[rec.ID] = rec
	}
	return f
}

func (f *fakeDLQStore) Get(_ context.Context, id int64) (*store.DeadLetterRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (f *fakeDLQStore) List(_ context.Context, topic string, limit int) ([]store.DeadLetterRecord, error) {
	var out []store.DeadLetterRecord
	for _, rec := range f.records {
		if topic == "" || rec.Topic == topic {
			out = append(out, *rec)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeDLQStore) MarkRetried(_ context.Context, id int64, outcome string) error {
	if _, ok := f.records[id]; !ok {
		return store.ErrNotFound
	}
	f.retried[id] = outcome
	return nil
}

type fakeRedispatcher struct {
	status pipeline.Status
	err    error
	seen   []pipeline.Message
	forced []bool
}

func (f *fakeRedispatcher) Reprocess(_ context.Context, msg pipeline.Message, force bool) (pipeline.Status, error) {
	f.seen = append(f.seen, msg)
	f.forced = append(f.forced, force)
	return f.status, f.err
}

func deadLetter(id int64, topic string) *store.DeadLetterRecord {
	return &store.DeadLetterRecord{
		ID:        id,
		Topic:     topic,
		Partition: 1,
		Offset:    77,
		Key:       "order-9",
		Payload:   []byte(`{"event_id":"x"}`),
		Headers:   []byte(`{"trace-id":"abc"}`),
		ErrorKind: "ValidationError",
		FirstSeen: time.Now().UTC(),
	}
}

func TestReplay_ReconstructsDelivery(t *testing.T) {
	dlq := newFakeDLQStore(deadLetter(1, "orders.order.created"))
	dispatcher := &fakeRedispatcher{status: pipeline.StatusPersisted}
	svc := NewService(dlq, dispatcher, zap.NewNop())

	res, err := svc.Replay(context.Background(), 1, false)

	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusPersisted, res.Status)
	assert.Equal(t, "Persisted", res.Outcome)

	require.Len(t, dispatcher.seen, 1)
	msg := dispatcher.seen[0]
	assert.Equal(t, "orders.order.created", msg.Topic)
	assert.Equal(t, 1, msg.Partition)
	assert.Equal(t, int64(77), msg.Offset)
	assert.Equal(t, "order-9", msg.Key)
	assert.Equal(t, []byte(`{"event_id":"x"}`), msg.Value)
	assert.Equal(t, "abc", msg.Headers["trace-id"])
	assert.False(t, dispatcher.forced[0])

	assert.Equal(t, "Persisted", dlq.retried[1])
}

func TestReplay_ForceReportsAlreadyPersisted(t *testing.T) {
	dlq := newFakeDLQStore(deadLetter(2, "orders.order.created"))
	dispatcher := &fakeRedispatcher{status: pipeline.StatusDuplicate, err: pipeline.ErrAlreadyPersisted}
	svc := NewService(dlq, dispatcher, zap.NewNop())

	res, err := svc.Replay(context.Background(), 2, true)

	require.NoError(t, err)
	assert.True(t, dispatcher.forced[0])
	assert.Equal(t, "AlreadyPersisted", res.Outcome)
	assert.ErrorIs(t, res.Err, pipeline.ErrAlreadyPersisted)
	assert.Equal(t, "AlreadyPersisted", dlq.retried[2])
}

func TestReplay_DispatchFailureRecorded(t *testing.T) {
	dlq := newFakeDLQStore(deadLetter(3, "orders.order.created"))
	dispatcher := &fakeRedispatcher{status: pipeline.StatusFailed, err: errors.New("store down")}
	svc := NewService(dlq, dispatcher, zap.NewNop())

	res, err := svc.Replay(context.Background(), 3, false)

	require.NoError(t, err)
	assert.Equal(t, "Failed", res.Outcome)
	assert.Error(t, res.Err)
	assert.Equal(t, "Failed", dlq.retried[3])
}

func TestReplay_UnknownID(t *testing.T) {
	svc := NewService(newFakeDLQStore(), &fakeRedispatcher{}, zap.NewNop())

	_, err := svc.Replay(context.Background(), 99, false)

	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReplayTopic_ContinuesPastFailures(t *testing.T) {
	dlq := newFakeDLQStore(
		deadLetter(1, "orders.order.created"),
		deadLetter(2, "orders.order.created"),
	)
	dispatcher := &fakeRedispatcher{status: pipeline.StatusPersisted}
	svc := NewService(dlq, dispatcher, zap.NewNop())

	results, err := svc.ReplayTopic(context.Background(), "orders.order.created", 10, false)

	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Len(t, dlq.retried, 2)
}
