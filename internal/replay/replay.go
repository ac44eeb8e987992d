// Package replay re-dispatches dead-lettered messages on operator demand.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/flowmart/order-audit-trail/internal/pipeline"
	"github.com/flowmart/order-audit-trail/internal/store"
)

// Redispatcher re-runs a reconstructed delivery through the pipeline.
type Redispatcher interface {
	Reprocess(ctx context.Context, msg pipeline.Message, force bool) (pipeline.Status, error)
}

// deadLetterStore is the slice of the DLQ repository the replayer needs.
type deadLetterStore interface {
	Get(ctx context.Context, id int64) (*store.DeadLetterRecord, error)
	List(ctx context.Context, topic string, limit int) ([]store.DeadLetterRecord, error)
	MarkRetried(ctx context.Context, id int64, outcome string) error
}

// Result reports one replay attempt. Err is ErrAlreadyPersisted when the
// forced replay found the event row already in place.
type Result struct {
	ID      int64
	Status  pipeline.Status
	Outcome string
	Err     error
}

// Service replays DLQ entries. Replay never deletes a DLQ row; each attempt
// increments the retry counter and records its outcome.
type Service struct {
	dlq        deadLetterStore
	dispatcher Redispatcher
	logger     *zap.Logger
}

// NewService creates the replay service.
func NewService(dlq deadLetterStore, dispatcher Redispatcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{dlq: dlq, dispatcher: dispatcher, logger: logger}
}

// List exposes DLQ browsing for replay tooling.
func (s *Service) List(ctx context.Context, topic string, limit int) ([]store.DeadLetterRecord, error) {
	return s.dlq.List(ctx, topic, limit)
}

// Replay re-dispatches one DLQ entry by id. With force set, an event that
// was persisted after the dead-lettering reports ErrAlreadyPersisted in the
// result instead of a silent success.
func (s *Service) Replay(ctx context.Context, id int64, force bool) (*Result, error) {
	rec, err := s.dlq.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load dead letter %d: %w", id, err)
	}

	status, dispatchErr := s.dispatcher.Reprocess(ctx, messageFromRecord(rec), force)
	outcome := outcomeFor(status, dispatchErr)

	if err := s.dlq.MarkRetried(ctx, id, outcome); err != nil {
		// The replay itself already happened; surface the bookkeeping
		// failure without discarding the result.
		s.logger.Warn("mark retried failed", zap.Int64("dlq_id", id), zap.Error(err))
	}

	s.logger.Info("dead letter replayed",
		zap.Int64("dlq_id", id),
		zap.String("topic", rec.Topic),
		zap.Int("partition", rec.Partition),
		zap.Int64("offset", rec.Offset),
		zap.String("outcome", outcome),
	)

	return &Result{ID: id, Status: status, Outcome: outcome, Err: dispatchErr}, nil
}

// ReplayTopic replays up to limit entries for a topic, oldest first. One
// failing entry does not stop the rest.
func (s *Service) ReplayTopic(ctx context.Context, topic string, limit int, force bool) ([]Result, error) {
	recs, err := s.dlq.List(ctx, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters for %s: %w", topic, err)
	}

	results := make([]Result, 0, len(recs))
	for _, rec := range recs {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		res, err := s.Replay(ctx, rec.ID, force)
		if err != nil {
			results = append(results, Result{ID: rec.ID, Status: pipeline.StatusFailed, Outcome: "Failed", Err: err})
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}

// outcomeFor names the replay outcome recorded on the DLQ row.
func outcomeFor(status pipeline.Status, err error) string {
	switch {
	case errors.Is(err, pipeline.ErrAlreadyPersisted):
		return "AlreadyPersisted"
	case err != nil:
		return "Failed"
	default:
		return status.String()
	}
}

// messageFromRecord rebuilds the original delivery from the stored bytes
// and coordinates.
func messageFromRecord(rec *store.DeadLetterRecord) pipeline.Message {
	var headers map[string]string
	if len(rec.Headers) > 0 {
		// Headers were stored by this pipeline; a decode failure just means
		// the replay runs without them.
		_ = json.Unmarshal(rec.Headers, &headers)
	}
	return pipeline.Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Payload,
		Headers:   headers,
		Timestamp: rec.FirstSeen,
	}
}
