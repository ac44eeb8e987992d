package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/flowmart/order-audit-trail/pkg/database"
)

// DeadLetterRepository is the durable sink for messages the pipeline
// refuses to persist. A DLQ entry is never deleted; operator-driven replay
// is the only way a dead-lettered message re-enters the pipeline.
type DeadLetterRepository struct {
	db      *gorm.DB
	cursors *CursorRepository
	logger  *zap.Logger
}

// NewDeadLetterRepository creates the DLQ sink.
func NewDeadLetterRepository(db *gorm.DB, cursors *CursorRepository, logger *zap.Logger) *DeadLetterRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetterRepository{db: db, cursors: cursors, logger: logger}
}

// Record inserts a dead-letter row and, when advanceCursor is set,
// advances the partition cursor in the same transaction. If the DLQ insert
// fails the whole transaction fails and the bus redelivers the message.
//
// Redeliveries of an already dead-lettered offset update the error fields
// in place instead of growing the table; first_seen is preserved.
func (r *DeadLetterRepository) Record(ctx context.Context, rec *DeadLetterRecord, coords BusCoordinates, advanceCursor bool) error {
	if rec.FirstSeen.IsZero() {
		rec.FirstSeen = time.Now().UTC()
	}
	rec.Topic = coords.Topic
	rec.Partition = coords.Partition
	rec.Offset = coords.Offset
	rec.Key = coords.Key

	err := database.WithTransactionCtx(ctx, r.db, func(tx *gorm.DB) error {
		insertErr := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "topic"}, {Name: "partition"}, {Name: "offset"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"error_kind", "error_detail", "schema_attempted"}),
		}).Create(rec).Error
		if insertErr != nil {
			return fmt.Errorf("insert dead letter: %w", insertErr)
		}
		if advanceCursor {
			return r.cursors.AdvanceTx(tx, coords.ConsumerGroup, coords.Topic, coords.Partition, coords.Offset+1)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("message dead-lettered",
		zap.String("topic", coords.Topic),
		zap.Int("partition", coords.Partition),
		zap.Int64("offset", coords.Offset),
		zap.String("error_kind", rec.ErrorKind),
	)
	return nil
}

// Get fetches one DLQ row by id.
func (r *DeadLetterRepository) Get(ctx context.Context, id int64) (*DeadLetterRecord, error) {
	var rec DeadLetterRecord
	err := r.db.WithContext(ctx).First(&rec, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get dead letter %d: %w", id, err)
	}
	return &rec, nil
}

// List returns DLQ rows for a topic ordered by first_seen, oldest first.
// An empty topic lists across all topics.
func (r *DeadLetterRepository) List(ctx context.Context, topic string, limit int) ([]DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Order("first_seen asc").Limit(limit)
	if topic != "" {
		q = q.Where("topic = ?", topic)
	}
	var recs []DeadLetterRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return recs, nil
}

// MarkRetried increments the retry counter and records the outcome of an
// operator-initiated replay. The retry counter is the only mutable DLQ
// field.
func (r *DeadLetterRepository) MarkRetried(ctx context.Context, id int64, outcome string) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&DeadLetterRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_count":        gorm.Expr("retry_count + 1"),
			"last_retry_at":      now,
			"last_retry_outcome": outcome,
		})
	if res.Error != nil {
		return fmt.Errorf("mark dead letter %d retried: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
