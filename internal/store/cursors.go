package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CursorRepository persists partition cursors for the store-co-located
// commit mode. Cursors advance monotonically; a smaller offset never
// overwrites a larger one.
type CursorRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewCursorRepository creates a cursor repository.
func NewCursorRepository(db *gorm.DB, logger *zap.Logger) *CursorRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CursorRepository{db: db, logger: logger}
}

// Advance moves the cursor for (group, topic, partition) up to nextOffset
// in its own transaction.
func (r *CursorRepository) Advance(ctx context.Context, group, topic string, partition int, nextOffset int64) error {
	return r.AdvanceTx(r.db.WithContext(ctx), group, topic, partition, nextOffset)
}

// AdvanceTx moves the cursor inside an existing transaction, so the event
// insert and cursor write commit or roll back together.
func (r *CursorRepository) AdvanceTx(tx *gorm.DB, group, topic string, partition int, nextOffset int64) error {
	cursor := PartitionCursor{
		ConsumerGroup: group,
		Topic:         topic,
		Partition:     partition,
		NextOffset:    nextOffset,
		UpdatedAt:     time.Now().UTC(),
	}

	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "consumer_group"}, {Name: "topic"}, {Name: "partition"},
		},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"next_offset": gorm.Expr(
				"CASE WHEN excluded.next_offset > partition_cursors.next_offset THEN excluded.next_offset ELSE partition_cursors.next_offset END",
			),
			"updated_at": time.Now().UTC(),
		}),
	}).Create(&cursor).Error
	if err != nil {
		return fmt.Errorf("advance cursor %s/%s/%d: %w", group, topic, partition, err)
	}
	return nil
}

// Get returns the persisted cursor, or ErrNotFound when the partition has
// never been committed.
func (r *CursorRepository) Get(ctx context.Context, group, topic string, partition int) (*PartitionCursor, error) {
	var cursor PartitionCursor
	err := r.db.WithContext(ctx).
		Where(`consumer_group = ? AND topic = ? AND "partition" = ?`, group, topic, partition).
		First(&cursor).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get cursor %s/%s/%d: %w", group, topic, partition, err)
	}
	return &cursor, nil
}
