package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/flowmart/order-audit-trail/pkg/database"
)

// PersistResult classifies the outcome of a persist attempt.
type PersistResult int

const (
	// ResultCommitted means a new event row was durably inserted.
	ResultCommitted PersistResult = iota
	// ResultDuplicate means the event_id already exists; the redelivery
	// was absorbed and counts as success.
	ResultDuplicate
	// ResultVersionConflict means a different event_id already claims the
	// same (aggregate_type, aggregate_id, version).
	ResultVersionConflict
	// ResultFailed means a non-constraint failure; the caller decides
	// whether to retry based on IsTransient.
	ResultFailed
)

// String implements fmt.Stringer.
func (r PersistResult) String() string {
	switch r {
	case ResultCommitted:
		return "Committed"
	case ResultDuplicate:
		return "Duplicate"
	case ResultVersionConflict:
		return "VersionConflict"
	default:
		return "Failed"
	}
}

// BusCoordinates identifies where a message came from on the bus.
type BusCoordinates struct {
	ConsumerGroup string
	Topic         string
	Partition     int
	Offset        int64
	Key           string
}

// EventRepository is the transactional persister for the append-only event
// store.
type EventRepository struct {
	db      *gorm.DB
	cursors *CursorRepository
	logger  *zap.Logger
}

// NewEventRepository creates the persister.
func NewEventRepository(db *gorm.DB, cursors *CursorRepository, logger *zap.Logger) *EventRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventRepository{db: db, cursors: cursors, logger: logger}
}

// Persist writes rec exactly once under the event_id idempotency key.
//
// When advanceCursor is true the partition cursor moves to offset+1 inside
// the same transaction, which makes the insert and the commit atomic. On a
// duplicate the insert rolls back but the cursor still advances: the
// message is accounted for.
func (r *EventRepository) Persist(ctx context.Context, rec *EventRecord, coords BusCoordinates, advanceCursor bool) (PersistResult, error) {
	rec.Topic = coords.Topic
	rec.Partition = coords.Partition
	rec.Offset = coords.Offset

	txErr := database.WithTransactionCtx(ctx, r.db, func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		if advanceCursor {
			return r.cursors.AdvanceTx(tx, coords.ConsumerGroup, coords.Topic, coords.Partition, coords.Offset+1)
		}
		return nil
	})
	if txErr == nil {
		return ResultCommitted, nil
	}

	switch r.classifyInsertError(ctx, txErr, rec) {
	case ErrDuplicateEvent:
		r.logger.Debug("duplicate event absorbed",
			zap.String("event_id", rec.EventID),
			zap.String("topic", coords.Topic),
			zap.Int64("offset", coords.Offset),
		)
		if advanceCursor {
			if err := r.cursors.Advance(ctx, coords.ConsumerGroup, coords.Topic, coords.Partition, coords.Offset+1); err != nil {
				return ResultFailed, err
			}
		}
		return ResultDuplicate, nil
	case ErrVersionConflict:
		r.logger.Warn("aggregate version conflict",
			zap.String("event_id", rec.EventID),
			zap.String("aggregate_type", rec.AggregateType),
			zap.String("aggregate_id", rec.AggregateID),
			zap.Int64("version", rec.Version),
		)
		return ResultVersionConflict, ErrVersionConflict
	}

	return ResultFailed, fmt.Errorf("persist event %s: %w", rec.EventID, txErr)
}

// classifyInsertError distinguishes the two unique constraints. The
// Postgres constraint name is authoritative; when it is unavailable (other
// drivers, older servers) existence lookups decide.
func (r *EventRepository) classifyInsertError(ctx context.Context, err error, rec *EventRecord) error {
	if name, unique := IsUniqueViolation(err); unique {
		switch name {
		case ConstraintEventID:
			return ErrDuplicateEvent
		case ConstraintAggregateVersion:
			return ErrVersionConflict
		}
	} else if IsTransient(err) {
		return err
	}

	// Fallback lookups run outside the failed transaction.
	var count int64
	if lookupErr := r.db.WithContext(ctx).Model(&EventRecord{}).
		Where("event_id = ?", rec.EventID).
		Count(&count).Error; lookupErr == nil && count > 0 {
		return ErrDuplicateEvent
	}
	if lookupErr := r.db.WithContext(ctx).Model(&EventRecord{}).
		Where("aggregate_type = ? AND aggregate_id = ? AND version = ?",
			rec.AggregateType, rec.AggregateID, rec.Version).
		Count(&count).Error; lookupErr == nil && count > 0 {
		return ErrVersionConflict
	}
	return err
}

// GetByEventID fetches a persisted event by its idempotency key.
func (r *EventRepository) GetByEventID(ctx context.Context, eventID string) (*EventRecord, error) {
	var rec EventRecord
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get event %s: %w", eventID, err)
	}
	return &rec, nil
}

// CountForAggregate returns how many events an aggregate has accumulated.
func (r *EventRepository) CountForAggregate(ctx context.Context, aggregateType, aggregateID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&EventRecord{}).
		Where("aggregate_type = ? AND aggregate_id = ?", aggregateType, aggregateID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count events for %s/%s: %w", aggregateType, aggregateID, err)
	}
	return count, nil
}
