package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MetricsRepository batch-inserts processing metrics. Writes here are
// best effort; metric durability is never coupled to event durability.
type MetricsRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewMetricsRepository creates the metrics repository.
func NewMetricsRepository(db *gorm.DB, logger *zap.Logger) *MetricsRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetricsRepository{db: db, logger: logger}
}

// InsertBatch writes a drained batch of metric rows in one statement.
func (r *MetricsRepository) InsertBatch(ctx context.Context, metrics []ProcessingMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(metrics, 500).Error; err != nil {
		return fmt.Errorf("insert metrics batch: %w", err)
	}
	return nil
}

// CountByOutcome returns metric row counts grouped by outcome, used by
// tests and operational tooling.
func (r *MetricsRepository) CountByOutcome(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Outcome string
		N       int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&ProcessingMetric{}).
		Select("outcome, count(*) as n").
		Group("outcome").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count metrics by outcome: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Outcome] = r.N
	}
	return out, nil
}
