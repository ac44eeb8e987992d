package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SystemActor identifies ingester-originated audit-log entries.
const SystemActor = "system:ingester"

// AuditLogRepository writes operator-observable entries. The ingester only
// records batch commits; queries and replays are recorded by the read
// surface under its own actors.
type AuditLogRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewAuditLogRepository creates the audit-log repository.
func NewAuditLogRepository(db *gorm.DB, logger *zap.Logger) *AuditLogRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditLogRepository{db: db, logger: logger}
}

type batchCommitDetail struct {
	ConsumerGroup string `json:"consumer_group"`
	Topic         string `json:"topic"`
	Partition     int    `json:"partition"`
	ThroughOffset int64  `json:"through_offset"`
	MessageCount  int    `json:"message_count"`
	CommittedAt   string `json:"committed_at"`
}

// RecordBatchCommit writes the system-actor entry for a committed batch.
func (r *AuditLogRepository) RecordBatchCommit(ctx context.Context, group, topic string, partition int, throughOffset int64, messageCount int) error {
	detail, err := json.Marshal(batchCommitDetail{
		ConsumerGroup: group,
		Topic:         topic,
		Partition:     partition,
		ThroughOffset: throughOffset,
		MessageCount:  messageCount,
		CommittedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal batch commit detail: %w", err)
	}

	entry := AuditLogEntry{
		Actor:  SystemActor,
		Action: "batch_commit",
		Detail: detail,
	}
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("record batch commit: %w", err)
	}
	return nil
}
