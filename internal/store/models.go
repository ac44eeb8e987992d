// Package store owns the durable audit state: the append-only event store,
// the dead-letter table, partition cursors, processing metrics and the
// operator audit log.
package store

import (
	"time"
)

// Named unique constraints on the events table. The persister classifies
// insert collisions by these names, so migrations and models must agree.
const (
	ConstraintEventID          = "uq_events_event_id"
	ConstraintAggregateVersion = "uq_events_aggregate_version"
)

// EventRecord is the canonical audit entry. Rows are inserted exactly once
// and never updated or deleted by the pipeline.
type EventRecord struct {
	ID            int64     `gorm:"primaryKey;autoIncrement"`
	EventID       string    `gorm:"column:event_id;size:64;not null;uniqueIndex:uq_events_event_id"`
	EventType     string    `gorm:"column:event_type;size:128;not null;index:idx_events_type_timestamp,priority:1"`
	AggregateID   string    `gorm:"column:aggregate_id;size:128;not null;uniqueIndex:uq_events_aggregate_version,priority:2"`
	AggregateType string    `gorm:"column:aggregate_type;size:64;not null;uniqueIndex:uq_events_aggregate_version,priority:1"`
	Version       int64     `gorm:"column:version;not null;uniqueIndex:uq_events_aggregate_version,priority:3"`
	Timestamp     time.Time `gorm:"column:timestamp;not null;index:idx_events_type_timestamp,priority:2"`
	Source        string    `gorm:"column:source;size:128;not null"`
	Topic         string    `gorm:"column:topic;size:255;not null"`
	Partition     int       `gorm:"column:partition;not null"`
	Offset        int64     `gorm:"column:offset;not null"`
	// EventData holds the payload bytes exactly as received off the bus,
	// stored as raw bytes so nothing re-normalizes them.
	EventData     []byte    `gorm:"column:event_data;not null"`
	CorrelationID string    `gorm:"column:correlation_id;size:128;index:idx_events_correlation"`
	CausationID   string    `gorm:"column:causation_id;size:128"`
	UserID        string    `gorm:"column:user_id;size:128"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;autoCreateTime"`
}

// TableName implements the gorm Tabler interface.
func (EventRecord) TableName() string {
	return "events"
}

// DeadLetterRecord captures a message the pipeline refused to persist,
// with enough context for a replay tool to reconstruct the delivery.
type DeadLetterRecord struct {
	ID              int64     `gorm:"primaryKey;autoIncrement"`
	Topic           string    `gorm:"column:topic;size:255;not null;uniqueIndex:uq_dlq_coordinates,priority:1;index:idx_dlq_topic_first_seen,priority:1"`
	Partition       int       `gorm:"column:partition;not null;uniqueIndex:uq_dlq_coordinates,priority:2"`
	Offset          int64     `gorm:"column:offset;not null;uniqueIndex:uq_dlq_coordinates,priority:3"`
	Key             string    `gorm:"column:key;size:255"`
	Payload         []byte    `gorm:"column:payload"`
	Headers         []byte    `gorm:"column:headers"`
	SchemaAttempted string    `gorm:"column:schema_attempted;size:128"`
	ErrorKind       string    `gorm:"column:error_kind;size:64;not null"`
	ErrorDetail     string    `gorm:"column:error_detail"`
	FirstSeen       time.Time `gorm:"column:first_seen;not null;index:idx_dlq_topic_first_seen,priority:2"`
	RetryCount      int       `gorm:"column:retry_count;not null;default:0"`
	LastRetryAt     *time.Time `gorm:"column:last_retry_at"`
	LastRetryOutcome string   `gorm:"column:last_retry_outcome;size:64"`
}

// TableName implements the gorm Tabler interface.
func (DeadLetterRecord) TableName() string {
	return "dlq"
}

// ProcessingMetric is a per-message counter record flushed in batches.
// Metrics are diagnostic: under load entries may be dropped before they
// reach this table.
type ProcessingMetric struct {
	ID               int64     `gorm:"primaryKey;autoIncrement"`
	EventType        string    `gorm:"column:event_type;size:128;index:idx_metrics_type_created,priority:1"`
	Topic            string    `gorm:"column:topic;size:255"`
	Outcome          string    `gorm:"column:outcome;size:32;not null"`
	ProcessingTimeMs int64     `gorm:"column:processing_time_ms;not null"`
	CreatedAt        time.Time `gorm:"column:created_at;not null;index:idx_metrics_type_created,priority:2"`
}

// TableName implements the gorm Tabler interface.
func (ProcessingMetric) TableName() string {
	return "metrics"
}

// PartitionCursor is the highest bus offset the pipeline has durably
// accounted for on a partition. NextOffset only ever grows.
type PartitionCursor struct {
	ID            int64     `gorm:"primaryKey;autoIncrement"`
	ConsumerGroup string    `gorm:"column:consumer_group;size:128;not null;uniqueIndex:uq_cursors_identity,priority:1"`
	Topic         string    `gorm:"column:topic;size:255;not null;uniqueIndex:uq_cursors_identity,priority:2"`
	Partition     int       `gorm:"column:partition;not null;uniqueIndex:uq_cursors_identity,priority:3"`
	NextOffset    int64     `gorm:"column:next_offset;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null;autoUpdateTime"`
}

// TableName implements the gorm Tabler interface.
func (PartitionCursor) TableName() string {
	return "partition_cursors"
}

// AuditLogEntry records operator-observable actions. The ingester writes a
// system-actor entry per successful batch commit; everything else comes
// from the read surface.
type AuditLogEntry struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Actor     string    `gorm:"column:actor;size:128;not null"`
	Action    string    `gorm:"column:action;size:64;not null"`
	Detail    []byte    `gorm:"column:detail"`
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime"`
}

// TableName implements the gorm Tabler interface.
func (AuditLogEntry) TableName() string {
	return "audit_log"
}
