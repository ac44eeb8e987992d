// Package consumer runs the Kafka side of the ingester: fetching,
// per-partition dispatch and manual offset commits.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/flowmart/order-audit-trail/internal/config"
	"github.com/flowmart/order-audit-trail/internal/pipeline"
)

// Handler processes one delivery. A nil error means the message is durably
// accounted for and its offset may be committed.
type Handler interface {
	Dispatch(ctx context.Context, msg pipeline.Message) (pipeline.Status, error)
}

// auditSink records batch commits in the operator audit log.
type auditSink interface {
	RecordBatchCommit(ctx context.Context, group, topic string, partition int, throughOffset int64, messageCount int) error
}

// messageReader is the slice of kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
	Close() error
}

// Config holds consumer settings.
type Config struct {
	Brokers          []string
	GroupID          string
	Topics           []string
	StartOffset      int64
	MinBytes         int
	MaxBytes         int
	MaxWait          time.Duration
	RebalanceTimeout time.Duration
	CommitInterval   time.Duration
	QueueDepth       int
	RedeliveryDelay  time.Duration
	ShutdownDeadline time.Duration
}

// FromBusConfig maps the file configuration onto consumer settings for the
// given topic subscription.
func FromBusConfig(bus config.BusConfig, pl config.PipelineConfig, topics []string) Config {
	start := kafka.FirstOffset
	if bus.AutoOffsetReset == "latest" {
		start = kafka.LastOffset
	}
	return Config{
		Brokers:          bus.BootstrapServers,
		GroupID:          bus.ConsumerGroupID,
		Topics:           topics,
		StartOffset:      start,
		MaxBytes:         bus.FetchMaxBytes,
		RebalanceTimeout: time.Duration(bus.MaxPollIntervalMs) * time.Millisecond,
		QueueDepth:       bus.MaxPollRecords,
		ShutdownDeadline: pl.ShutdownDeadline(),
	}
}

// Consumer fetches messages with manual commit control and dispatches them
// through the pipeline. Each partition is processed by a dedicated worker,
// which preserves per-partition order while partitions progress
// independently.
type Consumer struct {
	reader  messageReader
	handler Handler
	audit   auditSink
	tracker *commitTracker
	config  Config
	logger  *zap.Logger

	workers map[partitionKey]chan kafka.Message
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates a consumer subscribed to the configured topics. audit may be
// nil to skip audit-log entries.
func New(cfg Config, handler Handler, audit auditSink, logger *zap.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers list cannot be empty")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("group_id cannot be empty")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("topic list cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	applyDefaults(&cfg)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:          cfg.Brokers,
		GroupID:          cfg.GroupID,
		GroupTopics:      cfg.Topics,
		MinBytes:         cfg.MinBytes,
		MaxBytes:         cfg.MaxBytes,
		MaxWait:          cfg.MaxWait,
		StartOffset:      cfg.StartOffset,
		RebalanceTimeout: cfg.RebalanceTimeout,
		// CommitInterval stays zero: commits are explicit, driven by the
		// commit loop after messages are durably accounted for.
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), zap.String("component", "kafka-reader"))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), zap.String("component", "kafka-reader"))
		}),
	})

	return newWithReader(reader, cfg, handler, audit, logger), nil
}

func newWithReader(reader messageReader, cfg Config, handler Handler, audit auditSink, logger *zap.Logger) *Consumer {
	applyDefaults(&cfg)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		reader:  reader,
		handler: handler,
		audit:   audit,
		tracker: newCommitTracker(),
		config:  cfg,
		logger:  logger,
		workers: make(map[partitionKey]chan kafka.Message),
	}
}

func applyDefaults(cfg *Config) {
	if cfg.MinBytes == 0 {
		cfg.MinBytes = 1024
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 10 * 1024 * 1024
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = 500 * time.Millisecond
	}
	if cfg.CommitInterval == 0 {
		cfg.CommitInterval = time.Second
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 500
	}
	if cfg.RedeliveryDelay == 0 {
		cfg.RedeliveryDelay = time.Second
	}
	if cfg.ShutdownDeadline == 0 {
		cfg.ShutdownDeadline = 30 * time.Second
	}
}

// Run fetches and dispatches until ctx is cancelled, then drains in-flight
// work and flushes the last commit. It returns nil on a clean shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("starting consumer",
		zap.Strings("topics", c.config.Topics),
		zap.String("group_id", c.config.GroupID),
	)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	commitCtx, stopCommits := context.WithCancel(ctx)
	defer stopCommits()
	commitDone := make(chan struct{})
	go c.commitLoop(commitCtx, commitDone)

	var fetchErr error
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				break
			}
			c.logger.Error("fetch message failed", zap.Error(err))
			fetchErr = fmt.Errorf("fetch message: %w", err)
			break
		}
		c.route(ctx, workerCtx, msg)
	}

	c.shutdown(cancelWorkers)
	stopCommits()
	<-commitDone
	c.flushCommits()

	if err := c.reader.Close(); err != nil {
		c.logger.Error("close reader failed", zap.Error(err))
		if fetchErr == nil {
			fetchErr = fmt.Errorf("close reader: %w", err)
		}
	}

	c.logger.Info("consumer stopped")
	return fetchErr
}

// route hands the message to its partition worker, creating the worker on
// first sight of the partition. Only the fetch loop touches the worker map.
func (c *Consumer) route(ctx, workerCtx context.Context, msg kafka.Message) {
	key := partitionKey{topic: msg.Topic, partition: msg.Partition}
	ch, ok := c.workers[key]
	if !ok {
		ch = make(chan kafka.Message, c.config.QueueDepth)
		c.workers[key] = ch
		c.wg.Add(1)
		go c.workerLoop(workerCtx, key, ch)
		c.logger.Debug("partition worker started",
			zap.String("topic", key.topic),
			zap.Int("partition", key.partition),
		)
	}

	select {
	case ch <- msg:
	case <-ctx.Done():
	}
}

// workerLoop processes one partition serially. A dispatch failure that is
// not a shutdown is retried in place after a delay; skipping it would lose
// the message, since the fetch position has already moved past it.
func (c *Consumer) workerLoop(ctx context.Context, key partitionKey, ch <-chan kafka.Message) {
	defer c.wg.Done()

	for msg := range ch {
		for {
			status, err := c.handler.Dispatch(ctx, toPipelineMessage(msg))
			if err == nil {
				c.tracker.markProcessed(msg)
				break
			}
			if ctx.Err() != nil || pipeline.KindOf(err) == pipeline.KindShutdown {
				return
			}

			c.logger.Warn("dispatch failed, retrying delivery",
				zap.String("topic", key.topic),
				zap.Int("partition", key.partition),
				zap.Int64("offset", msg.Offset),
				zap.String("status", status.String()),
				zap.Error(err),
			)
			select {
			case <-time.After(c.config.RedeliveryDelay):
			case <-ctx.Done():
				return
			}
		}
	}
}

// commitLoop periodically commits the processed frontier and logs lag.
func (c *Consumer) commitLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.config.CommitInterval)
	defer ticker.Stop()

	lagEvery := int(30 * time.Second / c.config.CommitInterval)
	if lagEvery < 1 {
		lagEvery = 1
	}

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.commit(ctx)
			ticks++
			if ticks%lagEvery == 0 {
				stats := c.reader.Stats()
				c.logger.Info("consumer progress",
					zap.Int64("lag", stats.Lag),
					zap.Int64("messages", stats.Messages),
					zap.Int64("errors", stats.Errors),
				)
			}
		}
	}
}

// commit flushes the tracker frontier to the broker and records one audit
// entry per committed partition.
func (c *Consumer) commit(ctx context.Context) error {
	msgs, counts := c.tracker.drain()
	if len(msgs) == 0 {
		return nil
	}

	if err := c.reader.CommitMessages(ctx, msgs...); err != nil {
		c.tracker.restore(msgs, counts)
		if ctx.Err() == nil {
			c.logger.Error("offset commit failed", zap.Error(err), zap.Int("partitions", len(msgs)))
		}
		return err
	}

	for _, msg := range msgs {
		key := partitionKey{topic: msg.Topic, partition: msg.Partition}
		c.logger.Debug("offsets committed",
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("through_offset", msg.Offset),
			zap.Int("message_count", counts[key]),
		)
		if c.audit == nil {
			continue
		}
		if err := c.audit.RecordBatchCommit(ctx, c.config.GroupID, msg.Topic, msg.Partition, msg.Offset, counts[key]); err != nil {
			// The commit already happened; the audit entry is best effort.
			c.logger.Warn("audit batch-commit entry failed", zap.Error(err))
		}
	}
	return nil
}

// shutdown closes worker queues and waits for in-flight messages up to the
// shutdown deadline, then cancels whatever is still running.
func (c *Consumer) shutdown(cancelWorkers context.CancelFunc) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.logger.Info("draining partition workers", zap.Int("workers", len(c.workers)))

	for _, ch := range c.workers {
		close(ch)
	}

	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(c.config.ShutdownDeadline):
		c.logger.Warn("shutdown deadline exceeded, abandoning in-flight messages")
		cancelWorkers()
		<-drained
	}
}

// flushCommits writes the final frontier after the drain, on its own
// context because the run context is already cancelled. Losing the final
// commit only causes redelivery, but a couple of retries usually ride out
// a momentary broker hiccup.
func (c *Consumer) flushCommits() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for attempt := 0; attempt < 3; attempt++ {
		if err := c.commit(ctx); err == nil {
			return
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
}

// toPipelineMessage converts a bus delivery into the pipeline's transport
// shape.
func toPipelineMessage(msg kafka.Message) pipeline.Message {
	var headers map[string]string
	if len(msg.Headers) > 0 {
		headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			headers[h.Key] = string(h.Value)
		}
	}
	return pipeline.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Timestamp: msg.Time,
	}
}
