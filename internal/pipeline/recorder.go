package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowmart/order-audit-trail/internal/store"
)

// metricsSink is the slice of the metrics repository the recorder needs.
type metricsSink interface {
	InsertBatch(ctx context.Context, metrics []store.ProcessingMetric) error
}

// Sample is one per-message measurement reported by the dispatcher.
type Sample struct {
	EventType string
	Topic     string
	Outcome   Outcome
	Duration  time.Duration
}

// RecorderConfig configures the metrics recorder.
type RecorderConfig struct {
	QueueCapacity  int
	FlushInterval  time.Duration
	FlushThreshold int
	FlushTimeout   time.Duration
}

// DefaultRecorderConfig returns recorder defaults.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		QueueCapacity:  4096,
		FlushInterval:  5 * time.Second,
		FlushThreshold: 1024,
		FlushTimeout:   10 * time.Second,
	}
}

// Recorder aggregates processing samples off the hot path. Samples flow
// through a bounded queue to a single flusher goroutine that batch-inserts
// into the metrics table. When the queue is full the oldest samples are
// dropped: metrics are diagnostic, never authoritative, and must not block
// ingestion.
type Recorder struct {
	sink    metricsSink
	config  RecorderConfig
	metrics *Metrics
	logger  *zap.Logger

	queue chan Sample
	kick  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
}

// NewRecorder creates a recorder. metrics may be nil.
func NewRecorder(sink metricsSink, cfg RecorderConfig, metrics *Metrics, logger *zap.Logger) *Recorder {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 4096
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.FlushThreshold <= 0 || cfg.FlushThreshold > cfg.QueueCapacity {
		cfg.FlushThreshold = cfg.QueueCapacity / 4
		if cfg.FlushThreshold == 0 {
			cfg.FlushThreshold = 1
		}
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		sink:    sink,
		config:  cfg,
		metrics: metrics,
		logger:  logger,
		queue:   make(chan Sample, cfg.QueueCapacity),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the flusher goroutine.
func (r *Recorder) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.flushLoop()
	})
}

// Record enqueues a sample without blocking. On a full queue the oldest
// entry is evicted to make room.
func (r *Recorder) Record(s Sample) {
	select {
	case r.queue <- s:
	default:
		select {
		case <-r.queue:
			if r.metrics != nil {
				r.metrics.RecordSampleDropped()
			}
		default:
		}
		select {
		case r.queue <- s:
		default:
			if r.metrics != nil {
				r.metrics.RecordSampleDropped()
			}
		}
	}

	if len(r.queue) >= r.config.FlushThreshold {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// Close stops the flusher after one final drain.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			r.flush()
			return
		case <-ticker.C:
			r.flush()
		case <-r.kick:
			r.flush()
		}
	}
}

// flush drains whatever is queued right now and inserts it in one batch.
func (r *Recorder) flush() {
	n := len(r.queue)
	if n == 0 {
		return
	}

	now := time.Now().UTC()
	batch := make([]store.ProcessingMetric, 0, n)
	for i := 0; i < n; i++ {
		select {
		case s := <-r.queue:
			batch = append(batch, store.ProcessingMetric{
				EventType:        s.EventType,
				Topic:            s.Topic,
				Outcome:          string(s.Outcome),
				ProcessingTimeMs: s.Duration.Milliseconds(),
				CreatedAt:        now,
			})
		default:
			i = n
		}
	}
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.FlushTimeout)
	defer cancel()

	if err := r.sink.InsertBatch(ctx, batch); err != nil {
		// Best effort: the batch is lost, ingestion is unaffected.
		r.logger.Warn("metrics flush failed",
			zap.Error(err),
			zap.Int("batch_size", len(batch)),
		)
	}
}
