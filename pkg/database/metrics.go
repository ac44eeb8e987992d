package database

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// PoolMetrics exports connection-pool gauges sampled on an interval.
type PoolMetrics struct {
	openConnections prometheus.Gauge
	inUse           prometheus.Gauge
	idle            prometheus.Gauge
	waitCount       prometheus.Counter

	db            *gorm.DB
	interval      time.Duration
	stopCh        chan struct{}
	lastWaitCount int64
}

// NewPoolMetrics creates the pool collectors under the given namespace.
func NewPoolMetrics(db *gorm.DB, namespace string, interval time.Duration) *PoolMetrics {
	if namespace == "" {
		namespace = "audit"
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &PoolMetrics{
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      "open_connections",
			Help:      "Open connections to the audit store",
		}),
		inUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      "in_use_connections",
			Help:      "Connections currently in use",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      "idle_connections",
			Help:      "Idle connections",
		}),
		waitCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      "wait_total",
			Help:      "Connection acquisitions that had to wait",
		}),
		db:       db,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// MustRegister registers the collectors and panics on error.
func (m *PoolMetrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.openConnections, m.inUse, m.idle, m.waitCount)
}

// Start launches the sampling goroutine.
func (m *PoolMetrics) Start() {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.collect()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts sampling.
func (m *PoolMetrics) Stop() {
	close(m.stopCh)
}

func (m *PoolMetrics) collect() {
	sqlDB, err := m.db.DB()
	if err != nil {
		return
	}
	stats := sqlDB.Stats()
	m.openConnections.Set(float64(stats.OpenConnections))
	m.inUse.Set(float64(stats.InUse))
	m.idle.Set(float64(stats.Idle))

	if stats.WaitCount > m.lastWaitCount {
		m.waitCount.Add(float64(stats.WaitCount - m.lastWaitCount))
		m.lastWaitCount = stats.WaitCount
	}
}
