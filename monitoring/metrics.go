package monitoring

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"concert-tickets/models"
)

var (
	finalizeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_finalize_total",
			Help: "Finalize calls by outcome",
		},
		[]string{"outcome"},
	)

	finalizeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ticket_finalize_duration_seconds",
			Help:    "Duration of finalize calls",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"outcome"},
	)

	ticketsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickets_issued_total",
			Help: "Tickets minted per event",
		},
		[]string{"event_id"},
	)

	scanTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_scans_total",
			Help: "Gate scans by result",
		},
		[]string{"result"},
	)

	inventoryOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_operations_total",
			Help: "Inventory reserve and release operations",
		},
		[]string{"operation", "category_id", "status"},
	)

	deliveryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_delivery_total",
			Help: "Delivery attempts by status",
		},
		[]string{"status"},
	)

	deliveryBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ticket_delivery_backlog",
			Help: "Completed orders still waiting for a successful delivery",
		},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_goroutines_total",
			Help: "Current number of active goroutines",
		},
	)
)

// BacklogSource lists completed orders that were never delivered.
type BacklogSource interface {
	ListUndelivered(ctx context.Context, maxAttempts, limit int) ([]*models.Order, error)
}

// Monitor records service metrics. A nil *Monitor is a valid no-op.
type Monitor struct {
	backlog     BacklogSource
	maxAttempts int
	logger      *zap.Logger
}

func NewMonitor(backlog BacklogSource, maxAttempts int, logger *zap.Logger) *Monitor {
	return &Monitor{backlog: backlog, maxAttempts: maxAttempts, logger: logger}
}

// Run refreshes gauges every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.collectBacklog(ctx)
			goroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

func (m *Monitor) collectBacklog(ctx context.Context) {
	if m.backlog == nil {
		return
	}
	pending, err := m.backlog.ListUndelivered(ctx, m.maxAttempts, 1000)
	if err != nil {
		m.logger.Warn("collect delivery backlog", zap.Error(err))
		return
	}
	deliveryBacklog.Set(float64(len(pending)))
}

func (m *Monitor) TrackFinalize(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	finalizeTotal.WithLabelValues(outcome).Inc()
	finalizeDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Monitor) TrackIssued(eventID string, n int) {
	if m == nil {
		return
	}
	ticketsIssued.WithLabelValues(eventID).Add(float64(n))
}

func (m *Monitor) TrackScan(result string) {
	if m == nil {
		return
	}
	scanTotal.WithLabelValues(result).Inc()
}

func (m *Monitor) TrackInventory(operation, categoryID, status string) {
	if m == nil {
		return
	}
	inventoryOperations.WithLabelValues(operation, categoryID, status).Inc()
}

func (m *Monitor) TrackDelivery(status string) {
	if m == nil {
		return
	}
	deliveryTotal.WithLabelValues(status).Inc()
}
