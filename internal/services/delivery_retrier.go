package services

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DeliveryRetrier periodically redelivers completed orders whose delivery
// failed, up to maxAttempts per order.
type DeliveryRetrier struct {
	coordinator *IssuanceCoordinator
	interval    time.Duration
	maxAttempts int
	batch       int
	logger      *zap.Logger
}

func NewDeliveryRetrier(c *IssuanceCoordinator, interval time.Duration, maxAttempts int, logger *zap.Logger) *DeliveryRetrier {
	return &DeliveryRetrier{
		coordinator: c,
		interval:    interval,
		maxAttempts: maxAttempts,
		batch:       50,
		logger:      logger,
	}
}

func (r *DeliveryRetrier) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			delivered, err := r.coordinator.RetryDeliveries(ctx, r.maxAttempts, r.batch)
			if err != nil {
				r.logger.Error("list undelivered orders", zap.Error(err))
				continue
			}
			if delivered > 0 {
				r.logger.Info("redelivered tickets", zap.Int("orders", delivered))
			}
		}
	}
}
