package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"concert-tickets/internal/status"
	"concert-tickets/internal/store"
	"concert-tickets/models"
	"concert-tickets/monitoring"
)

// InventoryLedger keeps 0 <= sold <= capacity per category. The bound is
// enforced by the store's conditional update, never by a read followed by
// a write.
type InventoryLedger struct {
	store   store.InventoryStore
	monitor *monitoring.Monitor
	logger  *zap.Logger
}

func NewInventoryLedger(s store.InventoryStore, monitor *monitoring.Monitor, logger *zap.Logger) *InventoryLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InventoryLedger{store: s, monitor: monitor, logger: logger}
}

// Reserve takes qty units of categoryID. A shortfall is reported as
// status.ErrInsufficientCapacity and leaves the ledger untouched.
func (l *InventoryLedger) Reserve(ctx context.Context, categoryID string, qty int) (*models.CategoryInventory, error) {
	if qty <= 0 {
		return nil, status.ErrInvalidQuantity
	}
	inv, err := l.store.Reserve(ctx, categoryID, qty)
	switch {
	case err == nil:
		l.monitor.TrackInventory("reserve", categoryID, "ok")
		return inv, nil
	case errors.Is(err, status.ErrInsufficientCapacity):
		l.monitor.TrackInventory("reserve", categoryID, "insufficient")
		return inv, err
	case errors.Is(err, status.ErrCategoryNotFound):
		return nil, err
	default:
		l.monitor.TrackInventory("reserve", categoryID, "error")
		return nil, fmt.Errorf("reserve %s: %w", categoryID, err)
	}
}

// Release gives back qty units. Sold never drops below zero.
func (l *InventoryLedger) Release(ctx context.Context, categoryID string, qty int) (*models.CategoryInventory, error) {
	if qty <= 0 {
		return nil, status.ErrInvalidQuantity
	}
	inv, err := l.store.Release(ctx, categoryID, qty)
	if err != nil {
		l.monitor.TrackInventory("release", categoryID, "error")
		return nil, fmt.Errorf("release %s: %w", categoryID, err)
	}
	l.monitor.TrackInventory("release", categoryID, "ok")
	return inv, nil
}

func (l *InventoryLedger) Availability(ctx context.Context, categoryID string) (*models.CategoryInventory, error) {
	return l.store.GetInventory(ctx, categoryID)
}

// releaseAll returns every line and logs, rather than fails on, errors.
func (l *InventoryLedger) releaseAll(ctx context.Context, lines []models.ReservedLine) {
	for _, line := range lines {
		if _, err := l.Release(ctx, line.CategoryID, line.Quantity); err != nil {
			l.logger.Error("release reservation",
				zap.String("category_id", line.CategoryID),
				zap.Int("quantity", line.Quantity),
				zap.Error(err),
			)
		}
	}
}
