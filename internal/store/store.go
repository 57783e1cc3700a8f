// Package store defines the persistence ports used by issuance and
// verification. Every mutating method is a single conditional update so
// concurrent callers linearize on the record they touch.
package store

import (
	"context"
	"time"

	"concert-tickets/models"
)

type EventStore interface {
	GetEvent(ctx context.Context, id string) (*models.Event, error)
}

type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	// ResolveUser returns the user owning email, creating it when absent.
	ResolveUser(ctx context.Context, email, name string) (*models.User, error)
}

type InventoryStore interface {
	GetInventory(ctx context.Context, categoryID string) (*models.CategoryInventory, error)
	// Reserve increments sold by qty only if the result stays within capacity.
	Reserve(ctx context.Context, categoryID string, qty int) (*models.CategoryInventory, error)
	// Release decrements sold by qty, never below zero.
	Release(ctx context.Context, categoryID string, qty int) (*models.CategoryInventory, error)
}

type OrderStore interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	FindOrderByPaymentReference(ctx context.Context, ref string) (*models.Order, error)
	ClaimOrder(ctx context.Context, req models.ClaimRequest) (*models.Claim, error)
	// RecordReservation appends line to the reservations of the attempt
	// identified by attempt. It fails with status.ErrClaimLost once a newer
	// attempt owns the order.
	RecordReservation(ctx context.Context, orderID string, attempt int, line models.ReservedLine) error
	// CompleteOrder persists tickets and flips the order to completed in one
	// atomic step, fenced by attempt.
	CompleteOrder(ctx context.Context, orderID string, attempt int, tickets []*models.Ticket, at time.Time) (*models.Order, error)
	FailOrder(ctx context.Context, orderID string, attempt int, reason string) error
	RecordDelivery(ctx context.Context, orderID string, deliveryErr error, at time.Time) error
	ListUndelivered(ctx context.Context, maxAttempts, limit int) ([]*models.Order, error)
}

type TicketStore interface {
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
	// TransitionTicket applies tr only if the ticket is still in tr.From.
	// applied is false when another caller moved it first; the returned
	// ticket then reflects the current state.
	TransitionTicket(ctx context.Context, tr models.TicketTransition) (ticket *models.Ticket, applied bool, err error)
}

type Store interface {
	EventStore
	UserStore
	InventoryStore
	OrderStore
	TicketStore
	Ping(ctx context.Context) error
}

type composite struct {
	Store
	inventory InventoryStore
}

// WithInventory returns s with its inventory methods served by inv.
func WithInventory(s Store, inv InventoryStore) Store {
	return &composite{Store: s, inventory: inv}
}

func (c *composite) GetInventory(ctx context.Context, categoryID string) (*models.CategoryInventory, error) {
	return c.inventory.GetInventory(ctx, categoryID)
}

func (c *composite) Reserve(ctx context.Context, categoryID string, qty int) (*models.CategoryInventory, error) {
	return c.inventory.Reserve(ctx, categoryID, qty)
}

func (c *composite) Release(ctx context.Context, categoryID string, qty int) (*models.CategoryInventory, error) {
	return c.inventory.Release(ctx, categoryID, qty)
}
