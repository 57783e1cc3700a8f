// Package memory is an in-process Store used by tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"concert-tickets/internal/status"
	"concert-tickets/internal/store"
	"concert-tickets/models"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu        sync.Mutex
	events    map[string]models.Event
	users     map[string]models.User // keyed by lower-cased email
	inventory map[string]models.CategoryInventory
	orders    map[string]*models.Order
	byRef     map[string]string
	tickets   map[string]*models.Ticket
}

func New() *Store {
	return &Store{
		events:    make(map[string]models.Event),
		users:     make(map[string]models.User),
		inventory: make(map[string]models.CategoryInventory),
		orders:    make(map[string]*models.Order),
		byRef:     make(map[string]string),
		tickets:   make(map[string]*models.Ticket),
	}
}

func (s *Store) PutEvent(e models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = e
}

func (s *Store) PutInventory(inv models.CategoryInventory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inventory[inv.CategoryID] = inv
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) GetEvent(_ context.Context, id string) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, status.ErrEventNotFound
	}
	return &e, nil
}

func (s *Store) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == id {
			return &u, nil
		}
	}
	return nil, status.ErrUserNotFound
}

func (s *Store) ResolveUser(_ context.Context, email, name string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(email))
	if u, ok := s.users[key]; ok {
		return &u, nil
	}
	u := models.User{ID: uuid.NewString(), Email: key, Name: name}
	s.users[key] = u
	return &u, nil
}

func (s *Store) GetInventory(_ context.Context, categoryID string) (*models.CategoryInventory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.inventory[categoryID]
	if !ok {
		return nil, status.ErrCategoryNotFound
	}
	return &inv, nil
}

func (s *Store) Reserve(_ context.Context, categoryID string, qty int) (*models.CategoryInventory, error) {
	if qty <= 0 {
		return nil, status.ErrInvalidQuantity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.inventory[categoryID]
	if !ok {
		return nil, status.ErrCategoryNotFound
	}
	if inv.Sold+qty > inv.Capacity {
		return &inv, status.ErrInsufficientCapacity
	}
	inv.Sold += qty
	s.inventory[categoryID] = inv
	return &inv, nil
}

func (s *Store) Release(_ context.Context, categoryID string, qty int) (*models.CategoryInventory, error) {
	if qty <= 0 {
		return nil, status.ErrInvalidQuantity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.inventory[categoryID]
	if !ok {
		return nil, status.ErrCategoryNotFound
	}
	inv.Sold -= qty
	if inv.Sold < 0 {
		inv.Sold = 0
	}
	s.inventory[categoryID] = inv
	return &inv, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, status.ErrOrderNotFound
	}
	return s.snapshot(o), nil
}

func (s *Store) FindOrderByPaymentReference(_ context.Context, ref string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRef[ref]
	if !ok {
		return nil, status.ErrOrderNotFound
	}
	return s.snapshot(s.orders[id]), nil
}

func (s *Store) ClaimOrder(_ context.Context, req models.ClaimRequest) (*models.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byRef[req.PaymentReference]
	if !ok {
		o := &models.Order{
			ID:               uuid.NewString(),
			PaymentReference: req.PaymentReference,
			UserID:           req.UserID,
			EventID:          req.EventID,
			TotalAmount:      req.TotalAmount,
			Currency:         req.Currency,
			Status:           models.OrderProcessing,
			Attempt:          1,
			LeaseUntil:       req.Now.Add(req.Lease),
			CreatedAt:        req.Now,
		}
		s.orders[o.ID] = o
		s.byRef[o.PaymentReference] = o.ID
		return &models.Claim{Order: s.snapshot(o), Outcome: models.ClaimAcquired}, nil
	}

	o := s.orders[id]
	switch {
	case o.Status == models.OrderCompleted:
		return &models.Claim{Order: s.snapshot(o), Outcome: models.ClaimCompleted}, nil
	case o.Status == models.OrderProcessing && o.LeaseUntil.After(req.Now):
		return &models.Claim{Order: s.snapshot(o), Outcome: models.ClaimBusy}, nil
	}

	released := o.Reservations
	o.Status = models.OrderProcessing
	o.Attempt++
	o.LeaseUntil = req.Now.Add(req.Lease)
	o.UserID = req.UserID
	o.EventID = req.EventID
	o.TotalAmount = req.TotalAmount
	o.Currency = req.Currency
	o.Reservations = nil
	o.FailureReason = ""
	return &models.Claim{Order: s.snapshot(o), Outcome: models.ClaimAcquired, Released: released}, nil
}

func (s *Store) RecordReservation(_ context.Context, orderID string, attempt int, line models.ReservedLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.owned(orderID, attempt)
	if err != nil {
		return err
	}
	o.Reservations = append(o.Reservations, line)
	return nil
}

func (s *Store) CompleteOrder(_ context.Context, orderID string, attempt int, tickets []*models.Ticket, at time.Time) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.owned(orderID, attempt)
	if err != nil {
		return nil, err
	}
	for _, t := range tickets {
		if _, exists := s.tickets[t.ID]; exists {
			return nil, fmt.Errorf("ticket %s already exists", t.ID)
		}
	}
	for _, t := range tickets {
		cp := *t
		s.tickets[t.ID] = &cp
	}
	o.Status = models.OrderCompleted
	o.CompletedAt = &at
	return s.snapshot(o), nil
}

func (s *Store) FailOrder(_ context.Context, orderID string, attempt int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.owned(orderID, attempt)
	if err != nil {
		return err
	}
	o.Status = models.OrderFailed
	o.FailureReason = reason
	o.Reservations = nil
	return nil
}

func (s *Store) RecordDelivery(_ context.Context, orderID string, deliveryErr error, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return status.ErrOrderNotFound
	}
	o.DeliveryAttempts++
	if deliveryErr != nil {
		o.LastDeliveryErr = deliveryErr.Error()
		return nil
	}
	o.LastDeliveryErr = ""
	o.DeliveredAt = &at
	return nil
}

func (s *Store) ListUndelivered(_ context.Context, maxAttempts, limit int) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Order
	for _, o := range s.orders {
		if o.Status == models.OrderCompleted && o.DeliveredAt == nil && o.DeliveryAttempts < maxAttempts {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetTicket(_ context.Context, id string) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, status.ErrTicketNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) TransitionTicket(_ context.Context, tr models.TicketTransition) (*models.Ticket, bool, error) {
	if !tr.From.CanTransition(tr.To) {
		return nil, false, status.ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[tr.TicketID]
	if !ok {
		return nil, false, status.ErrTicketNotFound
	}
	if t.State != tr.From {
		cp := *t
		return &cp, false, nil
	}
	at := tr.At
	t.State = tr.To
	switch tr.To {
	case models.TicketUsed:
		t.UsedAt = &at
		t.UsedBy = tr.By
	case models.TicketCancelled:
		t.CancelledAt = &at
	}
	cp := *t
	return &cp, true, nil
}

func (s *Store) owned(orderID string, attempt int) (*models.Order, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return nil, status.ErrOrderNotFound
	}
	if o.Status != models.OrderProcessing || o.Attempt != attempt {
		return nil, status.ErrClaimLost
	}
	return o, nil
}

// snapshot copies o with its tickets attached. Callers hold s.mu.
func (s *Store) snapshot(o *models.Order) *models.Order {
	cp := *o
	cp.Reservations = append([]models.ReservedLine(nil), o.Reservations...)
	cp.Tickets = nil
	for _, t := range s.tickets {
		if t.OrderID == o.ID {
			tc := *t
			cp.Tickets = append(cp.Tickets, &tc)
		}
	}
	sort.Slice(cp.Tickets, func(i, j int) bool { return cp.Tickets[i].SeatLabel < cp.Tickets[j].SeatLabel })
	return &cp
}
