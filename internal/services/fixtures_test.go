package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"concert-tickets/internal/store/memory"
	"concert-tickets/models"
	"concert-tickets/utils"
)

var (
	systemCaller = models.Caller{Subject: "payments-webhook", Role: models.RoleSystem}
	gateCaller   = models.Caller{Subject: "gate-north", Role: models.RoleGate}
	staffCaller  = models.Caller{Subject: "support-1", Role: models.RoleStaff}
)

type recordingSender struct {
	mu    sync.Mutex
	calls []DeliveryRequest
	err   error
}

func (s *recordingSender) SendTickets(_ context.Context, req DeliveryRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	return s.err
}

func (s *recordingSender) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// syncClock is a fake clock safe for concurrent readers.
type syncClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *syncClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *syncClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fixture struct {
	store       *memory.Store
	clock       *syncClock
	signer      *Signer
	encoder     *CodeEncoder
	ledger      *InventoryLedger
	sender      *recordingSender
	coordinator *IssuanceCoordinator
	verifier    *VerificationService
	eventStart  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &syncClock{t: time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)}
	signer, err := NewSigner(testSecret, 24*time.Hour, WithSignerClock(clock.Now))
	require.NoError(t, err)

	st := memory.New()
	eventStart := time.Date(2026, 7, 10, 20, 0, 0, 0, time.UTC)
	st.PutEvent(models.Event{ID: "evt_1", Name: "Summer Night", Venue: "Arena", StartTime: eventStart, Status: "upcoming"})
	st.PutInventory(models.CategoryInventory{CategoryID: "cat_ga", EventID: "evt_1", Name: "GA", Capacity: 10, Sold: 0})
	st.PutInventory(models.CategoryInventory{CategoryID: "cat_vip", EventID: "evt_1", Name: "VIP", Capacity: 5, Sold: 0})

	encoder := NewCodeEncoder(-2)
	ledger := NewInventoryLedger(st, nil, nil)
	sender := &recordingSender{}

	coordinator := NewIssuanceCoordinator(IssuanceDeps{
		Store:   st,
		Ledger:  ledger,
		Signer:  signer,
		Encoder: encoder,
		Sender:  sender,
		Breaker: utils.NewCircuitBreaker("test-delivery", utils.BreakerSettings{MinRequests: 1000}),
		Now:     clock.Now,
	}, IssuanceConfig{
		ClaimLease:        30 * time.Second,
		PollInterval:      2 * time.Millisecond,
		MaxTicketsPerLine: 10,
	})

	verifier := NewVerificationService(st, signer, encoder, nil, nil)
	verifier.now = clock.Now

	return &fixture{
		store:       st,
		clock:       clock,
		signer:      signer,
		encoder:     encoder,
		ledger:      ledger,
		sender:      sender,
		coordinator: coordinator,
		verifier:    verifier,
		eventStart:  eventStart,
	}
}

func (f *fixture) setSold(t *testing.T, categoryID string, sold int) {
	t.Helper()
	inv, err := f.store.GetInventory(context.Background(), categoryID)
	require.NoError(t, err)
	inv.Sold = sold
	f.store.PutInventory(*inv)
}

func (f *fixture) sold(t *testing.T, categoryID string) int {
	t.Helper()
	inv, err := f.store.GetInventory(context.Background(), categoryID)
	require.NoError(t, err)
	return inv.Sold
}

func line(categoryID, name string, qty int, price string) models.TicketLine {
	return models.TicketLine{
		CategoryID:   categoryID,
		CategoryName: name,
		Quantity:     qty,
		UnitPrice:    decimal.RequireFromString(price),
	}
}

func fact(ref string, lines ...models.TicketLine) models.PaymentCompleted {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return models.PaymentCompleted{
		PaymentReference: ref,
		CustomerEmail:    "fan@example.com",
		CustomerName:     "Fan",
		AmountTotal:      total,
		Currency:         "USD",
		EventID:          "evt_1",
		TicketLines:      lines,
	}
}

var errDeliveryDown = errors.New("delivery unavailable")
