// Package pbstore implements store.Store on top of PocketBase collections.
//
// Capacity and ticket state changes are single conditional UPDATE statements.
// Order claims and completion run inside app.RunInTransaction, which PocketBase
// serializes on its write connection.
package pbstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"

	"concert-tickets/internal/status"
	"concert-tickets/internal/store"
	"concert-tickets/models"
)

const (
	eventsCollection    = "events"
	inventoryCollection = "category_inventory"
	ordersCollection    = "orders"
	ticketsCollection   = "tickets"
	usersCollection     = "users"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	app core.App
}

func New(app core.App) *Store {
	return &Store{app: app}
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.app.DB().NewQuery("SELECT 1").WithContext(ctx).Execute()
	return err
}

func (s *Store) GetEvent(_ context.Context, id string) (*models.Event, error) {
	rec, err := s.app.FindRecordById(eventsCollection, id)
	if err != nil {
		return nil, notFound(err, status.ErrEventNotFound)
	}
	return &models.Event{
		ID:        rec.Id,
		Name:      rec.GetString("name"),
		Venue:     rec.GetString("venue"),
		StartTime: rec.GetDateTime("start_time").Time(),
		Status:    rec.GetString("status"),
	}, nil
}

func (s *Store) GetUser(_ context.Context, id string) (*models.User, error) {
	rec, err := s.app.FindRecordById(usersCollection, id)
	if err != nil {
		return nil, notFound(err, status.ErrUserNotFound)
	}
	return toUser(rec), nil
}

func (s *Store) ResolveUser(_ context.Context, email, name string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if rec, err := s.app.FindAuthRecordByEmail(usersCollection, email); err == nil {
		return toUser(rec), nil
	}

	col, err := s.app.FindCachedCollectionByNameOrId(usersCollection)
	if err != nil {
		return nil, fmt.Errorf("find users collection: %w", err)
	}
	rec := core.NewRecord(col)
	rec.SetEmail(email)
	rec.Set("name", name)
	rec.SetRandomPassword()
	if err := s.app.Save(rec); err != nil {
		// lost a race with a concurrent finalize for the same purchaser
		if existing, findErr := s.app.FindAuthRecordByEmail(usersCollection, email); findErr == nil {
			return toUser(existing), nil
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return toUser(rec), nil
}

func (s *Store) GetInventory(_ context.Context, categoryID string) (*models.CategoryInventory, error) {
	rec, err := s.app.FindRecordById(inventoryCollection, categoryID)
	if err != nil {
		return nil, notFound(err, status.ErrCategoryNotFound)
	}
	return toInventory(rec), nil
}

func (s *Store) Reserve(ctx context.Context, categoryID string, qty int) (*models.CategoryInventory, error) {
	if qty <= 0 {
		return nil, status.ErrInvalidQuantity
	}
	res, err := s.app.NonconcurrentDB().NewQuery(
		"UPDATE {{category_inventory}} SET [[sold]] = [[sold]] + {:qty} WHERE [[id]] = {:id} AND [[sold]] + {:qty} <= [[capacity]]",
	).Bind(dbx.Params{"id": categoryID, "qty": qty}).WithContext(ctx).Execute()
	if err != nil {
		return nil, fmt.Errorf("reserve %s: %w", categoryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	inv, err := s.GetInventory(ctx, categoryID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return inv, status.ErrInsufficientCapacity
	}
	return inv, nil
}

func (s *Store) Release(ctx context.Context, categoryID string, qty int) (*models.CategoryInventory, error) {
	if qty <= 0 {
		return nil, status.ErrInvalidQuantity
	}
	res, err := s.app.NonconcurrentDB().NewQuery(
		"UPDATE {{category_inventory}} SET [[sold]] = MAX([[sold]] - {:qty}, 0) WHERE [[id]] = {:id}",
	).Bind(dbx.Params{"id": categoryID, "qty": qty}).WithContext(ctx).Execute()
	if err != nil {
		return nil, fmt.Errorf("release %s: %w", categoryID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, status.ErrCategoryNotFound
	}
	return s.GetInventory(ctx, categoryID)
}

func (s *Store) GetOrder(_ context.Context, id string) (*models.Order, error) {
	rec, err := s.app.FindRecordById(ordersCollection, id)
	if err != nil {
		return nil, notFound(err, status.ErrOrderNotFound)
	}
	return s.loadOrder(s.app, rec)
}

func (s *Store) FindOrderByPaymentReference(_ context.Context, ref string) (*models.Order, error) {
	rec, err := s.app.FindFirstRecordByData(ordersCollection, "payment_reference", ref)
	if err != nil {
		return nil, notFound(err, status.ErrOrderNotFound)
	}
	return s.loadOrder(s.app, rec)
}

func (s *Store) ClaimOrder(_ context.Context, req models.ClaimRequest) (*models.Claim, error) {
	var claim *models.Claim
	err := s.app.RunInTransaction(func(tx core.App) error {
		rec, err := tx.FindFirstRecordByData(ordersCollection, "payment_reference", req.PaymentReference)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			col, err := tx.FindCachedCollectionByNameOrId(ordersCollection)
			if err != nil {
				return err
			}
			rec = core.NewRecord(col)
			rec.Set("payment_reference", req.PaymentReference)
			rec.Set("delivery_attempts", 0)
			applyClaim(rec, req, 1)
			if err := tx.Save(rec); err != nil {
				return fmt.Errorf("create order: %w", err)
			}
			order, err := s.loadOrder(tx, rec)
			if err != nil {
				return err
			}
			claim = &models.Claim{Order: order, Outcome: models.ClaimAcquired}
			return nil
		case err != nil:
			return err
		}

		order, err := s.loadOrder(tx, rec)
		if err != nil {
			return err
		}
		switch {
		case order.Status == models.OrderCompleted:
			claim = &models.Claim{Order: order, Outcome: models.ClaimCompleted}
			return nil
		case order.Status == models.OrderProcessing && order.LeaseUntil.After(req.Now):
			claim = &models.Claim{Order: order, Outcome: models.ClaimBusy}
			return nil
		}

		released := order.Reservations
		applyClaim(rec, req, order.Attempt+1)
		rec.Set("failure_reason", "")
		if err := tx.Save(rec); err != nil {
			return fmt.Errorf("take over order: %w", err)
		}
		order, err = s.loadOrder(tx, rec)
		if err != nil {
			return err
		}
		claim = &models.Claim{Order: order, Outcome: models.ClaimAcquired, Released: released}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

func (s *Store) RecordReservation(_ context.Context, orderID string, attempt int, line models.ReservedLine) error {
	return s.app.RunInTransaction(func(tx core.App) error {
		rec, err := owned(tx, orderID, attempt)
		if err != nil {
			return err
		}
		var lines []models.ReservedLine
		if err := rec.UnmarshalJSONField("reservations", &lines); err != nil {
			return fmt.Errorf("decode reservations: %w", err)
		}
		rec.Set("reservations", append(lines, line))
		return tx.Save(rec)
	})
}

func (s *Store) CompleteOrder(_ context.Context, orderID string, attempt int, tickets []*models.Ticket, at time.Time) (*models.Order, error) {
	var order *models.Order
	err := s.app.RunInTransaction(func(tx core.App) error {
		rec, err := owned(tx, orderID, attempt)
		if err != nil {
			return err
		}
		col, err := tx.FindCachedCollectionByNameOrId(ticketsCollection)
		if err != nil {
			return err
		}
		for _, t := range tickets {
			tr := core.NewRecord(col)
			tr.Id = t.ID
			tr.Set("order_id", orderID)
			tr.Set("event_id", t.EventID)
			tr.Set("category_id", t.CategoryID)
			tr.Set("category_name", t.CategoryName)
			tr.Set("seat_label", t.SeatLabel)
			tr.Set("price", t.Price.String())
			tr.Set("code", t.Code)
			tr.Set("state", string(models.TicketValid))
			if err := tx.Save(tr); err != nil {
				return fmt.Errorf("save ticket %s: %w", t.ID, err)
			}
		}
		rec.Set("status", string(models.OrderCompleted))
		rec.Set("completed_at", at)
		if err := tx.Save(rec); err != nil {
			return err
		}
		order, err = s.loadOrder(tx, rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) FailOrder(_ context.Context, orderID string, attempt int, reason string) error {
	return s.app.RunInTransaction(func(tx core.App) error {
		rec, err := owned(tx, orderID, attempt)
		if err != nil {
			return err
		}
		rec.Set("status", string(models.OrderFailed))
		rec.Set("failure_reason", reason)
		rec.Set("reservations", []models.ReservedLine{})
		return tx.Save(rec)
	})
}

func (s *Store) RecordDelivery(ctx context.Context, orderID string, deliveryErr error, at time.Time) error {
	q := "UPDATE {{orders}} SET [[delivery_attempts]] = [[delivery_attempts]] + 1, [[last_delivery_error]] = {:err} WHERE [[id]] = {:id}"
	params := dbx.Params{"id": orderID, "err": ""}
	if deliveryErr != nil {
		params["err"] = deliveryErr.Error()
	} else {
		q = "UPDATE {{orders}} SET [[delivery_attempts]] = [[delivery_attempts]] + 1, [[last_delivery_error]] = {:err}, [[delivered_at]] = {:at} WHERE [[id]] = {:id}"
		params["at"] = dateString(at)
	}
	res, err := s.app.NonconcurrentDB().NewQuery(q).Bind(params).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return status.ErrOrderNotFound
	}
	return nil
}

func (s *Store) ListUndelivered(_ context.Context, maxAttempts, limit int) ([]*models.Order, error) {
	if limit <= 0 {
		limit = -1
	}
	records, err := s.app.FindRecordsByFilter(
		ordersCollection,
		"status = 'completed' && delivered_at = '' && delivery_attempts < {:max}",
		"created",
		limit,
		0,
		dbx.Params{"max": maxAttempts},
	)
	if err != nil {
		return nil, fmt.Errorf("list undelivered: %w", err)
	}
	out := make([]*models.Order, 0, len(records))
	for _, rec := range records {
		o, err := toOrder(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Store) GetTicket(_ context.Context, id string) (*models.Ticket, error) {
	rec, err := s.app.FindRecordById(ticketsCollection, id)
	if err != nil {
		return nil, notFound(err, status.ErrTicketNotFound)
	}
	return toTicket(rec)
}

func (s *Store) TransitionTicket(ctx context.Context, tr models.TicketTransition) (*models.Ticket, bool, error) {
	if !tr.From.CanTransition(tr.To) {
		return nil, false, status.ErrInvalidTransition
	}

	var q string
	params := dbx.Params{"id": tr.TicketID, "from": string(tr.From), "to": string(tr.To), "at": dateString(tr.At)}
	switch tr.To {
	case models.TicketUsed:
		q = "UPDATE {{tickets}} SET [[state]] = {:to}, [[used_at]] = {:at}, [[used_by]] = {:by} WHERE [[id]] = {:id} AND [[state]] = {:from}"
		params["by"] = tr.By
	default:
		q = "UPDATE {{tickets}} SET [[state]] = {:to}, [[cancelled_at]] = {:at} WHERE [[id]] = {:id} AND [[state]] = {:from}"
	}

	res, err := s.app.NonconcurrentDB().NewQuery(q).Bind(params).WithContext(ctx).Execute()
	if err != nil {
		return nil, false, fmt.Errorf("transition ticket %s: %w", tr.TicketID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	t, err := s.GetTicket(ctx, tr.TicketID)
	if err != nil {
		return nil, false, err
	}
	return t, n == 1, nil
}

func (s *Store) loadOrder(app core.App, rec *core.Record) (*models.Order, error) {
	o, err := toOrder(rec)
	if err != nil {
		return nil, err
	}
	records, err := app.FindRecordsByFilter(
		ticketsCollection,
		"order_id = {:orderId}",
		"seat_label",
		-1,
		0,
		dbx.Params{"orderId": rec.Id},
	)
	if err != nil {
		return nil, fmt.Errorf("load tickets of %s: %w", rec.Id, err)
	}
	for _, tr := range records {
		t, err := toTicket(tr)
		if err != nil {
			return nil, err
		}
		o.Tickets = append(o.Tickets, t)
	}
	return o, nil
}

func owned(app core.App, orderID string, attempt int) (*core.Record, error) {
	rec, err := app.FindRecordById(ordersCollection, orderID)
	if err != nil {
		return nil, notFound(err, status.ErrOrderNotFound)
	}
	if rec.GetString("status") != string(models.OrderProcessing) || rec.GetInt("attempt") != attempt {
		return nil, status.ErrClaimLost
	}
	return rec, nil
}

func applyClaim(rec *core.Record, req models.ClaimRequest, attempt int) {
	rec.Set("user_id", req.UserID)
	rec.Set("event_id", req.EventID)
	rec.Set("total_amount", req.TotalAmount.String())
	rec.Set("currency", req.Currency)
	rec.Set("status", string(models.OrderProcessing))
	rec.Set("attempt", attempt)
	rec.Set("lease_until", req.Now.Add(req.Lease))
	rec.Set("reservations", []models.ReservedLine{})
}

func toUser(rec *core.Record) *models.User {
	return &models.User{ID: rec.Id, Email: rec.Email(), Name: rec.GetString("name")}
}

func toInventory(rec *core.Record) *models.CategoryInventory {
	return &models.CategoryInventory{
		CategoryID: rec.Id,
		EventID:    rec.GetString("event_id"),
		Name:       rec.GetString("name"),
		Capacity:   rec.GetInt("capacity"),
		Sold:       rec.GetInt("sold"),
	}
}

func toOrder(rec *core.Record) (*models.Order, error) {
	total, err := parseDecimal(rec.GetString("total_amount"))
	if err != nil {
		return nil, fmt.Errorf("order %s total: %w", rec.Id, err)
	}
	var lines []models.ReservedLine
	if err := rec.UnmarshalJSONField("reservations", &lines); err != nil {
		return nil, fmt.Errorf("order %s reservations: %w", rec.Id, err)
	}
	return &models.Order{
		ID:               rec.Id,
		PaymentReference: rec.GetString("payment_reference"),
		UserID:           rec.GetString("user_id"),
		EventID:          rec.GetString("event_id"),
		TotalAmount:      total,
		Currency:         rec.GetString("currency"),
		Status:           models.OrderStatus(rec.GetString("status")),
		Attempt:          rec.GetInt("attempt"),
		LeaseUntil:       rec.GetDateTime("lease_until").Time(),
		Reservations:     lines,
		FailureReason:    rec.GetString("failure_reason"),
		DeliveryAttempts: rec.GetInt("delivery_attempts"),
		DeliveredAt:      optionalTime(rec.GetDateTime("delivered_at")),
		LastDeliveryErr:  rec.GetString("last_delivery_error"),
		CreatedAt:        rec.GetDateTime("created").Time(),
		CompletedAt:      optionalTime(rec.GetDateTime("completed_at")),
	}, nil
}

func toTicket(rec *core.Record) (*models.Ticket, error) {
	price, err := parseDecimal(rec.GetString("price"))
	if err != nil {
		return nil, fmt.Errorf("ticket %s price: %w", rec.Id, err)
	}
	return &models.Ticket{
		ID:           rec.Id,
		OrderID:      rec.GetString("order_id"),
		EventID:      rec.GetString("event_id"),
		CategoryID:   rec.GetString("category_id"),
		CategoryName: rec.GetString("category_name"),
		SeatLabel:    rec.GetString("seat_label"),
		Price:        price,
		Code:         rec.GetString("code"),
		State:        models.TicketState(rec.GetString("state")),
		CreatedAt:    rec.GetDateTime("created").Time(),
		UsedAt:       optionalTime(rec.GetDateTime("used_at")),
		UsedBy:       rec.GetString("used_by"),
		CancelledAt:  optionalTime(rec.GetDateTime("cancelled_at")),
	}, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func optionalTime(dt types.DateTime) *time.Time {
	if dt.IsZero() {
		return nil
	}
	t := dt.Time()
	return &t
}

func dateString(t time.Time) string {
	dt, err := types.ParseDateTime(t)
	if err != nil {
		return ""
	}
	return dt.String()
}

func notFound(err, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel
	}
	return err
}
