package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"concert-tickets/internal/status"
	"concert-tickets/internal/store"
	"concert-tickets/models"
)

//go:embed schema.sql
var schema string

var _ store.Store = (*Store)(nil)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var e models.Event
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, venue, start_time, status FROM events WHERE id = $1
	`, id).Scan(&e.ID, &e.Name, &e.Venue, &e.StartTime, &e.Status)
	if err != nil {
		return nil, notFound(err, status.ErrEventNotFound)
	}
	return &e, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `SELECT id, email, name FROM users WHERE id = $1`, id).Scan(&u.ID, &u.Email, &u.Name)
	if err != nil {
		return nil, notFound(err, status.ErrUserNotFound)
	}
	return &u, nil
}

func (s *Store) ResolveUser(ctx context.Context, email, name string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, name) VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, email, name
	`, uuid.NewString(), strings.ToLower(strings.TrimSpace(email)), name).Scan(&u.ID, &u.Email, &u.Name)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}
	return &u, nil
}

func (s *Store) GetInventory(ctx context.Context, categoryID string) (*models.CategoryInventory, error) {
	var inv models.CategoryInventory
	err := s.pool.QueryRow(ctx, `
		SELECT id, event_id, name, capacity, sold FROM category_inventory WHERE id = $1
	`, categoryID).Scan(&inv.CategoryID, &inv.EventID, &inv.Name, &inv.Capacity, &inv.Sold)
	if err != nil {
		return nil, notFound(err, status.ErrCategoryNotFound)
	}
	return &inv, nil
}

func (s *Store) Reserve(ctx context.Context, categoryID string, qty int) (*models.CategoryInventory, error) {
	if qty <= 0 {
		return nil, status.ErrInvalidQuantity
	}
	var inv models.CategoryInventory
	err := s.pool.QueryRow(ctx, `
		UPDATE category_inventory SET sold = sold + $2
		WHERE id = $1 AND sold + $2 <= capacity
		RETURNING id, event_id, name, capacity, sold
	`, categoryID, qty).Scan(&inv.CategoryID, &inv.EventID, &inv.Name, &inv.Capacity, &inv.Sold)
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := s.GetInventory(ctx, categoryID)
		if err != nil {
			return nil, err
		}
		return current, status.ErrInsufficientCapacity
	}
	if err != nil {
		return nil, fmt.Errorf("reserve %s: %w", categoryID, err)
	}
	return &inv, nil
}

func (s *Store) Release(ctx context.Context, categoryID string, qty int) (*models.CategoryInventory, error) {
	if qty <= 0 {
		return nil, status.ErrInvalidQuantity
	}
	var inv models.CategoryInventory
	err := s.pool.QueryRow(ctx, `
		UPDATE category_inventory SET sold = GREATEST(sold - $2, 0)
		WHERE id = $1
		RETURNING id, event_id, name, capacity, sold
	`, categoryID, qty).Scan(&inv.CategoryID, &inv.EventID, &inv.Name, &inv.Capacity, &inv.Sold)
	if err != nil {
		return nil, notFound(err, status.ErrCategoryNotFound)
	}
	return &inv, nil
}

const orderColumns = `
	id, payment_reference, user_id, event_id, total_amount::text, currency, status, attempt,
	lease_until, reservations, failure_reason, delivery_attempts, delivered_at,
	last_delivery_error, created_at, completed_at`

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, status.ErrOrderNotFound)
	}
	if o.Tickets, err = s.orderTickets(ctx, s.pool, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Store) FindOrderByPaymentReference(ctx context.Context, ref string) (*models.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_reference = $1`, ref))
	if err != nil {
		return nil, notFound(err, status.ErrOrderNotFound)
	}
	if o.Tickets, err = s.orderTickets(ctx, s.pool, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Store) ClaimOrder(ctx context.Context, req models.ClaimRequest) (claim *models.Claim, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		INSERT INTO orders (id, payment_reference, user_id, event_id, total_amount, currency,
			status, attempt, lease_until, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, 'processing', 1, $7, $8)
		ON CONFLICT (payment_reference) DO NOTHING
	`, uuid.NewString(), req.PaymentReference, req.UserID, req.EventID, req.TotalAmount.String(),
		req.Currency, req.Now.Add(req.Lease), req.Now)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	inserted := tag.RowsAffected() == 1

	order, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_reference = $1 FOR UPDATE`, req.PaymentReference))
	if err != nil {
		return nil, err
	}

	claim = &models.Claim{Order: order}
	switch {
	case inserted:
		claim.Outcome = models.ClaimAcquired
	case order.Status == models.OrderCompleted:
		claim.Outcome = models.ClaimCompleted
	case order.Status == models.OrderProcessing && order.LeaseUntil.After(req.Now):
		claim.Outcome = models.ClaimBusy
	default:
		claim.Released = order.Reservations
		claim.Order, err = scanOrder(tx.QueryRow(ctx, `
			UPDATE orders SET status = 'processing', attempt = attempt + 1, lease_until = $2,
				user_id = $3, event_id = $4, total_amount = $5::numeric, currency = $6,
				reservations = '[]'::jsonb, failure_reason = ''
			WHERE id = $1
			RETURNING `+orderColumns,
			order.ID, req.Now.Add(req.Lease), req.UserID, req.EventID, req.TotalAmount.String(), req.Currency))
		if err != nil {
			return nil, fmt.Errorf("take over order: %w", err)
		}
		claim.Outcome = models.ClaimAcquired
	}

	if claim.Outcome == models.ClaimCompleted {
		if claim.Order.Tickets, err = s.orderTickets(ctx, tx, order.ID); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return claim, nil
}

func (s *Store) RecordReservation(ctx context.Context, orderID string, attempt int, line models.ReservedLine) error {
	payload, err := json.Marshal([]models.ReservedLine{line})
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders SET reservations = reservations || $3::jsonb
		WHERE id = $1 AND attempt = $2 AND status = 'processing'
	`, orderID, attempt, payload)
	if err != nil {
		return fmt.Errorf("record reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.lostOrMissing(ctx, orderID)
	}
	return nil
}

func (s *Store) CompleteOrder(ctx context.Context, orderID string, attempt int, tickets []*models.Ticket, at time.Time) (order *models.Order, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var st string
	var current int
	err = tx.QueryRow(ctx, `SELECT status, attempt FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&st, &current)
	if err != nil {
		return nil, notFound(err, status.ErrOrderNotFound)
	}
	if st != string(models.OrderProcessing) || current != attempt {
		return nil, status.ErrClaimLost
	}

	batch := &pgx.Batch{}
	for _, t := range tickets {
		batch.Queue(`
			INSERT INTO tickets (id, order_id, event_id, category_id, category_name, seat_label,
				price, code, state, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, 'valid', $9)
		`, t.ID, orderID, t.EventID, t.CategoryID, t.CategoryName, t.SeatLabel, t.Price.String(), t.Code, at)
	}
	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("insert tickets: %w", err)
	}

	order, err = scanOrder(tx.QueryRow(ctx, `
		UPDATE orders SET status = 'completed', completed_at = $2 WHERE id = $1
		RETURNING `+orderColumns, orderID, at))
	if err != nil {
		return nil, err
	}
	if order.Tickets, err = s.orderTickets(ctx, tx, orderID); err != nil {
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) FailOrder(ctx context.Context, orderID string, attempt int, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders SET status = 'failed', failure_reason = $3, reservations = '[]'::jsonb
		WHERE id = $1 AND attempt = $2 AND status = 'processing'
	`, orderID, attempt, reason)
	if err != nil {
		return fmt.Errorf("fail order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.lostOrMissing(ctx, orderID)
	}
	return nil
}

func (s *Store) RecordDelivery(ctx context.Context, orderID string, deliveryErr error, at time.Time) error {
	var deliveredAt *time.Time
	lastErr := ""
	if deliveryErr != nil {
		lastErr = deliveryErr.Error()
	} else {
		deliveredAt = &at
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders SET delivery_attempts = delivery_attempts + 1,
			last_delivery_error = $2, delivered_at = COALESCE($3, delivered_at)
		WHERE id = $1
	`, orderID, lastErr, deliveredAt)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return status.ErrOrderNotFound
	}
	return nil
}

func (s *Store) ListUndelivered(ctx context.Context, maxAttempts, limit int) ([]*models.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = 'completed' AND delivered_at IS NULL AND delivery_attempts < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

const ticketColumns = `
	id, order_id, event_id, category_id, category_name, seat_label, price::text, code, state,
	created_at, used_at, used_by, cancelled_at`

func (s *Store) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	t, err := scanTicket(s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, status.ErrTicketNotFound)
	}
	return t, nil
}

func (s *Store) TransitionTicket(ctx context.Context, tr models.TicketTransition) (*models.Ticket, bool, error) {
	if !tr.From.CanTransition(tr.To) {
		return nil, false, status.ErrInvalidTransition
	}

	var row pgx.Row
	switch tr.To {
	case models.TicketUsed:
		row = s.pool.QueryRow(ctx, `
			UPDATE tickets SET state = $3, used_at = $4, used_by = $5
			WHERE id = $1 AND state = $2
			RETURNING `+ticketColumns, tr.TicketID, string(tr.From), string(tr.To), tr.At, tr.By)
	default:
		row = s.pool.QueryRow(ctx, `
			UPDATE tickets SET state = $3, cancelled_at = $4
			WHERE id = $1 AND state = $2
			RETURNING `+ticketColumns, tr.TicketID, string(tr.From), string(tr.To), tr.At)
	}

	t, err := scanTicket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := s.GetTicket(ctx, tr.TicketID)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("transition ticket %s: %w", tr.TicketID, err)
	}
	return t, true, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) orderTickets(ctx context.Context, q querier, orderID string) ([]*models.Ticket, error) {
	rows, err := q.Query(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE order_id = $1 ORDER BY seat_label`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []*models.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *Store) lostOrMissing(ctx context.Context, orderID string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return status.ErrOrderNotFound
	}
	return status.ErrClaimLost
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var (
		o            models.Order
		total        string
		st           string
		reservations []byte
		deliveredAt  sql.NullTime
		completedAt  sql.NullTime
	)
	if err := row.Scan(&o.ID, &o.PaymentReference, &o.UserID, &o.EventID, &total, &o.Currency, &st,
		&o.Attempt, &o.LeaseUntil, &reservations, &o.FailureReason, &o.DeliveryAttempts, &deliveredAt,
		&o.LastDeliveryErr, &o.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("order %s total: %w", o.ID, err)
	}
	o.TotalAmount = amount
	o.Status = models.OrderStatus(st)
	if len(reservations) > 0 {
		if err := json.Unmarshal(reservations, &o.Reservations); err != nil {
			return nil, fmt.Errorf("order %s reservations: %w", o.ID, err)
		}
	}
	o.DeliveredAt = nullTimePtr(deliveredAt)
	o.CompletedAt = nullTimePtr(completedAt)
	return &o, nil
}

func scanTicket(row pgx.Row) (*models.Ticket, error) {
	var (
		t           models.Ticket
		price       string
		state       string
		usedAt      sql.NullTime
		cancelledAt sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.OrderID, &t.EventID, &t.CategoryID, &t.CategoryName, &t.SeatLabel,
		&price, &t.Code, &state, &t.CreatedAt, &usedAt, &t.UsedBy, &cancelledAt); err != nil {
		return nil, err
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("ticket %s price: %w", t.ID, err)
	}
	t.Price = p
	t.State = models.TicketState(state)
	t.UsedAt = nullTimePtr(usedAt)
	t.CancelledAt = nullTimePtr(cancelledAt)
	return &t, nil
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func notFound(err, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return err
}
