package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"concert-tickets/internal/status"
	"concert-tickets/internal/store"
	"concert-tickets/models"
	"concert-tickets/monitoring"
	"concert-tickets/utils"
)

type IssuanceConfig struct {
	ClaimLease        time.Duration
	PollInterval      time.Duration
	MaxTicketsPerLine int
	DeliveryTimeout   time.Duration
}

type IssuanceDeps struct {
	Store   store.Store
	Ledger  *InventoryLedger
	Signer  *Signer
	Encoder *CodeEncoder
	Sender  TicketSender
	Breaker *utils.CircuitBreaker
	Monitor *monitoring.Monitor
	Logger  *zap.Logger
	Now     func() time.Time
}

// IssuanceCoordinator turns PaymentCompleted facts into tickets. Each payment
// reference moves through processing -> completed, or processing -> failed
// with failed -> processing on retry. The order row is the claim.
type IssuanceCoordinator struct {
	store   store.Store
	ledger  *InventoryLedger
	signer  *Signer
	encoder *CodeEncoder
	sender  TicketSender
	breaker *utils.CircuitBreaker
	monitor *monitoring.Monitor
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
	cfg     IssuanceConfig
}

func NewIssuanceCoordinator(deps IssuanceDeps, cfg IssuanceConfig) *IssuanceCoordinator {
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Breaker == nil {
		deps.Breaker = utils.NewCircuitBreaker("ticket-delivery", utils.BreakerSettings{})
	}
	return &IssuanceCoordinator{
		store:   deps.Store,
		ledger:  deps.Ledger,
		signer:  deps.Signer,
		encoder: deps.Encoder,
		sender:  deps.Sender,
		breaker: deps.Breaker,
		monitor: deps.Monitor,
		logger:  deps.Logger,
		tracer:  otel.Tracer("concert-tickets/issuance"),
		now:     deps.Now,
		cfg:     cfg,
	}
}

// Finalize issues the tickets paid for by fact, at most once per payment
// reference. Capacity shortfalls and duplicates are reported in the result;
// an error means the fact was rejected or infrastructure failed.
func (c *IssuanceCoordinator) Finalize(ctx context.Context, caller models.Caller, fact models.PaymentCompleted) (*models.FinalizeResult, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "issuance.Finalize", trace.WithAttributes(
		attribute.String("payment.reference", fact.PaymentReference),
		attribute.String("event.id", fact.EventID),
		attribute.String("caller.role", string(caller.Role)),
	))
	defer span.End()

	res, err := c.finalize(ctx, caller, fact)

	outcome := "error"
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, status.ErrInvalidPaymentFact) {
			outcome = "invalid"
		}
	case res.WasAlreadyProcessed:
		outcome = "duplicate"
	default:
		outcome = string(res.Outcome)
	}
	c.monitor.TrackFinalize(outcome, time.Since(start))
	return res, err
}

func (c *IssuanceCoordinator) finalize(ctx context.Context, caller models.Caller, fact models.PaymentCompleted) (*models.FinalizeResult, error) {
	if !caller.CanFinalize() {
		return nil, status.ErrForbidden
	}
	if err := fact.Validate(c.cfg.MaxTicketsPerLine); err != nil {
		return nil, fmt.Errorf("%w: %v", status.ErrInvalidPaymentFact, err)
	}

	existing, err := c.store.FindOrderByPaymentReference(ctx, fact.PaymentReference)
	switch {
	case err == nil && existing.Status == models.OrderCompleted:
		return alreadyProcessed(existing), nil
	case err != nil && !errors.Is(err, status.ErrOrderNotFound):
		return nil, fmt.Errorf("lookup order: %w", err)
	}

	event, err := c.checkFact(ctx, fact)
	if err != nil {
		return nil, err
	}

	user, err := c.store.ResolveUser(ctx, fact.CustomerEmail, fact.CustomerName)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}

	claim, err := c.acquire(ctx, fact, user)
	if err != nil {
		return nil, err
	}
	if claim.Outcome == models.ClaimCompleted {
		return alreadyProcessed(claim.Order), nil
	}

	order := claim.Order
	if len(claim.Released) > 0 {
		c.logger.Warn("took over stale issuance claim",
			zap.String("order_id", order.ID),
			zap.Int("attempt", order.Attempt),
			zap.Int("released_lines", len(claim.Released)),
		)
		c.ledger.releaseAll(context.WithoutCancel(ctx), claim.Released)
	}

	return c.issue(ctx, fact, event, user, order)
}

// checkFact verifies the fact against known events and categories before
// anything is written.
func (c *IssuanceCoordinator) checkFact(ctx context.Context, fact models.PaymentCompleted) (*models.Event, error) {
	event, err := c.store.GetEvent(ctx, fact.EventID)
	if err != nil {
		if errors.Is(err, status.ErrEventNotFound) {
			return nil, fmt.Errorf("%w: unknown event %s", status.ErrInvalidPaymentFact, fact.EventID)
		}
		return nil, fmt.Errorf("load event: %w", err)
	}

	for _, line := range fact.TicketLines {
		inv, err := c.ledger.Availability(ctx, line.CategoryID)
		if err != nil {
			if errors.Is(err, status.ErrCategoryNotFound) {
				return nil, fmt.Errorf("%w: unknown category %s", status.ErrInvalidPaymentFact, line.CategoryID)
			}
			return nil, fmt.Errorf("load category: %w", err)
		}
		if inv.EventID != "" && inv.EventID != fact.EventID {
			return nil, fmt.Errorf("%w: category %s does not belong to event %s", status.ErrInvalidPaymentFact, line.CategoryID, fact.EventID)
		}
	}
	return event, nil
}

// acquire claims the payment reference, waiting while a live attempt holds it.
func (c *IssuanceCoordinator) acquire(ctx context.Context, fact models.PaymentCompleted, user *models.User) (*models.Claim, error) {
	for {
		claim, err := c.store.ClaimOrder(ctx, models.ClaimRequest{
			PaymentReference: fact.PaymentReference,
			UserID:           user.ID,
			EventID:          fact.EventID,
			TotalAmount:      fact.AmountTotal,
			Currency:         fact.Currency,
			Now:              c.now(),
			Lease:            c.cfg.ClaimLease,
		})
		if err != nil {
			return nil, fmt.Errorf("claim order: %w", err)
		}
		if claim.Outcome != models.ClaimBusy {
			return claim, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", status.ErrOrderBusy, ctx.Err())
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *IssuanceCoordinator) issue(ctx context.Context, fact models.PaymentCompleted, event *models.Event, user *models.User, order *models.Order) (*models.FinalizeResult, error) {
	var recorded []models.ReservedLine
	for _, line := range fact.TicketLines {
		_, err := c.ledger.Reserve(ctx, line.CategoryID, line.Quantity)
		if errors.Is(err, status.ErrInsufficientCapacity) {
			c.abandon(ctx, order, recorded, nil, "insufficient capacity for "+line.CategoryID)
			return &models.FinalizeResult{
				OrderID:          order.ID,
				Outcome:          models.FinalizeInsufficientCapacity,
				FailedCategoryID: line.CategoryID,
			}, nil
		}
		if err != nil {
			c.abandon(ctx, order, recorded, nil, err.Error())
			return nil, err
		}

		rl := models.ReservedLine{CategoryID: line.CategoryID, Quantity: line.Quantity}
		if err := c.store.RecordReservation(ctx, order.ID, order.Attempt, rl); err != nil {
			c.abandon(ctx, order, recorded, &rl, err.Error())
			return nil, fmt.Errorf("record reservation: %w", err)
		}
		recorded = append(recorded, rl)
	}

	tickets, issued, err := c.mint(fact, event, user, order)
	if err != nil {
		c.abandon(ctx, order, recorded, nil, err.Error())
		return nil, err
	}

	completed, err := c.store.CompleteOrder(ctx, order.ID, order.Attempt, tickets, c.now())
	if err != nil {
		c.abandon(ctx, order, recorded, nil, err.Error())
		return nil, fmt.Errorf("complete order: %w", err)
	}
	c.monitor.TrackIssued(fact.EventID, len(tickets))
	c.logger.Info("tickets issued",
		zap.String("order_id", completed.ID),
		zap.String("payment_reference", completed.PaymentReference),
		zap.Int("tickets", len(tickets)),
	)

	// Delivery failure never rolls back issuance; the retrier picks it up.
	if err := c.deliver(ctx, completed, user, issued); err != nil {
		c.logger.Warn("ticket delivery failed",
			zap.String("order_id", completed.ID),
			zap.Error(err),
		)
	}

	return &models.FinalizeResult{
		OrderID:     completed.ID,
		TicketCount: len(tickets),
		Outcome:     models.FinalizeIssued,
		Tickets:     issued,
	}, nil
}

func (c *IssuanceCoordinator) mint(fact models.PaymentCompleted, event *models.Event, user *models.User, order *models.Order) ([]*models.Ticket, []*models.IssuedTicket, error) {
	n := fact.TicketCount()
	tickets := make([]*models.Ticket, 0, n)
	issued := make([]*models.IssuedTicket, 0, n)
	now := c.now()

	for _, line := range fact.TicketLines {
		for i := 0; i < line.Quantity; i++ {
			seat, err := utils.SeatLabel(line.CategoryName)
			if err != nil {
				return nil, nil, fmt.Errorf("seat label: %w", err)
			}
			st, err := c.signer.Sign(models.TicketPayload{
				TicketID:       uuid.NewString(),
				EventID:        event.ID,
				CategoryName:   line.CategoryName,
				SeatLabel:      seat,
				PurchaserEmail: user.Email,
				EventStartAt:   event.StartTime,
				Price:          line.UnitPrice,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("sign ticket: %w", err)
			}
			png, code, err := c.encoder.Encode(st)
			if err != nil {
				return nil, nil, fmt.Errorf("encode ticket: %w", err)
			}

			tickets = append(tickets, &models.Ticket{
				ID:           st.TicketID,
				OrderID:      order.ID,
				EventID:      event.ID,
				CategoryID:   line.CategoryID,
				CategoryName: line.CategoryName,
				SeatLabel:    seat,
				Price:        st.Price,
				Code:         code,
				State:        models.TicketValid,
				CreatedAt:    now,
			})
			issued = append(issued, &models.IssuedTicket{
				TicketID:     st.TicketID,
				CategoryName: line.CategoryName,
				SeatLabel:    seat,
				Price:        st.Price,
				Code:         code,
				CodeImage:    png,
			})
		}
	}
	return tickets, issued, nil
}

// abandon marks the attempt failed and gives back its inventory. pending is
// a line reserved but not yet recorded on the order. Recorded lines are
// released only once the order is marked failed; otherwise they stay
// recorded for whoever takes over the claim, so they are never released twice.
func (c *IssuanceCoordinator) abandon(ctx context.Context, order *models.Order, recorded []models.ReservedLine, pending *models.ReservedLine, reason string) {
	ctx = context.WithoutCancel(ctx)
	if pending != nil {
		c.ledger.releaseAll(ctx, []models.ReservedLine{*pending})
	}

	if err := c.store.FailOrder(ctx, order.ID, order.Attempt, reason); err != nil {
		c.logger.Error("mark order failed",
			zap.String("order_id", order.ID),
			zap.Int("attempt", order.Attempt),
			zap.Error(err),
		)
		return
	}
	c.ledger.releaseAll(ctx, recorded)
	c.logger.Info("issuance attempt failed",
		zap.String("order_id", order.ID),
		zap.String("reason", reason),
	)
}

func (c *IssuanceCoordinator) deliver(ctx context.Context, order *models.Order, user *models.User, issued []*models.IssuedTicket) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.DeliveryTimeout)
	defer cancel()

	req := DeliveryRequest{
		OrderID: order.ID,
		UserID:  user.ID,
		Email:   user.Email,
		Name:    user.Name,
		EventID: order.EventID,
		Tickets: issued,
	}
	sendErr := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.sender.SendTickets(ctx, req)
	})
	// A rejected call never reached the sender and does not count as an attempt.
	if errors.Is(sendErr, utils.ErrCircuitOpen) || errors.Is(sendErr, utils.ErrTooManyRequests) {
		c.monitor.TrackDelivery("rejected")
		return sendErr
	}
	if sendErr != nil {
		c.monitor.TrackDelivery("failed")
	} else {
		c.monitor.TrackDelivery("delivered")
	}

	if err := c.store.RecordDelivery(ctx, order.ID, sendErr, c.now()); err != nil {
		c.logger.Error("record delivery", zap.String("order_id", order.ID), zap.Error(err))
	}
	return sendErr
}

// Redeliver sends the tickets of a completed order again. It is safe to
// call repeatedly.
func (c *IssuanceCoordinator) Redeliver(ctx context.Context, caller models.Caller, orderID string) error {
	if !caller.IsOperator() {
		return status.ErrForbidden
	}
	order, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != models.OrderCompleted {
		return status.ErrOrderFailed
	}
	user, err := c.store.GetUser(ctx, order.UserID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	issued := make([]*models.IssuedTicket, 0, len(order.Tickets))
	for _, t := range order.Tickets {
		if t.State != models.TicketValid {
			continue
		}
		png, err := c.encoder.EncodeText(t.Code)
		if err != nil {
			return err
		}
		issued = append(issued, &models.IssuedTicket{
			TicketID:     t.ID,
			CategoryName: t.CategoryName,
			SeatLabel:    t.SeatLabel,
			Price:        t.Price,
			Code:         t.Code,
			CodeImage:    png,
		})
	}
	return c.deliver(ctx, order, user, issued)
}

// RetryDeliveries redelivers up to limit orders whose delivery never
// succeeded. It returns how many succeeded.
func (c *IssuanceCoordinator) RetryDeliveries(ctx context.Context, maxAttempts, limit int) (int, error) {
	pending, err := c.store.ListUndelivered(ctx, maxAttempts, limit)
	if err != nil {
		return 0, err
	}
	system := models.Caller{Subject: "delivery-retrier", Role: models.RoleSystem}
	delivered := 0
	for _, o := range pending {
		if err := c.Redeliver(ctx, system, o.ID); err != nil {
			c.logger.Warn("redelivery failed",
				zap.String("order_id", o.ID),
				zap.Int("attempts", o.DeliveryAttempts+1),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	return delivered, nil
}

// CancelTicket moves a valid ticket to cancelled and returns its unit to
// inventory.
func (c *IssuanceCoordinator) CancelTicket(ctx context.Context, caller models.Caller, ticketID string) (*models.Ticket, error) {
	if !caller.IsOperator() {
		return nil, status.ErrForbidden
	}
	t, applied, err := c.store.TransitionTicket(ctx, models.TicketTransition{
		TicketID: ticketID,
		From:     models.TicketValid,
		To:       models.TicketCancelled,
		At:       c.now(),
		By:       caller.Subject,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return t, fmt.Errorf("%w: ticket is %s", status.ErrInvalidTransition, t.State)
	}

	if _, err := c.ledger.Release(context.WithoutCancel(ctx), t.CategoryID, 1); err != nil {
		c.logger.Error("release cancelled ticket",
			zap.String("ticket_id", t.ID),
			zap.String("category_id", t.CategoryID),
			zap.Error(err),
		)
	}
	c.logger.Info("ticket cancelled", zap.String("ticket_id", t.ID), zap.String("by", caller.Subject))
	return t, nil
}

// GetOrder returns an order to staff or to the customer who owns it.
func (c *IssuanceCoordinator) GetOrder(ctx context.Context, caller models.Caller, orderID string) (*models.Order, error) {
	order, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !caller.IsOperator() && caller.Subject != order.UserID {
		return nil, status.ErrForbidden
	}
	return order, nil
}

// LookupPayment reports the issuance state of a payment reference, for
// clients confirming their checkout.
func (c *IssuanceCoordinator) LookupPayment(ctx context.Context, caller models.Caller, ref string) (*models.Order, error) {
	order, err := c.store.FindOrderByPaymentReference(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !caller.IsOperator() && caller.Subject != order.UserID {
		return nil, status.ErrForbidden
	}
	return order, nil
}

func alreadyProcessed(order *models.Order) *models.FinalizeResult {
	res := &models.FinalizeResult{
		OrderID:             order.ID,
		TicketCount:         len(order.Tickets),
		WasAlreadyProcessed: true,
		Outcome:             models.FinalizeIssued,
	}
	for _, t := range order.Tickets {
		res.Tickets = append(res.Tickets, &models.IssuedTicket{
			TicketID:     t.ID,
			CategoryName: t.CategoryName,
			SeatLabel:    t.SeatLabel,
			Price:        t.Price,
			Code:         t.Code,
		})
	}
	return res
}
