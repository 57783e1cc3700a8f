package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concert-tickets/internal/status"
	"concert-tickets/models"
	"concert-tickets/utils"
)

func TestFinalize_IssuesTickets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setSold(t, "cat_ga", 5)

	res, err := f.coordinator.Finalize(ctx, systemCaller, fact("pay_ok", line("cat_ga", "GA", 2, "50.00")))
	require.NoError(t, err)

	assert.Equal(t, models.FinalizeIssued, res.Outcome)
	assert.False(t, res.WasAlreadyProcessed)
	assert.Equal(t, 2, res.TicketCount)
	require.Len(t, res.Tickets, 2)
	assert.Equal(t, 7, f.sold(t, "cat_ga"))

	for _, it := range res.Tickets {
		assert.NotEmpty(t, it.CodeImage)
		assert.Equal(t, "GA", it.CategoryName)
		assert.Equal(t, "50", it.Price.String())

		parsed, err := ParseCode([]byte(it.Code))
		require.NoError(t, err)
		assert.Equal(t, it.TicketID, parsed.TicketID)
		assert.Equal(t, "fan@example.com", parsed.PurchaserEmail)
		assert.True(t, parsed.ExpiresAt.Equal(f.eventStart.Add(24*time.Hour)))
	}

	order, err := f.store.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCompleted, order.Status)
	assert.Len(t, order.Tickets, 2)
	for _, tk := range order.Tickets {
		assert.Equal(t, models.TicketValid, tk.State)
	}

	require.Equal(t, 1, f.sender.count())
	assert.Len(t, f.sender.calls[0].Tickets, 2)
	assert.Equal(t, "fan@example.com", f.sender.calls[0].Email)
	assert.NotNil(t, order.DeliveredAt)
}

func TestFinalize_TwoCategoriesEachVerifiable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setSold(t, "cat_ga", 5)

	res, err := f.coordinator.Finalize(ctx, systemCaller, fact("pay_mixed",
		line("cat_ga", "GA", 2, "50"),
		line("cat_vip", "VIP", 1, "200"),
	))
	require.NoError(t, err)
	assert.Equal(t, models.FinalizeIssued, res.Outcome)
	assert.Equal(t, 3, res.TicketCount)
	require.Len(t, res.Tickets, 3)
	assert.Equal(t, 7, f.sold(t, "cat_ga"))
	assert.Equal(t, 1, f.sold(t, "cat_vip"))

	categories := map[string]int{}
	for _, it := range res.Tickets {
		ver := f.signer.VerifyCode([]byte(it.Code))
		require.NoError(t, ver.Err)
		assert.True(t, ver.Valid)
		assert.False(t, ver.Expired)
		assert.Equal(t, it.TicketID, ver.Ticket.TicketID)
		categories[it.CategoryName]++
	}
	assert.Equal(t, map[string]int{"GA": 2, "VIP": 1}, categories)
}

func TestFinalize_InsufficientCapacityCreatesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setSold(t, "cat_ga", 9)
	f.setSold(t, "cat_vip", 1)

	res, err := f.coordinator.Finalize(ctx, systemCaller, fact("pay_short",
		line("cat_ga", "GA", 2, "50"),
		line("cat_vip", "VIP", 1, "150"),
	))
	require.NoError(t, err)

	assert.Equal(t, models.FinalizeInsufficientCapacity, res.Outcome)
	assert.Equal(t, "cat_ga", res.FailedCategoryID)
	assert.Zero(t, res.TicketCount)
	assert.Equal(t, 9, f.sold(t, "cat_ga"))
	assert.Equal(t, 1, f.sold(t, "cat_vip"))

	order, err := f.store.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFailed, order.Status)
	assert.Empty(t, order.Tickets)
	assert.Zero(t, f.sender.count())
}

func TestFinalize_ShortfallReleasesEarlierLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setSold(t, "cat_ga", 9)

	res, err := f.coordinator.Finalize(ctx, systemCaller, fact("pay_partial",
		line("cat_vip", "VIP", 3, "150"),
		line("cat_ga", "GA", 2, "50"),
	))
	require.NoError(t, err)

	assert.Equal(t, models.FinalizeInsufficientCapacity, res.Outcome)
	assert.Equal(t, 0, f.sold(t, "cat_vip"))
	assert.Equal(t, 9, f.sold(t, "cat_ga"))
}

func TestFinalize_RetryAfterCapacityFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setSold(t, "cat_ga", 9)
	pay := fact("pay_retry", line("cat_ga", "GA", 2, "50"))

	first, err := f.coordinator.Finalize(ctx, systemCaller, pay)
	require.NoError(t, err)
	require.Equal(t, models.FinalizeInsufficientCapacity, first.Outcome)

	f.setSold(t, "cat_ga", 4)

	second, err := f.coordinator.Finalize(ctx, systemCaller, pay)
	require.NoError(t, err)
	assert.Equal(t, models.FinalizeIssued, second.Outcome)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, 6, f.sold(t, "cat_ga"))

	order, err := f.store.GetOrder(ctx, second.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 2, order.Attempt)
}

func TestFinalize_IdempotentSequential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pay := fact("pay_dup", line("cat_ga", "GA", 3, "50"))

	first, err := f.coordinator.Finalize(ctx, systemCaller, pay)
	require.NoError(t, err)
	second, err := f.coordinator.Finalize(ctx, systemCaller, pay)
	require.NoError(t, err)

	assert.False(t, first.WasAlreadyProcessed)
	assert.True(t, second.WasAlreadyProcessed)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.TicketCount, second.TicketCount)
	assert.Equal(t, 3, f.sold(t, "cat_ga"))
	assert.Equal(t, 1, f.sender.count())

	firstIDs := map[string]bool{}
	for _, tk := range first.Tickets {
		firstIDs[tk.TicketID] = true
	}
	for _, tk := range second.Tickets {
		assert.True(t, firstIDs[tk.TicketID])
	}
}

func TestFinalize_IdempotentConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pay := fact("pay_race", line("cat_ga", "GA", 2, "50"), line("cat_vip", "VIP", 1, "150"))

	const callers = 12
	results := make([]*models.FinalizeResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.coordinator.Finalize(ctx, systemCaller, pay)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].OrderID, results[i].OrderID)
		assert.Equal(t, 3, results[i].TicketCount)
		if !results[i].WasAlreadyProcessed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, 2, f.sold(t, "cat_ga"))
	assert.Equal(t, 1, f.sold(t, "cat_vip"))

	order, err := f.store.GetOrder(ctx, results[0].OrderID)
	require.NoError(t, err)
	assert.Len(t, order.Tickets, 3)
	assert.Equal(t, 1, f.sender.count())
}

func TestFinalize_ConcurrentOrdersNeverOversell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const buyers = 25
	var wg sync.WaitGroup
	outcomes := make(chan models.FinalizeOutcome, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pay := fact("pay_buyer_"+string(rune('a'+i)), line("cat_ga", "GA", 1, "50"))
			res, err := f.coordinator.Finalize(ctx, systemCaller, pay)
			if assert.NoError(t, err) {
				outcomes <- res.Outcome
			}
		}(i)
	}
	wg.Wait()
	close(outcomes)

	issued := 0
	for o := range outcomes {
		if o == models.FinalizeIssued {
			issued++
		}
	}
	assert.Equal(t, 10, issued)
	assert.Equal(t, 10, f.sold(t, "cat_ga"))
}

func TestFinalize_DeliveryFailureKeepsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sender.setErr(errDeliveryDown)

	res, err := f.coordinator.Finalize(ctx, systemCaller, fact("pay_nodeliver", line("cat_ga", "GA", 2, "50")))
	require.NoError(t, err)
	assert.Equal(t, models.FinalizeIssued, res.Outcome)
	assert.Equal(t, 2, res.TicketCount)

	order, err := f.store.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCompleted, order.Status)
	assert.Nil(t, order.DeliveredAt)
	assert.Equal(t, 1, order.DeliveryAttempts)
	assert.Equal(t, errDeliveryDown.Error(), order.LastDeliveryErr)

	f.sender.setErr(nil)
	delivered, err := f.coordinator.RetryDeliveries(ctx, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	order, err = f.store.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.NotNil(t, order.DeliveredAt)
	assert.Equal(t, 2, f.sender.count())
	assert.Len(t, f.sender.calls[1].Tickets, 2)
	assert.NotEmpty(t, f.sender.calls[1].Tickets[0].CodeImage)
}

func TestFinalize_TakesOverStaleClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pay := fact("pay_crash", line("cat_ga", "GA", 2, "50"))

	// A worker claims the order, reserves inventory and dies.
	user, err := f.store.ResolveUser(ctx, pay.CustomerEmail, pay.CustomerName)
	require.NoError(t, err)
	claim, err := f.store.ClaimOrder(ctx, models.ClaimRequest{
		PaymentReference: pay.PaymentReference,
		UserID:           user.ID,
		EventID:          pay.EventID,
		TotalAmount:      pay.AmountTotal,
		Currency:         pay.Currency,
		Now:              f.clock.Now(),
		Lease:            30 * time.Second,
	})
	require.NoError(t, err)
	_, err = f.ledger.Reserve(ctx, "cat_ga", 2)
	require.NoError(t, err)
	require.NoError(t, f.store.RecordReservation(ctx, claim.Order.ID, claim.Order.Attempt, models.ReservedLine{CategoryID: "cat_ga", Quantity: 2}))

	f.clock.Set(f.clock.Now().Add(time.Minute))

	res, err := f.coordinator.Finalize(ctx, systemCaller, pay)
	require.NoError(t, err)
	assert.Equal(t, models.FinalizeIssued, res.Outcome)
	assert.Equal(t, claim.Order.ID, res.OrderID)
	assert.Equal(t, 2, f.sold(t, "cat_ga"))

	// The dead worker can no longer complete.
	_, err = f.store.CompleteOrder(ctx, claim.Order.ID, claim.Order.Attempt, nil, f.clock.Now())
	assert.ErrorIs(t, err, status.ErrClaimLost)
}

func TestFinalize_WaitsForLiveClaimUntilContextDone(t *testing.T) {
	f := newFixture(t)
	pay := fact("pay_busy", line("cat_ga", "GA", 1, "50"))

	user, err := f.store.ResolveUser(context.Background(), pay.CustomerEmail, pay.CustomerName)
	require.NoError(t, err)
	_, err = f.store.ClaimOrder(context.Background(), models.ClaimRequest{
		PaymentReference: pay.PaymentReference,
		UserID:           user.ID,
		Now:              f.clock.Now(),
		Lease:            time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = f.coordinator.Finalize(ctx, systemCaller, pay)
	assert.ErrorIs(t, err, status.ErrOrderBusy)
}

func TestFinalize_RejectsBadFacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unknownEvent := fact("pay_bad_event", line("cat_ga", "GA", 1, "50"))
	unknownEvent.EventID = "evt_missing"
	_, err := f.coordinator.Finalize(ctx, systemCaller, unknownEvent)
	assert.ErrorIs(t, err, status.ErrInvalidPaymentFact)

	_, err = f.coordinator.Finalize(ctx, systemCaller, fact("pay_bad_cat", line("cat_nope", "X", 1, "50")))
	assert.ErrorIs(t, err, status.ErrInvalidPaymentFact)

	mismatch := fact("pay_bad_total", line("cat_ga", "GA", 1, "50"))
	mismatch.AmountTotal = mismatch.AmountTotal.Add(mismatch.AmountTotal)
	_, err = f.coordinator.Finalize(ctx, systemCaller, mismatch)
	assert.ErrorIs(t, err, status.ErrInvalidPaymentFact)

	f.store.PutInventory(models.CategoryInventory{CategoryID: "cat_other", EventID: "evt_2", Capacity: 5})
	_, err = f.coordinator.Finalize(ctx, systemCaller, fact("pay_bad_owner", line("cat_other", "Other", 1, "10")))
	assert.ErrorIs(t, err, status.ErrInvalidPaymentFact)

	_, err = f.coordinator.Finalize(ctx, gateCaller, fact("pay_gate", line("cat_ga", "GA", 1, "50")))
	assert.ErrorIs(t, err, status.ErrForbidden)

	for _, ref := range []string{"pay_bad_event", "pay_bad_cat", "pay_bad_total", "pay_bad_owner", "pay_gate"} {
		_, err := f.store.FindOrderByPaymentReference(ctx, ref)
		assert.ErrorIs(t, err, status.ErrOrderNotFound, ref)
	}
	assert.Equal(t, 0, f.sold(t, "cat_ga"))
}

func TestCancelTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coordinator.Finalize(ctx, systemCaller, fact("pay_cancel", line("cat_ga", "GA", 2, "50")))
	require.NoError(t, err)
	require.Equal(t, 2, f.sold(t, "cat_ga"))
	ticketID := res.Tickets[0].TicketID

	_, err = f.coordinator.CancelTicket(ctx, gateCaller, ticketID)
	assert.ErrorIs(t, err, status.ErrForbidden)

	cancelled, err := f.coordinator.CancelTicket(ctx, staffCaller, ticketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketCancelled, cancelled.State)
	assert.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, 1, f.sold(t, "cat_ga"))

	_, err = f.coordinator.CancelTicket(ctx, staffCaller, ticketID)
	assert.ErrorIs(t, err, status.ErrInvalidTransition)
	assert.Equal(t, 1, f.sold(t, "cat_ga"))

	scan, err := f.verifier.Scan(ctx, gateCaller, models.ScanRequest{Code: []byte(res.Tickets[0].Code)})
	require.NoError(t, err)
	assert.False(t, scan.Accepted)
	assert.Equal(t, models.RejectCancelled, scan.Reason)
}

func TestRedeliverAndGetOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coordinator.Finalize(ctx, systemCaller, fact("pay_redeliver", line("cat_vip", "VIP", 1, "150")))
	require.NoError(t, err)

	assert.ErrorIs(t, f.coordinator.Redeliver(ctx, gateCaller, res.OrderID), status.ErrForbidden)
	require.NoError(t, f.coordinator.Redeliver(ctx, staffCaller, res.OrderID))
	assert.Equal(t, 2, f.sender.count())
	assert.ErrorIs(t, f.coordinator.Redeliver(ctx, staffCaller, "missing"), status.ErrOrderNotFound)

	order, err := f.coordinator.GetOrder(ctx, staffCaller, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "pay_redeliver", order.PaymentReference)

	owner := models.Caller{Subject: order.UserID, Role: models.RoleCustomer}
	_, err = f.coordinator.LookupPayment(ctx, owner, "pay_redeliver")
	require.NoError(t, err)

	stranger := models.Caller{Subject: "someone-else", Role: models.RoleCustomer}
	_, err = f.coordinator.GetOrder(ctx, stranger, res.OrderID)
	assert.ErrorIs(t, err, status.ErrForbidden)
}

func TestRetryDeliveries_OpenBreakerDoesNotSpendAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.coordinator.breaker = utils.NewCircuitBreaker("test-delivery", utils.BreakerSettings{MinRequests: 1, Timeout: time.Hour})
	f.sender.setErr(errDeliveryDown)

	res, err := f.coordinator.Finalize(ctx, systemCaller, fact("pay_breaker", line("cat_ga", "GA", 1, "50")))
	require.NoError(t, err)
	require.Equal(t, utils.StateOpen, f.coordinator.breaker.State())
	f.sender.setErr(nil)

	for i := 0; i < 10; i++ {
		delivered, err := f.coordinator.RetryDeliveries(ctx, 5, 50)
		require.NoError(t, err)
		assert.Equal(t, 0, delivered)
	}
	assert.Equal(t, 1, f.sender.count())

	order, err := f.store.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 1, order.DeliveryAttempts)
	assert.Equal(t, errDeliveryDown.Error(), order.LastDeliveryErr)

	pending, err := f.store.ListUndelivered(ctx, 5, 50)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	f.coordinator.breaker = utils.NewCircuitBreaker("test-delivery", utils.BreakerSettings{})
	delivered, err := f.coordinator.RetryDeliveries(ctx, 5, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
}

func TestRedeliver_SkipsCancelledTickets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coordinator.Finalize(ctx, systemCaller, fact("pay_redeliver_cancel", line("cat_ga", "GA", 2, "50")))
	require.NoError(t, err)
	_, err = f.coordinator.CancelTicket(ctx, staffCaller, res.Tickets[0].TicketID)
	require.NoError(t, err)

	require.NoError(t, f.coordinator.Redeliver(ctx, staffCaller, res.OrderID))
	require.Equal(t, 2, f.sender.count())
	resent := f.sender.calls[1].Tickets
	require.Len(t, resent, 1)
	assert.Equal(t, res.Tickets[1].TicketID, resent[0].TicketID)
}

func TestFinalize_RejectsCustomerCaller(t *testing.T) {
	f := newFixture(t)
	customer := models.Caller{Subject: "u1", Role: models.RoleCustomer}

	_, err := f.coordinator.Finalize(context.Background(), customer, fact("pay_self", line("cat_ga", "GA", 1, "50")))
	assert.ErrorIs(t, err, status.ErrForbidden)
	assert.Equal(t, 0, f.sold(t, "cat_ga"))
}
