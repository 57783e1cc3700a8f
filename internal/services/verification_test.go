package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concert-tickets/internal/status"
	"concert-tickets/models"
)

func issueOne(t *testing.T, f *fixture, ref string) *models.IssuedTicket {
	t.Helper()
	res, err := f.coordinator.Finalize(context.Background(), systemCaller, fact(ref, line("cat_ga", "GA", 1, "50")))
	require.NoError(t, err)
	require.Len(t, res.Tickets, 1)
	return res.Tickets[0]
}

func TestScan_AcceptsOnceThenRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setSold(t, "cat_ga", 5)

	res, err := f.coordinator.Finalize(ctx, systemCaller, fact("pay_scan", line("cat_ga", "GA", 2, "50")))
	require.NoError(t, err)
	require.Equal(t, 7, f.sold(t, "cat_ga"))

	for _, tk := range res.Tickets {
		first, err := f.verifier.Scan(ctx, gateCaller, models.ScanRequest{Code: []byte(tk.Code), EventID: "evt_1"})
		require.NoError(t, err)
		assert.True(t, first.Accepted)
		assert.Equal(t, tk.TicketID, first.TicketID)
		assert.Equal(t, models.TicketUsed, first.State)

		f.clock.Set(f.clock.Now().Add(time.Minute))
		second, err := f.verifier.Scan(ctx, gateCaller, models.ScanRequest{Code: []byte(tk.Code)})
		require.NoError(t, err)
		assert.False(t, second.Accepted)
		assert.Equal(t, models.RejectAlreadyUsed, second.Reason)
		require.NotNil(t, second.UsedAt)
		assert.True(t, second.UsedAt.Equal(*first.UsedAt))
	}

	stored, err := f.store.GetTicket(ctx, res.Tickets[0].TicketID)
	require.NoError(t, err)
	assert.Equal(t, gateCaller.Subject, stored.UsedBy)
}

func TestScan_ConcurrentScannersAdmitExactlyOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := issueOne(t, f, "pay_concurrent_scan")

	const scanners = 16
	results := make([]models.ScanResult, scanners)
	var wg sync.WaitGroup
	for i := 0; i < scanners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.verifier.Scan(ctx, gateCaller, models.ScanRequest{Code: []byte(tk.Code)})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, r := range results {
		if r.Accepted {
			accepted++
			continue
		}
		assert.Equal(t, models.RejectAlreadyUsed, r.Reason)
	}
	assert.Equal(t, 1, accepted)
}

func TestScan_ExpiredTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := issueOne(t, f, "pay_expired")

	f.clock.Set(f.eventStart.Add(30 * time.Hour))
	res, err := f.verifier.Scan(ctx, gateCaller, models.ScanRequest{Code: []byte(tk.Code)})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, models.RejectExpired, res.Reason)

	stored, err := f.store.GetTicket(ctx, tk.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketValid, stored.State)
}

func TestScan_ForgeryClass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := issueOne(t, f, "pay_forged")

	forger, err := NewSigner([]byte("attacker-secret-attacker-secret-123"), 24*time.Hour, WithSignerClock(f.clock.Now))
	require.NoError(t, err)
	genuine, err := ParseCode([]byte(tk.Code))
	require.NoError(t, err)
	forged, err := forger.Sign(genuine.TicketPayload)
	require.NoError(t, err)
	forgedCode, err := EncodeCode(forged)
	require.NoError(t, err)

	res, err := f.verifier.Scan(ctx, gateCaller, models.ScanRequest{Code: []byte(forgedCode)})
	require.NoError(t, err)
	assert.Equal(t, models.RejectSignatureMismatch, res.Reason)

	res, err = f.verifier.Scan(ctx, gateCaller, models.ScanRequest{Code: []byte("https://example.com/not-a-ticket")})
	require.NoError(t, err)
	assert.Equal(t, models.RejectInvalidFormat, res.Reason)

	stored, err := f.store.GetTicket(ctx, tk.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketValid, stored.State)
}

func TestScan_UnknownAndWrongEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orphan, err := f.signer.Sign(models.TicketPayload{
		TicketID:     "never-issued",
		EventID:      "evt_1",
		CategoryName: "GA",
		SeatLabel:    "GA-000001",
		EventStartAt: f.eventStart,
		Price:        decimal.NewFromInt(50),
	})
	require.NoError(t, err)
	code, err := EncodeCode(orphan)
	require.NoError(t, err)

	res, err := f.verifier.Scan(ctx, gateCaller, models.ScanRequest{Code: []byte(code)})
	require.NoError(t, err)
	assert.Equal(t, models.RejectUnknownTicket, res.Reason)

	tk := issueOne(t, f, "pay_wrong_gate")
	res, err = f.verifier.Scan(ctx, gateCaller, models.ScanRequest{Code: []byte(tk.Code), EventID: "evt_2"})
	require.NoError(t, err)
	assert.Equal(t, models.RejectWrongEvent, res.Reason)

	stored, err := f.store.GetTicket(ctx, tk.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketValid, stored.State)
}

func TestScan_RequiresGateOrStaff(t *testing.T) {
	f := newFixture(t)
	customer := models.Caller{Subject: "u1", Role: models.RoleCustomer}

	_, err := f.verifier.Scan(context.Background(), customer, models.ScanRequest{Code: []byte("x")})
	assert.ErrorIs(t, err, status.ErrForbidden)

	_, err = f.verifier.InspectImage(context.Background(), customer, []byte("not an image"))
	assert.ErrorIs(t, err, status.ErrForbidden)
}

func TestInspect_DoesNotConsume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := issueOne(t, f, "pay_inspect")

	for i := 0; i < 2; i++ {
		res, err := f.verifier.Inspect(ctx, staffCaller, []byte(tk.Code))
		require.NoError(t, err)
		assert.True(t, res.Accepted)
		assert.Equal(t, models.TicketValid, res.State)
	}

	img, err := NewCodeEncoder(-6).EncodeText(tk.Code)
	require.NoError(t, err)
	res, err := f.verifier.InspectImage(ctx, staffCaller, img)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, tk.TicketID, res.TicketID)

	res, err = f.verifier.InspectImage(ctx, staffCaller, []byte("garbage"))
	require.NoError(t, err)
	assert.Equal(t, models.RejectInvalidFormat, res.Reason)

	scan, err := f.verifier.Scan(ctx, gateCaller, models.ScanRequest{Code: []byte(tk.Code)})
	require.NoError(t, err)
	assert.True(t, scan.Accepted)
}
