package utils

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Circuit Breaker Tests

type breakerClock struct{ t time.Time }

func (c *breakerClock) now() time.Time { return c.t }

func newTestBreaker(clock *breakerClock, transitions *[]string) *CircuitBreaker {
	cb := NewCircuitBreaker("delivery", BreakerSettings{
		MinRequests:  4,
		Interval:     time.Minute,
		Timeout:      10 * time.Second,
		FailureRatio: 0.5,
		OnStateChange: func(name string, from, to State) {
			if transitions != nil {
				*transitions = append(*transitions, from.String()+"->"+to.String())
			}
		},
	})
	cb.now = clock.now
	return cb
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker("test", BreakerSettings{})

	assert.Equal(t, "test", cb.Name())
	assert.Equal(t, uint32(10), cb.minRequests)
	assert.Equal(t, 60*time.Second, cb.interval)
	assert.Equal(t, 30*time.Second, cb.timeout)
	assert.Equal(t, 0.6, cb.failureRatio)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_ExecuteSuccessAndFailure(t *testing.T) {
	clock := &breakerClock{t: time.Now()}
	cb := newTestBreaker(clock, nil)
	ctx := context.Background()

	require.NoError(t, cb.Execute(ctx, func(context.Context) error { return nil }))

	boom := errors.New("boom")
	err := cb.Execute(ctx, func(context.Context) error { return boom })
	assert.Equal(t, boom, err)

	assert.Equal(t, uint32(2), cb.counts.Requests)
	assert.Equal(t, uint32(1), cb.counts.TotalSuccesses)
	assert.Equal(t, uint32(1), cb.counts.TotalFailures)
}

func TestCircuitBreaker_OpensHalfOpensAndCloses(t *testing.T) {
	clock := &breakerClock{t: time.Now()}
	var transitions []string
	cb := newTestBreaker(clock, &transitions)
	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("unavailable") }

	require.NoError(t, cb.Execute(ctx, func(context.Context) error { return nil }))
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	clock.t = clock.t.Add(11 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &breakerClock{t: time.Now()}
	cb := newTestBreaker(clock, nil)
	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("unavailable") }

	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, cb.State())

	clock.t = clock.t.Add(11 * time.Second)
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_CanceledContext(t *testing.T) {
	clock := &breakerClock{t: time.Now()}
	cb := newTestBreaker(clock, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint32(0), cb.counts.Requests)
}

func TestCircuitBreaker_PanicCountsAsFailure(t *testing.T) {
	clock := &breakerClock{t: time.Now()}
	cb := newTestBreaker(clock, nil)

	assert.Panics(t, func() {
		_ = cb.Execute(context.Background(), func(context.Context) error { panic("boom") })
	})
	assert.Equal(t, uint32(1), cb.counts.TotalFailures)
}

// Random tests

func TestGenerateCode(t *testing.T) {
	code, err := GenerateCode(4)
	require.NoError(t, err)
	assert.Len(t, code, 8)
	assert.Equal(t, strings.ToUpper(code), code)

	other, err := GenerateCode(4)
	require.NoError(t, err)
	assert.NotEqual(t, code, other)
}

func TestSeatLabel(t *testing.T) {
	label, err := SeatLabel("vip lounge")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(label, "VIPLOUNGE-"))
	assert.Len(t, label, len("VIPLOUNGE-")+6)

	label, err = SeatLabel("  ")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(label, "GA-"))

	label, err = SeatLabel("an extremely long category name")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(label, "ANEXTREMELYL-"))
}

// Redis tests

func TestRedisHealthCheck(t *testing.T) {
	client, mock := redismock.NewClientMock()

	mock.ExpectPing().SetVal("PONG")
	assert.NoError(t, RedisHealthCheck(context.Background(), client))

	mock.ExpectPing().SetErr(errors.New("connection refused"))
	assert.Error(t, RedisHealthCheck(context.Background(), client))

	assert.NoError(t, mock.ExpectationsWereMet())
}
