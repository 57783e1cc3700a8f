package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"concert-tickets/security"
	"concert-tickets/utils"
)

// Pinger is implemented by every store backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Routes struct {
	Payments       *PaymentHandler
	Orders         *OrderHandler
	Tickets        *TicketHandler
	GateKeys       security.GateKeys
	Limiter        *security.RateLimiter
	Store          Pinger
	Redis          redis.Cmdable
	EnableMetrics  bool
	RequestTimeout time.Duration
}

func (rt *Routes) Register(r *router.Router[*core.RequestEvent]) {
	authed := security.RequireCaller(rt.GateKeys)

	api := r.Group("/api/v1")
	api.BindFunc(withTimeout(rt.RequestTimeout))
	api.POST("/payments/completed", rt.Payments.PaymentCompleted)
	api.GET("/payments/{reference}/order", rt.Payments.GetPaymentOrder).BindFunc(authed)

	api.GET("/orders/{orderId}", rt.Orders.GetOrder).BindFunc(authed)
	api.POST("/orders/{orderId}/redeliver", rt.Orders.Redeliver).BindFunc(authed)
	api.POST("/tickets/{ticketId}/cancel", rt.Orders.CancelTicket).BindFunc(authed)

	api.POST("/tickets/scan", rt.Tickets.Scan).BindFunc(authed, rt.Limiter.ScanRateLimit())
	api.POST("/tickets/inspect", rt.Tickets.Inspect).BindFunc(authed)
	api.GET("/categories/{categoryId}/availability", rt.Tickets.Availability)

	r.GET("/health", rt.Health)
	if rt.EnableMetrics {
		r.GET("/metrics", apis.WrapStdHandler(promhttp.Handler()))
	}
}

// withTimeout bounds the request context so store calls give up with the
// client.
func withTimeout(d time.Duration) func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if d <= 0 {
			return e.Next()
		}
		ctx, cancel := context.WithTimeout(e.Request.Context(), d)
		defer cancel()
		e.Request = e.Request.WithContext(ctx)
		return e.Next()
	}
}

func (rt *Routes) Health(e *core.RequestEvent) error {
	ctx := e.Request.Context()
	checks := map[string]string{"store": "ok"}
	healthy := true

	if err := rt.Store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		healthy = false
	}
	if rt.Redis != nil {
		checks["redis"] = "ok"
		if err := utils.RedisHealthCheck(ctx, rt.Redis); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		}
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	return e.JSON(code, map[string]any{"healthy": healthy, "checks": checks})
}
