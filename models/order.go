package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderFailed     OrderStatus = "failed"
)

type Order struct {
	ID               string          `json:"id"`
	PaymentReference string          `json:"payment_reference"`
	UserID           string          `json:"user_id"`
	EventID          string          `json:"event_id"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	Currency         string          `json:"currency"`
	Status           OrderStatus     `json:"status"`
	Attempt          int             `json:"attempt"`
	LeaseUntil       time.Time       `json:"lease_until"`
	Reservations     []ReservedLine  `json:"reservations,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	DeliveryAttempts int             `json:"delivery_attempts"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
	LastDeliveryErr  string          `json:"last_delivery_error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Tickets          []*Ticket       `json:"tickets,omitempty"`
}

// ReservedLine records inventory taken by the attempt currently holding the claim.
type ReservedLine struct {
	CategoryID string `json:"category_id"`
	Quantity   int    `json:"quantity"`
}

type ClaimOutcome int

const (
	// ClaimAcquired means the caller owns the order and must drive it to completion.
	ClaimAcquired ClaimOutcome = iota
	// ClaimCompleted means another attempt already completed the order.
	ClaimCompleted
	// ClaimBusy means a live attempt holds the claim.
	ClaimBusy
)

type ClaimRequest struct {
	PaymentReference string
	UserID           string
	EventID          string
	TotalAmount      decimal.Decimal
	Currency         string
	Now              time.Time
	Lease            time.Duration
}

// Claim is the result of ClaimOrder. Released holds reservations left by a
// previous attempt that the new owner has to give back.
type Claim struct {
	Order    *Order
	Outcome  ClaimOutcome
	Released []ReservedLine
}

type FinalizeOutcome string

const (
	FinalizeIssued               FinalizeOutcome = "issued"
	FinalizeInsufficientCapacity FinalizeOutcome = "insufficient_capacity"
)

type FinalizeResult struct {
	OrderID             string          `json:"order_id"`
	TicketCount         int             `json:"ticket_count"`
	WasAlreadyProcessed bool            `json:"was_already_processed"`
	Outcome             FinalizeOutcome `json:"outcome"`
	FailedCategoryID    string          `json:"failed_category_id,omitempty"`
	Tickets             []*IssuedTicket `json:"tickets,omitempty"`
}
