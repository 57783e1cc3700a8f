package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TicketState string

const (
	TicketValid     TicketState = "valid"
	TicketUsed      TicketState = "used"
	TicketCancelled TicketState = "cancelled"
)

// CanTransition reports whether from -> to is a legal ticket transition.
// Valid is the only state with outgoing edges.
func (s TicketState) CanTransition(to TicketState) bool {
	return s == TicketValid && (to == TicketUsed || to == TicketCancelled)
}

// TicketPayload is the content covered by a ticket signature.
type TicketPayload struct {
	TicketID       string          `json:"ticket_id"`
	EventID        string          `json:"event_id"`
	CategoryName   string          `json:"category_name"`
	SeatLabel      string          `json:"seat_label"`
	PurchaserEmail string          `json:"purchaser_email"`
	IssuedAt       time.Time       `json:"issued_at"`
	EventStartAt   time.Time       `json:"event_start_at"`
	Price          decimal.Decimal `json:"price"`
}

type SignedTicket struct {
	TicketPayload
	ExpiresAt time.Time `json:"expires_at"`
	Signature []byte    `json:"signature"`
}

type Ticket struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"order_id"`
	EventID      string          `json:"event_id"`
	CategoryID   string          `json:"category_id"`
	CategoryName string          `json:"category_name"`
	SeatLabel    string          `json:"seat_label"`
	Price        decimal.Decimal `json:"price"`
	Code         string          `json:"code"` // signed wire text
	State        TicketState     `json:"state"`
	CreatedAt    time.Time       `json:"created_at"`
	UsedAt       *time.Time      `json:"used_at,omitempty"`
	UsedBy       string          `json:"used_by,omitempty"`
	CancelledAt  *time.Time      `json:"cancelled_at,omitempty"`
}

// IssuedTicket is what the delivery collaborator receives per ticket.
type IssuedTicket struct {
	TicketID     string          `json:"ticket_id"`
	CategoryName string          `json:"category_name"`
	SeatLabel    string          `json:"seat_label"`
	Price        decimal.Decimal `json:"price"`
	Code         string          `json:"code"`
	CodeImage    []byte          `json:"code_image,omitempty"`
}

type TicketTransition struct {
	TicketID string
	From     TicketState
	To       TicketState
	At       time.Time
	By       string
}
