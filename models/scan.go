package models

import "time"

type RejectReason string

const (
	RejectInvalidFormat     RejectReason = "invalid format"
	RejectSignatureMismatch RejectReason = "signature mismatch"
	RejectExpired           RejectReason = "expired"
	RejectUnknownTicket     RejectReason = "unknown ticket"
	RejectAlreadyUsed       RejectReason = "already used"
	RejectCancelled         RejectReason = "cancelled"
	RejectWrongEvent        RejectReason = "wrong event"
)

// IsForgery reports reasons that indicate a tampered or fabricated code.
func (r RejectReason) IsForgery() bool {
	return r == RejectInvalidFormat || r == RejectSignatureMismatch
}

type ScanRequest struct {
	Code    []byte
	EventID string // optional gate binding
}

type ScanResult struct {
	Accepted     bool         `json:"accepted"`
	Reason       RejectReason `json:"reason,omitempty"`
	TicketID     string       `json:"ticket_id,omitempty"`
	EventID      string       `json:"event_id,omitempty"`
	CategoryName string       `json:"category_name,omitempty"`
	SeatLabel    string       `json:"seat_label,omitempty"`
	State        TicketState  `json:"state,omitempty"`
	UsedAt       *time.Time   `json:"used_at,omitempty"`
}

func Accepted(t *Ticket) ScanResult {
	return ScanResult{
		Accepted:     true,
		TicketID:     t.ID,
		EventID:      t.EventID,
		CategoryName: t.CategoryName,
		SeatLabel:    t.SeatLabel,
		State:        t.State,
		UsedAt:       t.UsedAt,
	}
}

func Rejected(reason RejectReason) ScanResult {
	return ScanResult{Reason: reason}
}
