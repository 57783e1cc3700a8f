package models

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/shopspring/decimal"
)

// PaymentCompleted is the fact emitted by the payment integration once the
// provider confirmed a checkout.
type PaymentCompleted struct {
	PaymentReference string          `json:"payment_reference"`
	CustomerEmail    string          `json:"customer_email"`
	CustomerName     string          `json:"customer_name"`
	AmountTotal      decimal.Decimal `json:"amount_total"`
	Currency         string          `json:"currency"`
	EventID          string          `json:"event_id"`
	TicketLines      []TicketLine    `json:"ticket_lines"`
}

type TicketLine struct {
	CategoryID   string          `json:"category_id"`
	CategoryName string          `json:"category_name"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
}

// Validate rejects facts that must never reach issuance. maxPerLine <= 0
// disables the per-line quantity cap.
func (p *PaymentCompleted) Validate(maxPerLine int) error {
	if strings.TrimSpace(p.PaymentReference) == "" {
		return fmt.Errorf("payment_reference is required")
	}
	if _, err := mail.ParseAddress(p.CustomerEmail); err != nil {
		return fmt.Errorf("customer_email is invalid")
	}
	if strings.TrimSpace(p.EventID) == "" {
		return fmt.Errorf("event_id is required")
	}
	if strings.TrimSpace(p.Currency) == "" {
		return fmt.Errorf("currency is required")
	}
	if len(p.TicketLines) == 0 {
		return fmt.Errorf("ticket_lines must not be empty")
	}

	seen := make(map[string]bool, len(p.TicketLines))
	total := decimal.Zero
	for i, line := range p.TicketLines {
		if line.CategoryID == "" {
			return fmt.Errorf("ticket_lines[%d]: category_id is required", i)
		}
		if seen[line.CategoryID] {
			return fmt.Errorf("ticket_lines[%d]: duplicate category %s", i, line.CategoryID)
		}
		seen[line.CategoryID] = true
		if line.Quantity < 1 {
			return fmt.Errorf("ticket_lines[%d]: quantity must be at least 1", i)
		}
		if maxPerLine > 0 && line.Quantity > maxPerLine {
			return fmt.Errorf("ticket_lines[%d]: quantity exceeds %d", i, maxPerLine)
		}
		if line.UnitPrice.IsNegative() {
			return fmt.Errorf("ticket_lines[%d]: unit_price must not be negative", i)
		}
		total = total.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	if !total.Equal(p.AmountTotal) {
		return fmt.Errorf("amount_total %s does not match ticket lines %s", p.AmountTotal, total)
	}
	return nil
}

func (p *PaymentCompleted) TicketCount() int {
	n := 0
	for _, line := range p.TicketLines {
		n += line.Quantity
	}
	return n
}
