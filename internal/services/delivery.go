package services

import (
	"context"
	"fmt"

	pubnub "github.com/pubnub/go/v7"

	"concert-tickets/models"
)

type DeliveryRequest struct {
	OrderID string
	UserID  string
	Email   string
	Name    string
	EventID string
	Tickets []*models.IssuedTicket
}

// TicketSender hands minted tickets to the customer.
type TicketSender interface {
	SendTickets(ctx context.Context, req DeliveryRequest) error
}

type Publisher interface {
	Publish(ctx context.Context, channel string, message any) error
}

// PubNubNotifier pushes issued tickets to the purchaser's realtime channel.
// Images stay out of the message to respect PubNub's payload limit; clients
// render the QR from the code text.
type PubNubNotifier struct {
	publisher Publisher
}

func NewPubNubNotifier(p Publisher) *PubNubNotifier {
	return &PubNubNotifier{publisher: p}
}

func (n *PubNubNotifier) SendTickets(ctx context.Context, req DeliveryRequest) error {
	tickets := make([]map[string]any, 0, len(req.Tickets))
	for _, t := range req.Tickets {
		tickets = append(tickets, map[string]any{
			"ticket_id":     t.TicketID,
			"category_name": t.CategoryName,
			"seat_label":    t.SeatLabel,
			"price":         t.Price.String(),
			"code":          t.Code,
		})
	}

	return n.publisher.Publish(ctx, UserChannel(req.UserID), map[string]any{
		"type":     "tickets_issued",
		"order_id": req.OrderID,
		"event_id": req.EventID,
		"tickets":  tickets,
	})
}

func UserChannel(userID string) string {
	return fmt.Sprintf("user-%s", userID)
}

type PubNubPublisher struct {
	pn *pubnub.PubNub
}

func NewPubNubPublisher(pn *pubnub.PubNub) *PubNubPublisher {
	return &PubNubPublisher{pn: pn}
}

func (p *PubNubPublisher) Publish(ctx context.Context, channel string, message any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, st, err := p.pn.Publish().Channel(channel).Message(message).Execute()
	if err != nil {
		return fmt.Errorf("pubnub publish %s: %w", channel, err)
	}
	if st.StatusCode >= 300 {
		return fmt.Errorf("pubnub publish %s: status %d", channel, st.StatusCode)
	}
	return nil
}
