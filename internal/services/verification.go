package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"concert-tickets/internal/status"
	"concert-tickets/internal/store"
	"concert-tickets/models"
	"concert-tickets/monitoring"
)

// VerificationService checks scanned codes and admits each ticket once.
type VerificationService struct {
	tickets store.TicketStore
	signer  *Signer
	encoder *CodeEncoder
	monitor *monitoring.Monitor
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

func NewVerificationService(tickets store.TicketStore, signer *Signer, encoder *CodeEncoder, monitor *monitoring.Monitor, logger *zap.Logger) *VerificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VerificationService{
		tickets: tickets,
		signer:  signer,
		encoder: encoder,
		monitor: monitor,
		logger:  logger,
		tracer:  otel.Tracer("concert-tickets/verification"),
		now:     time.Now,
	}
}

// Scan verifies req.Code and, if the ticket is admissible, marks it used.
// Of several concurrent scans of one ticket exactly one is accepted.
func (v *VerificationService) Scan(ctx context.Context, caller models.Caller, req models.ScanRequest) (models.ScanResult, error) {
	if !caller.CanScan() {
		return models.ScanResult{}, status.ErrForbidden
	}
	ctx, span := v.tracer.Start(ctx, "verification.Scan", trace.WithAttributes(
		attribute.String("gate", caller.Subject),
	))
	defer span.End()

	res, ticket, err := v.check(ctx, caller, req.Code, req.EventID)
	if err != nil || ticket == nil {
		v.track(span, res, err)
		return res, err
	}

	used, applied, err := v.tickets.TransitionTicket(ctx, models.TicketTransition{
		TicketID: ticket.ID,
		From:     models.TicketValid,
		To:       models.TicketUsed,
		At:       v.now(),
		By:       caller.Subject,
	})
	if err != nil {
		err = fmt.Errorf("mark ticket used: %w", err)
		v.track(span, res, err)
		return models.ScanResult{}, err
	}
	if !applied {
		res = rejectedFor(used)
	} else {
		res = models.Accepted(used)
	}
	v.track(span, res, nil)
	return res, nil
}

// Inspect runs the scan checks without changing ticket state.
func (v *VerificationService) Inspect(ctx context.Context, caller models.Caller, code []byte) (models.ScanResult, error) {
	if !caller.CanInspect() {
		return models.ScanResult{}, status.ErrForbidden
	}
	res, ticket, err := v.check(ctx, caller, code, "")
	if err != nil || ticket == nil {
		return res, err
	}
	return models.Accepted(ticket), nil
}

// InspectImage decodes a QR image, for example a customer's screenshot, and
// inspects its code.
func (v *VerificationService) InspectImage(ctx context.Context, caller models.Caller, img []byte) (models.ScanResult, error) {
	if !caller.CanInspect() {
		return models.ScanResult{}, status.ErrForbidden
	}
	content, err := v.encoder.DecodeImage(img)
	if err != nil {
		if errors.Is(err, status.ErrInvalidFormat) {
			return models.Rejected(models.RejectInvalidFormat), nil
		}
		return models.ScanResult{}, err
	}
	return v.Inspect(ctx, caller, content)
}

// check returns the stored ticket when the code is authentic, unexpired and
// the ticket is still valid. Otherwise ticket is nil and res says why.
func (v *VerificationService) check(ctx context.Context, caller models.Caller, code []byte, eventID string) (models.ScanResult, *models.Ticket, error) {
	ver := v.signer.VerifyCode(code)
	if !ver.Valid {
		reason := models.RejectSignatureMismatch
		if errors.Is(ver.Err, status.ErrInvalidFormat) {
			reason = models.RejectInvalidFormat
		}
		fields := []zap.Field{
			zap.String("gate", caller.Subject),
			zap.String("reason", string(reason)),
		}
		if ver.Ticket != nil {
			fields = append(fields, zap.String("claimed_ticket_id", ver.Ticket.TicketID))
		}
		v.logger.Warn("rejected ticket code", fields...)
		return models.Rejected(reason), nil, nil
	}

	st := ver.Ticket
	if ver.Expired {
		res := models.Rejected(models.RejectExpired)
		res.TicketID = st.TicketID
		return res, nil, nil
	}
	if eventID != "" && st.EventID != eventID {
		res := models.Rejected(models.RejectWrongEvent)
		res.TicketID, res.EventID = st.TicketID, st.EventID
		return res, nil, nil
	}

	t, err := v.tickets.GetTicket(ctx, st.TicketID)
	if errors.Is(err, status.ErrTicketNotFound) {
		v.logger.Warn("authentic code for unknown ticket",
			zap.String("gate", caller.Subject),
			zap.String("ticket_id", st.TicketID),
		)
		return models.Rejected(models.RejectUnknownTicket), nil, nil
	}
	if err != nil {
		return models.ScanResult{}, nil, fmt.Errorf("load ticket: %w", err)
	}

	if t.State != models.TicketValid {
		return rejectedFor(t), nil, nil
	}
	return models.ScanResult{}, t, nil
}

func rejectedFor(t *models.Ticket) models.ScanResult {
	var res models.ScanResult
	switch t.State {
	case models.TicketUsed:
		res = models.Rejected(models.RejectAlreadyUsed)
		res.UsedAt = t.UsedAt
	case models.TicketCancelled:
		res = models.Rejected(models.RejectCancelled)
	default:
		res = models.Rejected(models.RejectUnknownTicket)
	}
	res.TicketID = t.ID
	res.EventID = t.EventID
	res.CategoryName = t.CategoryName
	res.SeatLabel = t.SeatLabel
	res.State = t.State
	return res
}

func (v *VerificationService) track(span trace.Span, res models.ScanResult, err error) {
	result := "accepted"
	switch {
	case err != nil:
		result = "error"
		span.RecordError(err)
	case !res.Accepted:
		result = string(res.Reason)
	}
	span.SetAttributes(attribute.String("scan.result", result))
	v.monitor.TrackScan(result)
}
