package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pubnub "github.com/pubnub/go/v7"
	"go.uber.org/zap"

	"concert-tickets/internal/status"
	"concert-tickets/models"
	"concert-tickets/security"
)

// Finalizer turns a payment fact into tickets.
type Finalizer interface {
	Finalize(ctx context.Context, caller models.Caller, fact models.PaymentCompleted) (*models.FinalizeResult, error)
}

// DecodePaymentFact parses the JSON body shared by the webhook, the PubNub
// channel and the Kafka topic.
func DecodePaymentFact(data []byte) (models.PaymentCompleted, error) {
	var fact models.PaymentCompleted
	if err := json.Unmarshal(data, &fact); err != nil {
		return fact, fmt.Errorf("%w: %v", status.ErrInvalidPaymentFact, err)
	}
	return fact, nil
}

// SignedFact is the channel envelope used when the listener has a secret:
// Fact is the JSON text of the payment fact and Signature its hex
// HMAC-SHA256, as on the webhook.
type SignedFact struct {
	Fact      string `json:"fact"`
	Signature string `json:"signature"`
}

// PaymentListener consumes payment facts published on a PubNub channel.
type PaymentListener struct {
	pn        *pubnub.PubNub
	channel   string
	finalizer Finalizer
	secret    []byte
	timeout   time.Duration
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// NewPaymentListener builds a listener. With a non-empty secret only
// SignedFact envelopes with a valid signature are accepted; without one the
// channel itself is trusted.
func NewPaymentListener(pn *pubnub.PubNub, channel string, secret []byte, finalizer Finalizer, logger *zap.Logger) *PaymentListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentListener{
		pn:        pn,
		channel:   channel,
		finalizer: finalizer,
		secret:    secret,
		timeout:   30 * time.Second,
		logger:    logger,
	}
}

// Run subscribes and handles messages until ctx is cancelled.
func (l *PaymentListener) Run(ctx context.Context) {
	listener := pubnub.NewListener()
	l.pn.AddListener(listener)
	l.pn.Subscribe().
		Channels([]string{l.channel}).
		Execute()

	l.logger.Info("listening for payment facts",
		zap.String("channel", l.channel),
		zap.Bool("signed", len(l.secret) > 0))

	defer func() {
		l.pn.Unsubscribe().Channels([]string{l.channel}).Execute()
		l.pn.RemoveListener(listener)
		l.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case st := <-listener.Status:
			if st != nil && st.Error {
				l.logger.Warn("pubnub status error", zap.String("category", st.Category.String()))
			}
		case message := <-listener.Message:
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				l.handleMessage(ctx, message)
			}()
		}
	}
}

func (l *PaymentListener) handleMessage(ctx context.Context, message *pubnub.PNMessage) {
	if message == nil {
		return
	}
	var data []byte
	switch m := message.Message.(type) {
	case string:
		data = []byte(m)
	default:
		var err error
		if data, err = json.Marshal(m); err != nil {
			l.logger.Error("unreadable payment notification", zap.Error(err))
			return
		}
	}
	if len(l.secret) > 0 {
		var env SignedFact
		if err := json.Unmarshal(data, &env); err != nil || !security.VerifySignature(l.secret, []byte(env.Fact), env.Signature) {
			l.logger.Warn("payment notification signature rejected", zap.String("channel", l.channel))
			return
		}
		data = []byte(env.Fact)
	}
	fact, err := DecodePaymentFact(data)
	if err != nil {
		l.logger.Error("error parsing payment notification", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	caller := models.Caller{Subject: "pubnub:" + l.channel, Role: models.RoleSystem}
	res, err := l.finalizer.Finalize(ctx, caller, fact)
	if err != nil {
		l.logger.Error("finalize from pubnub failed",
			zap.String("payment_reference", fact.PaymentReference),
			zap.Bool("permanent", status.IsPermanent(err)),
			zap.Error(err),
		)
		return
	}
	l.logger.Info("payment fact processed",
		zap.String("payment_reference", fact.PaymentReference),
		zap.String("order_id", res.OrderID),
		zap.String("outcome", string(res.Outcome)),
		zap.Bool("duplicate", res.WasAlreadyProcessed),
	)
}
