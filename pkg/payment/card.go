package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"github.com/tourdesk/reservation-backend/pkg/money"
)

// MetadataAttemptID is the intent metadata key carrying our attempt id
const MetadataAttemptID = "attempt_id"

// CardConfig configures the client-confirmation card gateway
type CardConfig struct {
	SecretKey     string
	WebhookSecret string
}

type intentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type refundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// CardGateway creates payment intents the client confirms with the returned
// secret; outcomes arrive as signed webhook events.
type CardGateway struct {
	config  CardConfig
	intents intentAPI
	refunds refundAPI
	logger  *logrus.Logger
}

// NewCardGateway creates the card gateway adapter backed by the Stripe API
func NewCardGateway(cfg CardConfig, logger *logrus.Logger) *CardGateway {
	sc := &client.API{}
	sc.Init(cfg.SecretKey, nil)
	return newCardGateway(cfg, sc.PaymentIntents, sc.Refunds, logger)
}

func newCardGateway(cfg CardConfig, intents intentAPI, refunds refundAPI, logger *logrus.Logger) *CardGateway {
	return &CardGateway{
		config:  cfg,
		intents: intents,
		refunds: refunds,
		logger:  logger,
	}
}

// Name implements Gateway
func (g *CardGateway) Name() string {
	return CreditCard
}

// Initiate implements Gateway
func (g *CardGateway) Initiate(ctx context.Context, req InitRequest) (*InitResult, error) {
	if g.config.SecretKey == "" {
		return nil, fmt.Errorf("%w: missing secret key", ErrNotConfigured)
	}

	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Description: stripe.String(req.Description),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata(MetadataAttemptID, req.Reference)
	params.SetIdempotencyKey("attempt:" + req.Reference)

	pi, err := g.intents.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}

	g.logger.WithFields(logrus.Fields{
		"attempt_id": req.Reference,
		"intent_id":  pi.ID,
		"status":     pi.Status,
	}).Info("Card payment intent created")

	return &InitResult{
		GatewayReference: pi.ID,
		Data: NewClientConfirmInit(
			pi.ClientSecret,
			pi.ID,
			pi.Status == stripe.PaymentIntentStatusRequiresAction,
		),
	}, nil
}

// CheckStatus implements Gateway
func (g *CardGateway) CheckStatus(ctx context.Context, gatewayReference string) (*StatusResult, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.intents.Get(gatewayReference, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}

	return &StatusResult{
		GatewayReference: pi.ID,
		Reference:        pi.Metadata[MetadataAttemptID],
		Status:           intentStatus(pi),
		RawStatus:        string(pi.Status),
		Amount:           reportedAmount(pi),
		Currency:         money.NormalizeCurrency(string(pi.Currency)),
	}, nil
}

// ParseCallback implements Gateway. Only payment intent events change state;
// everything else is acknowledged and ignored.
func (g *CardGateway) ParseCallback(header http.Header, body []byte) (*Callback, error) {
	event, err := webhook.ConstructEventWithOptions(
		body,
		header.Get("Stripe-Signature"),
		g.config.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var status Status
	switch event.Type {
	case "payment_intent.succeeded":
		status = StatusSuccess
	case "payment_intent.canceled":
		status = StatusCancelled
	case "payment_intent.payment_failed", "payment_intent.processing", "payment_intent.requires_action":
		// A declined confirmation leaves the intent open for another card
		status = StatusPending
	default:
		return nil, ErrIgnoredEvent
	}

	if event.Data == nil {
		return nil, fmt.Errorf("webhook event %s has no data", event.ID)
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("failed to parse payment intent: %w", err)
	}

	return &Callback{
		EventID:          event.ID,
		Reference:        pi.Metadata[MetadataAttemptID],
		GatewayReference: pi.ID,
		Status:           status,
		RawStatus:        string(event.Type),
		Amount:           reportedAmount(&pi),
		Currency:         money.NormalizeCurrency(string(pi.Currency)),
	}, nil
}

// Refund implements Refunder
func (g *CardGateway) Refund(ctx context.Context, gatewayReference string, amount int64, idempotencyKey string) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(gatewayReference),
		Amount:        stripe.Int64(amount),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	r, err := g.refunds.New(params)
	if err != nil {
		return "", classifyStripeError(err)
	}

	g.logger.WithFields(logrus.Fields{
		"intent_id": gatewayReference,
		"refund_id": r.ID,
		"amount":    amount,
	}).Info("Card payment refunded")

	return r.ID, nil
}

// intentStatus treats only succeeded and canceled as final. A failed
// confirmation returns the intent to requires_payment_method, where the buyer
// can still retry.
func intentStatus(pi *stripe.PaymentIntent) Status {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSuccess
	case stripe.PaymentIntentStatusCanceled:
		return StatusCancelled
	default:
		return StatusPending
	}
}

func reportedAmount(pi *stripe.PaymentIntent) int64 {
	if pi.Status == stripe.PaymentIntentStatusSucceeded && pi.AmountReceived > 0 {
		return pi.AmountReceived
	}
	return pi.Amount
}

// classifyStripeError marks client errors as definitive rejections. Rate
// limits and server errors stay transient.
func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		code := stripeErr.HTTPStatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return fmt.Errorf("%w: %s", ErrRejected, stripeErr.Msg)
		}
	}
	return fmt.Errorf("failed to call card gateway: %w", err)
}
