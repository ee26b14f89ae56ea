package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/tourdesk/reservation-backend/pkg/payment"
)

// PaymentGateway identifies a payment gateway adapter
type PaymentGateway string

const (
	GatewayBankTransfer PaymentGateway = payment.BankTransfer
	GatewayCreditCard   PaymentGateway = payment.CreditCard
)

// AttemptStatus is the lifecycle state of a payment attempt
type AttemptStatus string

const (
	AttemptStatusInitiated AttemptStatus = "initiated"
	AttemptStatusPending   AttemptStatus = "pending"
	AttemptStatusSuccess   AttemptStatus = "success"
	AttemptStatusFailed    AttemptStatus = "failed"
	AttemptStatusCancelled AttemptStatus = "cancelled"
)

// IsTerminal reports whether the attempt can no longer change
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptStatusSuccess || s == AttemptStatusFailed || s == AttemptStatusCancelled
}

// AttemptStatusFromGateway normalizes a gateway status. Any in-flight provider
// status maps to pending.
func AttemptStatusFromGateway(status payment.Status) AttemptStatus {
	switch status {
	case payment.StatusSuccess:
		return AttemptStatusSuccess
	case payment.StatusFailed:
		return AttemptStatusFailed
	case payment.StatusCancelled:
		return AttemptStatusCancelled
	default:
		return AttemptStatusPending
	}
}

// PaymentAttempt is one gateway-bound attempt to collect payment for a booking
type PaymentAttempt struct {
	ID               uuid.UUID      `json:"id" db:"id"`
	BookingID        uuid.UUID      `json:"booking_id" db:"booking_id"`
	Gateway          PaymentGateway `json:"gateway" db:"gateway"`
	AmountMinor      int64          `json:"amount_minor" db:"amount_minor"`
	Currency         string         `json:"currency" db:"currency"`
	Status           AttemptStatus  `json:"status" db:"status"`
	GatewayReference *string        `json:"gateway_reference,omitempty" db:"gateway_reference"`
	FailureReason    *string        `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

// Reference returns the gateway reference or an empty string
func (a *PaymentAttempt) Reference() string {
	if a.GatewayReference == nil {
		return ""
	}
	return *a.GatewayReference
}

// PaymentTransaction is an append-only ledger entry of a gateway-reported event
type PaymentTransaction struct {
	ID             uuid.UUID `json:"id" db:"id"`
	AttemptID      uuid.UUID `json:"attempt_id" db:"attempt_id"`
	GatewayEventID string    `json:"gateway_event_id" db:"gateway_event_id"`
	ReportedStatus string    `json:"reported_status" db:"reported_status"`
	AmountMinor    int64     `json:"amount_minor" db:"amount_minor"`
	Currency       string    `json:"currency" db:"currency"`
	PayloadHash    *string   `json:"payload_hash,omitempty" db:"payload_hash"`
	ReceivedAt     time.Time `json:"received_at" db:"received_at"`
}

// CallbackSource identifies how a gateway event reached the orchestrator
type CallbackSource string

const (
	CallbackSourceWebhook CallbackSource = "webhook"
	CallbackSourcePoll    CallbackSource = "poll"
	CallbackSourceSweep   CallbackSource = "sweep"
)

// GatewayCallback is a normalized gateway-originated state change
type GatewayCallback struct {
	GatewayEventID string
	AttemptRef     string
	ReportedStatus payment.Status
	RawStatus      string
	AmountMinor    int64
	Currency       string
	Source         CallbackSource
	Payload        []byte
	IPAddress      string
	UserAgent      string
	DeviceType     string
}

// ============================================================================
// REQUEST/RESPONSE DTOs
// ============================================================================

// InitiatePaymentRequest is the request body for starting a payment
type InitiatePaymentRequest struct {
	Gateway string `json:"gateway" binding:"required"`
}

// InitiatePaymentResponse carries the new attempt and gateway-specific init data
type InitiatePaymentResponse struct {
	AttemptID uuid.UUID        `json:"attempt_id"`
	Gateway   PaymentGateway   `json:"gateway"`
	Amount    string           `json:"amount"`
	Currency  string           `json:"currency"`
	Status    AttemptStatus    `json:"status"`
	Init      payment.InitData `json:"init"`
}

// PaymentStatusResponse is the polling view of the latest attempt
type PaymentStatusResponse struct {
	BookingID     uuid.UUID       `json:"booking_id"`
	BookingStatus BookingStatus   `json:"booking_status"`
	Attempt       *PaymentAttempt `json:"attempt,omitempty"`
}
