package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentEventType represents the type of payment event
type PaymentEventType string

const (
	PaymentEventInitiated        PaymentEventType = "payment_initiated"
	PaymentEventInitiationFailed PaymentEventType = "payment_initiation_failed"
	PaymentEventCallbackReceived PaymentEventType = "callback_received"
	PaymentEventCallbackRejected PaymentEventType = "callback_rejected"
	PaymentEventSuccess          PaymentEventType = "payment_success"
	PaymentEventFailed           PaymentEventType = "payment_failed"
	PaymentEventCancelled        PaymentEventType = "payment_cancelled"
	PaymentEventAmountMismatch   PaymentEventType = "amount_mismatch"
	PaymentEventUnknownAttempt   PaymentEventType = "unknown_attempt"
	PaymentEventLateSuccess      PaymentEventType = "late_success"
	PaymentEventBookingConfirmed PaymentEventType = "booking_confirmed"
	PaymentEventRefundCompleted  PaymentEventType = "refund_completed"
)

// PaymentEventSource identifies where the event originated
type PaymentEventSource string

const (
	PaymentSourceBackend PaymentEventSource = "backend"
	PaymentSourceWebhook PaymentEventSource = "webhook"
	PaymentSourcePoll    PaymentEventSource = "poll"
	PaymentSourceSweep   PaymentEventSource = "sweep"
	PaymentSourceUser    PaymentEventSource = "user"
	PaymentSourceSystem  PaymentEventSource = "system"
)

// AuditSourceFor maps a callback source to its audit source
func AuditSourceFor(source CallbackSource) PaymentEventSource {
	switch source {
	case CallbackSourceWebhook:
		return PaymentSourceWebhook
	case CallbackSourcePoll:
		return PaymentSourcePoll
	case CallbackSourceSweep:
		return PaymentSourceSweep
	default:
		return PaymentSourceSystem
	}
}

// PaymentAudit is an immutable audit log entry for payment events
type PaymentAudit struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	BookingID        *uuid.UUID `json:"booking_id,omitempty" db:"booking_id"`
	AttemptID        *uuid.UUID `json:"attempt_id,omitempty" db:"attempt_id"`
	Gateway          *string    `json:"gateway,omitempty" db:"gateway"`
	GatewayEventID   *string    `json:"gateway_event_id,omitempty" db:"gateway_event_id"`
	GatewayReference *string    `json:"gateway_reference,omitempty" db:"gateway_reference"`

	EventType   PaymentEventType   `json:"event_type" db:"event_type"`
	EventSource PaymentEventSource `json:"event_source" db:"event_source"`

	// Amounts in minor units
	ExpectedAmount *int64  `json:"expected_amount,omitempty" db:"expected_amount"`
	ReceivedAmount *int64  `json:"received_amount,omitempty" db:"received_amount"`
	Currency       *string `json:"currency,omitempty" db:"currency"`
	AmountsMatch   *bool   `json:"amounts_match,omitempty" db:"amounts_match"`

	PaymentStatus *string `json:"payment_status,omitempty" db:"payment_status"`
	RawBody       *string `json:"raw_body,omitempty" db:"raw_body"`

	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`
	ErrorCode    *string `json:"error_code,omitempty" db:"error_code"`
	IsDuplicate  bool    `json:"is_duplicate" db:"is_duplicate"`

	IPAddress  *string `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent  *string `json:"user_agent,omitempty" db:"user_agent"`
	DeviceType *string `json:"device_type,omitempty" db:"device_type"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NewPaymentAudit creates a new payment audit entry with required fields
func NewPaymentAudit(eventType PaymentEventType, source PaymentEventSource) *PaymentAudit {
	return &PaymentAudit{
		ID:          uuid.New(),
		EventType:   eventType,
		EventSource: source,
		CreatedAt:   time.Now(),
	}
}

// SetAttempt links the audit to an attempt and its booking
func (pa *PaymentAudit) SetAttempt(attempt *PaymentAttempt) *PaymentAudit {
	pa.AttemptID = &attempt.ID
	pa.BookingID = &attempt.BookingID
	gateway := string(attempt.Gateway)
	pa.Gateway = &gateway
	if attempt.GatewayReference != nil {
		ref := *attempt.GatewayReference
		pa.GatewayReference = &ref
	}
	return pa
}

// SetBooking links the audit to a booking
func (pa *PaymentAudit) SetBooking(bookingID uuid.UUID) *PaymentAudit {
	pa.BookingID = &bookingID
	return pa
}

// SetGateway sets the gateway name
func (pa *PaymentAudit) SetGateway(gateway string) *PaymentAudit {
	pa.Gateway = &gateway
	return pa
}

// SetGatewayEvent sets the gateway event id used for deduplication
func (pa *PaymentAudit) SetGatewayEvent(eventID string) *PaymentAudit {
	if eventID != "" {
		pa.GatewayEventID = &eventID
	}
	return pa
}

// SetAmounts records both amounts and returns whether they match exactly.
// Amounts are integer minor units so no tolerance is applied.
func (pa *PaymentAudit) SetAmounts(expected, received int64, currency string) bool {
	pa.ExpectedAmount = &expected
	pa.ReceivedAmount = &received
	pa.Currency = &currency

	match := expected == received
	pa.AmountsMatch = &match
	return match
}

// SetPaymentStatus sets the payment status reported by the gateway
func (pa *PaymentAudit) SetPaymentStatus(status string) *PaymentAudit {
	pa.PaymentStatus = &status
	return pa
}

// SetError sets error information
func (pa *PaymentAudit) SetError(message string, code ErrorCode) *PaymentAudit {
	pa.ErrorMessage = &message
	c := string(code)
	pa.ErrorCode = &c
	return pa
}

// SetRawBody stores the raw gateway payload
func (pa *PaymentAudit) SetRawBody(body []byte) *PaymentAudit {
	if len(body) > 0 {
		s := string(body)
		pa.RawBody = &s
	}
	return pa
}

// SetMetadata sets request metadata
func (pa *PaymentAudit) SetMetadata(ip, userAgent, deviceType string) *PaymentAudit {
	if ip != "" {
		pa.IPAddress = &ip
	}
	if userAgent != "" {
		pa.UserAgent = &userAgent
	}
	if deviceType != "" {
		pa.DeviceType = &deviceType
	}
	return pa
}

// MarkAsDuplicate marks this event as a duplicate delivery
func (pa *PaymentAudit) MarkAsDuplicate() *PaymentAudit {
	pa.IsDuplicate = true
	return pa
}
