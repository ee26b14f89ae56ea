package models

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable, client-facing error identifier
type ErrorCode string

const (
	// Validation
	ErrCodeInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrCodeInvalidQuantity  ErrorCode = "INVALID_QUANTITY"
	ErrCodeEmptyItems       ErrorCode = "EMPTY_ITEMS"
	ErrCodePriceMismatch    ErrorCode = "PRICE_MISMATCH"
	ErrCodeCurrencyMismatch ErrorCode = "CURRENCY_MISMATCH"
	ErrCodeVariantNotFound  ErrorCode = "VARIANT_NOT_FOUND"

	// Capacity
	ErrCodeSlotNotFound         ErrorCode = "SLOT_NOT_FOUND"
	ErrCodeSlotClosed           ErrorCode = "SLOT_CLOSED"
	ErrCodeInsufficientCapacity ErrorCode = "INSUFFICIENT_CAPACITY"
	ErrCodeTokenExpired         ErrorCode = "TOKEN_EXPIRED"

	// Booking state
	ErrCodeBookingNotFound   ErrorCode = "BOOKING_NOT_FOUND"
	ErrCodeNotPending        ErrorCode = "NOT_PENDING"
	ErrCodeAlreadyTerminal   ErrorCode = "ALREADY_TERMINAL"
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// Payment
	ErrCodeBookingNotPending   ErrorCode = "BOOKING_NOT_PENDING"
	ErrCodePaymentInProgress   ErrorCode = "PAYMENT_IN_PROGRESS"
	ErrCodeAttemptLimitReached ErrorCode = "ATTEMPT_LIMIT_REACHED"
	ErrCodeUnsupportedGateway  ErrorCode = "UNSUPPORTED_GATEWAY"
	ErrCodeGatewayUnavailable  ErrorCode = "GATEWAY_UNAVAILABLE"
	ErrCodeUnknownAttempt      ErrorCode = "UNKNOWN_ATTEMPT"
	ErrCodeAmountMismatch      ErrorCode = "AMOUNT_MISMATCH"
	ErrCodeDuplicateEvent      ErrorCode = "DUPLICATE_EVENT"
	ErrCodeInvalidSignature    ErrorCode = "INVALID_SIGNATURE"

	// Access
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeRateLimited  ErrorCode = "RATE_LIMITED"

	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups codes by how callers are expected to react
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation"
	CategoryCapacity   ErrorCategory = "capacity"
	CategoryState      ErrorCategory = "state"
	CategoryNotFound   ErrorCategory = "not_found"
	CategoryIntegrity  ErrorCategory = "integrity"
	CategoryGateway    ErrorCategory = "gateway"
	CategoryAccess     ErrorCategory = "access"
	CategoryInternal   ErrorCategory = "internal"
)

var errorCategories = map[ErrorCode]ErrorCategory{
	ErrCodeInvalidRequest:       CategoryValidation,
	ErrCodeInvalidQuantity:      CategoryValidation,
	ErrCodeEmptyItems:           CategoryValidation,
	ErrCodePriceMismatch:        CategoryValidation,
	ErrCodeCurrencyMismatch:     CategoryValidation,
	ErrCodeVariantNotFound:      CategoryValidation,
	ErrCodeSlotNotFound:         CategoryCapacity,
	ErrCodeSlotClosed:           CategoryCapacity,
	ErrCodeInsufficientCapacity: CategoryCapacity,
	ErrCodeTokenExpired:         CategoryState,
	ErrCodeBookingNotFound:      CategoryNotFound,
	ErrCodeNotPending:           CategoryState,
	ErrCodeAlreadyTerminal:      CategoryState,
	ErrCodeInvalidTransition:    CategoryState,
	ErrCodeBookingNotPending:    CategoryState,
	ErrCodePaymentInProgress:    CategoryState,
	ErrCodeAttemptLimitReached:  CategoryState,
	ErrCodeUnsupportedGateway:   CategoryValidation,
	ErrCodeGatewayUnavailable:   CategoryGateway,
	ErrCodeUnknownAttempt:       CategoryIntegrity,
	ErrCodeAmountMismatch:       CategoryIntegrity,
	ErrCodeDuplicateEvent:       CategoryState,
	ErrCodeInvalidSignature:     CategoryAccess,
	ErrCodeUnauthorized:         CategoryAccess,
	ErrCodeForbidden:            CategoryAccess,
	ErrCodeRateLimited:          CategoryAccess,
	ErrCodeInternal:             CategoryInternal,
}

// Category returns the category a code belongs to
func (c ErrorCode) Category() ErrorCategory {
	if cat, ok := errorCategories[c]; ok {
		return cat
	}
	return CategoryInternal
}

// AppError is a domain error carrying a stable code. Err holds the underlying
// cause, which is logged but never shown to clients.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError with the same code, so sentinel values below work
// with errors.Is regardless of message.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewAppError creates an AppError
func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// WrapAppError creates an AppError with an underlying cause
func WrapAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Sentinels for errors.Is comparisons
var (
	ErrInsufficientCapacity = NewAppError(ErrCodeInsufficientCapacity, "not enough capacity left on this departure")
	ErrSlotNotFound         = NewAppError(ErrCodeSlotNotFound, "availability slot not found")
	ErrSlotClosed           = NewAppError(ErrCodeSlotClosed, "availability slot is closed for booking")
	ErrInvalidQuantity      = NewAppError(ErrCodeInvalidQuantity, "quantity must be greater than zero")
	ErrTokenExpired         = NewAppError(ErrCodeTokenExpired, "capacity hold is no longer active")
	ErrEmptyItems           = NewAppError(ErrCodeEmptyItems, "booking must contain at least one item")
	ErrPriceMismatch        = NewAppError(ErrCodePriceMismatch, "price has changed, please refresh and try again")
	ErrCurrencyMismatch     = NewAppError(ErrCodeCurrencyMismatch, "all items must be priced in the same currency")
	ErrVariantNotFound      = NewAppError(ErrCodeVariantNotFound, "service variant not found")
	ErrBookingNotFound      = NewAppError(ErrCodeBookingNotFound, "booking not found")
	ErrNotPending           = NewAppError(ErrCodeNotPending, "booking is not pending")
	ErrAlreadyTerminal      = NewAppError(ErrCodeAlreadyTerminal, "booking is already in a final state")
	ErrInvalidTransition    = NewAppError(ErrCodeInvalidTransition, "booking status transition not allowed")
	ErrBookingNotPending    = NewAppError(ErrCodeBookingNotPending, "booking is not awaiting payment")
	ErrPaymentInProgress    = NewAppError(ErrCodePaymentInProgress, "a payment attempt is already in progress")
	ErrAttemptLimitReached  = NewAppError(ErrCodeAttemptLimitReached, "maximum payment attempts reached for this booking")
	ErrUnsupportedGateway   = NewAppError(ErrCodeUnsupportedGateway, "payment gateway not supported")
	ErrGatewayUnavailable   = NewAppError(ErrCodeGatewayUnavailable, "payment gateway unavailable, please try again")
	ErrUnknownAttempt       = NewAppError(ErrCodeUnknownAttempt, "payment attempt not found")
	ErrAmountMismatch       = NewAppError(ErrCodeAmountMismatch, "reported amount does not match payment attempt")
	ErrDuplicateEvent       = NewAppError(ErrCodeDuplicateEvent, "gateway event already processed")
	ErrInvalidSignature     = NewAppError(ErrCodeInvalidSignature, "callback signature verification failed")
)

// ErrorCodeOf extracts the code of err, or INTERNAL_ERROR for non-domain errors
func ErrorCodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsStateError reports whether err is an idempotency signal rather than a failure
func IsStateError(err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code.Category() == CategoryState
}
