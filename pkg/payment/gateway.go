// Package payment defines the contract the reservation core requires of a
// payment gateway and provides the bank-transfer and card adapters.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// Gateway names
const (
	BankTransfer = "bank_transfer"
	CreditCard   = "credit_card"
)

// Status is the normalized status vocabulary adapters report
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether the status ends a payment
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

var (
	// ErrRejected marks a definitive refusal by the gateway. Errors without it
	// are treated as transient and never as a failed payment.
	ErrRejected = errors.New("payment gateway rejected the request")

	// ErrInvalidSignature is returned when a callback cannot be authenticated
	ErrInvalidSignature = errors.New("invalid callback signature")

	// ErrIgnoredEvent is returned for callbacks that carry no payment state change
	ErrIgnoredEvent = errors.New("callback event ignored")

	// ErrNotConfigured is returned when an adapter lacks credentials
	ErrNotConfigured = errors.New("payment gateway not configured")
)

// InitKind tags the shape of InitData
type InitKind string

const (
	InitKindRedirect      InitKind = "redirect"
	InitKindClientConfirm InitKind = "client_confirm"
)

// Redirect is returned by redirect-based gateways
type Redirect struct {
	URL string `json:"url"`
}

// ClientConfirm is returned by client-confirmation gateways
type ClientConfirm struct {
	ClientSecret   string `json:"client_secret"`
	IntentID       string `json:"intent_id"`
	RequiresAction bool   `json:"requires_action"`
}

// InitData is a tagged variant: exactly one of Redirect or ClientConfirm is
// set, matching Kind.
type InitData struct {
	Kind          InitKind       `json:"kind"`
	Redirect      *Redirect      `json:"redirect,omitempty"`
	ClientConfirm *ClientConfirm `json:"client_confirm,omitempty"`
}

// NewRedirectInit builds redirect init data
func NewRedirectInit(url string) InitData {
	return InitData{Kind: InitKindRedirect, Redirect: &Redirect{URL: url}}
}

// NewClientConfirmInit builds client-confirmation init data
func NewClientConfirmInit(secret, intentID string, requiresAction bool) InitData {
	return InitData{
		Kind: InitKindClientConfirm,
		ClientConfirm: &ClientConfirm{
			ClientSecret:   secret,
			IntentID:       intentID,
			RequiresAction: requiresAction,
		},
	}
}

// InitRequest asks a gateway to start collecting Amount. Reference is our
// attempt id and comes back on every callback.
type InitRequest struct {
	Reference   string
	Amount      int64
	Currency    string
	Description string
}

// InitResult is the gateway's answer to InitRequest
type InitResult struct {
	GatewayReference string
	Data             InitData
}

// StatusResult is the gateway's view of a payment
type StatusResult struct {
	GatewayReference string
	Reference        string
	Status           Status
	RawStatus        string
	Amount           int64
	Currency         string
}

// Callback is an authenticated, parsed gateway notification
type Callback struct {
	EventID          string
	Reference        string
	GatewayReference string
	Status           Status
	RawStatus        string
	Amount           int64
	Currency         string
}

// AttemptRef returns our reference when the gateway echoed it, otherwise the
// gateway's own reference.
func (c *Callback) AttemptRef() string {
	if c.Reference != "" {
		return c.Reference
	}
	return c.GatewayReference
}

// Gateway is implemented by every payment adapter
type Gateway interface {
	Name() string
	Initiate(ctx context.Context, req InitRequest) (*InitResult, error)
	CheckStatus(ctx context.Context, gatewayReference string) (*StatusResult, error)
	ParseCallback(header http.Header, body []byte) (*Callback, error)
}

// Refunder is implemented by adapters that can reverse a captured payment
type Refunder interface {
	Refund(ctx context.Context, gatewayReference string, amount int64, idempotencyKey string) (string, error)
}

// Registry holds the configured gateways by name
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
}

// NewRegistry creates a registry of the given gateways
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway)}
	for _, g := range gateways {
		r.Register(g)
	}
	return r
}

// Register adds or replaces a gateway
func (r *Registry) Register(g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[g.Name()] = g
}

// Get returns the gateway registered under name
func (r *Registry) Get(name string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("gateway %q is not registered", name)
	}
	return g, nil
}

// Names lists registered gateway names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
