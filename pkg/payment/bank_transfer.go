package payment

import (
	"bytes"
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tourdesk/reservation-backend/pkg/money"
)

// BankTransferEnvironmentURLs maps environment names to hosted payment page endpoints
var BankTransferEnvironmentURLs = map[string]string{
	"sandbox":    "https://sandboxipgpayment.payable.lk/ipg/sandbox",
	"production": "https://ipgpayment.payable.lk/ipg/pro",
}

// BankTransferConfig configures the redirect-based gateway
type BankTransferConfig struct {
	Environment   string // "sandbox" or "production"
	MerchantKey   string
	MerchantToken string // never sent, only used for check values
	ReturnURL     string
	WebhookURL    string
	BaseURL       string // overrides the environment endpoint when set
	Timeout       time.Duration
}

// BankTransferGateway redirects the buyer to a hosted payment page and learns
// the outcome from a signed webhook or a status query.
type BankTransferGateway struct {
	config BankTransferConfig
	logger *logrus.Logger
	client *http.Client
}

type bankTransferInitRequest struct {
	MerchantKey      string `json:"merchantKey"`
	ReturnURL        string `json:"returnUrl"`
	WebhookURL       string `json:"webhookUrl,omitempty"`
	PaymentType      int    `json:"paymentType"`
	InvoiceID        string `json:"invoiceId"`
	Amount           string `json:"amount"`
	CurrencyCode     string `json:"currencyCode"`
	OrderDescription string `json:"orderDescription,omitempty"`
	CheckValue       string `json:"checkValue"`
	IntegrationType  string `json:"integrationType"`
}

type bankTransferInitResponse struct {
	Status          string `json:"status"`
	UID             string `json:"uid"`
	StatusIndicator string `json:"statusIndicator"`
	PaymentPage     string `json:"paymentPage"`
	Message         string `json:"message,omitempty"`
}

type bankTransferStatusRequest struct {
	UID             string `json:"uid"`
	StatusIndicator string `json:"statusIndicator"`
}

type bankTransferStatusResponse struct {
	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`
	Amount        string `json:"amount"`
	CurrencyCode  string `json:"currencyCode"`
	InvoiceID     string `json:"invoiceId"`
	Message       string `json:"message,omitempty"`
}

// BankTransferWebhook is the payload the gateway posts on status changes
type BankTransferWebhook struct {
	UID             string `json:"uid"`
	StatusIndicator string `json:"statusIndicator"`
	InvoiceID       string `json:"invoiceId"`
	Amount          string `json:"amount"`
	CurrencyCode    string `json:"currencyCode"`
	PaymentStatus   string `json:"paymentStatus"`
	TransactionID   string `json:"transactionId,omitempty"`
	CheckValue      string `json:"checkValue"`
}

// NewBankTransferGateway creates the redirect-based gateway adapter
func NewBankTransferGateway(cfg BankTransferConfig, logger *logrus.Logger) *BankTransferGateway {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &BankTransferGateway{
		config: cfg,
		logger: logger,
		client: &http.Client{Timeout: timeout},
	}
}

// Name implements Gateway
func (g *BankTransferGateway) Name() string {
	return BankTransfer
}

// GenerateCheckValue creates the SHA-512 check value authenticating a request.
// hash1 = SHA512(merchantToken), hash2 = SHA512("key|invoice|amount|currency|hash1"),
// both upper-case hex.
func (g *BankTransferGateway) GenerateCheckValue(invoiceID, amount, currencyCode string) string {
	return g.checkValue(invoiceID, amount, currencyCode)
}

// WebhookCheckValue is the check value the gateway attaches to a webhook. The
// payment status is part of the signed string so it cannot be swapped.
func (g *BankTransferGateway) WebhookCheckValue(invoiceID, amount, currencyCode, paymentStatus string) string {
	return g.checkValue(invoiceID, amount, currencyCode, paymentStatus)
}

func (g *BankTransferGateway) checkValue(fields ...string) string {
	hash1 := sha512.Sum512([]byte(g.config.MerchantToken))
	hash1Hex := strings.ToUpper(hex.EncodeToString(hash1[:]))

	parts := append([]string{g.config.MerchantKey}, fields...)
	parts = append(parts, hash1Hex)
	hash2 := sha512.Sum512([]byte(strings.Join(parts, "|")))
	return strings.ToUpper(hex.EncodeToString(hash2[:]))
}

func (g *BankTransferGateway) endpoints() (initURL, statusURL string) {
	if g.config.BaseURL != "" {
		base := strings.TrimRight(g.config.BaseURL, "/")
		return base + "/ipg", base + "/check-status"
	}
	initURL, ok := BankTransferEnvironmentURLs[g.config.Environment]
	if !ok {
		initURL = BankTransferEnvironmentURLs["sandbox"]
	}
	return initURL, strings.Replace(initURL, "/ipg/", "/check-status/", 1)
}

// Initiate implements Gateway. The returned gateway reference packs the uid and
// status indicator, both of which the status endpoint requires.
func (g *BankTransferGateway) Initiate(ctx context.Context, req InitRequest) (*InitResult, error) {
	if g.config.MerchantKey == "" || g.config.MerchantToken == "" {
		return nil, fmt.Errorf("%w: missing merchant credentials", ErrNotConfigured)
	}

	currency := money.NormalizeCurrency(req.Currency)
	amount := money.Format(req.Amount, currency)
	initURL, _ := g.endpoints()

	body := &bankTransferInitRequest{
		MerchantKey:      g.config.MerchantKey,
		ReturnURL:        g.config.ReturnURL,
		WebhookURL:       g.config.WebhookURL,
		PaymentType:      1,
		InvoiceID:        req.Reference,
		Amount:           amount,
		CurrencyCode:     currency,
		OrderDescription: req.Description,
		CheckValue:       g.GenerateCheckValue(req.Reference, amount, currency),
		IntegrationType:  "TourDesk",
	}

	g.logger.WithFields(logrus.Fields{
		"invoice_id": req.Reference,
		"amount":     amount,
		"currency":   currency,
		"endpoint":   initURL,
	}).Info("Initiating bank transfer payment")

	var resp bankTransferInitResponse
	if err := g.postJSON(ctx, initURL, body, &resp); err != nil {
		return nil, err
	}

	// The gateway answers "PENDING" when the payment page is ready
	if resp.Status != "success" && resp.Status != "PENDING" {
		msg := resp.Message
		if msg == "" {
			msg = "status=" + resp.Status
		}
		return nil, fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	if resp.PaymentPage == "" || resp.UID == "" {
		return nil, fmt.Errorf("%w: no payment page returned", ErrRejected)
	}

	g.logger.WithFields(logrus.Fields{
		"invoice_id": req.Reference,
		"uid":        resp.UID,
	}).Info("Bank transfer payment initiated")

	return &InitResult{
		GatewayReference: joinReference(resp.UID, resp.StatusIndicator),
		Data:             NewRedirectInit(resp.PaymentPage),
	}, nil
}

// CheckStatus implements Gateway
func (g *BankTransferGateway) CheckStatus(ctx context.Context, gatewayReference string) (*StatusResult, error) {
	uid, indicator := splitReference(gatewayReference)
	if uid == "" {
		return nil, fmt.Errorf("%w: empty gateway reference", ErrRejected)
	}
	_, statusURL := g.endpoints()

	var resp bankTransferStatusResponse
	if err := g.postJSON(ctx, statusURL, &bankTransferStatusRequest{UID: uid, StatusIndicator: indicator}, &resp); err != nil {
		return nil, err
	}

	result := &StatusResult{
		GatewayReference: gatewayReference,
		Reference:        resp.InvoiceID,
		Status:           normalizeBankTransferStatus(resp.PaymentStatus),
		RawStatus:        resp.PaymentStatus,
		Currency:         money.NormalizeCurrency(resp.CurrencyCode),
	}
	if resp.Amount != "" {
		amount, err := money.Parse(resp.Amount, resp.CurrencyCode)
		if err != nil {
			return nil, fmt.Errorf("failed to parse status amount: %w", err)
		}
		result.Amount = amount
	}
	return result, nil
}

// ParseCallback implements Gateway
func (g *BankTransferGateway) ParseCallback(_ http.Header, body []byte) (*Callback, error) {
	var payload BankTransferWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}
	if payload.UID == "" || payload.InvoiceID == "" || payload.PaymentStatus == "" {
		return nil, fmt.Errorf("webhook missing required fields")
	}

	expected := g.WebhookCheckValue(payload.InvoiceID, payload.Amount, payload.CurrencyCode, payload.PaymentStatus)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToUpper(payload.CheckValue))) != 1 {
		return nil, ErrInvalidSignature
	}

	amount, err := money.Parse(payload.Amount, payload.CurrencyCode)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook amount: %w", err)
	}

	status := normalizeBankTransferStatus(payload.PaymentStatus)
	return &Callback{
		EventID:          fmt.Sprintf("bt:%s:%s", payload.UID, strings.ToUpper(payload.PaymentStatus)),
		Reference:        payload.InvoiceID,
		GatewayReference: joinReference(payload.UID, payload.StatusIndicator),
		Status:           status,
		RawStatus:        payload.PaymentStatus,
		Amount:           amount,
		Currency:         money.NormalizeCurrency(payload.CurrencyCode),
	}, nil
}

func (g *BankTransferGateway) postJSON(ctx context.Context, url string, in, out interface{}) error {
	jsonBody, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		g.logger.WithError(err).Error("Failed to call bank transfer gateway")
		return fmt.Errorf("failed to call payment gateway: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return fmt.Errorf("%w: gateway returned status %d: %s", ErrRejected, resp.StatusCode, string(respBody))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("payment gateway returned status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func normalizeBankTransferStatus(status string) Status {
	switch strings.ToUpper(status) {
	case "SUCCESS", "PAID", "COMPLETED":
		return StatusSuccess
	case "FAILED", "DECLINED", "ERROR":
		return StatusFailed
	case "CANCELLED", "CANCELED", "EXPIRED":
		return StatusCancelled
	default:
		return StatusPending
	}
}

func joinReference(uid, indicator string) string {
	if indicator == "" {
		return uid
	}
	return uid + ":" + indicator
}

func splitReference(ref string) (uid, indicator string) {
	uid, indicator, _ = strings.Cut(ref, ":")
	return uid, indicator
}
