package models

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultCurrency = "ILS"

var (
	ErrNonPositiveAmount = errors.New("amount must be positive")
	ErrMissingAmount     = errors.New("amount is required")
)

type Customer struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email,omitempty" binding:"omitempty,email"`
	Phone string `json:"phone,omitempty"`
}

// PaymentRequest is the charge intent SBPay posts to the bridge. Amount
// accepts both 100 and "100.00".
type PaymentRequest struct {
	TransactionID string           `json:"transaction_id" binding:"required"`
	Amount        *decimal.Decimal `json:"amount"`
	Currency      string           `json:"currency"`
	Customer      Customer         `json:"customer"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
	Signature     string           `json:"signature,omitempty"`
}

// Normalize applies defaults and checks the invariants the validator tags
// cannot express.
func (r *PaymentRequest) Normalize() error {
	if r.Amount == nil {
		return ErrMissingAmount
	}
	if !r.Amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	if strings.TrimSpace(r.Currency) == "" {
		r.Currency = DefaultCurrency
	}
	return nil
}

type PaymentURL struct {
	URL           string    `json:"payment_url"`
	TransactionID string    `json:"transaction_id"`
	IssuedAt      time.Time `json:"issued_at"`
}

// WebhookEvent is the push confirmation SBPay sends.
type WebhookEvent struct {
	OrderID   string `json:"order_id" binding:"required"`
	Status    string `json:"status"`
	Signature string `json:"signature,omitempty"`
}

const WebhookStatusCompleted = "completed"

func (e WebhookEvent) Completed() bool {
	return e.Status == WebhookStatusCompleted
}

// CallbackParams are the query parameters Yaad appends to the redirect.
type CallbackParams struct {
	Values url.Values
}

// CCodeSuccess is Yaad's result code for an approved transaction.
const CCodeSuccess = "0"

func (p CallbackParams) OrderID() string { return p.Values.Get("Order") }
func (p CallbackParams) ResultCode() string { return p.Values.Get("CCode") }
func (p CallbackParams) Amount() string { return p.Values.Get("Amount") }
func (p CallbackParams) ErrMsg() string { return p.Values.Get("errMsg") }

type VerificationResult struct {
	ResultCode string `json:"result_code"`
	Approved   bool   `json:"approved"`
}

type ApprovalResult struct {
	OrderID    string `json:"order_id"`
	StatusCode int    `json:"status_code"`
	Body       []byte `json:"-"`
}
