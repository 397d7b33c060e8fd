package models

import (
	"encoding/json"
	"errors"
	"net/url"
	"testing"
)

func TestPaymentRequest_AmountAcceptsNumberAndString(t *testing.T) {
	cases := map[string]string{
		`{"transaction_id":"TX1","amount":100,"customer":{"name":"Alice"}}`:     "100",
		`{"transaction_id":"TX1","amount":"99.90","customer":{"name":"Alice"}}`: "99.9",
		`{"transaction_id":"TX1","amount":12.345,"customer":{"name":"Alice"}}`:  "12.345",
		`{"transaction_id":"TX1","amount":"0.01","customer":{"name":"Alice"}}`:  "0.01",
	}
	for body, want := range cases {
		var req PaymentRequest
		if err := json.Unmarshal([]byte(body), &req); err != nil {
			t.Fatalf("Failed to unmarshal %s: %v", body, err)
		}
		if err := req.Normalize(); err != nil {
			t.Fatalf("Normalize failed for %s: %v", body, err)
		}
		if got := req.Amount.String(); got != want {
			t.Errorf("Expected amount %s, got %s", want, got)
		}
	}
}

func TestPaymentRequest_NormalizeDefaultsCurrency(t *testing.T) {
	var req PaymentRequest
	if err := json.Unmarshal([]byte(`{"transaction_id":"TX1","amount":1,"customer":{"name":"A"}}`), &req); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if err := req.Normalize(); err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if req.Currency != DefaultCurrency {
		t.Errorf("Expected currency %s, got %s", DefaultCurrency, req.Currency)
	}
}

func TestPaymentRequest_NormalizeRejectsBadAmounts(t *testing.T) {
	for body, want := range map[string]error{
		`{"transaction_id":"TX1","customer":{"name":"A"}}`:               ErrMissingAmount,
		`{"transaction_id":"TX1","amount":0,"customer":{"name":"A"}}`:    ErrNonPositiveAmount,
		`{"transaction_id":"TX1","amount":"-5","customer":{"name":"A"}}`: ErrNonPositiveAmount,
	} {
		var req PaymentRequest
		if err := json.Unmarshal([]byte(body), &req); err != nil {
			t.Fatalf("Failed to unmarshal %s: %v", body, err)
		}
		if err := req.Normalize(); !errors.Is(err, want) {
			t.Errorf("Expected %v for %s, got %v", want, body, err)
		}
	}
}

func TestPaymentRequest_NonNumericAmountFailsToDecode(t *testing.T) {
	var req PaymentRequest
	if err := json.Unmarshal([]byte(`{"transaction_id":"TX1","amount":"lots"}`), &req); err == nil {
		t.Error("Expected non-numeric amount to fail decoding")
	}
}

func TestCallbackParams_Accessors(t *testing.T) {
	p := CallbackParams{Values: url.Values{
		"Order":  {"TX1"},
		"CCode":  {"0"},
		"Amount": {"100"},
		"errMsg": {"ok"},
	}}
	if p.OrderID() != "TX1" || p.ResultCode() != CCodeSuccess || p.Amount() != "100" || p.ErrMsg() != "ok" {
		t.Errorf("Unexpected accessor values: %+v", p.Values)
	}
}

func TestWebhookEvent_Completed(t *testing.T) {
	if !(WebhookEvent{Status: "completed"}).Completed() {
		t.Error("Expected completed status to be completed")
	}
	if (WebhookEvent{Status: "failed"}).Completed() {
		t.Error("Expected failed status not to be completed")
	}
}
