package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"bridge-svc/circuitbreaker"
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrIndeterminate means an upstream call timed out and its effect is
	// unknown. The order was left in the state it had before the call.
	ErrIndeterminate = errors.New("upstream outcome indeterminate")

	ErrAlreadySettled           = errors.New("order already confirmed")
	ErrApprovalInProgress       = errors.New("order approval in progress")
	ErrApprovalFailedPreviously = errors.New("order approval previously failed")
)

// AuthenticityError wraps a missing or invalid HMAC proof.
type AuthenticityError struct {
	Err error
}

func (e *AuthenticityError) Error() string { return e.Err.Error() }
func (e *AuthenticityError) Unwrap() error { return e.Err }
func (e *AuthenticityError) Kind() string { return "authenticity" }

// ValidationError is a body that failed to parse or validate after its
// signature was accepted.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "invalid request: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }
func (e *ValidationError) Kind() string { return "validation" }

// UpstreamError is a non-success response or transport failure from either
// gateway.
type UpstreamError struct {
	Upstream   string
	Operation  string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s returned status %d: %s", e.Upstream, e.Operation, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Upstream, e.Operation, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
func (e *UpstreamError) Kind() string { return "upstream" }

// Timeout reports whether the call ran out of time before a response.
func (e *UpstreamError) Timeout() bool {
	if e.Err == nil {
		return false
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// UpstreamApprovalError is a failed SBPay order approval. It is the one
// failure that means money was captured but not credited.
type UpstreamApprovalError struct {
	OrderID string
	UpstreamError
}

func (e *UpstreamApprovalError) Error() string {
	return fmt.Sprintf("approve order %s: %s", e.OrderID, e.UpstreamError.Error())
}

func (e *UpstreamApprovalError) Unwrap() error { return &e.UpstreamError }
func (e *UpstreamApprovalError) Kind() string { return "approval_failed" }

// VerificationMismatch is a Yaad redirect whose claim the verify round trip
// did not confirm.
type VerificationMismatch struct {
	OrderID    string
	ResultCode string
	Message    string
}

func (e *VerificationMismatch) Error() string {
	return fmt.Sprintf("payment verification failed for order %s (code %s)", e.OrderID, e.ResultCode)
}

func (e *VerificationMismatch) Kind() string { return "verification_failed" }

type kinder interface {
	Kind() string
}

func Kind(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrIndeterminate):
		return "timeout"
	case errors.Is(err, ErrAlreadySettled), errors.Is(err, ErrApprovalInProgress):
		return "conflict"
	case errors.Is(err, ErrApprovalFailedPreviously):
		return "approval_failed"
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	var k kinder
	if errors.As(err, &k) {
		if up, ok := k.(*UpstreamError); ok && up.Timeout() {
			return "timeout"
		}
		return k.Kind()
	}
	return "internal"
}

var kindToStatus = map[string]int{
	"authenticity":        http.StatusUnauthorized,
	"validation":          http.StatusBadRequest,
	"verification_failed": http.StatusBadRequest,
	"conflict":            http.StatusConflict,
	"upstream":            http.StatusBadGateway,
	"approval_failed":     http.StatusBadGateway,
	"unavailable":         http.StatusServiceUnavailable,
	"timeout":             http.StatusGatewayTimeout,
}

func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if s, ok := kindToStatus[Kind(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}
