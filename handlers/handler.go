package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"bridge-svc/apperr"
	"bridge-svc/reconcile"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	HeaderSignature = "X-SBPay-Signature"
	maxBodySize     = 1 << 20
)

// PaymentHandler serves the SBPay and Yaad facing endpoints.
type PaymentHandler struct {
	engine     *reconcile.Engine
	logger     *zap.Logger
	production bool
}

func NewPaymentHandler(engine *reconcile.Engine, logger *zap.Logger, production bool) *PaymentHandler {
	return &PaymentHandler{engine: engine, logger: logger, production: production}
}

// readBody returns the raw bytes the signature was computed over.
func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize+1))
	if err != nil {
		return nil, &apperr.ValidationError{Err: err}
	}
	if len(body) > maxBodySize {
		return nil, &apperr.ValidationError{Err: errors.New("request body too large")}
	}
	return body, nil
}

// inlineSignature pulls a top-level "signature" string out of a JSON body.
func inlineSignature(body []byte) string {
	var carrier struct {
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(body, &carrier); err != nil {
		return ""
	}
	return carrier.Signature
}

// respondAuthError maps an authenticity failure to the 401 bodies SBPay
// expects.
func respondAuthError(c *gin.Context, err error, missingMsg string) {
	_ = c.Error(err)
	msg := "Invalid signature"
	if errors.Is(err, apperr.ErrMissingSignature) {
		msg = missingMsg
	}
	c.JSON(http.StatusUnauthorized, gin.H{"error": msg})
}

// respondError writes a generic message. Development responses also carry
// the error text.
func (h *PaymentHandler) respondError(c *gin.Context, err error, msg string) {
	_ = c.Error(err)
	body := gin.H{"error": msg}
	if !h.production {
		body["details"] = err.Error()
	}
	c.JSON(apperr.HTTPStatus(err), body)
}
