package handlers

import (
	"bytes"
	"encoding/json"
	"html/template"
	"net/http"
	"net/url"
	"sort"

	"bridge-svc/apperr"
	"bridge-svc/models"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var redirectFormTemplate = template.Must(template.New("redirect").Parse(`<!DOCTYPE html>
<html>
  <head>
    <meta charset="utf-8">
    <title>Redirecting to Payment...</title>
    <style>
      body { font-family: Arial, sans-serif; text-align: center; padding: 50px; }
      button { padding: 15px 30px; font-size: 18px; cursor: pointer; }
    </style>
  </head>
  <body onload="document.getElementById('yaadForm').submit()">
    <form id="yaadForm" action="{{.Action}}" method="get">
      {{- range .Fields}}
      <input type="hidden" name="{{.Name}}" value="{{.Value}}">
      {{- end}}
      <noscript><button type="submit">Click here to proceed to payment</button></noscript>
    </form>
  </body>
</html>
`))

type formField struct {
	Name  string
	Value string
}

type redirectForm struct {
	Action string
	Fields []formField
}

// newRedirectForm turns an issued payment URL into a GET form. The fields
// are exactly the URL's query, which Yaad has already signed.
func newRedirectForm(paymentURL string) (redirectForm, error) {
	u, err := url.Parse(paymentURL)
	if err != nil {
		return redirectForm{}, err
	}
	query := u.Query()

	names := make([]string, 0, len(query))
	for name := range query {
		names = append(names, name)
	}
	sort.Strings(names)

	form := redirectForm{Action: (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}).String()}
	for _, name := range names {
		for _, v := range query[name] {
			form.Fields = append(form.Fields, formField{Name: name, Value: v})
		}
	}
	return form, nil
}

// ProcessPayment authenticates a charge intent from SBPay and answers with
// the Yaad payment page for it.
func (h *PaymentHandler) ProcessPayment(c *gin.Context) {
	ctx, span := otel.Tracer("bridge-service").Start(c.Request.Context(), "ProcessPayment")
	defer span.End()

	body, err := readBody(c)
	if err != nil {
		h.respondError(c, err, "Invalid payment request")
		return
	}

	sig := c.GetHeader(HeaderSignature)
	if sig == "" {
		sig = inlineSignature(body)
	}
	if err := h.engine.Authenticate(body, sig); err != nil {
		span.RecordError(err)
		h.logger.Warn("Rejected payment request", zap.Error(err), zap.String("ip", c.ClientIP()))
		respondAuthError(c, err, "Missing SBPay signature")
		return
	}

	var req models.PaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(c, &apperr.ValidationError{Err: err}, "Invalid payment request")
		return
	}
	if err := binding.Validator.ValidateStruct(&req); err != nil {
		h.respondError(c, &apperr.ValidationError{Err: err}, "Invalid payment request")
		return
	}
	if err := req.Normalize(); err != nil {
		h.respondError(c, &apperr.ValidationError{Err: err}, "Invalid payment request")
		return
	}
	span.SetAttributes(
		attribute.String("order.id", req.TransactionID),
		attribute.String("amount", req.Amount.String()),
		attribute.String("currency", req.Currency),
	)

	payURL, err := h.engine.IssuePaymentURL(ctx, req)
	if err != nil {
		span.RecordError(err)
		h.respondError(c, err, "Payment processing failed")
		return
	}

	form, err := newRedirectForm(payURL.URL)
	if err != nil {
		h.respondError(c, err, "Payment processing failed")
		return
	}

	if h.production {
		c.Status(http.StatusOK)
		c.Header("Content-Type", "text/html; charset=utf-8")
		if err := redirectFormTemplate.Execute(c.Writer, form); err != nil {
			h.logger.Error("Failed to render payment form", zap.Error(err))
		}
		return
	}

	var page bytes.Buffer
	if err := redirectFormTemplate.Execute(&page, form); err != nil {
		h.respondError(c, err, "Payment processing failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "success",
		"payment_url":    payURL.URL,
		"payment_form":   page.String(),
		"transaction_id": payURL.TransactionID,
	})
}
