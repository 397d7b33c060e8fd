package yaad

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bridge-svc/apperr"
	"bridge-svc/circuitbreaker"
	"bridge-svc/middleware"
	"bridge-svc/models"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	upstreamName = "yaad"

	// DefaultBaseURL is the Yaad payment page endpoint for signing, paying
	// and verifying.
	DefaultBaseURL = "https://icom.yaad.net/p/"

	currencyILS = "1"
	maxBodySize = 64 << 10
)

// Keys the bridge always controls in outbound requests; callback parameters
// may never override them.
var reservedParams = []string{"action", "What", "KEY", "PassP", "Masof"}

type Config struct {
	BaseURL    string
	Key        string
	PassP      string
	Masof      string
	SuccessURL string
	CancelURL  string
}

type Client struct {
	cfg            Config
	httpClient     *http.Client
	circuitBreaker *circuitbreaker.CircuitBreaker
	logger         *zap.Logger
}

func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return &Client{
		cfg:            cfg,
		httpClient:     httpClient,
		circuitBreaker: circuitbreaker.NewCircuitBreaker(5, 30*time.Second),
		logger:         logger,
	}
}

func (c *Client) credentials(action, what string) url.Values {
	return url.Values{
		"action": {action},
		"What":   {what},
		"KEY":    {c.cfg.Key},
		"PassP":  {c.cfg.PassP},
		"Masof":  {c.cfg.Masof},
	}
}

// RequestPaymentURL asks Yaad to sign a transaction and returns the pay URL
// built from the signed fragment. Every call may mint a new signature.
func (c *Client) RequestPaymentURL(ctx context.Context, transactionID string, amount decimal.Decimal, customerName string) (models.PaymentURL, error) {
	ctx, span := otel.Tracer("bridge-service").Start(ctx, "yaad.RequestPaymentURL")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", transactionID))

	params := c.credentials("APISign", "SIGN")
	params.Set("Order", transactionID)
	params.Set("Amount", amount.String())
	params.Set("ClientName", customerName)
	params.Set("Currency", currencyILS)
	params.Set("tmp", "1")
	if c.cfg.SuccessURL != "" {
		params.Set("successUrl", c.cfg.SuccessURL)
	}
	if c.cfg.CancelURL != "" {
		params.Set("cancelUrl", c.cfg.CancelURL)
	}

	body, err := c.get(ctx, "sign", params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sign failed")
		return models.PaymentURL{}, err
	}

	fragment := strings.TrimPrefix(strings.TrimSpace(body), "?")
	if fragment == "" {
		err := &apperr.UpstreamError{Upstream: upstreamName, Operation: "sign", Err: fmt.Errorf("empty signature response")}
		span.RecordError(err)
		return models.PaymentURL{}, err
	}

	c.logger.Info("Payment URL signed",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("order_id", transactionID),
	)

	return models.PaymentURL{
		URL:           c.payURL(fragment),
		TransactionID: transactionID,
		IssuedAt:      time.Now().UTC(),
	}, nil
}

func (c *Client) payURL(fragment string) string {
	sep := "?"
	if strings.Contains(c.cfg.BaseURL, "?") {
		sep = "&"
	}
	return c.cfg.BaseURL + sep + "action=pay&" + fragment
}

// VerifyPayment cross-checks a redirect callback with Yaad. A callback that
// does not itself claim success is rejected without a round trip.
func (c *Client) VerifyPayment(ctx context.Context, callback models.CallbackParams) (models.VerificationResult, error) {
	ctx, span := otel.Tracer("bridge-service").Start(ctx, "yaad.VerifyPayment")
	defer span.End()

	result := models.VerificationResult{ResultCode: callback.ResultCode()}
	span.SetAttributes(
		attribute.String("order.id", callback.OrderID()),
		attribute.String("yaad.ccode", result.ResultCode),
	)
	if result.ResultCode != models.CCodeSuccess {
		return result, nil
	}

	params := url.Values{}
	for k, vs := range callback.Values {
		params[k] = append([]string(nil), vs...)
	}
	for k, vs := range c.credentials("APISign", "VERIFY") {
		params[k] = vs
	}

	body, err := c.get(ctx, "verify", params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "verify failed")
		return result, err
	}

	result.Approved = assertsSuccess(body)
	span.SetAttributes(attribute.Bool("yaad.verified", result.Approved))
	return result, nil
}

// assertsSuccess reports whether a verify response carries CCode=0 as one of
// its parameters.
func assertsSuccess(body string) bool {
	for _, part := range strings.FieldsFunc(strings.TrimSpace(body), func(r rune) bool {
		return r == '&' || r == '\n' || r == '\r'
	}) {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && k == "CCode" && v == models.CCodeSuccess {
			return true
		}
	}
	return false
}

func (c *Client) get(ctx context.Context, operation string, params url.Values) (string, error) {
	for _, k := range reservedParams {
		if len(params[k]) != 1 {
			return "", fmt.Errorf("yaad %s: parameter %s must be set exactly once", operation, k)
		}
	}

	endpoint, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid yaad base url: %w", err)
	}
	endpoint.RawQuery = params.Encode()

	var body string
	start := time.Now()
	err = c.circuitBreaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
		if err != nil {
			return err
		}
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// The request URL carries KEY and PassP.
			var urlErr *url.Error
			if errors.As(err, &urlErr) {
				urlErr.URL = endpoint.Scheme + "://" + endpoint.Host + endpoint.Path
			}
			return &apperr.UpstreamError{Upstream: upstreamName, Operation: operation, Err: err}
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return &apperr.UpstreamError{Upstream: upstreamName, Operation: operation, Err: err}
		}
		body = string(raw)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &apperr.UpstreamError{
				Upstream:   upstreamName,
				Operation:  operation,
				StatusCode: resp.StatusCode,
				Body:       body,
			}
		}
		return nil
	})
	middleware.ObserveUpstream(upstreamName, operation, start)

	if err != nil {
		c.logger.Error("Yaad request failed",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("operation", operation),
			zap.String("order_id", params.Get("Order")),
			zap.Error(err),
		)
		var upErr *apperr.UpstreamError
		if !errors.As(err, &upErr) {
			err = &apperr.UpstreamError{Upstream: upstreamName, Operation: operation, Err: err}
		}
		return "", err
	}
	return body, nil
}
