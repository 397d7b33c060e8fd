package sbpay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bridge-svc/apperr"
	"bridge-svc/circuitbreaker"
	"bridge-svc/middleware"
	"bridge-svc/models"
	"bridge-svc/signature"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	upstreamName = "sbpay"
	maxBodySize  = 64 << 10

	HeaderAuthToken = "X-Auth-Token"
	HeaderMerchant  = "X-Merchant"
	HeaderSignature = "X-Signature"
)

// approveBody is what SBPay expects on approve, and what the signature
// covers.
var approveBody = []byte("{}")

type Config struct {
	BaseURL  string
	APIKey   string
	Merchant string
}

type Client struct {
	cfg            Config
	signer         *signature.Codec
	httpClient     *http.Client
	circuitBreaker *circuitbreaker.CircuitBreaker
	logger         *zap.Logger
}

func NewClient(cfg Config, signer *signature.Codec, httpClient *http.Client, logger *zap.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:            cfg,
		signer:         signer,
		httpClient:     httpClient,
		circuitBreaker: circuitbreaker.NewCircuitBreaker(5, 30*time.Second),
		logger:         logger,
	}
}

// ApproveOrder marks an order approved on SBPay. It is called at most once
// per order by the reconciliation engine and never retries on its own.
func (c *Client) ApproveOrder(ctx context.Context, orderID string) (models.ApprovalResult, error) {
	ctx, span := otel.Tracer("bridge-service").Start(ctx, "sbpay.ApproveOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	traceID := middleware.GetTraceID(ctx)
	endpoint := c.cfg.BaseURL + "/orders/" + url.PathEscape(orderID) + "/approve"

	c.logger.Info("Approving order",
		zap.String("trace_id", traceID),
		zap.String("order_id", orderID),
		zap.String("url", endpoint),
	)

	result := models.ApprovalResult{OrderID: orderID}
	start := time.Now()
	err := c.circuitBreaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(approveBody))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderAuthToken, c.cfg.APIKey)
		req.Header.Set(HeaderMerchant, c.cfg.Merchant)
		req.Header.Set(HeaderSignature, c.signer.Sign(approveBody))
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &apperr.UpstreamError{Upstream: upstreamName, Operation: "approve", Err: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return &apperr.UpstreamError{Upstream: upstreamName, Operation: "approve", Err: err}
		}
		result.StatusCode = resp.StatusCode
		result.Body = body

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &apperr.UpstreamError{
				Upstream:   upstreamName,
				Operation:  "approve",
				StatusCode: resp.StatusCode,
				Body:       string(body),
			}
		}
		return nil
	})
	middleware.ObserveUpstream(upstreamName, "approve", start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "approve failed")

		approvalErr := &apperr.UpstreamApprovalError{OrderID: orderID}
		var upErr *apperr.UpstreamError
		if errors.As(err, &upErr) {
			approvalErr.UpstreamError = *upErr
		} else {
			approvalErr.UpstreamError = apperr.UpstreamError{Upstream: upstreamName, Operation: "approve", Err: err}
		}

		c.logger.Error("Order approval failed",
			zap.String("trace_id", traceID),
			zap.String("order_id", orderID),
			zap.Int("status", approvalErr.StatusCode),
			zap.String("response", approvalErr.Body),
			zap.Error(err),
		)
		return result, approvalErr
	}

	c.logger.Info("Order approved successfully",
		zap.String("trace_id", traceID),
		zap.String("order_id", orderID),
		zap.Int("status", result.StatusCode),
	)
	return result, nil
}
