package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"bridge-svc/apperr"
	"bridge-svc/circuitbreaker"
	"bridge-svc/kafka"
	"bridge-svc/middleware"
	"bridge-svc/models"
	"bridge-svc/signature"
	"bridge-svc/store"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	ChannelWebhook  = "webhook"
	ChannelRedirect = "redirect"

	WebhookSuccess = "success"
	WebhookIgnored = "ignored"
)

// ProcessorClient is the Yaad side of the bridge.
type ProcessorClient interface {
	RequestPaymentURL(ctx context.Context, transactionID string, amount decimal.Decimal, customerName string) (models.PaymentURL, error)
	VerifyPayment(ctx context.Context, callback models.CallbackParams) (models.VerificationResult, error)
}

// OriginClient is the SBPay side of the bridge.
type OriginClient interface {
	ApproveOrder(ctx context.Context, orderID string) (models.ApprovalResult, error)
}

var (
	settledStates     = []store.State{store.StateConfirmed, store.StateApproved, store.StateApprovalFailed}
	issuableStates    = []store.State{store.StatePending, store.StateURLIssued, store.StateRejected, store.StateFailed}
	failableStates    = []store.State{store.StatePending, store.StateFailed}
	confirmableStates = []store.State{store.StatePending, store.StateURLIssued, store.StateRejected, store.StateFailed}
	rejectableStates  = []store.State{store.StatePending, store.StateURLIssued, store.StateFailed}

	// Unauthenticated traffic may only reject orders the bridge already
	// knows about.
	knownRejectableStates = []store.State{store.StateURLIssued, store.StateFailed}
)

// Confirmation is the outcome of a confirming event.
type Confirmation struct {
	OrderID         string      `json:"order_id"`
	Channel         string      `json:"channel"`
	State           store.State `json:"state"`
	AlreadyApproved bool        `json:"already_approved"`
}

type Engine struct {
	signer    *signature.Codec
	processor ProcessorClient
	origin    OriginClient
	store     store.Store
	events    kafka.EventPublisher
	inflight  singleflight.Group
	logger    *zap.Logger
}

func NewEngine(signer *signature.Codec, processor ProcessorClient, origin OriginClient, st store.Store, events kafka.EventPublisher, logger *zap.Logger) *Engine {
	if events == nil {
		events = kafka.NopPublisher{}
	}
	return &Engine{
		signer:    signer,
		processor: processor,
		origin:    origin,
		store:     st,
		events:    events,
		logger:    logger,
	}
}

// Authenticate checks an inbound SBPay body against its HMAC proof.
func (e *Engine) Authenticate(body []byte, sig string) error {
	if sig == "" {
		return &apperr.AuthenticityError{Err: apperr.ErrMissingSignature}
	}
	if !e.signer.VerifyBody(body, sig) {
		return &apperr.AuthenticityError{Err: apperr.ErrInvalidSignature}
	}
	return nil
}

// IssuePaymentURL obtains a signed Yaad payment page for an authenticated
// request. Orders that are already confirmed are refused.
func (e *Engine) IssuePaymentURL(ctx context.Context, req models.PaymentRequest) (models.PaymentURL, error) {
	ctx, span := otel.Tracer("bridge-service").Start(ctx, "reconcile.IssuePaymentURL")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", req.TransactionID))

	traceID := middleware.GetTraceID(ctx)
	orderID := req.TransactionID

	cur, err := e.store.Get(ctx, orderID)
	if err != nil {
		return models.PaymentURL{}, err
	}
	if slices.Contains(settledStates, cur) {
		middleware.RecordPaymentURL("refused")
		return models.PaymentURL{}, fmt.Errorf("order %s is %s: %w", orderID, cur, apperr.ErrAlreadySettled)
	}

	payURL, err := e.processor.RequestPaymentURL(ctx, orderID, *req.Amount, req.Customer.Name)
	if err != nil {
		span.RecordError(err)
		middleware.RecordPaymentURL("error")
		if indeterminate(err) {
			e.logger.Warn("Payment URL request outcome unknown, order state kept",
				zap.String("trace_id", traceID),
				zap.String("order_id", orderID),
				zap.String("state", string(cur)),
				zap.Error(err),
			)
			return models.PaymentURL{}, wrapIndeterminate(err)
		}
		if _, _, casErr := e.store.CompareAndSwap(ctx, orderID, failableStates, store.StateFailed); casErr != nil {
			e.logger.Error("Failed to record failed order", zap.String("order_id", orderID), zap.Error(casErr))
		}
		return models.PaymentURL{}, err
	}

	prev, swapped, err := e.store.CompareAndSwap(ctx, orderID, issuableStates, store.StateURLIssued)
	if err != nil {
		return models.PaymentURL{}, err
	}
	if !swapped {
		// A confirmation won the race against this request.
		middleware.RecordPaymentURL("refused")
		return models.PaymentURL{}, fmt.Errorf("order %s is %s: %w", orderID, prev, apperr.ErrAlreadySettled)
	}

	middleware.RecordPaymentURL("issued")
	e.publish(ctx, kafka.PaymentEvent{EventType: kafka.EventPaymentURLIssued, OrderID: orderID})
	e.logger.Info("Payment URL issued",
		zap.String("trace_id", traceID),
		zap.String("order_id", orderID),
		zap.String("previous_state", string(prev)),
	)
	return payURL, nil
}

// HandleWebhook applies an authenticated SBPay push event.
func (e *Engine) HandleWebhook(ctx context.Context, event models.WebhookEvent) (string, error) {
	if !event.Completed() {
		if _, err := e.Reject(ctx, ChannelWebhook, event.OrderID, "status "+event.Status); err != nil {
			return "", err
		}
		return WebhookIgnored, nil
	}
	if _, err := e.Confirm(ctx, ChannelWebhook, event.OrderID); err != nil {
		return "", err
	}
	return WebhookSuccess, nil
}

// HandleCallback cross-checks a Yaad redirect and confirms the order only if
// Yaad agrees the payment succeeded.
func (e *Engine) HandleCallback(ctx context.Context, params models.CallbackParams) (Confirmation, error) {
	orderID := params.OrderID()
	if orderID == "" {
		return Confirmation{}, &apperr.ValidationError{Err: errors.New("missing Order parameter")}
	}

	result, err := e.processor.VerifyPayment(ctx, params)
	if err != nil {
		if indeterminate(err) {
			return Confirmation{}, wrapIndeterminate(err)
		}
		return Confirmation{}, err
	}

	if !result.Approved {
		if _, rejErr := e.Reject(ctx, ChannelRedirect, orderID, "ccode "+result.ResultCode); rejErr != nil {
			return Confirmation{}, rejErr
		}
		msg := params.ErrMsg()
		if msg == "" {
			msg = "Yaad did not confirm the payment"
		}
		return Confirmation{}, &apperr.VerificationMismatch{OrderID: orderID, ResultCode: result.ResultCode, Message: msg}
	}

	return e.Confirm(ctx, ChannelRedirect, orderID)
}

// Confirm moves an order to confirmed and approves it on SBPay. Concurrent
// confirmations for one order share a single attempt, and across instances
// the store's compare-and-swap admits one winner.
func (e *Engine) Confirm(ctx context.Context, channel, orderID string) (Confirmation, error) {
	v, err, shared := e.inflight.Do(orderID, func() (any, error) {
		// The approval must run to completion even if the caller goes away.
		return e.confirm(context.WithoutCancel(ctx), orderID)
	})
	if shared {
		e.logger.Info("Coalesced concurrent confirmation",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("order_id", orderID),
			zap.String("channel", channel),
		)
	}

	if err != nil {
		middleware.RecordConfirmation(channel, apperr.Kind(err))
		return Confirmation{}, err
	}
	c := v.(Confirmation)
	c.Channel = channel
	if c.AlreadyApproved {
		middleware.RecordConfirmation(channel, "duplicate")
	} else {
		middleware.RecordConfirmation(channel, "approved")
	}
	return c, nil
}

func (e *Engine) confirm(ctx context.Context, orderID string) (Confirmation, error) {
	ctx, span := otel.Tracer("bridge-service").Start(ctx, "reconcile.Confirm")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	traceID := middleware.GetTraceID(ctx)

	prev, swapped, err := e.store.CompareAndSwap(ctx, orderID, confirmableStates, store.StateConfirmed)
	if err != nil {
		return Confirmation{}, err
	}
	if !swapped {
		switch prev {
		case store.StateApproved:
			e.logger.Info("Order already approved, skipping approval",
				zap.String("trace_id", traceID),
				zap.String("order_id", orderID),
			)
			return Confirmation{OrderID: orderID, State: store.StateApproved, AlreadyApproved: true}, nil
		case store.StateConfirmed:
			return Confirmation{}, fmt.Errorf("order %s: %w", orderID, apperr.ErrApprovalInProgress)
		case store.StateApprovalFailed:
			return Confirmation{}, fmt.Errorf("order %s: %w", orderID, apperr.ErrApprovalFailedPreviously)
		default:
			return Confirmation{}, fmt.Errorf("order %s in unexpected state %s", orderID, prev)
		}
	}

	_, err = e.origin.ApproveOrder(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		if indeterminate(err) {
			if _, _, casErr := e.store.CompareAndSwap(ctx, orderID, []store.State{store.StateConfirmed}, prev); casErr != nil {
				e.logger.Error("Failed to restore order state", zap.String("order_id", orderID), zap.Error(casErr))
			}
			e.logger.Warn("Order approval outcome unknown, order state restored",
				zap.String("trace_id", traceID),
				zap.String("order_id", orderID),
				zap.String("state", string(prev)),
				zap.Error(err),
			)
			return Confirmation{}, wrapIndeterminate(err)
		}

		if _, _, casErr := e.store.CompareAndSwap(ctx, orderID, []store.State{store.StateConfirmed}, store.StateApprovalFailed); casErr != nil {
			e.logger.Error("Failed to record approval failure", zap.String("order_id", orderID), zap.Error(casErr))
		}
		e.alertApprovalFailure(ctx, orderID, err)
		return Confirmation{}, err
	}

	if _, _, err := e.store.CompareAndSwap(ctx, orderID, []store.State{store.StateConfirmed}, store.StateApproved); err != nil {
		// SBPay has the approval. Losing the record only risks a later
		// duplicate approve call, which is logged loudly here.
		e.logger.Error("Order approved but state not recorded",
			zap.String("trace_id", traceID),
			zap.String("order_id", orderID),
			zap.Bool("alert", true),
			zap.Error(err),
		)
	}
	e.publish(ctx, kafka.PaymentEvent{EventType: kafka.EventOrderApproved, OrderID: orderID})

	e.logger.Info("Order confirmed and approved",
		zap.String("trace_id", traceID),
		zap.String("order_id", orderID),
		zap.String("previous_state", string(prev)),
	)
	return Confirmation{OrderID: orderID, State: store.StateApproved}, nil
}

// alertApprovalFailure reports an order whose payment was captured by Yaad
// but not credited on SBPay.
func (e *Engine) alertApprovalFailure(ctx context.Context, orderID string, err error) {
	event := kafka.PaymentEvent{EventType: kafka.EventApprovalFailed, OrderID: orderID, Reason: "transport"}
	var approvalErr *apperr.UpstreamApprovalError
	if errors.As(err, &approvalErr) && approvalErr.StatusCode != 0 {
		event.Reason = "status"
		event.StatusCode = approvalErr.StatusCode
	}
	middleware.RecordApprovalFailure(event.Reason)

	e.logger.Error("Payment captured but SBPay approval failed",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("order_id", orderID),
		zap.Bool("alert", true),
		zap.String("reason", event.Reason),
		zap.Int("status", event.StatusCode),
		zap.Error(err),
	)
	e.publish(ctx, event)
}

// Reject records a non-success outcome. It never downgrades a confirmed or
// approved order.
func (e *Engine) Reject(ctx context.Context, channel, orderID, reason string) (store.State, error) {
	return e.reject(ctx, channel, orderID, reason, rejectableStates, true)
}

// RejectUnverified records a confirming event that failed authentication.
// Only orders the bridge has already issued a URL for are touched, and no
// event is published since the order id itself is unauthenticated.
func (e *Engine) RejectUnverified(ctx context.Context, channel, orderID string) (store.State, error) {
	return e.reject(ctx, channel, orderID, "invalid signature", knownRejectableStates, false)
}

func (e *Engine) reject(ctx context.Context, channel, orderID, reason string, from []store.State, notify bool) (store.State, error) {
	prev, swapped, err := e.store.CompareAndSwap(ctx, orderID, from, store.StateRejected)
	if err != nil {
		return "", err
	}

	if !swapped {
		middleware.RecordConfirmation(channel, "ignored")
		e.logger.Info("Rejection ignored for order",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("order_id", orderID),
			zap.String("channel", channel),
			zap.String("state", string(prev)),
			zap.String("reason", reason),
		)
		return prev, nil
	}
	middleware.RecordConfirmation(channel, "rejected")

	if !notify {
		e.logger.Info("Order rejected after failed authentication",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("order_id", orderID),
			zap.String("channel", channel),
		)
		return store.StateRejected, nil
	}

	e.publish(ctx, kafka.PaymentEvent{EventType: kafka.EventPaymentRejected, OrderID: orderID, Channel: channel, Reason: reason})
	e.logger.Warn("Order rejected",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("order_id", orderID),
		zap.String("channel", channel),
		zap.String("reason", reason),
	)
	return store.StateRejected, nil
}

func (e *Engine) publish(ctx context.Context, event kafka.PaymentEvent) {
	if err := e.events.Publish(ctx, event); err != nil {
		e.logger.Error("Failed to publish payment event",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("event_type", event.EventType),
			zap.String("order_id", event.OrderID),
			zap.Error(err),
		)
	}
}

// indeterminate reports whether a gateway call may or may not have taken
// effect, or was never attempted.
func indeterminate(err error) bool {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var upErr *apperr.UpstreamError
	return errors.As(err, &upErr) && upErr.Timeout()
}

// wrapIndeterminate marks timeouts. An open circuit keeps its own kind so
// callers see 503 rather than 504.
func wrapIndeterminate(err error) error {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return err
	}
	return fmt.Errorf("%w: %w", apperr.ErrIndeterminate, err)
}
