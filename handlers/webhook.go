package handlers

import (
	"encoding/json"
	"net/http"

	"bridge-svc/apperr"
	"bridge-svc/models"
	"bridge-svc/reconcile"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// HandleWebhook applies an SBPay push notification. The signature may come
// from the header, a signature query parameter, or the body itself.
func (h *PaymentHandler) HandleWebhook(c *gin.Context) {
	ctx, span := otel.Tracer("bridge-service").Start(c.Request.Context(), "HandleWebhook")
	defer span.End()

	body, err := readBody(c)
	if err != nil {
		h.respondError(c, err, "Webhook processing failed")
		return
	}

	sig := c.GetHeader(HeaderSignature)
	if sig == "" {
		sig = c.Query("signature")
	}
	if sig == "" {
		sig = inlineSignature(body)
	}

	var event models.WebhookEvent
	decodeErr := json.Unmarshal(body, &event)

	if err := h.engine.Authenticate(body, sig); err != nil {
		span.RecordError(err)
		h.logger.Warn("Rejected webhook",
			zap.String("order_id", event.OrderID),
			zap.String("ip", c.ClientIP()),
			zap.Error(err),
		)
		if decodeErr == nil && event.OrderID != "" {
			if _, rejErr := h.engine.RejectUnverified(ctx, reconcile.ChannelWebhook, event.OrderID); rejErr != nil {
				h.logger.Error("Failed to record rejected webhook", zap.String("order_id", event.OrderID), zap.Error(rejErr))
			}
		}
		respondAuthError(c, err, "Missing signature")
		return
	}

	if decodeErr != nil {
		h.respondError(c, &apperr.ValidationError{Err: decodeErr}, "Webhook processing failed")
		return
	}
	if err := binding.Validator.ValidateStruct(&event); err != nil {
		h.respondError(c, &apperr.ValidationError{Err: err}, "Webhook processing failed")
		return
	}
	span.SetAttributes(
		attribute.String("order.id", event.OrderID),
		attribute.String("webhook.status", event.Status),
	)

	status, err := h.engine.HandleWebhook(ctx, event)
	if err != nil {
		span.RecordError(err)
		h.respondError(c, err, "Webhook processing failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": status})
}
