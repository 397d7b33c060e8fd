package handlers

import (
	"errors"
	"net/http"

	"bridge-svc/apperr"
	"bridge-svc/models"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// HandleYaadCallback handles the redirect Yaad sends the payer back with.
// The query is only trusted once Yaad's verify call agrees with it.
func (h *PaymentHandler) HandleYaadCallback(c *gin.Context) {
	ctx, span := otel.Tracer("bridge-service").Start(c.Request.Context(), "HandleYaadCallback")
	defer span.End()

	params := models.CallbackParams{Values: c.Request.URL.Query()}
	span.SetAttributes(
		attribute.String("order.id", params.OrderID()),
		attribute.String("yaad.ccode", params.ResultCode()),
	)

	_, err := h.engine.HandleCallback(ctx, params)
	if err != nil {
		span.RecordError(err)

		var mismatch *apperr.VerificationMismatch
		if errors.As(err, &mismatch) {
			_ = c.Error(err)
			h.logger.Warn("Payment verification failed",
				zap.String("order_id", mismatch.OrderID),
				zap.String("ccode", mismatch.ResultCode),
			)
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Payment verification failed",
				"code":    mismatch.ResultCode,
				"message": mismatch.Message,
			})
			return
		}

		h.respondError(c, err, "Webhook processing failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success"})
}
