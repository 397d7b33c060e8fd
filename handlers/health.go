package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const ServiceName = "bridge-svc"

func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"service":   ServiceName,
	})
}
