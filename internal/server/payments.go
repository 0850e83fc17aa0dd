package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mooose/corrector/internal/payment"
)

const maxWebhookBodyBytes = 64 << 10

func (s *Server) registerPaymentRoutes() {
	s.engine.POST("/payments/create", s.AuthRequired(), s.handlePaymentCreate)
	s.engine.POST("/webhooks/mercadopago", s.handleMercadoPagoWebhook)
}

func (s *Server) handlePaymentCreate(c *gin.Context) {
	checkout, err := s.paymentSvc.CreateCheckout(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, checkout)
}

func (s *Server) handleMercadoPagoWebhook(c *gin.Context) {
	dataID := c.Query("data.id")
	if dataID == "" {
		dataID = c.Query("id")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	settlement, err := s.paymentSvc.Settle(c.Request.Context(), payment.WebhookInput{
		DataID:     strings.TrimSpace(dataID),
		XSignature: c.GetHeader("x-signature"),
		XRequestID: c.GetHeader("x-request-id"),
		Body:       body,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if settlement.AlreadyProcessed {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "payment already processed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
