package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mykpoptrade/trade-backend/internal/apperr"
	"github.com/mykpoptrade/trade-backend/internal/gateway"
	"github.com/mykpoptrade/trade-backend/internal/settlement"
)

func (h *Handler) InitiatePaymentHandler(c *gin.Context) {
	buyerID, ok := currentUser(c)
	if !ok {
		return
	}

	var requestBody struct {
		ListingID       string `json:"listing_id" binding:"required,uuid"`
		ConversationID  string `json:"conversation_id" binding:"omitempty,uuid"`
		SettlementBasis string `json:"settlement_basis" binding:"required,oneof=listed_price negotiated pwyw"`
	}
	if err := c.ShouldBindJSON(&requestBody); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperr.CodeInvalidInput, "message": err.Error()})
		return
	}

	var conversationID *uuid.UUID
	if requestBody.ConversationID != "" {
		id := mustUUID(requestBody.ConversationID)
		conversationID = &id
	}

	ctx, cancel := contextWithTimeout(c)
	defer cancel()

	result, err := h.Settlement.Initiate(ctx, mustUUID(requestBody.ListingID), buyerID,
		conversationID, settlement.Basis(requestBody.SettlementBasis))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *Handler) CapturePaymentHandler(c *gin.Context) {
	approverID, ok := currentUser(c)
	if !ok {
		return
	}
	paymentID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	ctx, cancel := contextWithTimeout(c)
	defer cancel()

	payment, err := h.Settlement.Capture(ctx, paymentID, approverID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) PaymentStatusHandler(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	paymentID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	ctx, cancel := contextWithTimeout(c)
	defer cancel()

	payment, err := h.Settlement.CheckStatus(ctx, paymentID)
	if err != nil {
		respondError(c, err)
		return
	}
	if payment.BuyerID != userID && payment.SellerID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": apperr.CodeForbidden, "message": "not a party to this payment"})
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) RefundPaymentHandler(c *gin.Context) {
	actorID, ok := currentUser(c)
	if !ok {
		return
	}
	paymentID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var requestBody struct {
		Amount *decimal.Decimal `json:"amount"`
		Reason string           `json:"reason"`
	}
	if err := c.ShouldBindJSON(&requestBody); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperr.CodeInvalidInput, "message": err.Error()})
		return
	}

	ctx, cancel := contextWithTimeout(c)
	defer cancel()

	payment, err := h.Settlement.Refund(ctx, paymentID, actorID, requestBody.Amount, requestBody.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func logWebhook(msg, transmissionID string, err error) {
	if err != nil {
		log.Printf("webhook %s: %s: %v", transmissionID, msg, err)
		return
	}
	log.Printf("webhook %s: %s", transmissionID, msg)
}

// GatewayWebhookHandler ingests provider events. It always answers 200:
// failing the delivery would only trigger the provider's retry storm, and
// reconciliation is idempotent anyway. Processing errors are logged with
// enough context for reprocessing.
func (h *Handler) GatewayWebhookHandler(c *gin.Context) {
	var event gateway.WebhookEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		logWebhook("undecodable payload", "", err)
		c.Status(http.StatusOK)
		return
	}
	if event.TransmissionID == "" || event.EventType == "" {
		logWebhook("missing transmission id or event type", event.TransmissionID, nil)
		c.Status(http.StatusOK)
		return
	}

	if err := h.WebhookAuth.Verify(c.Request.Context(), &event); err != nil {
		logWebhook("signature verification failed", event.TransmissionID, err)
		c.Status(http.StatusOK)
		return
	}

	if err := h.Settlement.HandleWebhook(c.Request.Context(), &event); err != nil {
		logWebhook("processing failed for event "+string(event.EventType), event.TransmissionID, err)
	}
	c.Status(http.StatusOK)
}
