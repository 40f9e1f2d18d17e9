package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mykpoptrade/trade-backend/internal/apperr"
	"github.com/mykpoptrade/trade-backend/internal/negotiation"
)

func (h *Handler) StartNegotiationHandler(c *gin.Context) {
	buyerID, ok := currentUser(c)
	if !ok {
		return
	}

	var requestBody struct {
		ListingID    string          `json:"listing_id" binding:"required,uuid"`
		InitialOffer decimal.Decimal `json:"initial_offer" binding:"required"`
		Message      string          `json:"message"`
	}
	if err := c.ShouldBindJSON(&requestBody); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperr.CodeInvalidInput, "message": err.Error()})
		return
	}
	listingID := mustUUID(requestBody.ListingID)

	conv, err := h.Engine.Start(c.Request.Context(), listingID, buyerID, requestBody.InitialOffer, requestBody.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *Handler) RespondNegotiationHandler(c *gin.Context) {
	actorID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var requestBody struct {
		Action       string           `json:"action" binding:"required,oneof=accept counter reject"`
		CounterOffer *decimal.Decimal `json:"counter_offer"`
	}
	if err := c.ShouldBindJSON(&requestBody); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperr.CodeInvalidInput, "message": err.Error()})
		return
	}

	conv, err := h.Engine.Respond(c.Request.Context(), conversationID, actorID,
		negotiation.Action(requestBody.Action), requestBody.CounterOffer)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) GetNegotiationHandler(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		return
	}
	conversationID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	conv, err := h.Engine.Get(c.Request.Context(), conversationID)
	if err != nil {
		respondError(c, err)
		return
	}

	history, err := h.Store.OfferHistory(c.Request.Context(), conversationID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv, "offer_history": history})
}

func (h *Handler) OpenPWYWHandler(c *gin.Context) {
	sellerID, ok := currentUser(c)
	if !ok {
		return
	}

	var requestBody struct {
		ListingID    string           `json:"listing_id" binding:"required,uuid"`
		MinimumPrice decimal.Decimal  `json:"minimum_price"`
		MaximumPrice *decimal.Decimal `json:"maximum_price"`
	}
	if err := c.ShouldBindJSON(&requestBody); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperr.CodeInvalidInput, "message": err.Error()})
		return
	}

	conv, err := h.Engine.Open(c.Request.Context(), mustUUID(requestBody.ListingID), sellerID,
		requestBody.MinimumPrice, requestBody.MaximumPrice)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *Handler) ProposePWYWHandler(c *gin.Context) {
	buyerID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var requestBody struct {
		ProposedPrice decimal.Decimal `json:"proposed_price" binding:"required"`
	}
	if err := c.ShouldBindJSON(&requestBody); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperr.CodeInvalidInput, "message": err.Error()})
		return
	}

	conv, err := h.Engine.Propose(c.Request.Context(), conversationID, buyerID, requestBody.ProposedPrice)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) RespondPWYWHandler(c *gin.Context) {
	sellerID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var requestBody struct {
		Action string `json:"action" binding:"required,oneof=accept reject"`
	}
	if err := c.ShouldBindJSON(&requestBody); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperr.CodeInvalidInput, "message": err.Error()})
		return
	}

	conv, err := h.Engine.RespondPWYW(c.Request.Context(), conversationID, sellerID, requestBody.Action == "accept")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}
