package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/mykpoptrade/trade-backend/internal/apperr"
	"github.com/mykpoptrade/trade-backend/internal/auth"
	"github.com/mykpoptrade/trade-backend/internal/gateway"
	"github.com/mykpoptrade/trade-backend/internal/models"
	"github.com/mykpoptrade/trade-backend/internal/negotiation"
	"github.com/mykpoptrade/trade-backend/internal/ratelimit"
	"github.com/mykpoptrade/trade-backend/internal/settlement"
	"github.com/mykpoptrade/trade-backend/internal/storage"
)

// Handler carries the dependencies every endpoint needs.
type Handler struct {
	Store       *storage.Store
	Auth        *auth.Auth
	Engine      *negotiation.Engine
	Settlement  *settlement.Service
	OfferLimit  ratelimit.Limiter
	WebhookAuth gateway.WebhookVerifier
}

func NewHandler(store *storage.Store, a *auth.Auth, engine *negotiation.Engine, settle *settlement.Service, limiter ratelimit.Limiter, verifier gateway.WebhookVerifier) *Handler {
	return &Handler{
		Store:       store,
		Auth:        a,
		Engine:      engine,
		Settlement:  settle,
		OfferLimit:  limiter,
		WebhookAuth: verifier,
	}
}

// respondError maps the service error taxonomy onto HTTP statuses. Callers
// always get a stable code plus a human-readable message, never a bare 500
// for an enumerated condition.
func respondError(c *gin.Context, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		log.Printf("handlers: internal error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": apperr.CodeInternal, "message": "internal server error"})
		return
	}

	status := http.StatusInternalServerError
	switch e.Code {
	case apperr.CodeInvalidOffer, apperr.CodeInvalidInput,
		apperr.CodeAlreadyFullyRefunded, apperr.CodeRefundExceedsBalance,
		apperr.CodeNoAgreedPrice:
		status = http.StatusBadRequest
	case apperr.CodeForbidden:
		status = http.StatusForbidden
	case apperr.CodeNotFound:
		status = http.StatusNotFound
	case apperr.CodeAlreadyFinalized, apperr.CodeNegotiationExpired, apperr.CodeDuplicateNegotiation:
		status = http.StatusConflict
	case apperr.CodeGatewayUnavailable:
		status = http.StatusBadGateway
	case apperr.CodeInternal:
		log.Printf("handlers: invariant violation: %v", err)
	}

	c.JSON(status, gin.H{"error": e.Code, "message": e.Message})
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	id, err := auth.UserID(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": apperr.CodeInternal, "message": "user id not found in context"})
		return uuid.Nil, false
	}
	return id, true
}

// mustUUID parses a string the binding layer already validated as a uuid.
func mustUUID(s string) uuid.UUID {
	id, _ := uuid.Parse(s)
	return id
}

func parseIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperr.CodeInvalidInput, "message": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) RegisterUserHandler(c *gin.Context) {
	var requestBody struct {
		Username string `json:"username" binding:"required"`
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required,min=6"`
	}
	if err := c.ShouldBindJSON(&requestBody); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperr.CodeInvalidInput, "message": err.Error()})
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(requestBody.Password), bcrypt.DefaultCost)
	if err != nil {
		respondError(c, err)
		return
	}

	user := &models.User{
		ID:           uuid.New(),
		Username:     requestBody.Username,
		Email:        requestBody.Email,
		PasswordHash: string(hashed),
		CreatedAt:    time.Now(),
	}
	if err := h.Store.CreateUser(c.Request.Context(), user); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": "User created successfully", "userID": user.ID})
}

func (h *Handler) LoginHandler(c *gin.Context) {
	var requestBody struct {
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&requestBody); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperr.CodeInvalidInput, "message": err.Error()})
		return
	}

	user, err := h.Store.GetUserByEmail(c.Request.Context(), requestBody.Email)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Invalid email or password"})
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(requestBody.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Invalid email or password"})
		return
	}

	token, err := h.Auth.GenerateJWT(user.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (h *Handler) CreateListingHandler(c *gin.Context) {
	sellerID, ok := currentUser(c)
	if !ok {
		return
	}

	var requestBody struct {
		Title              string           `json:"title" binding:"required"`
		Description        string           `json:"description"`
		Price              decimal.Decimal  `json:"price" binding:"required"`
		Currency           string           `json:"currency"`
		AllowOffers        bool             `json:"allow_offers"`
		MinOfferPercentage int              `json:"min_offer_percentage" binding:"gte=0,lte=100"`
		PWYWMinPrice       *decimal.Decimal `json:"pwyw_min_price"`
		PWYWMaxPrice       *decimal.Decimal `json:"pwyw_max_price"`
	}
	if err := c.ShouldBindJSON(&requestBody); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperr.CodeInvalidInput, "message": err.Error()})
		return
	}
	if requestBody.Price.IsNegative() {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperr.CodeInvalidInput, "message": "price cannot be negative"})
		return
	}

	currency := requestBody.Currency
	if currency == "" {
		currency = "EUR"
	}

	listing := &models.Listing{
		ID:                 uuid.New(),
		SellerID:           sellerID,
		Title:              requestBody.Title,
		Description:        requestBody.Description,
		Price:              requestBody.Price,
		Currency:           currency,
		AllowOffers:        requestBody.AllowOffers,
		MinOfferPercentage: requestBody.MinOfferPercentage,
		IsAvailable:        true,
		IsPayWhatYouWant:   requestBody.PWYWMinPrice != nil,
		PWYWMinPrice:       requestBody.PWYWMinPrice,
		PWYWMaxPrice:       requestBody.PWYWMaxPrice,
		CreatedAt:          time.Now(),
	}
	if err := h.Store.CreateListing(c.Request.Context(), listing); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, listing)
}

func (h *Handler) ListListingsHandler(c *gin.Context) {
	listings, err := h.Store.ListAvailableListings(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, listings)
}

// RateLimited wraps an offer-producing endpoint with the injected per-user
// limiter. A limiter failure fails open: throttling is protective, not part
// of correctness.
func (h *Handler) RateLimited(next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		allowed, err := h.OfferLimit.Allow(c.Request.Context(), userID.String())
		if err != nil {
			log.Printf("handlers: rate limiter error for user %s: %v", userID, err)
			allowed = true
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate_limited", "message": "too many offers, slow down"})
			return
		}
		next(c)
	}
}

// contextWithTimeout bounds handler-side database work.
func contextWithTimeout(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 30*time.Second)
}
