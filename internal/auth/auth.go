package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ContextUserKey is the gin context key under which the middleware stores the
// authenticated user's id. No operation trusts a client-supplied identity;
// everything downstream reads this key.
const ContextUserKey = "userID"

// Auth holds the signing key for session tokens.
type Auth struct {
	SecretKey []byte
}

func NewAuth(secretKey string) (*Auth, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("JWT secret key cannot be empty")
	}
	return &Auth{SecretKey: []byte(secretKey)}, nil
}

// GenerateJWT issues a signed token for the given user id, valid for 24h.
func (a *Auth) GenerateJWT(userID uuid.UUID) (string, error) {
	claims := &jwt.RegisteredClaims{
		Subject:   userID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.SecretKey)
}

// Middleware validates the Bearer token and stores the user id in the
// request context.
func (a *Auth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is missing"})
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return a.SecretKey, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set(ContextUserKey, claims.Subject)
		c.Next()
	}
}

// UserID extracts the authenticated user id the middleware stored.
func UserID(c *gin.Context) (uuid.UUID, error) {
	raw, exists := c.Get(ContextUserKey)
	if !exists {
		return uuid.Nil, fmt.Errorf("user id not found in context")
	}
	id, err := uuid.Parse(raw.(string))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid user id in context: %w", err)
	}
	return id, nil
}
