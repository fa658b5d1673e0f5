package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"journal-billing/internal/models"
	"journal-billing/internal/response"
	"journal-billing/pkg/logging"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Context keys set by JWTAuthMiddleware.
const (
	ContextUserID     = "user_id"     // internal user id
	ContextExternalID = "external_id" // JWT subject
	ContextEmail      = "email"
)

// UserEnsurer maps a JWT subject to an internal user, creating it on first
// contact.
type UserEnsurer interface {
	Ensure(ctx context.Context, externalID, email string) (*models.User, error)
}

// JWTManager issues and checks the HS256 tokens shared with the auth
// service.
type JWTManager struct {
	SecretKey string
	TTL       time.Duration
}

func NewJWTManager(secret string) *JWTManager {
	return &JWTManager{
		SecretKey: secret,
		TTL:       30 * 24 * time.Hour,
	}
}

// Generate signs a token for externalID.
func (j *JWTManager) Generate(externalID, email string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   externalID,
		"email": email,
		"exp":   now.Add(j.TTL).Unix(),
		"iat":   now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(j.SecretKey))
}

// Parse validates tokenString and returns its subject and email claims.
func (j *JWTManager) Parse(tokenString string) (externalID, email string, err error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return []byte(j.SecretKey), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", errors.New("unexpected claims type")
	}
	externalID, err = claims.GetSubject()
	if err != nil || externalID == "" {
		return "", "", fmt.Errorf("token has no subject")
	}
	email, _ = claims["email"].(string)
	return externalID, email, nil
}

// JWTAuthMiddleware authenticates the bearer token and stores the caller's
// internal user id in the context.
func JWTAuthMiddleware(j *JWTManager, users UserEnsurer) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found || tokenString == "" {
			response.AbortJSON(c, http.StatusUnauthorized, "Missing bearer token")
			return
		}

		externalID, email, err := j.Parse(tokenString)
		if err != nil {
			logging.Warnf("JWT validation failed - error: %v", err)
			response.AbortJSON(c, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		user, err := users.Ensure(c.Request.Context(), externalID, email)
		if err != nil {
			logging.Errorf("Failed to resolve user - external_id: %s, error: %v", externalID, err)
			response.AbortJSON(c, http.StatusInternalServerError, "Failed to resolve user")
			return
		}

		c.Set(ContextUserID, user.ID)
		c.Set(ContextExternalID, externalID)
		c.Set(ContextEmail, user.Email)
		c.Set("request_time", time.Now())
		c.Next()
	}
}
