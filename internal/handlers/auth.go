package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mossy-p/telemed-signaling/internal/middleware"
	"github.com/mossy-p/telemed-signaling/internal/models"
)

const tokenTTL = 24 * time.Hour

// TokenRequest represents the token request body
type TokenRequest struct {
	UserID string      `json:"userId" binding:"required"`
	Role   models.Role `json:"role" binding:"required"`
}

// TokenResponse represents the token response
type TokenResponse struct {
	Token  string      `json:"token"`
	UserID string      `json:"userId"`
	Role   models.Role `json:"role"`
}

// IssueToken signs a consultation token for local development. Real
// deployments get tokens from the session layer and never register this
// route.
func IssueToken(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TokenRequest
		if err := c.ShouldBindJSON(&req); err != nil || !req.Role.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		tokenString, err := SignToken(jwtSecret, req.UserID, req.Role, tokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, TokenResponse{
			Token:  tokenString,
			UserID: req.UserID,
			Role:   req.Role,
		})
	}
}

// SignToken creates an HS256 token accepted by middleware.JWTAuth.
func SignToken(jwtSecret, userID string, role models.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := middleware.JWTClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtSecret))
}
