package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	jwt "github.com/golang-jwt/jwt/v5"

	"libchat/backend/internal/config"
	"libchat/backend/internal/models"
)

// generateToken issues a JWT carrying the resolved user identity. In
// production the identity comes from the library's auth service; this
// endpoint only exists so local clients can obtain a token with the same
// claim shape.
func (h *Handler) generateToken(user models.UserInfo) (string, error) {
	claims := jwt.MapClaims{
		"user_id":      user.UserID,
		"display_name": user.DisplayName,
		"avatar_ref":   user.AvatarRef,
		"role":         user.Role,
		"exp":          time.Now().Add(config.TokenTTL).Unix(),
		"iss":          "libchat-service",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.JWTSecret)
}

// validateAndGetUser parses and verifies a bearer token and returns the
// identity it carries.
func (h *Handler) validateAndGetUser(tokenString string) (models.UserInfo, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return h.JWTSecret, nil
	})
	if err != nil || !token.Valid {
		return models.UserInfo{}, errors.New("invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return models.UserInfo{}, errors.New("malformed claims")
	}
	user := models.UserInfo{}
	user.UserID, _ = claims["user_id"].(string)
	user.DisplayName, _ = claims["display_name"].(string)
	user.AvatarRef, _ = claims["avatar_ref"].(string)
	user.Role, _ = claims["role"].(string)
	if user.UserID == "" || user.Role == "" {
		return models.UserInfo{}, errors.New("token missing identity claims")
	}
	return user, nil
}

// GetToken issues a signed token for the identity given in the request body.
func (h *Handler) GetToken(c *gin.Context) {
	var user models.UserInfo
	if err := c.ShouldBindJSON(&user); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid identity payload"})
		return
	}
	if user.UserID == "" || (user.Role != models.RoleStudent && user.Role != models.RoleLibrarian) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and a valid role are required"})
		return
	}

	token, err := h.generateToken(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user_id": user.UserID})
}

// bearerUser resolves the request's Authorization header to a UserInfo.
func (h *Handler) bearerUser(c *gin.Context) (models.UserInfo, bool) {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) < 8 || authHeader[:7] != "Bearer " {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization token missing"})
		return models.UserInfo{}, false
	}
	user, err := h.validateAndGetUser(authHeader[7:])
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token or expired"})
		return models.UserInfo{}, false
	}
	return user, true
}
