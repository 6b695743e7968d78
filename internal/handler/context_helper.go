package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-student-changes/internal/middleware"
)

// actorID returns the authenticated user id, or empty when unauthenticated.
func actorID(c *gin.Context) string {
	if claims := middleware.Claims(c); claims != nil {
		return claims.UserID
	}
	return ""
}
