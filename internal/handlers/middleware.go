package handlers

import (
	"net/http"
	"strings"

	"partnerlink/internal/models"
	"partnerlink/internal/services"

	"github.com/gin-gonic/gin"
)

const workspaceKey = "workspace"

// WorkspaceAuth resolves the workspace from X-API-Key or a bearer token.
func (h *Handler) WorkspaceAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := apiKeyFrom(c)
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API Key required"})
			return
		}

		var ws models.Workspace
		if err := h.db.WithContext(c.Request.Context()).Where("api_key = ?", apiKey).First(&ws).Error; err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API Key"})
			return
		}

		c.Set(workspaceKey, &ws)
		c.Next()
	}
}

func apiKeyFrom(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	auth := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func currentWorkspace(c *gin.Context) *models.Workspace {
	return c.MustGet(workspaceKey).(*models.Workspace)
}

// RateLimitMiddleware limits per API key, falling back to the client IP.
func (h *Handler) RateLimitMiddleware(limiter *services.ClientRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		client := apiKeyFrom(c)
		if client == "" {
			client = c.ClientIP()
		}
		if !limiter.GetLimiter(client).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded. Please try again later.",
			})
			return
		}
		c.Next()
	}
}
