package handlers

import (
	"net/http"
	"strconv"

	"partnerlink/internal/models"
	"partnerlink/internal/services"
	"partnerlink/pkg/utils"

	"github.com/gin-gonic/gin"
)

// RotateAPIKey replaces the calling workspace's API key. The old key stops
// working immediately.
func (h *Handler) RotateAPIKey(c *gin.Context) {
	ws := currentWorkspace(c)

	newKey := utils.GenerateAPIKey()
	if err := h.db.WithContext(c.Request.Context()).Model(&models.Workspace{}).
		Where("id = ?", ws.ID).Update("api_key", newKey).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update API key"})
		return
	}

	h.svc.Audit.LogAction(services.AuditAPIKeyRotated, "workspace", strconv.FormatUint(uint64(ws.ID), 10), map[string]any{
		"ip": c.ClientIP(),
	})
	c.JSON(http.StatusOK, gin.H{"api_key": newKey})
}
