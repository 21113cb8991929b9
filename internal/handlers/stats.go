package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// LinkStats reports click analytics over ?days= (default 30).
func (h *Handler) LinkStats(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	stats, err := h.svc.Links.Stats(c.Request.Context(), currentWorkspace(c).ID, id, queryInt(c, "days", 30))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
