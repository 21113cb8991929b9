package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

func readBody(c *gin.Context) ([]byte, bool) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return nil, false
	}
	return payload, true
}

// CommerceWebhook verifies a commerce platform event with the workspace
// webhook secret and feeds its conversions to the ingestor.
func (h *Handler) CommerceWebhook(c *gin.Context) {
	payload, ok := readBody(c)
	if !ok {
		return
	}

	results, err := h.svc.Commerce.Handle(c.Request.Context(), c.Param("workspace"), c.Param("source"), payload, c.Request.Header)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if results == nil {
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "conversions": results})
}

// RailWebhook applies a payout status callback from the named rail.
func (h *Handler) RailWebhook(c *gin.Context) {
	rail, found := h.svc.Payouts.RailByName(c.Param("rail"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown rail"})
		return
	}
	payload, ok := readBody(c)
	if !ok {
		return
	}

	update, err := rail.ParseUpdate(payload, c.Request.Header)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if update == nil {
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}
	if err := h.svc.Payouts.ApplyRailUpdate(c.Request.Context(), *update); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
