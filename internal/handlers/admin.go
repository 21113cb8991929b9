package handlers

import (
	"context"
	"net/http"

	"partnerlink/internal/apperrors"
	"partnerlink/internal/models"

	"github.com/gin-gonic/gin"
)

type AdjustCommissionRequest struct {
	Earnings *int64 `json:"earnings" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

type ReviewCommissionRequest struct {
	Approve *bool `json:"approve" binding:"required"`
}

// ownedBy reports whether the row with id in table belongs to a program of the workspace.
func (h *Handler) ownedBy(ctx context.Context, table string, id, workspaceID uint) (bool, error) {
	var n int64
	err := h.db.WithContext(ctx).Table(table).
		Joins("JOIN programs ON programs.id = "+table+".program_id").
		Where(table+".id = ? AND programs.workspace_id = ?", id, workspaceID).
		Count(&n).Error
	return n > 0, err
}

func (h *Handler) requireOwned(c *gin.Context, table string, id uint, notFound error) bool {
	ok, err := h.ownedBy(c.Request.Context(), table, id, currentWorkspace(c).ID)
	if err != nil {
		h.respondError(c, err)
		return false
	}
	if !ok {
		h.respondError(c, notFound)
		return false
	}
	return true
}

func (h *Handler) AdjustCommission(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req AdjustCommissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.requireOwned(c, "commissions", id, apperrors.ErrCommissionNotFound) {
		return
	}

	commission, err := h.svc.Commissions.Adjust(c.Request.Context(), id, *req.Earnings, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, commission)
}

// ReviewCommission approves or cancels a commission held for fraud review.
func (h *Handler) ReviewCommission(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req ReviewCommissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.requireOwned(c, "commissions", id, apperrors.ErrCommissionNotFound) {
		return
	}

	commission, err := h.svc.Commissions.ResolveFraud(c.Request.Context(), id, *req.Approve)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, commission)
}

func (h *Handler) RebuildPayout(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if !h.requireOwned(c, "payouts", id, apperrors.ErrPayoutNotFound) {
		return
	}

	payout, changed, err := h.svc.Payouts.RebuildAmount(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": payout, "changed": changed})
}

func (h *Handler) ListAttention(c *gin.Context) {
	items, err := h.svc.Attention.List(c.Request.Context(), c.Query("source"), c.Query("resolved") == "true", queryInt(c, "limit", 100))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if items == nil {
		items = []models.AttentionItem{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) ResolveAttention(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	item, err := h.svc.Attention.Resolve(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}
