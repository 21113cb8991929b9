package handlers

import (
	"net/http"

	"partnerlink/internal/models"
	"partnerlink/internal/services"

	"github.com/gin-gonic/gin"
)

type TrackClickRequest struct {
	Domain   string `json:"domain" binding:"required"`
	Key      string `json:"key" binding:"required"`
	Referrer string `json:"referrer"`
}

// conversionRequest is shared by leads and sales. The click is named by
// click_id, or by domain+key with the caller's IP and user agent.
type conversionRequest struct {
	EventID    string `json:"event_id" binding:"required,max=190"`
	EventName  string `json:"event_name"`
	ClickID    string `json:"click_id"`
	Domain     string `json:"domain"`
	Key        string `json:"key"`
	ExternalID string `json:"customer_external_id" binding:"required,max=190"`
	Name       string `json:"customer_name"`
	Email      string `json:"customer_email" binding:"omitempty,email"`
}

type TrackLeadRequest struct {
	conversionRequest
}

type TrackSaleRequest struct {
	conversionRequest
	Amount    int64  `json:"amount" binding:"gte=0"`
	Quantity  int64  `json:"quantity" binding:"gte=0"`
	Currency  string `json:"currency" binding:"omitempty,len=3"`
	InvoiceID string `json:"invoice_id"`
}

func (h *Handler) TrackClick(c *gin.Context) {
	var req TrackClickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	clickID, link, err := h.svc.Ingestor.TrackClick(c.Request.Context(), services.TrackClickInput{
		WorkspaceID: currentWorkspace(c).ID,
		Domain:      req.Domain,
		Key:         req.Key,
		IP:          c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
		Referrer:    req.Referrer,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"click_id": clickID, "link_id": link.ID, "url": link.URL})
}

func (h *Handler) TrackLead(c *gin.Context) {
	var req TrackLeadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.ingest(c, h.conversionInput(c, models.EventLead, req.conversionRequest))
}

func (h *Handler) TrackSale(c *gin.Context) {
	var req TrackSaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	in := h.conversionInput(c, models.EventSale, req.conversionRequest)
	in.Amount = req.Amount
	in.Quantity = req.Quantity
	in.Currency = req.Currency
	in.InvoiceID = req.InvoiceID
	h.ingest(c, in)
}

func (h *Handler) conversionInput(c *gin.Context, typ models.EventType, req conversionRequest) services.ConversionInput {
	return services.ConversionInput{
		WorkspaceID:   currentWorkspace(c).ID,
		EventID:       req.EventID,
		Type:          typ,
		EventName:     req.EventName,
		ClickID:       req.ClickID,
		Domain:        req.Domain,
		Key:           req.Key,
		IP:            c.ClientIP(),
		UserAgent:     c.Request.UserAgent(),
		ExternalID:    req.ExternalID,
		CustomerName:  req.Name,
		CustomerEmail: req.Email,
	}
}

// ingest answers 202 for a new event and 200 for a replay of a known one.
func (h *Handler) ingest(c *gin.Context, in services.ConversionInput) {
	res, err := h.svc.Ingestor.Ingest(c.Request.Context(), in)
	if err != nil {
		h.respondError(c, err)
		return
	}
	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, res)
}
