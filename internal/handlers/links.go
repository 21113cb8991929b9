package handlers

import (
	"net/http"
	"strconv"
	"time"

	"partnerlink/internal/models"
	"partnerlink/internal/services"

	"github.com/gin-gonic/gin"
)

type CreateLinkRequest struct {
	URL             string               `json:"url" binding:"required,url"`
	Domain          string               `json:"domain"`
	Key             string               `json:"key" binding:"omitempty,max=190"`
	ExpiresAt       *time.Time           `json:"expires_at"`
	ExpiredURL      string               `json:"expired_url" binding:"omitempty,url"`
	Password        string               `json:"password"`
	Rewrite         bool                 `json:"rewrite"`
	IOSURL          string               `json:"ios_url" binding:"omitempty,url"`
	AndroidURL      string               `json:"android_url" binding:"omitempty,url"`
	Geo             map[string]string    `json:"geo"`
	TestVariants    []models.TestVariant `json:"test_variants"`
	TestCompletedAt *time.Time           `json:"test_completed_at"`
	TrackConversion bool                 `json:"track_conversion"`
	ProgramID       *uint                `json:"program_id"`
	PartnerID       *uint                `json:"partner_id"`
}

type UpdateLinkRequest struct {
	URL             *string              `json:"url" binding:"omitempty,url"`
	ExpiresAt       *time.Time           `json:"expires_at"`
	ClearExpiresAt  bool                 `json:"clear_expires_at"`
	ExpiredURL      *string              `json:"expired_url"`
	Password        *string              `json:"password"`
	Rewrite         *bool                `json:"rewrite"`
	IOSURL          *string              `json:"ios_url"`
	AndroidURL      *string              `json:"android_url"`
	Geo             map[string]string    `json:"geo"`
	TestVariants    []models.TestVariant `json:"test_variants"`
	TestCompletedAt *time.Time           `json:"test_completed_at"`
	TrackConversion *bool                `json:"track_conversion"`
}

func (h *Handler) CreateLink(c *gin.Context) {
	var req CreateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ws := currentWorkspace(c)
	link, err := h.svc.Links.Create(c.Request.Context(), services.CreateLinkInput{
		WorkspaceID:     ws.ID,
		Domain:          req.Domain,
		Key:             req.Key,
		URL:             req.URL,
		ExpiresAt:       req.ExpiresAt,
		ExpiredURL:      req.ExpiredURL,
		Password:        req.Password,
		Rewrite:         req.Rewrite,
		IOSURL:          req.IOSURL,
		AndroidURL:      req.AndroidURL,
		Geo:             req.Geo,
		TestVariants:    req.TestVariants,
		TestCompletedAt: req.TestCompletedAt,
		TrackConversion: req.TrackConversion,
		ProgramID:       req.ProgramID,
		PartnerID:       req.PartnerID,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"link":      link,
		"short_url": shortURL(c, link),
	})
}

func (h *Handler) UpdateLink(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req UpdateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	link, err := h.svc.Links.Update(c.Request.Context(), currentWorkspace(c).ID, id, services.UpdateLinkInput{
		URL:             req.URL,
		ExpiresAt:       req.ExpiresAt,
		ClearExpiresAt:  req.ClearExpiresAt,
		ExpiredURL:      req.ExpiredURL,
		Password:        req.Password,
		Rewrite:         req.Rewrite,
		IOSURL:          req.IOSURL,
		AndroidURL:      req.AndroidURL,
		Geo:             req.Geo,
		TestVariants:    req.TestVariants,
		TestCompletedAt: req.TestCompletedAt,
		TrackConversion: req.TrackConversion,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"link": link})
}

func (h *Handler) DeleteLink(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.svc.Links.Delete(c.Request.Context(), currentWorkspace(c).ID, id); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Link deleted"})
}

func shortURL(c *gin.Context, link *models.Link) string {
	scheme := "https"
	if c.Request.TLS == nil && gin.Mode() != gin.ReleaseMode {
		scheme = "http"
	}
	return scheme + "://" + link.Domain + "/" + link.Key
}

func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return v
}
