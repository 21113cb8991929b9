package handlers

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"partnerlink/internal/apperrors"
	"partnerlink/internal/services"
	"partnerlink/pkg/utils"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

func requestDomain(c *gin.Context) string {
	host := c.Request.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

func unlockSessionKey(linkID uint) string {
	return "unlocked_" + strconv.FormatUint(uint64(linkID), 10)
}

func (h *Handler) Redirect(c *gin.Context) {
	key := c.Param("key")
	session := sessions.Default(c)

	rc := services.RequestContext{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Referrer:  c.Request.Referer(),
		Query:     c.Request.URL.Query(),
		Cookie: func(name string) string {
			v, _ := c.Cookie(name)
			return v
		},
		Unlocked: func(linkID uint) bool {
			return session.Get(unlockSessionKey(linkID)) == true
		},
	}

	res := h.svc.Resolver.Resolve(c.Request.Context(), requestDomain(c), key, rc)
	c.Header("Cache-Control", "no-store")

	switch res.Outcome {
	case services.OutcomeNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "Link not found"})
		return

	case services.OutcomeExpired:
		if res.Destination == "" {
			c.JSON(http.StatusGone, gin.H{"error": "Link expired"})
			return
		}
		c.Redirect(http.StatusFound, res.Destination)
		return

	case services.OutcomePasswordRequired:
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":        "Password required",
			"password_url": "/" + key + "/password",
		})
		return
	}

	if res.Sticky != nil {
		maxAge := int(time.Until(res.Sticky.Expires).Seconds())
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(res.Sticky.Name, res.Sticky.Value, maxAge, "/", "", c.Request.TLS != nil, true)
	}

	if res.Link.Rewrite {
		c.JSON(http.StatusOK, gin.H{"url": res.Destination, "click_id": res.ClickID, "rewrite": true})
		return
	}
	c.Redirect(http.StatusFound, res.Destination)
}

type unlockRequest struct {
	Password string `form:"password" json:"password" binding:"required"`
}

// UnlockLink records a passed password check in the session and sends the
// visitor back through the redirect.
func (h *Handler) UnlockLink(c *gin.Context) {
	var req unlockRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := c.Param("key")
	link, err := h.svc.Store.FindByDomainKey(c.Request.Context(), requestDomain(c), key)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Link not found"})
			return
		}
		h.respondError(c, err)
		return
	}

	if link.PasswordHash != "" && !utils.CheckPasswordHash(req.Password, link.PasswordHash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid password"})
		return
	}

	session := sessions.Default(c)
	session.Set(unlockSessionKey(link.ID), true)
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save session"})
		return
	}

	target := "/" + key
	if q := c.Request.URL.RawQuery; q != "" {
		target += "?" + q
	}
	c.Redirect(http.StatusSeeOther, target)
}
