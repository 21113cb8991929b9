package handlers

import (
	"net/http"

	"partnerlink/internal/services"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const sessionName = "pl_session"

func (h *Handler) SetupRouter(rateLimiter *services.ClientRateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	// Middleware
	if h.cfg.SentryDSN != "" {
		r.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	}
	if h.metrics != nil {
		r.Use(h.metrics.Middleware())
	}

	store := cookie.NewStore([]byte(h.cfg.SessionSecret))
	store.Options(sessions.Options{Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions(sessionName, store))

	// Routes
	r.GET("/health", h.Health)
	if h.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api/v1")
	api.Use(h.WorkspaceAuth())
	if rateLimiter != nil {
		api.Use(h.RateLimitMiddleware(rateLimiter))
	}
	{
		api.POST("/links", h.CreateLink)
		api.PATCH("/links/:id", h.UpdateLink)
		api.DELETE("/links/:id", h.DeleteLink)
		api.GET("/links/:id/stats", h.LinkStats)

		api.POST("/track/click", h.TrackClick)
		api.POST("/track/lead", h.TrackLead)
		api.POST("/track/sale", h.TrackSale)

		api.PATCH("/commissions/:id", h.AdjustCommission)
		api.POST("/commissions/:id/review", h.ReviewCommission)
		api.POST("/payouts/:id/rebuild", h.RebuildPayout)

		api.GET("/attention", h.ListAttention)
		api.POST("/attention/:id/resolve", h.ResolveAttention)

		api.POST("/workspace/api-key", h.RotateAPIKey)
	}

	hooks := r.Group("/webhooks")
	{
		hooks.POST("/commerce/:workspace/:source", h.CommerceWebhook)
		hooks.POST("/payouts/:rail", h.RailWebhook)
	}

	// Catch-all short links
	r.GET("/:key", h.Redirect)
	r.POST("/:key/password", h.UnlockLink)

	return r
}

func (h *Handler) Health(c *gin.Context) {
	body := gin.H{"status": "healthy"}
	if h.svc.Clicks != nil {
		body["clicks"] = h.svc.Clicks.Stats()
	}
	c.JSON(http.StatusOK, body)
}
