package handlers

import (
	"log/slog"

	"partnerlink/internal/config"
	"partnerlink/internal/metrics"
	"partnerlink/internal/repository"
	"partnerlink/internal/services"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// Services groups the pipeline components the HTTP surface drives.
type Services struct {
	Store       *repository.LinkStore
	Resolver    *services.Resolver
	Links       *services.LinkService
	Clicks      *services.ClickRecorder
	Ingestor    *services.Ingestor
	Commissions *services.CommissionEngine
	Payouts     *services.PayoutAggregator
	Attention   *services.AttentionService
	Commerce    *services.CommerceBridge
	Audit       *services.AuditService
}

type Handler struct {
	cfg      config.Config
	logger   *slog.Logger
	db       *gorm.DB
	svc      Services
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
}

func NewHandler(
	cfg config.Config,
	logger *slog.Logger,
	db *gorm.DB,
	svc Services,
	m *metrics.Metrics,
	gatherer prometheus.Gatherer,
) *Handler {
	return &Handler{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		svc:      svc,
		metrics:  m,
		gatherer: gatherer,
	}
}
