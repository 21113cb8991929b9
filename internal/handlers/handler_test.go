package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"partnerlink/internal/config"
	"partnerlink/internal/metrics"
	"partnerlink/internal/models"
	"partnerlink/internal/queue"
	"partnerlink/internal/repository"
	"partnerlink/internal/services"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testAPIKey        = "ws-key"
	testWebhookSecret = "whsec_test"
	testRailSecret    = "rail-secret"
)

type jsonBody map[string]any

type testEnv struct {
	h       *Handler
	router  *gin.Engine
	db      *gorm.DB
	broker  *queue.Broker
	clicks  *services.ClickRecorder
	limiter *services.ClientRateLimiter

	workspace models.Workspace
	program   models.Program
	partner   models.Partner
	link      models.Link
}

func setupTestHandler(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.All()...))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{
		SessionSecret: "test-secret-12345678901234567890123456789012",
		DefaultDomain: "pl.ink",
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	audit := services.NewAuditService(db, log)
	geo := services.NewGeoIPService(cfg, log)
	attention := services.NewAttentionService(db, log, m)
	store := repository.NewLinkStore(db)
	cache := repository.NewLinkCache(rdb, time.Hour)
	broker := queue.NewBroker()

	clicks := services.NewClickRecorder(db, rdb, geo, attention, services.ClickRecorderOptions{IdentitySalt: "salt"}, log, m)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		clicks.Start(ctx)
	}()
	go audit.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-done
	})

	emitter := services.NewWebhookEmitter(db, broker, "webhooks", log)
	rails := map[models.PayoutMethod]services.Rail{
		models.PayoutMethodWallet: services.NewHTTPRail("wallet", "http://127.0.0.1:1", testRailSecret),
	}
	svc := Services{
		Store:       store,
		Resolver:    services.NewResolver(store, cache, geo, clicks, services.ResolverOptions{}, log, m),
		Links:       services.NewLinkService(db, store, cache, audit, cfg.DefaultDomain, log),
		Clicks:      clicks,
		Commissions: services.NewCommissionEngine(db, audit, log, m),
		Payouts:     services.NewPayoutAggregator(db, rails, attention, audit, emitter, services.PayoutOptions{}, log, m),
		Attention:   attention,
		Audit:       audit,
	}
	svc.Ingestor = services.NewIngestor(db, store, clicks, broker, "conversions", "salt", log, m)
	svc.Commerce = services.NewCommerceBridge(db, svc.Ingestor, log)

	env := &testEnv{
		db:      db,
		broker:  broker,
		clicks:  clicks,
		limiter: services.NewClientRateLimiter(1000, 1000, log),
	}
	env.h = NewHandler(cfg, log, db, svc, m, reg)
	env.router = env.h.SetupRouter(env.limiter)
	env.seed(t)
	return env
}

func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	e.workspace = models.Workspace{Name: "Acme", Slug: "acme", APIKey: testAPIKey, WebhookSecret: testWebhookSecret}
	require.NoError(t, e.db.Create(&e.workspace).Error)

	e.partner = models.Partner{Name: "Pat", Email: "pat@partner.example", PayoutMethod: models.PayoutMethodWallet, PayoutAccount: "wallet-pat"}
	require.NoError(t, e.db.Create(&e.partner).Error)

	e.program = models.Program{WorkspaceID: e.workspace.ID, Name: "Affiliates", Currency: "usd"}
	require.NoError(t, e.db.Create(&e.program).Error)
	require.NoError(t, e.db.Create(&models.Reward{ProgramID: e.program.ID, Event: models.EventLead, Type: models.RewardFlat, Amount: 500, IsDefault: true}).Error)
	require.NoError(t, e.db.Create(&models.Reward{ProgramID: e.program.ID, Event: models.EventSale, Type: models.RewardPercentage, Percent: decimal.NewFromInt(10), IsDefault: true}).Error)
	require.NoError(t, e.db.Create(&models.ProgramEnrollment{ProgramID: e.program.ID, PartnerID: e.partner.ID, Status: models.EnrollmentApproved}).Error)

	e.link = models.Link{
		WorkspaceID:     e.workspace.ID,
		Domain:          "dub.sh",
		Key:             "docs",
		URL:             "https://dub.dev/docs",
		TrackConversion: true,
		ProgramID:       &e.program.ID,
		PartnerID:       &e.partner.ID,
	}
	require.NoError(t, e.db.Create(&e.link).Error)
}

// seedClick appends a click for the partner link the way the recorder would.
func (e *testEnv) seedClick(t *testing.T, clickID string) {
	t.Helper()
	require.NoError(t, e.db.Create(&models.ClickEvent{
		ClickID:     clickID,
		LinkID:      e.link.ID,
		WorkspaceID: e.workspace.ID,
		Domain:      e.link.Domain,
		Key:         e.link.Key,
		URL:         e.link.URL,
		Timestamp:   time.Now().UTC(),
		Country:     "US",
	}).Error)
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// api sends an authenticated JSON request.
func (e *testEnv) api(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testAPIKey)
	return e.do(req)
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst), w.Body.String())
}
