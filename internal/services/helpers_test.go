package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"partnerlink/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixture is a workspace with one program, one enrolled partner and a partner link.
type fixture struct {
	workspace  models.Workspace
	partner    models.Partner
	program    models.Program
	enrollment models.ProgramEnrollment
	leadReward models.Reward
	saleReward models.Reward
	link       models.Link
}

func seedFixture(t *testing.T, db *gorm.DB) *fixture {
	t.Helper()
	f := &fixture{}
	f.workspace = models.Workspace{Name: "Acme", Slug: "acme", APIKey: "ws-key", WebhookSecret: "whsec_test"}
	require.NoError(t, db.Create(&f.workspace).Error)

	f.partner = models.Partner{Name: "Pat", Email: "pat@partner.example", PayoutMethod: models.PayoutMethodWallet, PayoutAccount: "wallet-pat"}
	require.NoError(t, db.Create(&f.partner).Error)

	f.program = models.Program{WorkspaceID: f.workspace.ID, Name: "Affiliates", Currency: "usd"}
	require.NoError(t, db.Create(&f.program).Error)

	f.leadReward = models.Reward{ProgramID: f.program.ID, Event: models.EventLead, Type: models.RewardFlat, Amount: 500, IsDefault: true}
	require.NoError(t, db.Create(&f.leadReward).Error)
	f.saleReward = models.Reward{ProgramID: f.program.ID, Event: models.EventSale, Type: models.RewardPercentage, Percent: decimal.NewFromInt(10), IsDefault: true}
	require.NoError(t, db.Create(&f.saleReward).Error)

	f.enrollment = models.ProgramEnrollment{ProgramID: f.program.ID, PartnerID: f.partner.ID, Status: models.EnrollmentApproved}
	require.NoError(t, db.Create(&f.enrollment).Error)

	f.link = models.Link{
		WorkspaceID:     f.workspace.ID,
		Domain:          "dub.sh",
		Key:             "docs",
		URL:             "https://dub.dev/docs",
		TrackConversion: true,
		ProgramID:       &f.program.ID,
		PartnerID:       &f.partner.ID,
	}
	require.NoError(t, db.Create(&f.link).Error)
	return f
}

// seedClick appends a click the way the recorder would.
func seedClick(t *testing.T, db *gorm.DB, link models.Link, clickID, identity string) models.ClickEvent {
	t.Helper()
	click := models.ClickEvent{
		ClickID:      clickID,
		LinkID:       link.ID,
		WorkspaceID:  link.WorkspaceID,
		Domain:       link.Domain,
		Key:          link.Key,
		URL:          link.URL,
		Timestamp:    time.Now().UTC(),
		IdentityHash: identity,
		Country:      "US",
	}
	require.NoError(t, db.Create(&click).Error)
	return click
}

type recordedPublish struct {
	topic, key string
	payload    []byte
}

// stubPublisher records publishes and can be told to fail.
type stubPublisher struct {
	mu   sync.Mutex
	sent []recordedPublish
	err  error
}

func (p *stubPublisher) Publish(_ context.Context, topic, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, recordedPublish{topic: topic, key: key, payload: payload})
	return nil
}

func (p *stubPublisher) Close() error { return nil }

func (p *stubPublisher) keys(topic string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, s := range p.sent {
		if s.topic == topic {
			out = append(out, s.key)
		}
	}
	return out
}

// stubClicks hands out fixed click ids.
type stubClicks struct {
	mu      sync.Mutex
	next    string
	records []string
}

func (s *stubClicks) Record(_ *models.Link, destination string, _ RequestContext) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, destination)
	if s.next != "" {
		return s.next
	}
	return "click-generated"
}
