package services

import (
	"context"
	"testing"
	"time"

	"partnerlink/internal/apperrors"
	"partnerlink/internal/models"
	"partnerlink/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLinkService(t *testing.T) (*LinkService, *fixture, *repository.LinkCache) {
	t.Helper()
	db := setupTestDB(t)
	rdb, _ := setupTestRedis(t)
	f := seedFixture(t, db)
	cache := repository.NewLinkCache(rdb, time.Hour)
	svc := NewLinkService(db, repository.NewLinkStore(db), cache, nil, "pl.ink", testLogger())
	return svc, f, cache
}

func TestLinkService_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("Generated key on default domain", func(t *testing.T) {
		svc, f, _ := newTestLinkService(t)
		link, err := svc.Create(ctx, CreateLinkInput{WorkspaceID: f.workspace.ID, URL: "https://example.com"})
		require.NoError(t, err)
		assert.Equal(t, "pl.ink", link.Domain)
		assert.Len(t, link.Key, 7)
	})

	t.Run("Generator collisions retried", func(t *testing.T) {
		svc, f, _ := newTestLinkService(t)
		codes := []string{"docs", "docs", "fresh12"}
		svc.codeGenerator = func(int) string {
			c := codes[0]
			codes = codes[1:]
			return c
		}
		link, err := svc.Create(ctx, CreateLinkInput{WorkspaceID: f.workspace.ID, Domain: "dub.sh", URL: "https://example.com"})
		require.NoError(t, err)
		assert.Equal(t, "fresh12", link.Key)
	})

	t.Run("Custom key taken", func(t *testing.T) {
		svc, f, _ := newTestLinkService(t)
		_, err := svc.Create(ctx, CreateLinkInput{WorkspaceID: f.workspace.ID, Domain: "DUB.sh", Key: "docs", URL: "https://example.com"})
		assert.ErrorIs(t, err, apperrors.ErrKeyTaken)
	})

	t.Run("Same key on another domain", func(t *testing.T) {
		svc, f, _ := newTestLinkService(t)
		link, err := svc.Create(ctx, CreateLinkInput{WorkspaceID: f.workspace.ID, Domain: "acme.link", Key: "docs", URL: "https://example.com"})
		require.NoError(t, err)
		assert.Equal(t, "acme.link", link.Domain)
	})

	t.Run("Password hashed", func(t *testing.T) {
		svc, f, _ := newTestLinkService(t)
		link, err := svc.Create(ctx, CreateLinkInput{WorkspaceID: f.workspace.ID, URL: "https://example.com", Password: "hunter2"})
		require.NoError(t, err)
		assert.NotEqual(t, "hunter2", link.PasswordHash)
		assert.NotEmpty(t, link.PasswordHash)
	})

	t.Run("Geo codes normalized", func(t *testing.T) {
		svc, f, _ := newTestLinkService(t)
		link, err := svc.Create(ctx, CreateLinkInput{WorkspaceID: f.workspace.ID, URL: "https://example.com", Geo: map[string]string{"de ": "https://example.de"}})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"DE": "https://example.de"}, link.Geo)
	})

	t.Run("Test start recorded", func(t *testing.T) {
		svc, f, _ := newTestLinkService(t)
		end := time.Now().Add(48 * time.Hour)
		link, err := svc.Create(ctx, CreateLinkInput{
			WorkspaceID:     f.workspace.ID,
			URL:             "https://example.com",
			TestVariants:    []models.TestVariant{{URL: "https://a.example", Percentage: 30}, {URL: "https://b.example", Percentage: 70}},
			TestCompletedAt: &end,
		})
		require.NoError(t, err)
		assert.NotNil(t, link.TestStartedAt)
	})

	invalid := []struct {
		name string
		in   func(f *fixture) CreateLinkInput
		want error
	}{
		{"Missing url", func(f *fixture) CreateLinkInput { return CreateLinkInput{WorkspaceID: f.workspace.ID} }, apperrors.ErrValidation},
		{"Bad scheme", func(f *fixture) CreateLinkInput {
			return CreateLinkInput{WorkspaceID: f.workspace.ID, URL: "ftp://example.com"}
		}, apperrors.ErrValidation},
		{"Bad key", func(f *fixture) CreateLinkInput {
			return CreateLinkInput{WorkspaceID: f.workspace.ID, URL: "https://example.com", Key: "a b"}
		}, apperrors.ErrValidation},
		{"Bad geo code", func(f *fixture) CreateLinkInput {
			return CreateLinkInput{WorkspaceID: f.workspace.ID, URL: "https://example.com", Geo: map[string]string{"GER": "https://example.de"}}
		}, apperrors.ErrValidation},
		{"Weights off", func(f *fixture) CreateLinkInput {
			end := time.Now().Add(time.Hour)
			return CreateLinkInput{WorkspaceID: f.workspace.ID, URL: "https://example.com", TestCompletedAt: &end,
				TestVariants: []models.TestVariant{{URL: "https://a.example", Percentage: 30}, {URL: "https://b.example", Percentage: 30}}}
		}, apperrors.ErrInvalidConfig},
		{"Partner without program", func(f *fixture) CreateLinkInput {
			return CreateLinkInput{WorkspaceID: f.workspace.ID, URL: "https://example.com", PartnerID: &f.partner.ID}
		}, apperrors.ErrValidation},
		{"Foreign program", func(f *fixture) CreateLinkInput {
			other := f.program.ID + 100
			return CreateLinkInput{WorkspaceID: f.workspace.ID, URL: "https://example.com", ProgramID: &other}
		}, apperrors.ErrValidation},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			svc, f, _ := newTestLinkService(t)
			_, err := svc.Create(ctx, tt.in(f))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLinkService_UpdateDelete(t *testing.T) {
	ctx := context.Background()
	svc, f, cache := newTestLinkService(t)
	require.NoError(t, cache.Set(ctx, &f.link))

	t.Run("Update evicts cache", func(t *testing.T) {
		dest := "https://dub.dev/new-docs"
		pw := "secret"
		link, err := svc.Update(ctx, f.workspace.ID, f.link.ID, UpdateLinkInput{URL: &dest, Password: &pw})
		require.NoError(t, err)
		assert.Equal(t, dest, link.URL)
		assert.NotEmpty(t, link.PasswordHash)

		_, err = cache.Get(ctx, "dub.sh", "docs")
		assert.ErrorIs(t, err, repository.ErrCacheMiss)
	})

	t.Run("Empty password clears it", func(t *testing.T) {
		empty := ""
		link, err := svc.Update(ctx, f.workspace.ID, f.link.ID, UpdateLinkInput{Password: &empty})
		require.NoError(t, err)
		assert.Empty(t, link.PasswordHash)
	})

	t.Run("Other workspace cannot update", func(t *testing.T) {
		dest := "https://evil.example"
		_, err := svc.Update(ctx, f.workspace.ID+1, f.link.ID, UpdateLinkInput{URL: &dest})
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("Delete hides link from resolution", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, &f.link))
		require.NoError(t, svc.Delete(ctx, f.workspace.ID, f.link.ID))

		_, err := svc.store.FindByDomainKey(ctx, "dub.sh", "docs")
		assert.ErrorIs(t, err, apperrors.ErrLinkNotFound)
		_, err = cache.Get(ctx, "dub.sh", "docs")
		assert.ErrorIs(t, err, repository.ErrCacheMiss)

		kept, err := svc.store.FindByID(ctx, f.link.ID)
		require.NoError(t, err)
		assert.Equal(t, "docs", kept.Key)
	})
}

func TestLinkService_SyncUsage(t *testing.T) {
	ctx := context.Background()
	svc, f, _ := newTestLinkService(t)
	seedClick(t, svc.db, f.link, "c1", "visitor-a")
	seedClick(t, svc.db, f.link, "c2", "visitor-b")
	dup := seedClick(t, svc.db, f.link, "c3", "visitor-a")
	require.NoError(t, svc.db.Model(&dup).Update("duplicate", true).Error)
	require.NoError(t, svc.db.Model(&models.Link{}).Where("id = ?", f.link.ID).Update("clicks", 7).Error)

	corrected, err := svc.SyncUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, corrected)

	var link models.Link
	require.NoError(t, svc.db.First(&link, f.link.ID).Error)
	assert.Equal(t, int64(2), link.Clicks)
	var ws models.Workspace
	require.NoError(t, svc.db.First(&ws, f.workspace.ID).Error)
	assert.Equal(t, int64(2), ws.UsageClicks)

	corrected, err = svc.SyncUsage(ctx)
	require.NoError(t, err)
	assert.Zero(t, corrected)
}

func TestLinkService_RebuildCache(t *testing.T) {
	ctx := context.Background()
	svc, f, cache := newTestLinkService(t)
	stale := f.link
	stale.URL = "https://stale.example"
	require.NoError(t, cache.Set(ctx, &stale))

	loaded, err := svc.RebuildCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	got, err := cache.Get(ctx, "dub.sh", "docs")
	require.NoError(t, err)
	assert.Equal(t, "https://dub.dev/docs", got.URL)
}

func TestLinkService_Stats(t *testing.T) {
	ctx := context.Background()
	svc, f, _ := newTestLinkService(t)
	seedClick(t, svc.db, f.link, "c1", "visitor-a")
	seedClick(t, svc.db, f.link, "c2", "visitor-b")
	dup := seedClick(t, svc.db, f.link, "c3", "visitor-a")
	require.NoError(t, svc.db.Model(&dup).Update("duplicate", true).Error)

	stats, err := svc.Stats(ctx, f.workspace.ID, f.link.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Clicks)
	assert.Equal(t, int64(2), stats.UniqueVisitors)
	assert.Equal(t, int64(1), stats.Duplicates)
	require.Len(t, stats.Countries, 1)
	assert.Equal(t, StatBucket{Value: "US", Count: 2}, stats.Countries[0])
	require.Len(t, stats.Daily, 1)
	assert.Equal(t, int64(2), stats.Daily[0].Clicks)
	assert.Len(t, stats.RecentClicks, 3)

	_, err = svc.Stats(ctx, f.workspace.ID+1, f.link.ID, 7)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestBucketByDay(t *testing.T) {
	d1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 5, 2, 1, 0, 0, 0, time.UTC)
	got := bucketByDay([]time.Time{d2, d1, d1.Add(time.Hour)})
	assert.Equal(t, []DailyClicks{{Date: "2024-05-01", Clicks: 2}, {Date: "2024-05-02", Clicks: 1}}, got)
}
