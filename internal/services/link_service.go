package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"partnerlink/internal/apperrors"
	"partnerlink/internal/models"
	"partnerlink/internal/repository"
	"partnerlink/pkg/utils"

	"gorm.io/gorm"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,190}$`)

type CreateLinkInput struct {
	WorkspaceID     uint
	Domain          string
	Key             string
	URL             string
	ExpiresAt       *time.Time
	ExpiredURL      string
	Password        string
	Rewrite         bool
	IOSURL          string
	AndroidURL      string
	Geo             map[string]string
	TestVariants    []models.TestVariant
	TestCompletedAt *time.Time
	TrackConversion bool
	ProgramID       *uint
	PartnerID       *uint
}

// UpdateLinkInput holds optional changes; nil fields are left untouched.
type UpdateLinkInput struct {
	URL             *string
	ExpiresAt       *time.Time
	ClearExpiresAt  bool
	ExpiredURL      *string
	Password        *string // "" removes the password
	Rewrite         *bool
	IOSURL          *string
	AndroidURL      *string
	Geo             map[string]string
	TestVariants    []models.TestVariant
	TestCompletedAt *time.Time
	TrackConversion *bool
}

type LinkService struct {
	db            *gorm.DB
	store         *repository.LinkStore
	cache         *repository.LinkCache
	audit         *AuditService
	logger        *slog.Logger
	defaultDomain string
	codeGenerator func(int) string
	now           func() time.Time
}

func NewLinkService(db *gorm.DB, store *repository.LinkStore, cache *repository.LinkCache, audit *AuditService, defaultDomain string, logger *slog.Logger) *LinkService {
	return &LinkService{
		db:            db,
		store:         store,
		cache:         cache,
		audit:         audit,
		logger:        logger,
		defaultDomain: defaultDomain,
		codeGenerator: utils.GenerateShortCode,
		now:           time.Now,
	}
}

func (s *LinkService) Create(ctx context.Context, in CreateLinkInput) (*models.Link, error) {
	if err := validateDestination(in.URL); err != nil {
		return nil, err
	}
	for _, u := range []string{in.ExpiredURL, in.IOSURL, in.AndroidURL} {
		if u != "" {
			if err := validateDestination(u); err != nil {
				return nil, err
			}
		}
	}
	geo, err := normalizeGeo(in.Geo)
	if err != nil {
		return nil, err
	}
	if err := models.ValidateTestVariants(in.TestVariants, in.TestCompletedAt); err != nil {
		return nil, err
	}
	if err := s.checkAttribution(ctx, in.WorkspaceID, in.ProgramID, in.PartnerID); err != nil {
		return nil, err
	}

	domain := strings.ToLower(strings.TrimSpace(in.Domain))
	if domain == "" {
		domain = s.defaultDomain
	}

	// 1. Determine key
	var key string
	if in.Key != "" {
		if !keyPattern.MatchString(in.Key) {
			return nil, apperrors.Validation("key may only contain letters, digits, '-' and '_'")
		}
		taken, err := s.store.KeyExists(ctx, domain, in.Key)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, apperrors.ErrKeyTaken
		}
		key = in.Key
	} else {
		for attempt := 0; ; attempt++ {
			if attempt == 10 {
				return nil, fmt.Errorf("could not generate a free key on %s", domain)
			}
			key = s.codeGenerator(7)
			taken, err := s.store.KeyExists(ctx, domain, key)
			if err != nil {
				return nil, err
			}
			if !taken {
				break
			}
		}
	}

	// 2. Prepare data
	var passwordHash string
	if in.Password != "" {
		hash, err := utils.HashPassword(in.Password)
		if err != nil {
			return nil, err
		}
		passwordHash = hash
	}

	link := models.Link{
		WorkspaceID:     in.WorkspaceID,
		Domain:          domain,
		Key:             key,
		URL:             in.URL,
		ExpiresAt:       in.ExpiresAt,
		ExpiredURL:      in.ExpiredURL,
		PasswordHash:    passwordHash,
		Rewrite:         in.Rewrite,
		IOSURL:          in.IOSURL,
		AndroidURL:      in.AndroidURL,
		Geo:             geo,
		TestVariants:    in.TestVariants,
		TestCompletedAt: in.TestCompletedAt,
		TrackConversion: in.TrackConversion,
		ProgramID:       in.ProgramID,
		PartnerID:       in.PartnerID,
	}
	if len(in.TestVariants) > 0 {
		started := s.now().UTC()
		link.TestStartedAt = &started
	}

	if err := s.store.Create(ctx, &link); err != nil {
		return nil, err
	}

	s.audit.LogAction(AuditLinkCreated, "link", strconv.FormatUint(uint64(link.ID), 10), map[string]any{
		"domain": link.Domain,
		"key":    link.Key,
		"url":    link.URL,
	})
	return &link, nil
}

func (s *LinkService) Update(ctx context.Context, workspaceID, id uint, in UpdateLinkInput) (*models.Link, error) {
	link, err := s.store.FindForWorkspace(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}

	if in.URL != nil {
		if err := validateDestination(*in.URL); err != nil {
			return nil, err
		}
		link.URL = *in.URL
	}
	for _, opt := range []struct {
		val *string
		dst *string
	}{{in.ExpiredURL, &link.ExpiredURL}, {in.IOSURL, &link.IOSURL}, {in.AndroidURL, &link.AndroidURL}} {
		if opt.val == nil {
			continue
		}
		if *opt.val != "" {
			if err := validateDestination(*opt.val); err != nil {
				return nil, err
			}
		}
		*opt.dst = *opt.val
	}
	if in.ClearExpiresAt {
		link.ExpiresAt = nil
	} else if in.ExpiresAt != nil {
		link.ExpiresAt = in.ExpiresAt
	}
	if in.Password != nil {
		link.PasswordHash = ""
		if *in.Password != "" {
			hash, err := utils.HashPassword(*in.Password)
			if err != nil {
				return nil, err
			}
			link.PasswordHash = hash
		}
	}
	if in.Rewrite != nil {
		link.Rewrite = *in.Rewrite
	}
	if in.TrackConversion != nil {
		link.TrackConversion = *in.TrackConversion
	}
	if in.Geo != nil {
		geo, err := normalizeGeo(in.Geo)
		if err != nil {
			return nil, err
		}
		link.Geo = geo
	}
	if in.TestVariants != nil || in.TestCompletedAt != nil {
		variants, completedAt := link.TestVariants, link.TestCompletedAt
		if in.TestVariants != nil {
			variants = in.TestVariants
		}
		if in.TestCompletedAt != nil {
			completedAt = in.TestCompletedAt
		}
		if err := models.ValidateTestVariants(variants, completedAt); err != nil {
			return nil, err
		}
		if in.TestVariants != nil {
			started := s.now().UTC()
			link.TestStartedAt = &started
		}
		link.TestVariants, link.TestCompletedAt = variants, completedAt
	}

	if err := s.store.Save(ctx, link); err != nil {
		return nil, err
	}
	s.evict(ctx, link)
	s.audit.LogAction(AuditLinkUpdated, "link", strconv.FormatUint(uint64(link.ID), 10), nil)
	return link, nil
}

func (s *LinkService) Delete(ctx context.Context, workspaceID, id uint) error {
	link, err := s.store.FindForWorkspace(ctx, workspaceID, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, link); err != nil {
		return err
	}
	s.evict(ctx, link)
	s.audit.LogAction(AuditLinkDeleted, "link", strconv.FormatUint(uint64(link.ID), 10), map[string]any{
		"domain": link.Domain,
		"key":    link.Key,
	})
	return nil
}

// evict drops the cached projection. A failure leaves a stale entry until its TTL.
func (s *LinkService) evict(ctx context.Context, link *models.Link) {
	if err := s.cache.Delete(ctx, link.Domain, link.Key); err != nil {
		s.logger.Error("Link cache eviction failed", "link_id", link.ID, "error", err)
	}
}

type countRow struct {
	ID     uint
	Clicks int64
}

// SyncUsage recomputes link click counters and workspace usage from the
// non-duplicate click log. Returns the number of links corrected.
func (s *LinkService) SyncUsage(ctx context.Context) (int, error) {
	corrected := 0
	err := s.store.ForEachBatch(ctx, 500, func(links []models.Link) error {
		ids := make([]uint, len(links))
		for i, l := range links {
			ids[i] = l.ID
		}
		var rows []countRow
		if err := s.db.WithContext(ctx).Model(&models.ClickEvent{}).
			Select("link_id AS id, COUNT(DISTINCT click_id) AS clicks").
			Where("link_id IN ? AND duplicate = ?", ids, false).
			Group("link_id").Scan(&rows).Error; err != nil {
			return err
		}
		counts := make(map[uint]int64, len(rows))
		for _, r := range rows {
			counts[r.ID] = r.Clicks
		}
		for _, l := range links {
			if counts[l.ID] == l.Clicks {
				continue
			}
			if err := s.db.WithContext(ctx).Model(&models.Link{}).Where("id = ?", l.ID).
				UpdateColumn("clicks", counts[l.ID]).Error; err != nil {
				return err
			}
			corrected++
		}
		return nil
	})
	if err != nil {
		return corrected, fmt.Errorf("sync link clicks: %w", err)
	}

	var usage []countRow
	if err := s.db.WithContext(ctx).Model(&models.ClickEvent{}).
		Select("workspace_id AS id, COUNT(DISTINCT click_id) AS clicks").
		Where("duplicate = ?", false).
		Group("workspace_id").Scan(&usage).Error; err != nil {
		return corrected, fmt.Errorf("sync workspace usage: %w", err)
	}
	for _, u := range usage {
		if err := s.db.WithContext(ctx).Model(&models.Workspace{}).Where("id = ?", u.ID).
			UpdateColumn("usage_clicks", u.Clicks).Error; err != nil {
			return corrected, fmt.Errorf("sync workspace usage: %w", err)
		}
	}
	s.logger.Info("Usage sync finished", "links_corrected", corrected, "workspaces", len(usage))
	return corrected, nil
}

// RebuildCache flushes the edge cache and repopulates it from the store.
func (s *LinkService) RebuildCache(ctx context.Context) (int, error) {
	removed, err := s.cache.Flush(ctx)
	if err != nil {
		return 0, fmt.Errorf("flush link cache: %w", err)
	}
	loaded := 0
	err = s.store.ForEachBatch(ctx, 500, func(links []models.Link) error {
		for i := range links {
			if err := s.cache.Set(ctx, &links[i]); err != nil {
				return err
			}
			loaded++
		}
		return nil
	})
	if err != nil {
		return loaded, fmt.Errorf("repopulate link cache: %w", err)
	}
	s.logger.Info("Link cache rebuilt", "removed", removed, "loaded", loaded)
	return loaded, nil
}

type StatBucket struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

type DailyClicks struct {
	Date   string `json:"date"`
	Clicks int64  `json:"clicks"`
}

type LinkStats struct {
	Link           *models.Link        `json:"link"`
	Clicks         int64               `json:"clicks"`
	UniqueVisitors int64               `json:"unique_visitors"`
	Duplicates     int64               `json:"duplicates"`
	Leads          int64               `json:"leads"`
	Sales          int64               `json:"sales"`
	SaleAmount     int64               `json:"sale_amount"`
	Countries      []StatBucket        `json:"countries"`
	Devices        []StatBucket        `json:"devices"`
	Browsers       []StatBucket        `json:"browsers"`
	OS             []StatBucket        `json:"os"`
	Referrers      []StatBucket        `json:"referrers"`
	Daily          []DailyClicks       `json:"daily"`
	RecentClicks   []models.ClickEvent `json:"recent_clicks"`
}

// Stats reads analytics from the click log, counting each click_id once.
func (s *LinkService) Stats(ctx context.Context, workspaceID, id uint, days int) (*LinkStats, error) {
	link, err := s.store.FindForWorkspace(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if days <= 0 || days > 365 {
		days = 30
	}

	db := s.db.WithContext(ctx)
	counted := func() *gorm.DB {
		return db.Model(&models.ClickEvent{}).Where("link_id = ? AND duplicate = ?", link.ID, false)
	}

	stats := &LinkStats{Link: link, Leads: link.Leads, Sales: link.Sales, SaleAmount: link.SaleAmount}
	if err := counted().Distinct("click_id").Count(&stats.Clicks).Error; err != nil {
		return nil, err
	}
	if err := counted().Distinct("identity_hash").Count(&stats.UniqueVisitors).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.ClickEvent{}).Where("link_id = ? AND duplicate = ?", link.ID, true).
		Count(&stats.Duplicates).Error; err != nil {
		return nil, err
	}

	for _, dim := range []struct {
		column string
		dst    *[]StatBucket
	}{
		{"country", &stats.Countries},
		{"device", &stats.Devices},
		{"browser", &stats.Browsers},
		{"os", &stats.OS},
		{"referrer", &stats.Referrers},
	} {
		if err := counted().
			Select(dim.column + " AS value, COUNT(DISTINCT click_id) AS count").
			Group(dim.column).Order("count desc").Limit(10).
			Scan(dim.dst).Error; err != nil {
			return nil, err
		}
	}

	since := s.now().UTC().AddDate(0, 0, -days)
	var stamps []time.Time
	if err := counted().Where("timestamp >= ?", since).Pluck("timestamp", &stamps).Error; err != nil {
		return nil, err
	}
	stats.Daily = bucketByDay(stamps)

	if err := db.Where("link_id = ?", link.ID).Order("timestamp desc").Limit(50).
		Find(&stats.RecentClicks).Error; err != nil {
		return nil, err
	}
	return stats, nil
}

func bucketByDay(stamps []time.Time) []DailyClicks {
	byDay := make(map[string]int64)
	for _, ts := range stamps {
		byDay[ts.UTC().Format("2006-01-02")]++
	}
	out := make([]DailyClicks, 0, len(byDay))
	for d, n := range byDay {
		out = append(out, DailyClicks{Date: d, Clicks: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func (s *LinkService) checkAttribution(ctx context.Context, workspaceID uint, programID, partnerID *uint) error {
	if programID == nil {
		if partnerID != nil {
			return apperrors.Validation("partner_id requires program_id")
		}
		return nil
	}
	var program models.Program
	err := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).First(&program, *programID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.Validation("program %d does not belong to this workspace", *programID)
	}
	if err != nil {
		return err
	}
	if partnerID == nil {
		return nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.ProgramEnrollment{}).
		Where("program_id = ? AND partner_id = ?", *programID, *partnerID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return apperrors.Validation("partner %d is not enrolled in program %d", *partnerID, *programID)
	}
	return nil
}

func validateDestination(raw string) error {
	if raw == "" {
		return apperrors.Validation("url is required")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" {
		return apperrors.Validation("invalid url %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apperrors.Validation("url scheme must be http or https")
	}
	return nil
}

func normalizeGeo(geo map[string]string) (map[string]string, error) {
	if len(geo) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(geo))
	for cc, dest := range geo {
		cc = strings.ToUpper(strings.TrimSpace(cc))
		if len(cc) != 2 {
			return nil, apperrors.Validation("geo key %q is not an ISO country code", cc)
		}
		if err := validateDestination(dest); err != nil {
			return nil, err
		}
		out[cc] = dest
	}
	return out, nil
}
