package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
	"time"

	"partnerlink/internal/apperrors"
	"partnerlink/internal/metrics"
	"partnerlink/internal/models"
	"partnerlink/internal/repository"
	"partnerlink/pkg/utils"

	"github.com/mssola/user_agent"
)

type Outcome string

const (
	OutcomeRedirect         Outcome = "redirect"
	OutcomeNotFound         Outcome = "not_found"
	OutcomeExpired          Outcome = "expired"
	OutcomePasswordRequired Outcome = "password_required"
)

const (
	RuleIOS     = "ios"
	RuleAndroid = "android"
	RuleGeo     = "geo"
	RuleVariant = "variant"
	RuleDefault = "default"
)

// StickyCookiePrefix names the per-link cookie pinning an A/B variant.
const StickyCookiePrefix = "pl_variant_"

func StickyCookieName(linkID uint) string {
	return StickyCookiePrefix + strconv.FormatUint(uint64(linkID), 10)
}

// RequestContext is what the resolver needs to know about the inbound request.
type RequestContext struct {
	IP        string
	UserAgent string
	Referrer  string
	Query     url.Values
	// Cookie returns the named cookie value or "".
	Cookie func(name string) string
	// Unlocked reports whether the session already passed the link's password.
	Unlocked func(linkID uint) bool
}

func (rc RequestContext) cookie(name string) string {
	if rc.Cookie == nil {
		return ""
	}
	return rc.Cookie(name)
}

type StickyCookie struct {
	Name    string
	Value   string
	Expires time.Time
}

type Resolution struct {
	Outcome     Outcome
	Link        *models.Link
	Destination string
	Rule        string
	ClickID     string
	Sticky      *StickyCookie
}

type linkFinder interface {
	FindByDomainKey(ctx context.Context, domain, key string) (*models.Link, error)
}

type linkCacher interface {
	Get(ctx context.Context, domain, key string) (*models.Link, error)
	Set(ctx context.Context, link *models.Link) error
}

type countryLocator interface {
	CountryCode(ip string) string
}

// ClickSink receives resolved redirects. Record must not block and returns the click id.
type ClickSink interface {
	Record(link *models.Link, destination string, rc RequestContext) string
}

type ResolverOptions struct {
	StoreTimeout       time.Duration
	ExpiredRedirectURL string
}

type Resolver struct {
	store    linkFinder
	cache    linkCacher
	geo      countryLocator
	clicks   ClickSink
	opts     ResolverOptions
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	randIntN func(n int) int
}

func NewResolver(store linkFinder, cache linkCacher, geo countryLocator, clicks ClickSink, opts ResolverOptions, logger *slog.Logger, m *metrics.Metrics) *Resolver {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	return &Resolver{
		store:    store,
		cache:    cache,
		geo:      geo,
		clicks:   clicks,
		opts:     opts,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		randIntN: rand.IntN,
	}
}

func (r *Resolver) Resolve(ctx context.Context, domain, key string, rc RequestContext) Resolution {
	start := time.Now()
	res := r.resolve(ctx, domain, key, rc)
	if r.metrics != nil {
		r.metrics.ResolveDuration.Observe(time.Since(start).Seconds())
		r.metrics.Redirects.WithLabelValues(string(res.Outcome), res.Rule).Inc()
	}
	return res
}

func (r *Resolver) resolve(ctx context.Context, domain, key string, rc RequestContext) Resolution {
	link, err := r.lookup(ctx, domain, key)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			r.logger.Error("Link lookup failed, treating as not found", "domain", domain, "key", key, "error", err)
		}
		return Resolution{Outcome: OutcomeNotFound}
	}

	now := r.now()
	if link.Expired(now) {
		dest := link.ExpiredURL
		if dest == "" {
			dest = r.opts.ExpiredRedirectURL
		}
		return Resolution{Outcome: OutcomeExpired, Link: link, Destination: dest}
	}

	if link.PasswordHash != "" && (rc.Unlocked == nil || !rc.Unlocked(link.ID)) {
		return Resolution{Outcome: OutcomePasswordRequired, Link: link}
	}

	res := Resolution{Outcome: OutcomeRedirect, Link: link}
	res.Destination, res.Rule, res.Sticky = r.selectDestination(link, rc, now)

	if r.clicks != nil {
		res.ClickID = r.clicks.Record(link, res.Destination, rc)
	} else {
		res.ClickID = utils.GenerateClickID()
	}

	clickParam := ""
	if link.TrackConversion {
		clickParam = res.ClickID
	}
	res.Destination = mergeQuery(res.Destination, rc.Query, clickParam)
	return res
}

// lookup reads through the edge cache. Cache errors fall back to the store;
// store reads are bounded so a slow store degrades to not-found.
func (r *Resolver) lookup(ctx context.Context, domain, key string) (*models.Link, error) {
	if r.cache != nil {
		link, err := r.cache.Get(ctx, domain, key)
		switch {
		case err == nil:
			r.countCache("hit")
			return link, nil
		case errors.Is(err, repository.ErrCacheMiss):
			r.countCache("miss")
		default:
			r.countCache("error")
			r.logger.Warn("Link cache read failed", "domain", domain, "key", key, "error", err)
		}
	}

	sctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	link, err := r.store.FindByDomainKey(sctx, domain, key)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, link); err != nil {
			r.logger.Warn("Link cache populate failed", "domain", domain, "key", key, "error", err)
		}
	}
	return link, nil
}

func (r *Resolver) countCache(result string) {
	if r.metrics != nil {
		r.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}

// selectDestination applies the targeting rules, first match wins:
// device override, geo override, A/B variant, default.
func (r *Resolver) selectDestination(link *models.Link, rc RequestContext, now time.Time) (string, string, *StickyCookie) {
	switch detectPlatform(rc.UserAgent) {
	case RuleIOS:
		if link.IOSURL != "" {
			return link.IOSURL, RuleIOS, nil
		}
	case RuleAndroid:
		if link.AndroidURL != "" {
			return link.AndroidURL, RuleAndroid, nil
		}
	}

	if len(link.Geo) > 0 && r.geo != nil {
		if cc := strings.ToUpper(r.geo.CountryCode(rc.IP)); cc != "" {
			if dest, ok := link.Geo[cc]; ok && dest != "" {
				return dest, RuleGeo, nil
			}
		}
	}

	if link.TestActive(now) {
		name := StickyCookieName(link.ID)
		if pinned := rc.cookie(name); pinned != "" && hasVariant(link.TestVariants, pinned) {
			return pinned, RuleVariant, nil
		}
		v, err := PickVariant(link.TestVariants, r.randIntN)
		if err != nil {
			r.logger.Warn("Skipping A/B rule", "link_id", link.ID, "error", err)
		} else {
			return v.URL, RuleVariant, &StickyCookie{Name: name, Value: v.URL, Expires: *link.TestCompletedAt}
		}
	}

	return link.URL, RuleDefault, nil
}

// PickVariant draws a weighted variant: a uniform value in [0, total) selects the
// first cumulative bucket exceeding it. Weights need not sum to 100.
func PickVariant(variants []models.TestVariant, intN func(n int) int) (models.TestVariant, error) {
	if len(variants) < 2 {
		return models.TestVariant{}, fmt.Errorf("%w: %d variant(s), need at least 2", apperrors.ErrInvalidConfig, len(variants))
	}
	total := 0
	for _, v := range variants {
		if v.Percentage < 0 {
			return models.TestVariant{}, fmt.Errorf("%w: negative variant weight", apperrors.ErrInvalidConfig)
		}
		total += v.Percentage
	}
	if total == 0 {
		return models.TestVariant{}, fmt.Errorf("%w: variant weights total zero", apperrors.ErrInvalidConfig)
	}

	n := intN(total)
	cumulative := 0
	for _, v := range variants {
		cumulative += v.Percentage
		if n < cumulative {
			return v, nil
		}
	}
	return variants[len(variants)-1], nil
}

func hasVariant(variants []models.TestVariant, dest string) bool {
	for _, v := range variants {
		if v.URL == dest && v.Percentage > 0 {
			return true
		}
	}
	return false
}

// detectPlatform returns RuleIOS, RuleAndroid or "".
func detectPlatform(ua string) string {
	if ua == "" {
		return ""
	}
	parsed := user_agent.New(ua)
	switch parsed.Platform() {
	case "iPhone", "iPad", "iPod":
		return RuleIOS
	}
	os := parsed.OS()
	switch {
	case strings.HasPrefix(os, "Android"):
		return RuleAndroid
	case strings.Contains(os, "iPhone OS"), strings.HasPrefix(os, "CPU OS"):
		return RuleIOS
	}
	return ""
}

// mergeQuery copies inbound parameters the destination does not already set
// and appends click_id when clickID is non-empty.
func mergeQuery(dest string, inbound url.Values, clickID string) string {
	if len(inbound) == 0 && clickID == "" {
		return dest
	}
	u, err := url.Parse(dest)
	if err != nil {
		return dest
	}
	q := u.Query()
	changed := false
	for k, vs := range inbound {
		if _, exists := q[k]; exists {
			continue
		}
		q[k] = vs
		changed = true
	}
	if clickID != "" {
		q.Set("click_id", clickID)
		changed = true
	}
	if !changed {
		return dest
	}
	u.RawQuery = q.Encode()
	return u.String()
}
