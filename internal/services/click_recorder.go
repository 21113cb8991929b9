package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"partnerlink/internal/metrics"
	"partnerlink/internal/models"
	"partnerlink/internal/queue"
	"partnerlink/pkg/utils"

	"github.com/mssola/user_agent"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ClickTask is a resolved redirect waiting to be appended to the click log.
type ClickTask struct {
	ClickID     string    `json:"click_id"`
	LinkID      uint      `json:"link_id"`
	WorkspaceID uint      `json:"workspace_id"`
	ProgramID   *uint     `json:"program_id,omitempty"`
	PartnerID   *uint     `json:"partner_id,omitempty"`
	Domain      string    `json:"domain"`
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	Timestamp   time.Time `json:"timestamp"`
	IP          string    `json:"ip"`
	UserAgent   string    `json:"user_agent"`
	Referrer    string    `json:"referrer"`
}

type ClickRecorderOptions struct {
	QueueSize    int
	Workers      int
	MaxAttempts  int
	RetryBase    time.Duration
	DedupeWindow time.Duration
	IdentitySalt string
}

type ClickStats struct {
	Enqueued int64 `json:"enqueued"`
	Recorded int64 `json:"recorded"`
	Deduped  int64 `json:"deduped"`
	Dropped  int64 `json:"dropped"`
	Failed   int64 `json:"failed"`
}

// ClickRecorder appends click events off the redirect path. Delivery is
// at-least-once; the unique click_id makes retries harmless.
type ClickRecorder struct {
	db        *gorm.DB
	rdb       *redis.Client
	geo       *GeoIPService
	attention *AttentionService
	opts      ClickRecorderOptions
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tasks     chan ClickTask
	publisher queue.Publisher
	topic     string
	sleep     func(ctx context.Context, d time.Duration) error

	enqueued, recorded, deduped, dropped, failed atomic.Int64
}

func NewClickRecorder(db *gorm.DB, rdb *redis.Client, geo *GeoIPService, attention *AttentionService, opts ClickRecorderOptions, logger *slog.Logger, m *metrics.Metrics) *ClickRecorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 200 * time.Millisecond
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = time.Hour
	}
	return &ClickRecorder{
		db:        db,
		rdb:       rdb,
		geo:       geo,
		attention: attention,
		opts:      opts,
		logger:    logger,
		metrics:   m,
		tasks:     make(chan ClickTask, opts.QueueSize),
		sleep:     sleepContext,
	}
}

// PublishPartnerClicks sends every counted click on a partner link to topic
// so click rewards can be evaluated.
func (r *ClickRecorder) PublishPartnerClicks(publisher queue.Publisher, topic string) {
	r.publisher = publisher
	r.topic = topic
}

// Record generates the click id synchronously and hands the rest to the workers.
func (r *ClickRecorder) Record(link *models.Link, destination string, rc RequestContext) string {
	task := ClickTask{
		ClickID:     utils.GenerateClickID(),
		LinkID:      link.ID,
		WorkspaceID: link.WorkspaceID,
		ProgramID:   link.ProgramID,
		PartnerID:   link.PartnerID,
		Domain:      link.Domain,
		Key:         link.Key,
		URL:         destination,
		Timestamp:   time.Now().UTC(),
		IP:          rc.IP,
		UserAgent:   rc.UserAgent,
		Referrer:    rc.Referrer,
	}
	r.Enqueue(task)
	return task.ClickID
}

// Enqueue never blocks. A full queue drops the task.
func (r *ClickRecorder) Enqueue(task ClickTask) bool {
	select {
	case r.tasks <- task:
		r.enqueued.Add(1)
		r.observeDepth()
		return true
	default:
		r.dropped.Add(1)
		r.count("dropped")
		r.logger.Warn("Click queue full, dropping click event", "click_id", task.ClickID, "link_id", task.LinkID)
		return false
	}
}

func (r *ClickRecorder) Stats() ClickStats {
	return ClickStats{
		Enqueued: r.enqueued.Load(),
		Recorded: r.recorded.Load(),
		Deduped:  r.deduped.Load(),
		Dropped:  r.dropped.Load(),
		Failed:   r.failed.Load(),
	}
}

// Start runs the worker pool until ctx is canceled, then drains queued tasks once each.
func (r *ClickRecorder) Start(ctx context.Context) {
	r.logger.Info("Click recorder starting", "workers", r.opts.Workers)
	var wg sync.WaitGroup
	for i := 0; i < r.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work(ctx)
		}()
	}
	wg.Wait()

	drainCtx := context.WithoutCancel(ctx)
	for {
		select {
		case task := <-r.tasks:
			r.process(drainCtx, task, false)
		default:
			r.logger.Info("Click recorder stopped", "stats", r.Stats())
			return
		}
	}
}

func (r *ClickRecorder) work(ctx context.Context) {
	for {
		select {
		case task := <-r.tasks:
			r.observeDepth()
			r.process(ctx, task, true)
		case <-ctx.Done():
			return
		}
	}
}

func (r *ClickRecorder) process(ctx context.Context, task ClickTask, retry bool) {
	var err error
	attempt := 0
	for attempt < r.opts.MaxAttempts {
		attempt++
		if err = r.persist(ctx, task); err == nil {
			return
		}
		if !retry || attempt == r.opts.MaxAttempts {
			break
		}
		r.count("retried")
		r.logger.Warn("Click append failed, retrying", "click_id", task.ClickID, "attempt", attempt, "error", err)
		if r.sleep(ctx, backoff(r.opts.RetryBase, attempt)) != nil {
			break
		}
	}

	r.failed.Add(1)
	r.count("failed")
	r.logger.Error("Click append gave up", "click_id", task.ClickID, "attempts", attempt, "error", err)
	if r.attention != nil {
		r.attention.Flag(context.WithoutCancel(ctx), AttentionClick, task.ClickID, task, attempt, err)
	}
}

func (r *ClickRecorder) persist(ctx context.Context, task ClickTask) error {
	click := r.buildEvent(task)

	duplicate, err := r.seen(ctx, click.LinkID, click.IdentityHash, click.ClickID)
	if err != nil {
		r.logger.Warn("Click dedupe unavailable, counting click", "click_id", click.ClickID, "error", err)
	}
	click.Duplicate = duplicate

	var inserted bool
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "click_id"}},
			DoNothing: true,
		}).Create(&click)
		if res.Error != nil {
			return fmt.Errorf("insert click: %w", res.Error)
		}
		inserted = res.RowsAffected == 1
		if !inserted || click.Duplicate {
			return nil
		}
		if err := tx.Model(&models.Link{}).Where("id = ?", click.LinkID).Updates(map[string]any{
			"clicks":       gorm.Expr("clicks + 1"),
			"last_clicked": click.Timestamp,
		}).Error; err != nil {
			return fmt.Errorf("bump link clicks: %w", err)
		}
		return tx.Model(&models.Workspace{}).Where("id = ?", click.WorkspaceID).
			Update("usage_clicks", gorm.Expr("usage_clicks + 1")).Error
	})
	if err != nil {
		return err
	}

	if !click.Duplicate {
		if err := r.publishClick(ctx, task); err != nil {
			return err
		}
	}

	switch {
	case !inserted:
		r.logger.Debug("Click already recorded", "click_id", click.ClickID)
	case click.Duplicate:
		r.deduped.Add(1)
		r.count("deduped")
	default:
		r.recorded.Add(1)
		r.count("recorded")
	}
	return nil
}

func (r *ClickRecorder) publishClick(ctx context.Context, task ClickTask) error {
	if r.publisher == nil || task.ProgramID == nil || task.PartnerID == nil {
		return nil
	}
	payload, err := json.Marshal(AttributedEvent{
		EventID:     "click:" + task.ClickID,
		Type:        models.EventClick,
		WorkspaceID: task.WorkspaceID,
		ClickID:     task.ClickID,
		LinkID:      task.LinkID,
		ProgramID:   task.ProgramID,
		PartnerID:   task.PartnerID,
		Quantity:    1,
		OccurredAt:  task.Timestamp,
	})
	if err != nil {
		return err
	}
	if err := r.publisher.Publish(ctx, r.topic, "click:"+task.ClickID, payload); err != nil {
		return fmt.Errorf("publish click: %w", err)
	}
	return nil
}

// seen claims the dedupe window for (link, identity). The claim stores the
// click id so a retried task recognises its own claim.
func (r *ClickRecorder) seen(ctx context.Context, linkID uint, identity, clickID string) (bool, error) {
	if r.rdb == nil || identity == "" {
		return false, nil
	}
	key := fmt.Sprintf("click_dedupe:%d:%s", linkID, identity)
	ok, err := r.rdb.SetNX(ctx, key, clickID, r.opts.DedupeWindow).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	owner, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return owner != clickID, nil
}

func (r *ClickRecorder) buildEvent(task ClickTask) models.ClickEvent {
	click := models.ClickEvent{
		ClickID:      task.ClickID,
		LinkID:       task.LinkID,
		WorkspaceID:  task.WorkspaceID,
		Domain:       task.Domain,
		Key:          task.Key,
		URL:          task.URL,
		Timestamp:    task.Timestamp,
		IdentityHash: utils.HashIdentity(r.opts.IdentitySalt, task.IP, task.UserAgent),
		IPAddress:    task.IP,
		Referrer:     truncate(task.Referrer, 255),
	}
	if click.Timestamp.IsZero() {
		click.Timestamp = time.Now().UTC()
	}
	r.enrichClickData(&click, task.UserAgent)
	return click
}

func (r *ClickRecorder) enrichClickData(click *models.ClickEvent, ua string) {
	parsed := user_agent.New(ua)
	browserName, browserVer := parsed.Browser()
	click.Browser = truncate(browserName+" "+browserVer, 50)
	click.OS = truncate(parsed.OS(), 100)
	click.Bot = parsed.Bot()

	switch {
	case parsed.Bot():
		click.Device = "Bot"
	case parsed.Mobile():
		click.Device = "Mobile"
	default:
		click.Device = "Desktop"
	}

	loc := r.geo.Lookup(click.IPAddress)
	click.Country = loc.CountryCode
	click.Region = loc.Region
	click.City = loc.City

	click.IPAddress = maskIP(click.IPAddress)
}

func (r *ClickRecorder) count(result string) {
	if r.metrics != nil {
		r.metrics.Clicks.WithLabelValues(result).Inc()
	}
}

func (r *ClickRecorder) observeDepth() {
	if r.metrics != nil {
		r.metrics.ClickQueueDepth.Set(float64(len(r.tasks)))
	}
}

func maskIP(ip string) string {
	for i := len(ip) - 1; i >= 0; i-- {
		if ip[i] == '.' {
			return ip[:i] + ".0"
		}
		if ip[i] == ':' {
			return "IPv6 (Masked)"
		}
	}
	return ip
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// backoff doubles base per attempt, capped at one minute.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > time.Minute {
			return time.Minute
		}
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
