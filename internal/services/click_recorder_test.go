package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"partnerlink/internal/metrics"
	"partnerlink/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clickTask(f *fixture, clickID, ip string) ClickTask {
	return ClickTask{
		ClickID:     clickID,
		LinkID:      f.link.ID,
		WorkspaceID: f.workspace.ID,
		ProgramID:   f.link.ProgramID,
		PartnerID:   f.link.PartnerID,
		Domain:      f.link.Domain,
		Key:         f.link.Key,
		URL:         f.link.URL,
		Timestamp:   time.Now().UTC(),
		IP:          ip,
		UserAgent:   desktopUA,
		Referrer:    "https://twitter.com",
	}
}

func TestClickRecorder_Persist(t *testing.T) {
	db := setupTestDB(t)
	rdb, mr := setupTestRedis(t)
	f := seedFixture(t, db)
	m := metrics.New(prometheus.NewRegistry())
	pub := &stubPublisher{}
	rec := NewClickRecorder(db, rdb, nil, nil, ClickRecorderOptions{IdentitySalt: "salt"}, testLogger(), m)
	rec.PublishPartnerClicks(pub, "attributed")
	ctx := context.Background()

	t.Run("First click counted", func(t *testing.T) {
		require.NoError(t, rec.persist(ctx, clickTask(f, "c1", "203.0.113.7")))

		var click models.ClickEvent
		require.NoError(t, db.Where("click_id = ?", "c1").First(&click).Error)
		assert.False(t, click.Duplicate)
		assert.Equal(t, "203.0.113.0", click.IPAddress)
		assert.Equal(t, "Desktop", click.Device)
		assert.NotEmpty(t, click.IdentityHash)

		var link models.Link
		require.NoError(t, db.First(&link, f.link.ID).Error)
		assert.Equal(t, int64(1), link.Clicks)
		assert.NotNil(t, link.LastClicked)

		var ws models.Workspace
		require.NoError(t, db.First(&ws, f.workspace.ID).Error)
		assert.Equal(t, int64(1), ws.UsageClicks)

		assert.Equal(t, []string{"click:c1"}, pub.keys("attributed"))
		var evt AttributedEvent
		require.NoError(t, json.Unmarshal(pub.sent[0].payload, &evt))
		assert.Equal(t, models.EventClick, evt.Type)
		assert.Equal(t, "c1", evt.ClickID)
	})

	t.Run("Retry of same click is idempotent", func(t *testing.T) {
		require.NoError(t, rec.persist(ctx, clickTask(f, "c1", "203.0.113.7")))

		var n int64
		db.Model(&models.ClickEvent{}).Where("click_id = ?", "c1").Count(&n)
		assert.Equal(t, int64(1), n)
		var link models.Link
		db.First(&link, f.link.ID)
		assert.Equal(t, int64(1), link.Clicks)
	})

	t.Run("Same visitor inside window is a duplicate", func(t *testing.T) {
		require.NoError(t, rec.persist(ctx, clickTask(f, "c2", "203.0.113.7")))

		var click models.ClickEvent
		require.NoError(t, db.Where("click_id = ?", "c2").First(&click).Error)
		assert.True(t, click.Duplicate)
		var link models.Link
		db.First(&link, f.link.ID)
		assert.Equal(t, int64(1), link.Clicks)
		assert.NotContains(t, pub.keys("attributed"), "click:c2")
		assert.Equal(t, 1.0, testutil.ToFloat64(m.Clicks.WithLabelValues("deduped")))
	})

	t.Run("Window expiry counts again", func(t *testing.T) {
		mr.FastForward(2 * time.Hour)
		require.NoError(t, rec.persist(ctx, clickTask(f, "c3", "203.0.113.7")))
		var link models.Link
		db.First(&link, f.link.ID)
		assert.Equal(t, int64(2), link.Clicks)
	})

	t.Run("Redis outage counts the click", func(t *testing.T) {
		mr.Close()
		require.NoError(t, rec.persist(ctx, clickTask(f, "c4", "198.51.100.1")))
		var link models.Link
		db.First(&link, f.link.ID)
		assert.Equal(t, int64(3), link.Clicks)
	})

	t.Run("Long multi-byte referrer stays valid UTF-8", func(t *testing.T) {
		task := clickTask(f, "c5", "198.51.100.2")
		task.Referrer = "https://example.com/" + strings.Repeat("a", 234) + "éllo"
		require.NoError(t, rec.persist(ctx, task))

		var click models.ClickEvent
		require.NoError(t, db.Where("click_id = ?", "c5").First(&click).Error)
		assert.True(t, utf8.ValidString(click.Referrer))
		assert.Equal(t, 254, len(click.Referrer))
		assert.True(t, strings.HasSuffix(click.Referrer, "a"))
	})
}

func TestClickRecorder_Queue(t *testing.T) {
	t.Run("Full queue drops without blocking", func(t *testing.T) {
		db := setupTestDB(t)
		rec := NewClickRecorder(db, nil, nil, nil, ClickRecorderOptions{QueueSize: 1}, testLogger(), nil)

		assert.True(t, rec.Enqueue(ClickTask{ClickID: "a"}))
		assert.False(t, rec.Enqueue(ClickTask{ClickID: "b"}))
		stats := rec.Stats()
		assert.Equal(t, int64(1), stats.Enqueued)
		assert.Equal(t, int64(1), stats.Dropped)
	})

	t.Run("Record returns id and workers append", func(t *testing.T) {
		db := setupTestDB(t)
		f := seedFixture(t, db)
		rec := NewClickRecorder(db, nil, nil, nil, ClickRecorderOptions{Workers: 2}, testLogger(), nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			rec.Start(ctx)
			close(done)
		}()

		id := rec.Record(&f.link, f.link.URL, RequestContext{IP: "192.0.2.10", UserAgent: desktopUA})
		assert.Len(t, id, 32)
		assert.Eventually(t, func() bool {
			var n int64
			db.Model(&models.ClickEvent{}).Where("click_id = ?", id).Count(&n)
			return n == 1
		}, 2*time.Second, 10*time.Millisecond)

		cancel()
		<-done
		assert.Equal(t, int64(1), rec.Stats().Recorded)
	})

	t.Run("Drain on stop", func(t *testing.T) {
		db := setupTestDB(t)
		f := seedFixture(t, db)
		rec := NewClickRecorder(db, nil, nil, nil, ClickRecorderOptions{}, testLogger(), nil)
		rec.Enqueue(clickTask(f, "queued-1", "192.0.2.1"))
		rec.Enqueue(clickTask(f, "queued-2", "192.0.2.2"))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		rec.Start(ctx)

		var n int64
		db.Model(&models.ClickEvent{}).Count(&n)
		assert.Equal(t, int64(2), n)
	})
}

func TestClickRecorder_GivesUp(t *testing.T) {
	db := setupTestDB(t)
	f := seedFixture(t, db)
	attention := NewAttentionService(db, testLogger(), nil)
	pub := &stubPublisher{err: errors.New("broker down")}
	rec := NewClickRecorder(db, nil, nil, attention, ClickRecorderOptions{MaxAttempts: 3}, testLogger(), nil)
	rec.PublishPartnerClicks(pub, "attributed")
	var slept []time.Duration
	rec.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	rec.process(context.Background(), clickTask(f, "cx", "192.0.2.1"), true)

	assert.Len(t, slept, 2)
	assert.Equal(t, int64(1), rec.Stats().Failed)
	var items []models.AttentionItem
	require.NoError(t, db.Find(&items).Error)
	require.Len(t, items, 1)
	assert.Equal(t, AttentionClick, items[0].Source)
	assert.Equal(t, "cx", items[0].Reference)
	assert.Equal(t, 3, items[0].Attempts)

	var link models.Link
	db.First(&link, f.link.ID)
	assert.Equal(t, int64(1), link.Clicks, "the click row is kept; only publishing failed")
}

func TestMaskIP(t *testing.T) {
	assert.Equal(t, "192.168.1.0", maskIP("192.168.1.42"))
	assert.Equal(t, "IPv6 (Masked)", maskIP("2001:db8::1"))
	assert.Equal(t, "", maskIP(""))
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"Short input untouched", "abc", 5, "abc"},
		{"ASCII cut", "abcdef", 3, "abc"},
		{"Cut inside two-byte rune", "héllo", 2, "h"},
		{"Cut after two-byte rune", "héllo", 3, "hé"},
		{"Cut inside four-byte rune", "go🚀", 5, "go"},
		{"Leading rune wider than limit", "🚀", 3, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), tt.n)
		})
	}
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, backoff(100*time.Millisecond, 1))
	assert.Equal(t, 400*time.Millisecond, backoff(100*time.Millisecond, 3))
	assert.Equal(t, time.Minute, backoff(time.Second, 20))
}
