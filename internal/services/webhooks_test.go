package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"partnerlink/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookEmitter_Emit(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	pub := &stubPublisher{}
	w := NewWebhookEmitter(db, pub, "webhooks", testLogger())

	t.Run("Emitted once per key", func(t *testing.T) {
		sent, err := w.Emit(ctx, WebhookLeadCreated, "e1", map[string]string{"event_id": "e1"})
		require.NoError(t, err)
		assert.True(t, sent)

		sent, err = w.Emit(ctx, WebhookLeadCreated, "e1", map[string]string{"event_id": "e1"})
		require.NoError(t, err)
		assert.False(t, sent)
		assert.Equal(t, []string{"lead.created:e1"}, pub.keys("webhooks"))

		var env WebhookEnvelope
		require.NoError(t, json.Unmarshal(pub.sent[0].payload, &env))
		assert.Equal(t, WebhookLeadCreated, env.Kind)
		assert.Contains(t, env.ID, "evt_")
		assert.JSONEq(t, `{"event_id":"e1"}`, string(env.Data))
	})

	t.Run("Same key different kind", func(t *testing.T) {
		sent, err := w.Emit(ctx, WebhookCommissionCreated, "e1", struct{}{})
		require.NoError(t, err)
		assert.True(t, sent)
	})

	t.Run("Publish failure releases the key", func(t *testing.T) {
		pub.err = errors.New("broker down")
		_, err := w.Emit(ctx, WebhookSaleCreated, "e2", struct{}{})
		assert.Error(t, err)

		var n int64
		db.Model(&models.OutboundEvent{}).Where("event_key = ?", "sale.created:e2").Count(&n)
		assert.Zero(t, n)

		pub.err = nil
		sent, err := w.Emit(ctx, WebhookSaleCreated, "e2", struct{}{})
		require.NoError(t, err)
		assert.True(t, sent)
	})
}
