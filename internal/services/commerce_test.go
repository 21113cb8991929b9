package services

import (
	"context"
	"encoding/base64"
	"net/http"
	"testing"

	"partnerlink/internal/apperrors"
	"partnerlink/internal/models"
	"partnerlink/internal/repository"
	"partnerlink/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommerceEvent(t *testing.T) {
	const secret = "whsec_test"

	t.Run("Stripe checkout with click", func(t *testing.T) {
		payload := []byte(`{"id":"evt_9","object":"event","type":"checkout.session.completed","data":{"object":{
			"id":"cs_1","object":"checkout.session","client_reference_id":"pl_c1","amount_total":4900,"currency":"usd",
			"customer":"cus_1","customer_details":{"email":"jane@example.com","name":"Jane"}}}}`)
		ev, err := ParseCommerceEvent(SourceStripe, payload, stripeSigned(t, secret, payload), secret)
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.Equal(t, SourceStripe, ev.Source())

		inputs, err := ev.Conversions()
		require.NoError(t, err)
		require.Len(t, inputs, 2)
		assert.Equal(t, models.EventLead, inputs[0].Type)
		assert.Equal(t, "stripe:evt_9:lead", inputs[0].EventID)
		assert.Equal(t, models.EventSale, inputs[1].Type)
		assert.Equal(t, "stripe:evt_9", inputs[1].EventID)
		assert.Equal(t, "c1", inputs[1].ClickID)
		assert.Equal(t, "cus_1", inputs[1].ExternalID)
		assert.Equal(t, int64(4900), inputs[1].Amount)
		assert.Equal(t, "cs_1", inputs[1].InvoiceID)
	})

	t.Run("Stripe other event ignored", func(t *testing.T) {
		payload := []byte(`{"id":"evt_1","object":"event","type":"customer.created","data":{"object":{}}}`)
		ev, err := ParseCommerceEvent(SourceStripe, payload, stripeSigned(t, secret, payload), secret)
		require.NoError(t, err)
		assert.Nil(t, ev)
	})

	t.Run("Shopify paid order", func(t *testing.T) {
		payload := []byte(`{"id":1001,"email":"jo@example.com","total_price":"12.50","currency":"USD",
			"customer":{"id":55,"first_name":"Jo","last_name":"Doe"},"note_attributes":[{"name":"click_id","value":"c7"}]}`)
		h := http.Header{}
		h.Set("X-Shopify-Hmac-Sha256", base64.StdEncoding.EncodeToString(utils.SignHMAC(secret, payload)))
		h.Set("X-Shopify-Topic", "orders/paid")
		h.Set("X-Shopify-Webhook-Id", "wh-1")

		ev, err := ParseCommerceEvent(SourceShopify, payload, h, secret)
		require.NoError(t, err)
		inputs, err := ev.Conversions()
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		assert.Equal(t, "shopify:wh-1", inputs[0].EventID)
		assert.Equal(t, int64(1250), inputs[0].Amount)
		assert.Equal(t, "55", inputs[0].ExternalID)
		assert.Equal(t, "Jo Doe", inputs[0].CustomerName)
		assert.Equal(t, "c7", inputs[0].ClickID)
		assert.Equal(t, "1001", inputs[0].InvoiceID)

		h.Set("X-Shopify-Topic", "orders/create")
		ev, err = ParseCommerceEvent(SourceShopify, payload, h, secret)
		require.NoError(t, err)
		assert.Nil(t, ev)
	})

	t.Run("Generic signed event", func(t *testing.T) {
		payload := []byte(`{"event_id":"g1","type":"sale","external_id":"cu1","amount":"19.99","currency":"usd"}`)
		h := http.Header{}
		h.Set(SignatureHeader, utils.SignHMACHex(secret, payload))
		ev, err := ParseCommerceEvent(SourceGeneric, payload, h, secret)
		require.NoError(t, err)
		inputs, err := ev.Conversions()
		require.NoError(t, err)
		assert.Equal(t, int64(1999), inputs[0].Amount)
	})

	t.Run("Rejections", func(t *testing.T) {
		payload := []byte(`{}`)
		_, err := ParseCommerceEvent(SourceGeneric, payload, http.Header{}, secret)
		assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)
		_, err = ParseCommerceEvent(SourceShopify, payload, http.Header{}, secret)
		assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)
		_, err = ParseCommerceEvent(SourceStripe, payload, http.Header{}, secret)
		assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)
		_, err = ParseCommerceEvent(SourceGeneric, payload, http.Header{}, "")
		assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)
		_, err = ParseCommerceEvent("paypal", payload, http.Header{}, secret)
		assert.ErrorIs(t, err, apperrors.ErrValidation)
	})
}

func TestMinorUnits(t *testing.T) {
	ev := genericEvent{}
	require.NoError(t, ev.Amount.UnmarshalJSON([]byte(`"0.125"`)))
	assert.Equal(t, int64(13), minorUnits(ev.Amount))
}

func TestCommerceBridge_Handle(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	f := seedFixture(t, db)
	seedClick(t, db, f.link, "c1", "")
	pub := &stubPublisher{}
	bridge := NewCommerceBridge(db, NewIngestor(db, repository.NewLinkStore(db), nil, pub, "attributed", "salt", testLogger(), nil), testLogger())

	payload := []byte(`{"id":"evt_9","object":"event","type":"checkout.session.completed","data":{"object":{
		"id":"cs_1","object":"checkout.session","metadata":{"click_id":"c1"},"amount_total":4900,"currency":"usd",
		"customer_details":{"email":"jane@example.com","name":"Jane"}}}}`)
	h := stripeSigned(t, f.workspace.WebhookSecret, payload)

	results, err := bridge.Handle(ctx, "acme", SourceStripe, payload, h)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "jane@example.com", results[1].Customer.ExternalID)
	assert.Equal(t, int64(4900), results[1].Customer.SaleAmount)
	assert.Equal(t, []string{"stripe:evt_9:lead", "stripe:evt_9"}, pub.keys("attributed"))

	results, err = bridge.Handle(ctx, "acme", SourceStripe, payload, h)
	require.NoError(t, err)
	assert.True(t, results[0].Duplicate)
	assert.True(t, results[1].Duplicate)

	_, err = bridge.Handle(ctx, "nobody", SourceStripe, payload, h)
	assert.ErrorIs(t, err, apperrors.ErrWorkspaceNotFound)
}
