package services

import (
	"context"
	"crypto/hmac"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"partnerlink/internal/apperrors"
	"partnerlink/internal/models"
	"partnerlink/pkg/utils"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"gorm.io/gorm"
)

const (
	SourceStripe  = "stripe"
	SourceShopify = "shopify"
	SourceGeneric = "generic"
)

// CommerceEvent is one known commerce platform payload, already verified.
// Each variant knows how to become pipeline conversions.
type CommerceEvent interface {
	Source() string
	Conversions() ([]ConversionInput, error)
}

type stripeCheckout struct {
	eventID string
	session stripe.CheckoutSession
}

func (stripeCheckout) Source() string { return SourceStripe }

// Conversions reports a lead before the sale when the session carries a click,
// so first purchases without a prior signup still attribute.
func (e stripeCheckout) Conversions() ([]ConversionInput, error) {
	s := e.session
	clickID := s.Metadata["click_id"]
	if clickID == "" {
		clickID = strings.TrimPrefix(s.ClientReferenceID, "pl_")
	}
	externalID := s.Metadata["customer_external_id"]
	if externalID == "" && s.Customer != nil {
		externalID = s.Customer.ID
	}
	var email, name string
	if s.CustomerDetails != nil {
		email, name = s.CustomerDetails.Email, s.CustomerDetails.Name
	}
	if externalID == "" {
		externalID = email
	}
	if externalID == "" {
		return nil, apperrors.Validation("checkout session %s has no customer", s.ID)
	}
	invoiceID := s.ID
	if s.Invoice != nil && s.Invoice.ID != "" {
		invoiceID = s.Invoice.ID
	}

	sale := ConversionInput{
		EventID:       e.eventID,
		Type:          models.EventSale,
		EventName:     "Purchase",
		ClickID:       clickID,
		ExternalID:    externalID,
		CustomerName:  name,
		CustomerEmail: email,
		Amount:        s.AmountTotal,
		Currency:      string(s.Currency),
		InvoiceID:     invoiceID,
	}
	if clickID == "" {
		return []ConversionInput{sale}, nil
	}
	lead := sale
	lead.EventID = e.eventID + ":lead"
	lead.Type = models.EventLead
	lead.EventName = "Checkout"
	return []ConversionInput{lead, sale}, nil
}

type shopifyOrder struct {
	WebhookID  string          `json:"-"`
	ID         int64           `json:"id"`
	Email      string          `json:"email"`
	TotalPrice decimal.Decimal `json:"total_price"`
	Currency   string          `json:"currency"`
	Customer   *struct {
		ID        int64  `json:"id"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	} `json:"customer"`
	NoteAttributes []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"note_attributes"`
}

func (shopifyOrder) Source() string { return SourceShopify }

func (o shopifyOrder) Conversions() ([]ConversionInput, error) {
	var clickID string
	for _, attr := range o.NoteAttributes {
		if attr.Name == "click_id" {
			clickID = attr.Value
		}
	}
	in := ConversionInput{
		EventID:       "shopify:" + o.WebhookID,
		Type:          models.EventSale,
		EventName:     "Order paid",
		ClickID:       clickID,
		CustomerEmail: o.Email,
		Amount:        minorUnits(o.TotalPrice),
		Currency:      o.Currency,
		InvoiceID:     strconv.FormatInt(o.ID, 10),
	}
	if o.WebhookID == "" {
		in.EventID = "shopify:order:" + strconv.FormatInt(o.ID, 10)
	}
	if o.Customer != nil {
		in.ExternalID = strconv.FormatInt(o.Customer.ID, 10)
		in.CustomerName = strings.TrimSpace(o.Customer.FirstName + " " + o.Customer.LastName)
	} else {
		in.ExternalID = o.Email
	}
	if in.ExternalID == "" {
		return nil, apperrors.Validation("shopify order %d has no customer", o.ID)
	}
	return []ConversionInput{in}, nil
}

// genericEvent is the documented shape for custom integrations. Amount is in
// major units ("12.50").
type genericEvent struct {
	EventID    string           `json:"event_id"`
	Type       models.EventType `json:"type"`
	EventName  string           `json:"event_name"`
	ClickID    string           `json:"click_id"`
	Domain     string           `json:"domain"`
	Key        string           `json:"key"`
	ExternalID string           `json:"external_id"`
	Name       string           `json:"name"`
	Email      string           `json:"email"`
	Amount     decimal.Decimal  `json:"amount"`
	Currency   string           `json:"currency"`
	InvoiceID  string           `json:"invoice_id"`
}

func (genericEvent) Source() string { return SourceGeneric }

func (g genericEvent) Conversions() ([]ConversionInput, error) {
	return []ConversionInput{{
		EventID:       g.EventID,
		Type:          g.Type,
		EventName:     g.EventName,
		ClickID:       g.ClickID,
		Domain:        g.Domain,
		Key:           g.Key,
		ExternalID:    g.ExternalID,
		CustomerName:  g.Name,
		CustomerEmail: g.Email,
		Amount:        minorUnits(g.Amount),
		Currency:      g.Currency,
		InvoiceID:     g.InvoiceID,
	}}, nil
}

func minorUnits(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// ParseCommerceEvent verifies a webhook and decodes it into its variant.
// A nil event with a nil error is an irrelevant event to acknowledge.
func ParseCommerceEvent(source string, payload []byte, header http.Header, secret string) (CommerceEvent, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: workspace has no webhook secret", apperrors.ErrInvalidSignature)
	}
	switch source {
	case SourceStripe:
		event, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), secret, stripeWebhookOptions)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidSignature, err)
		}
		if event.Type != "checkout.session.completed" {
			return nil, nil
		}
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, apperrors.Validation("malformed checkout session: %v", err)
		}
		return stripeCheckout{eventID: "stripe:" + event.ID, session: session}, nil

	case SourceShopify:
		mac, err := base64.StdEncoding.DecodeString(header.Get("X-Shopify-Hmac-Sha256"))
		if err != nil || !hmac.Equal(mac, utils.SignHMAC(secret, payload)) {
			return nil, apperrors.ErrInvalidSignature
		}
		if topic := header.Get("X-Shopify-Topic"); topic != "orders/paid" {
			return nil, nil
		}
		var order shopifyOrder
		if err := json.Unmarshal(payload, &order); err != nil {
			return nil, apperrors.Validation("malformed shopify order: %v", err)
		}
		order.WebhookID = header.Get("X-Shopify-Webhook-Id")
		return order, nil

	case SourceGeneric:
		if !utils.VerifyHMACHex(secret, payload, header.Get(SignatureHeader)) {
			return nil, apperrors.ErrInvalidSignature
		}
		var ev genericEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, apperrors.Validation("malformed event: %v", err)
		}
		return ev, nil
	}
	return nil, apperrors.Validation("unknown commerce source %q", source)
}

// CommerceBridge feeds verified commerce webhooks into the ingestor.
type CommerceBridge struct {
	db       *gorm.DB
	ingestor *Ingestor
	logger   *slog.Logger
}

func NewCommerceBridge(db *gorm.DB, ingestor *Ingestor, logger *slog.Logger) *CommerceBridge {
	return &CommerceBridge{db: db, ingestor: ingestor, logger: logger}
}

func (b *CommerceBridge) Handle(ctx context.Context, workspaceSlug, source string, payload []byte, header http.Header) ([]*IngestResult, error) {
	var ws models.Workspace
	if err := b.db.WithContext(ctx).Where("slug = ?", workspaceSlug).First(&ws).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrWorkspaceNotFound
		}
		return nil, err
	}

	event, err := ParseCommerceEvent(source, payload, header, ws.WebhookSecret)
	if err != nil {
		return nil, err
	}
	if event == nil {
		b.logger.Debug("Ignoring commerce event", "workspace", ws.Slug, "source", source)
		return nil, nil
	}

	inputs, err := event.Conversions()
	if err != nil {
		return nil, err
	}
	results := make([]*IngestResult, 0, len(inputs))
	for _, in := range inputs {
		in.WorkspaceID = ws.ID
		res, err := b.ingestor.Ingest(ctx, in)
		if err != nil {
			return results, fmt.Errorf("%s %s: %w", event.Source(), in.EventID, err)
		}
		results = append(results, res)
	}
	return results, nil
}
