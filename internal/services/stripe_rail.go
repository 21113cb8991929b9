package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"partnerlink/internal/apperrors"
	"partnerlink/internal/models"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/transfer"
	"github.com/stripe/stripe-go/v76/webhook"
)

// Events are signed per endpoint; the account API version may differ from the client's.
var stripeWebhookOptions = webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true}

// StripeRail pays bank-method partners with Stripe Connect transfers.
type StripeRail struct {
	webhookSecret string
	newTransfer   func(params *stripe.TransferParams) (*stripe.Transfer, error)
}

func NewStripeRail(secretKey, webhookSecret string) *StripeRail {
	stripe.Key = secretKey
	return &StripeRail{
		webhookSecret: webhookSecret,
		newTransfer:   transfer.New,
	}
}

func (r *StripeRail) Name() string { return "stripe" }

func (r *StripeRail) Send(ctx context.Context, req PayoutRequest) (RailResult, error) {
	if req.Account == "" {
		return RailResult{}, &apperrors.RailError{Rail: r.Name(), Err: errors.New("partner has no connected account")}
	}
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		Destination:   stripe.String(req.Account),
		TransferGroup: stripe.String(req.IdempotencyKey),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("payout_id", strconv.FormatUint(uint64(req.PayoutID), 10))

	tr, err := r.newTransfer(params)
	if err != nil {
		return RailResult{}, &apperrors.RailError{Rail: r.Name(), Retryable: stripeRetryable(err), Err: err}
	}
	return RailResult{ExternalID: tr.ID, Status: models.PayoutProcessing}, nil
}

func stripeRetryable(err error) bool {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return true
	}
	if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 {
		return true
	}
	return se.Type == stripe.ErrorTypeAPI
}

func (r *StripeRail) ParseUpdate(payload []byte, header http.Header) (*RailUpdate, error) {
	event, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), r.webhookSecret, stripeWebhookOptions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidSignature, err)
	}

	var status models.PayoutStatus
	switch event.Type {
	case "transfer.created":
		status = models.PayoutCompleted
	case "transfer.reversed":
		status = models.PayoutFailed
	default:
		return nil, nil
	}

	var tr stripe.Transfer
	if err := json.Unmarshal(event.Data.Raw, &tr); err != nil {
		return nil, apperrors.Validation("malformed transfer: %v", err)
	}
	update := &RailUpdate{ExternalID: tr.ID, Status: status}
	if id, err := strconv.ParseUint(tr.Metadata["payout_id"], 10, 64); err == nil {
		update.PayoutID = uint(id)
	}
	if status == models.PayoutFailed {
		update.Reason = "transfer reversed"
	}
	return update, nil
}
