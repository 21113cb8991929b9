package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"partnerlink/internal/apperrors"
	"partnerlink/internal/models"
	"partnerlink/pkg/utils"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body for HTTP rails.
const SignatureHeader = "X-Signature"

type PayoutRequest struct {
	PayoutID       uint                `json:"payout_id"`
	Amount         int64               `json:"amount"`
	Currency       string              `json:"currency"`
	Account        string              `json:"account"`
	Method         models.PayoutMethod `json:"method"`
	IdempotencyKey string              `json:"idempotency_key"`
}

type RailResult struct {
	ExternalID string
	// Status is processing while the rail settles asynchronously, or completed.
	Status models.PayoutStatus
}

// RailUpdate is a verified status callback from a rail.
type RailUpdate struct {
	PayoutID   uint                `json:"payout_id"`
	ExternalID string              `json:"external_id"`
	Status     models.PayoutStatus `json:"status"`
	Reason     string              `json:"reason,omitempty"`
}

type Rail interface {
	Name() string
	Send(ctx context.Context, req PayoutRequest) (RailResult, error)
	// ParseUpdate verifies and decodes a callback. A nil update means the
	// event is irrelevant and should be acknowledged.
	ParseUpdate(payload []byte, header http.Header) (*RailUpdate, error)
}

func idempotencyKey(payoutID uint) string {
	return "payout-" + strconv.FormatUint(uint64(payoutID), 10)
}

// HTTPRail talks to wallet and stablecoin providers over signed JSON.
type HTTPRail struct {
	name     string
	endpoint string
	secret   string
	client   *http.Client
}

func NewHTTPRail(name, endpoint, secret string) *HTTPRail {
	return &HTTPRail{
		name:     name,
		endpoint: endpoint,
		secret:   secret,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (r *HTTPRail) Name() string { return r.name }

type httpRailResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (r *HTTPRail) Send(ctx context.Context, req PayoutRequest) (RailResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return RailResult{}, &apperrors.RailError{Rail: r.name, Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return RailResult{}, &apperrors.RailError{Rail: r.name, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	httpReq.Header.Set(SignatureHeader, utils.SignHMACHex(r.secret, body))

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return RailResult{}, &apperrors.RailError{Rail: r.name, Retryable: true, Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var decoded httpRailResponse
	_ = json.Unmarshal(raw, &decoded)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return RailResult{}, &apperrors.RailError{Rail: r.name, Retryable: true, Err: fmt.Errorf("status %d: %s", resp.StatusCode, decoded.Error)}
	case resp.StatusCode >= 300:
		return RailResult{}, &apperrors.RailError{Rail: r.name, Err: fmt.Errorf("status %d: %s", resp.StatusCode, decoded.Error)}
	}
	if decoded.ID == "" {
		return RailResult{}, &apperrors.RailError{Rail: r.name, Retryable: true, Err: errors.New("response without transfer id")}
	}

	status := models.PayoutProcessing
	if decoded.Status == string(models.PayoutCompleted) {
		status = models.PayoutCompleted
	}
	return RailResult{ExternalID: decoded.ID, Status: status}, nil
}

func (r *HTTPRail) ParseUpdate(payload []byte, header http.Header) (*RailUpdate, error) {
	if !utils.VerifyHMACHex(r.secret, payload, header.Get(SignatureHeader)) {
		return nil, apperrors.ErrInvalidSignature
	}
	var update RailUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return nil, apperrors.Validation("malformed %s callback: %v", r.name, err)
	}
	if update.PayoutID == 0 && update.ExternalID == "" {
		return nil, apperrors.Validation("callback does not identify a payout")
	}
	return &update, nil
}
