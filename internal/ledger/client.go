// Package ledger talks to the remote credit service over HTTP.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"creativeflow/internal/generation"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrHoldNotFound signals a hold id the credit service does not know.
var ErrHoldNotFound = errors.New("ledger: hold not found")

// ErrHoldConflict signals a settlement that contradicts an earlier one.
var ErrHoldConflict = errors.New("ledger: hold already settled the other way")

// Options configures the HTTP credit service client.
type Options struct {
	BaseURL        string
	APIKey         string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// Client implements generation.CreditLedger against the credit service API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
}

type reserveRequest struct {
	UserID    string          `json:"user_id"`
	RequestID string          `json:"request_id"`
	Stage     string          `json:"stage"`
	Amount    decimal.Decimal `json:"amount"`
}

type reserveResponse struct {
	HoldID string `json:"hold_id"`
}

type captureRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewClient constructs a client. BaseURL is required.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("ledger: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("ledger: invalid base url: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    base,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		log:        opts.Logger,
	}, nil
}

// Reserve places a hold. A retried call for the same request and stage
// reuses the hold instead of debiting twice.
func (c *Client) Reserve(ctx context.Context, userID, requestID string, stage generation.Stage, amount decimal.Decimal) (string, error) {
	var out reserveResponse
	payload := reserveRequest{UserID: userID, RequestID: requestID, Stage: string(stage), Amount: amount}
	err := c.post(ctx, "/v1/holds", reservationKey(requestID, stage), payload, &out)
	if err != nil {
		return "", err
	}
	if out.HoldID == "" {
		return "", fmt.Errorf("%w: empty hold id", generation.ErrCreditServiceUnavailable)
	}
	c.log.Debug().Str("user_id", userID).Str("request_id", requestID).Str("hold_id", out.HoldID).
		Str("stage", string(stage)).Str("amount", amount.String()).Msg("ledger: hold reserved")
	return out.HoldID, nil
}

func reservationKey(requestID string, stage generation.Stage) string {
	return requestID + ":" + string(stage) + ":reserve"
}

func (c *Client) Capture(ctx context.Context, holdID string, amount decimal.Decimal) error {
	return c.post(ctx, "/v1/holds/"+url.PathEscape(holdID)+"/capture", holdID+":capture", captureRequest{Amount: amount}, nil)
}

func (c *Client) Refund(ctx context.Context, holdID string) error {
	return c.post(ctx, "/v1/holds/"+url.PathEscape(holdID)+"/refund", holdID+":refund", struct{}{}, nil)
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ledger: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ledger: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", generation.ErrCreditServiceUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", generation.ErrCreditServiceUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %w", generation.ErrCreditServiceUnavailable, err)
	}
	return nil
}

// statusError maps a non-2xx response to the orchestrator's error vocabulary.
func statusError(status int, raw []byte) error {
	detail := strings.TrimSpace(string(raw))
	var decoded errorResponse
	if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Message != "" {
		detail = decoded.Message
	}
	var sentinel error
	switch {
	case status == http.StatusPaymentRequired:
		sentinel = generation.ErrInsufficientCredits
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		sentinel = generation.ErrValidation
	case status == http.StatusNotFound:
		sentinel = ErrHoldNotFound
	case status == http.StatusConflict:
		sentinel = ErrHoldConflict
	default:
		sentinel = generation.ErrCreditServiceUnavailable
	}
	return fmt.Errorf("%w: status %d: %s", sentinel, status, detail)
}
