/**
 * @description
 * This package provides a client for the external payout rail that moves
 * cashout money to bank accounts, mobile money wallets and airtime numbers.
 * Final settlement arrives asynchronously on the payouts.events exchange.
 *
 * @dependencies
 * - github.com/shopspring/decimal: payout amounts in currency units.
 */
package payoutclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPayoutRejected is returned when the rail refuses the instruction outright (4xx).
var ErrPayoutRejected = errors.New("payout rejected by provider")

// Client is a client for the payout provider API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payout API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// InitiateRequest instructs the provider to pay out a cashout.
type InitiateRequest struct {
	CashoutID string            `json:"cashout_id"`
	UserID    string            `json:"user_id"`
	Method    string            `json:"method"`
	Amount    decimal.Decimal   `json:"amount"`
	Currency  string            `json:"currency"`
	Details   map[string]string `json:"details"`
}

// InitiateResponse carries the provider reference used to match status events.
type InitiateResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// ErrorResponse represents an error body from the payout API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("payout api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("payout api error (%d)", e.StatusCode)
}

// Unwrap lets callers match client errors with errors.Is(err, ErrPayoutRejected).
func (e *ErrorResponse) Unwrap() error {
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return ErrPayoutRejected
	}
	return nil
}

// Initiate sends a payout instruction. The CashoutID doubles as the
// provider idempotency key so a retried instruction is not paid twice.
func (c *Client) Initiate(ctx context.Context, payload InitiateRequest) (*InitiateResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/payouts", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create payout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Internal-API-Key", c.APIKey)
	req.Header.Set("Idempotency-Key", payload.CashoutID)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute payout request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read payout response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil {
			log.Printf("level=warn component=payout_client op=initiate status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
		} else {
			log.Printf("level=warn component=payout_client op=initiate status=%d code=%q message=%q", resp.StatusCode, errResp.Code, errResp.Message)
		}
		errResp.StatusCode = resp.StatusCode
		return nil, errResp
	}

	var out InitiateResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return nil, fmt.Errorf("failed to decode payout response: %w", err)
	}
	if out.Reference == "" {
		return nil, errors.New("payout response missing reference")
	}
	return &out, nil
}
