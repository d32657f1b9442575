// Package ledger is the client for the billing backend: call registration,
// end-of-call reconciliation and the authoritative coin balance.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"therapy-calls/internal/calls"
)

var (
	ErrMissingCallID = errors.New("ledger: call id is required")
	ErrUnauthorized  = errors.New("ledger: unauthorized")
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ledger: http %d", e.Status)
	}
	return fmt.Sprintf("ledger: http %d: %s", e.Status, e.Message)
}

// Temporary reports whether the request may succeed if repeated.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

type InitiateRequest struct {
	TherapistID string     `json:"therapistId"`
	CallType    calls.Kind `json:"callType"`
	SessionID   string     `json:"zegoCallId"`
}

type InitiateResponse struct {
	CallID string `json:"callId"`
	RoomID string `json:"roomId"`
}

// EndRequest is the reconciliation payload posted once per finalized call.
type EndRequest struct {
	EndedBy                string `json:"endedBy"`
	Duration               int    `json:"duration"`
	Reason                 string `json:"reason"`
	CostInCoins            int64  `json:"costInCoins"`
	DurationMinutes        int    `json:"durationMinutes"`
	TherapistEarningsCoins int64  `json:"therapistEarningsCoins"`
}

type EndResponse struct {
	NewBalance  *float64 `json:"newBalance,omitempty"`
	NewEarnings *float64 `json:"newEarnings,omitempty"`
}

type balanceResponse struct {
	CoinBalance float64 `json:"coinBalance"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type Options struct {
	HTTPClient *http.Client
	// BalanceAttempts bounds retries of the idempotent balance read.
	BalanceAttempts uint
	Logger          *slog.Logger
}

type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	attempts uint
	log      *slog.Logger
}

func NewClient(baseURL, token string, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	attempts := opts.BalanceAttempts
	if attempts == 0 {
		attempts = 3
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		http:     hc,
		attempts: attempts,
		log:      l.With("component", "ledger"),
	}
}

// InitiateCall registers a new call and returns the backend call and room ids.
func (c *Client) InitiateCall(ctx context.Context, req InitiateRequest) (InitiateResponse, error) {
	var out InitiateResponse
	if err := c.do(ctx, http.MethodPost, "/call/initiate", req, &out); err != nil {
		return InitiateResponse{}, err
	}
	if out.CallID == "" {
		return InitiateResponse{}, ErrMissingCallID
	}
	return out, nil
}

// EndCall reports the final billing of a call. It is never retried here; the
// backend settles idempotently per call id and a failure is surfaced to the
// caller.
func (c *Client) EndCall(ctx context.Context, callID string, req EndRequest) (EndResponse, error) {
	if strings.TrimSpace(callID) == "" {
		return EndResponse{}, ErrMissingCallID
	}
	var out EndResponse
	if err := c.do(ctx, http.MethodPost, "/call/end/"+callID, req, &out); err != nil {
		return EndResponse{}, err
	}
	return out, nil
}

// Balance fetches the caller's coin balance, retrying transient failures.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	op := func() (float64, error) {
		var out balanceResponse
		err := c.do(ctx, http.MethodGet, "/user/balance", nil, &out)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Temporary() {
				return 0, backoff.Permanent(err)
			}
			return 0, err
		}
		return out.CoinBalance, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.attempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.log.Warn("balance fetch failed, retrying", "err", err, "in", d)
		}),
	)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("ledger: encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("ledger: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("ledger: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		msg := eb.Message
		if msg == "" {
			msg = eb.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("ledger: decode response: %w", err)
	}
	return nil
}
