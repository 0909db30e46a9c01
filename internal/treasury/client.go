// Package treasury talks to the custody and stablecoin transfer service.
package treasury

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

	"github.com/harvestchain/lending/internal/config"
	"github.com/harvestchain/lending/internal/domain"
)

// Client implements the lending TransferPort over JSON/HTTP. Every mutating
// call sends its idempotency key in the Idempotency-Key header; the treasury
// answers a repeated key with the original receipt.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient constructs a Client from the treasury config section.
func NewClient(cfg config.TreasuryConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// envelope is the treasury response body.
//
//	{"ok":true,"tx_ref":"0.0.500@1712345678.000000001","amount":"1000.00"}
//	{"ok":false,"error":"INSUFFICIENT_BALANCE"}
type envelope struct {
	OK     bool         `json:"ok"`
	TxRef  string       `json:"tx_ref"`
	Amount domain.Cents `json:"amount"`
	Error  string       `json:"error"`
}

// ──────────────────────────────────────────────────────────────────────────────
// TransferPort
// ──────────────────────────────────────────────────────────────────────────────

// LockCollateral moves grove tokens from the borrower into custody.
//
//	POST /v1/collateral/lock
func (c *Client) LockCollateral(ctx context.Context, req domain.CollateralTransfer) (domain.TransferReceipt, error) {
	return c.post(ctx, "/v1/collateral/lock", req.IdempotencyKey, req)
}

// UnlockCollateral returns grove tokens from custody to the borrower.
//
//	POST /v1/collateral/unlock
func (c *Client) UnlockCollateral(ctx context.Context, req domain.CollateralTransfer) (domain.TransferReceipt, error) {
	return c.post(ctx, "/v1/collateral/unlock", req.IdempotencyKey, req)
}

// TransferStable moves stablecoin between two accounts.
//
//	POST /v1/transfers
func (c *Client) TransferStable(ctx context.Context, req domain.StableTransfer) (domain.TransferReceipt, error) {
	if !req.Amount.IsPositive() {
		return domain.TransferReceipt{}, fmt.Errorf("%w: non-positive amount %s", domain.ErrTransferFailed, req.Amount)
	}
	r, err := c.post(ctx, "/v1/transfers", req.IdempotencyKey, req)
	if err == nil && r.Amount == 0 {
		r.Amount = req.Amount
	}
	return r, err
}

// LookupTransfer asks whether anything executed under key.
//
//	GET /v1/transfers/{key}   404 when nothing ran
func (c *Client) LookupTransfer(ctx context.Context, key string) (domain.TransferReceipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/transfers/"+url.PathEscape(key), nil)
	if err != nil {
		return domain.TransferReceipt{}, fmt.Errorf("treasury lookup: build request: %w", err)
	}
	env, status, err := c.do(req)
	if err != nil {
		return domain.TransferReceipt{}, fmt.Errorf("treasury lookup %s: %w", key, err)
	}
	if status == http.StatusNotFound {
		return domain.TransferReceipt{}, domain.ErrTransferNotFound
	}
	if status != http.StatusOK || !env.OK {
		return domain.TransferReceipt{}, fmt.Errorf("treasury lookup %s: status %d: %s", key, status, env.Error)
	}
	return domain.TransferReceipt{TxRef: env.TxRef, Amount: env.Amount}, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// HTTP helpers
// ──────────────────────────────────────────────────────────────────────────────

func (c *Client) post(ctx context.Context, path, key string, payload any) (domain.TransferReceipt, error) {
	if key == "" {
		return domain.TransferReceipt{}, errors.New("treasury: missing idempotency key")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.TransferReceipt{}, fmt.Errorf("treasury %s: marshal: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return domain.TransferReceipt{}, fmt.Errorf("treasury %s: build request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)

	env, status, err := c.do(req)
	if err != nil {
		return domain.TransferReceipt{}, fmt.Errorf("%w: %s: %v", domain.ErrTransferFailed, path, err)
	}
	if status/100 != 2 || !env.OK {
		reason := env.Error
		if reason == "" {
			reason = fmt.Sprintf("status %d", status)
		}
		return domain.TransferReceipt{}, fmt.Errorf("%w: %s: %s", domain.ErrTransferFailed, path, reason)
	}
	if env.TxRef == "" {
		return domain.TransferReceipt{}, fmt.Errorf("%w: %s: empty tx_ref", domain.ErrTransferFailed, path)
	}
	return domain.TransferReceipt{TxRef: env.TxRef, Amount: env.Amount}, nil
}

// do sends req and decodes the envelope. A body that is not an envelope is
// tolerated on 404 so lookups of unknown keys work behind plain proxies.
func (c *Client) do(req *http.Request) (envelope, int, error) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "harvest-lending/1.0")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return envelope{}, 0, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return envelope{}, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode != http.StatusNotFound {
			return envelope{}, resp.StatusCode, fmt.Errorf("parse: %w", err)
		}
	}
	return env, resp.StatusCode, nil
}
