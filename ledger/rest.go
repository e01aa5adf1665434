// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
)

const (
	// defaultRequestTimeout bounds each ledger call when the config
	// does not supply its own client.
	defaultRequestTimeout = 30 * time.Second

	// maxResponseSize caps how much of a response body is read. Ledger
	// answers are small JSON objects.
	maxResponseSize = 1 << 20
)

// RestConfig describes the remote ledger's REST endpoint.
type RestConfig struct {
	// BaseURL is the root of the ledger API, without trailing slash.
	BaseURL string

	// Client optionally overrides the HTTP client, mainly for tests.
	Client *http.Client

	// Timeout bounds each request when Client is nil.
	Timeout time.Duration
}

// RestClient is a Remote over the ledger's REST API. Responses decode
// against exact schemas; an answer with fields this client does not
// know is rejected rather than trusted.
type RestClient struct {
	cfg    RestConfig
	client *http.Client
}

// A compile time check to ensure RestClient implements the Remote
// interface.
var _ Remote = (*RestClient)(nil)

// NewRestClient returns a ledger client for the configured endpoint. No
// network traffic happens here.
func NewRestClient(cfg RestConfig) (*RestClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("ledger base URL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}

		client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
			},
		}
	}

	return &RestClient{
		cfg:    cfg,
		client: client,
	}, nil
}

// httpError carries a non-OK ledger response.
type httpError struct {
	status int
	body   string
}

// Error returns the status and trimmed body of the failed call.
func (e *httpError) Error() string {
	return fmt.Sprintf("ledger returned %d: %s", e.status,
		strings.TrimSpace(e.body))
}

// decodeStrict unmarshals body into v, rejecting unknown fields. The
// ledger speaks an exact schema; extra fields mean a version drift this
// client must not guess through.
func decodeStrict(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	return dec.Decode(v)
}

// get performs a GET against url and returns the body.
func (c *RestClient) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, url, nil,
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	return c.do(req)
}

// postJSON performs a POST of the JSON encoding of payload against url.
func (c *RestClient) postJSON(ctx context.Context, url string,
	payload any) ([]byte, error) {

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, url, bytes.NewReader(body),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.do(req)
}

// do executes the request and enforces the OK-status and response-size
// rules.
func (c *RestClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &httpError{
			status: resp.StatusCode,
			body:   string(body),
		}
	}

	return body, nil
}

// balanceResponse is the account balance answer.
type balanceResponse struct {
	BalanceSat int64 `json:"balance_sat"`
}

// Balance returns the account's current sidechain balance.
func (c *RestClient) Balance(ctx context.Context,
	account string) (btcutil.Amount, error) {

	url := fmt.Sprintf("%s/v1/account/%s/balance", c.cfg.BaseURL, account)
	body, err := c.get(ctx, url)
	if err != nil {
		return 0, fmt.Errorf("balance: %w", err)
	}

	var resp balanceResponse
	if err := decodeStrict(body, &resp); err != nil {
		return 0, fmt.Errorf("balance: decode: %w", err)
	}
	if resp.BalanceSat < 0 {
		return 0, fmt.Errorf("balance: negative amount %d",
			resp.BalanceSat)
	}

	return btcutil.Amount(resp.BalanceSat), nil
}

// receiptResponse acknowledges an accepted operation.
type receiptResponse struct {
	ID     string `json:"id"`
	FeeSat int64  `json:"fee_sat"`
}

// insufficientResponse is the body of a rejected overdraw. The ledger
// reports its own balance verdict with the rejection.
type insufficientResponse struct {
	BalanceSat int64 `json:"balance_sat"`
}

// mapReject translates a ledger rejection into a typed error. A payment
// required status is an overdraw; the remote balance rides in the body
// when the ledger included one.
func mapReject(err error) error {
	var herr *httpError
	if !errors.As(err, &herr) {
		return err
	}

	if herr.status == http.StatusPaymentRequired {
		remote := btcutil.Amount(-1)

		var resp insufficientResponse
		if decodeStrict([]byte(herr.body), &resp) == nil &&
			resp.BalanceSat >= 0 {

			remote = btcutil.Amount(resp.BalanceSat)
		}

		return &InsufficientBalanceError{
			Requested: -1,
			Local:     -1,
			Remote:    remote,
		}
	}

	return err
}

// decodeReceipt validates and converts a receipt answer.
func decodeReceipt(body []byte) (*Receipt, error) {
	var resp receiptResponse
	if err := decodeStrict(body, &resp); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}

	if resp.ID == "" {
		return nil, errors.New("ledger returned an empty receipt id")
	}
	if resp.FeeSat < 0 {
		return nil, fmt.Errorf("ledger returned negative fee %d",
			resp.FeeSat)
	}

	return &Receipt{
		ID:  resp.ID,
		Fee: btcutil.Amount(resp.FeeSat),
	}, nil
}

// withdrawJSON is the wire form of a WithdrawRequest.
type withdrawJSON struct {
	Account   string `json:"account"`
	AmountSat int64  `json:"amount_sat"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

// SubmitWithdraw submits a signed withdrawal and returns the ledger's
// receipt.
func (c *RestClient) SubmitWithdraw(ctx context.Context,
	req *WithdrawRequest) (*Receipt, error) {

	body, err := c.postJSON(ctx, c.cfg.BaseURL+"/v1/withdraw",
		&withdrawJSON{
			Account:   req.Account,
			AmountSat: int64(req.Amount),
			Nonce:     req.Nonce,
			Signature: hex.EncodeToString(req.Signature),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("withdraw: %w", mapReject(err))
	}

	receipt, err := decodeReceipt(body)
	if err != nil {
		return nil, fmt.Errorf("withdraw: %w", err)
	}

	return receipt, nil
}

// transferJSON is the wire form of a TransferRequest.
type transferJSON struct {
	Account   string `json:"account"`
	To        string `json:"to"`
	AmountSat int64  `json:"amount_sat"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

// SubmitTransfer submits a signed instant transfer and returns the
// ledger's receipt.
func (c *RestClient) SubmitTransfer(ctx context.Context,
	req *TransferRequest) (*Receipt, error) {

	body, err := c.postJSON(ctx, c.cfg.BaseURL+"/v1/transfer",
		&transferJSON{
			Account:   req.Account,
			To:        req.To,
			AmountSat: int64(req.Amount),
			Nonce:     req.Nonce,
			Signature: hex.EncodeToString(req.Signature),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("transfer: %w", mapReject(err))
	}

	receipt, err := decodeReceipt(body)
	if err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}

	return receipt, nil
}

// quotaResponse is the membership allowance answer.
type quotaResponse struct {
	Tier          string `json:"tier"`
	FreeRemaining int64  `json:"free_remaining"`
	ResetsAt      int64  `json:"resets_at"`
}

// Quota returns the account's membership allowance.
func (c *RestClient) Quota(ctx context.Context,
	account string) (*Quota, error) {

	url := fmt.Sprintf("%s/v1/account/%s/quota", c.cfg.BaseURL, account)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("quota: %w", err)
	}

	var resp quotaResponse
	if err := decodeStrict(body, &resp); err != nil {
		return nil, fmt.Errorf("quota: decode: %w", err)
	}
	if resp.Tier == "" {
		return nil, errors.New("quota: ledger returned an empty tier")
	}
	if resp.FreeRemaining < 0 {
		return nil, fmt.Errorf("quota: negative allowance %d",
			resp.FreeRemaining)
	}

	return &Quota{
		Tier:          resp.Tier,
		FreeRemaining: resp.FreeRemaining,
		ResetsAt:      time.Unix(resp.ResetsAt, 0),
	}, nil
}
