// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package market

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/glyphlabs/glyphwallet/wallet"
)

const (
	// defaultRequestTimeout bounds each marketplace call when the
	// config does not supply its own client.
	defaultRequestTimeout = 30 * time.Second

	// maxResponseSize caps how much of a response body is read. The
	// largest legitimate answer is an order listing with PSBTs.
	maxResponseSize = 4 << 20
)

// ErrUnknownOrder is returned when the marketplace does not know the
// order id.
var ErrUnknownOrder = errors.New("unknown order")

// orderIDPattern is the shape of a well-formed order id. Anything else
// coming back from the marketplace is rejected, not echoed into later
// requests.
var orderIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Order is one marketplace sell order as this client understands it.
type Order struct {
	// ID is the marketplace's order identifier.
	ID string

	// Asset is the utxo being sold.
	Asset wire.OutPoint

	// Price is the asking price in satoshis.
	Price btcutil.Amount

	// Receive is the seller's payout address.
	Receive string

	// Status is the marketplace's order state, e.g. "open".
	Status string

	// CreatedAt is when the order was opened.
	CreatedAt time.Time
}

// Config bundles the marketplace client's endpoint and tunables.
type Config struct {
	// BaseURL is the root of the marketplace API, without trailing
	// slash.
	BaseURL string

	// ChainParams describe the network listings must live on. The
	// client refuses to talk to a marketplace serving another network.
	ChainParams *chaincfg.Params

	// APIKey optionally authenticates requests.
	APIKey string

	// Client optionally overrides the HTTP client, mainly for tests.
	Client *http.Client

	// Timeout bounds each request when Client is nil.
	Timeout time.Duration
}

// Client talks to an asset marketplace over its REST API. Responses
// decode against exact schemas and validate before anything is acted
// on; an unknown-shaped answer is an error, never something to guess
// through.
type Client struct {
	cfg    Config
	client *http.Client

	// infoMu guards the lazily fetched marketplace info. The price
	// floor and network name are settled once per client.
	infoMu sync.Mutex
	info   *marketInfo
}

// A compile time check to ensure Client implements the wallet's
// marketplace interface.
var _ wallet.MarketClient = (*Client)(nil)

// New returns a marketplace client for the configured endpoint. No
// network traffic happens here; the marketplace info loads on first
// use.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("marketplace base URL is required")
	}
	if cfg.ChainParams == nil {
		return nil, errors.New("marketplace client requires chain " +
			"params")
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

	return &Client{
		cfg:    cfg,
		client: client,
	}, nil
}

// httpError carries a non-OK marketplace response.
type httpError struct {
	status int
	body   string
}

// Error returns the status and trimmed body of the failed call.
func (e *httpError) Error() string {
	return fmt.Sprintf("marketplace returned %d: %s", e.status,
		strings.TrimSpace(e.body))
}

// notFound reports whether the response was a 404.
func (e *httpError) notFound() bool {
	return e.status == http.StatusNotFound
}

// decodeStrict unmarshals body into v, rejecting unknown fields.
func decodeStrict(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	return dec.Decode(v)
}

// do executes one request against the marketplace.
func (c *Client) do(ctx context.Context, method, path string,
	payload any) ([]byte, error) {

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(
		ctx, method, c.cfg.BaseURL+path, body,
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &httpError{
			status: resp.StatusCode,
			body:   string(raw),
		}
	}

	return raw, nil
}

// infoResponse is the marketplace's self description.
type infoResponse struct {
	Network     string `json:"network"`
	MinPriceSat int64  `json:"min_price_sat"`
}

// marketInfo is the validated form of infoResponse.
type marketInfo struct {
	minPrice btcutil.Amount
}

// marketplaceInfo returns the marketplace's advertised constraints,
// fetched once and pinned. A network mismatch fails here, before any
// order exists.
func (c *Client) marketplaceInfo(ctx context.Context) (*marketInfo, error) {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()

	if c.info != nil {
		return c.info, nil
	}

	body, err := c.do(ctx, http.MethodGet, "/v1/info", nil)
	if err != nil {
		return nil, fmt.Errorf("marketplace info: %w", err)
	}

	var resp infoResponse
	if err := decodeStrict(body, &resp); err != nil {
		return nil, fmt.Errorf("marketplace info: decode: %w", err)
	}

	if resp.Network != c.cfg.ChainParams.Name {
		return nil, fmt.Errorf("marketplace serves %q, wallet runs "+
			"%q", resp.Network, c.cfg.ChainParams.Name)
	}
	if resp.MinPriceSat < 0 {
		return nil, fmt.Errorf("marketplace info: negative price "+
			"floor %d", resp.MinPriceSat)
	}

	c.info = &marketInfo{minPrice: btcutil.Amount(resp.MinPriceSat)}

	return c.info, nil
}

// parseOutPoint converts the marketplace's "txid:vout" form back into
// an outpoint.
func parseOutPoint(s string) (wire.OutPoint, error) {
	sep := strings.LastIndex(s, ":")
	if sep < 0 {
		return wire.OutPoint{}, fmt.Errorf("outpoint %q has no "+
			"separator", s)
	}

	hash, err := chainhash.NewHashFromStr(s[:sep])
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("outpoint %q: %w", s, err)
	}

	index, err := strconv.ParseUint(s[sep+1:], 10, 32)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("outpoint %q: %w", s, err)
	}

	return wire.OutPoint{Hash: *hash, Index: uint32(index)}, nil
}

// orderResponse is one order in the marketplace's JSON shape.
type orderResponse struct {
	ID        string `json:"id"`
	Asset     string `json:"asset"`
	PriceSat  int64  `json:"price_sat"`
	Receive   string `json:"receive"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
	Psbt      string `json:"psbt,omitempty"`
}

// validateOrder converts and validates one order answer. The returned
// packet is non-nil only when the marketplace attached a template.
func (c *Client) validateOrder(resp *orderResponse) (*Order,
	*psbt.Packet, error) {

	if !orderIDPattern.MatchString(resp.ID) {
		return nil, nil, &wallet.ValidationError{
			Field:  "order",
			Reason: fmt.Sprintf("malformed order id %q", resp.ID),
		}
	}

	assetOp, err := parseOutPoint(resp.Asset)
	if err != nil {
		return nil, nil, &wallet.ValidationError{
			Field:  "order",
			Reason: err.Error(),
		}
	}

	if resp.PriceSat <= 0 {
		return nil, nil, &wallet.ValidationError{
			Field: "order",
			Reason: fmt.Sprintf("non-positive price %d",
				resp.PriceSat),
		}
	}

	if _, err := btcutil.DecodeAddress(
		resp.Receive, c.cfg.ChainParams,
	); err != nil {
		return nil, nil, &wallet.ValidationError{
			Field: "order",
			Reason: fmt.Sprintf("receive address %q: %v",
				resp.Receive, err),
		}
	}

	var packet *psbt.Packet
	if resp.Psbt != "" {
		packet, err = psbt.NewFromRawBytes(
			strings.NewReader(resp.Psbt), true,
		)
		if err != nil {
			return nil, nil, &wallet.ValidationError{
				Field:  "order",
				Reason: fmt.Sprintf("template psbt: %v", err),
			}
		}
	}

	return &Order{
		ID:        resp.ID,
		Asset:     assetOp,
		Price:     btcutil.Amount(resp.PriceSat),
		Receive:   resp.Receive,
		Status:    resp.Status,
		CreatedAt: time.Unix(resp.CreatedAt, 0),
	}, packet, nil
}

// createOrderJSON is the wire form of a listing creation.
type createOrderJSON struct {
	Asset    string `json:"asset"`
	PriceSat int64  `json:"price_sat"`
	Receive  string `json:"receive"`
}

// CreateListing opens a sell order for the asset utxo. The price is
// checked against the marketplace's advertised floor first, so a doomed
// listing fails before anything is signed.
func (c *Client) CreateListing(ctx context.Context, assetOp wire.OutPoint,
	price btcutil.Amount, receive string) (*wallet.MarketOrder, error) {

	info, err := c.marketplaceInfo(ctx)
	if err != nil {
		return nil, err
	}
	if price < info.minPrice {
		return nil, &wallet.ValidationError{
			Field: "price",
			Reason: fmt.Sprintf("%v is below the marketplace "+
				"minimum %v", price, info.minPrice),
		}
	}

	body, err := c.do(ctx, http.MethodPost, "/v1/orders",
		&createOrderJSON{
			Asset:    assetOp.String(),
			PriceSat: int64(price),
			Receive:  receive,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("create listing: %w", err)
	}

	var resp orderResponse
	if err := decodeStrict(body, &resp); err != nil {
		return nil, fmt.Errorf("create listing: decode: %w", err)
	}

	order, packet, err := c.validateOrder(&resp)
	if err != nil {
		return nil, err
	}
	if order.Asset != assetOp {
		return nil, &wallet.ValidationError{
			Field: "order",
			Reason: fmt.Sprintf("order is for %v, asked for %v",
				order.Asset, assetOp),
		}
	}

	log.Debugf("Marketplace opened order %s for %v at %v", order.ID,
		assetOp, price)

	return &wallet.MarketOrder{
		ID:     order.ID,
		Packet: packet,
	}, nil
}

// submitJSON is the wire form of a signed listing upload.
type submitJSON struct {
	Psbt string `json:"psbt"`
}

// SubmitSigned uploads the seller-signed listing packet for the order.
func (c *Client) SubmitSigned(ctx context.Context, orderID string,
	packet *psbt.Packet) error {

	if !orderIDPattern.MatchString(orderID) {
		return &wallet.ValidationError{
			Field:  "order",
			Reason: fmt.Sprintf("malformed order id %q", orderID),
		}
	}

	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return fmt.Errorf("serialize packet: %w", err)
	}

	path := "/v1/orders/" + url.PathEscape(orderID) + "/psbt"
	_, err := c.do(ctx, http.MethodPost, path, &submitJSON{
		Psbt: base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
	if err != nil {
		var herr *httpError
		if errors.As(err, &herr) && herr.notFound() {
			return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
		}

		return fmt.Errorf("submit signed: %w", err)
	}

	return nil
}

// Cancel withdraws an open order. The asset utxo never left the wallet,
// so cancelling is purely a marketplace-side act.
func (c *Client) Cancel(ctx context.Context, orderID string) error {
	if !orderIDPattern.MatchString(orderID) {
		return &wallet.ValidationError{
			Field:  "order",
			Reason: fmt.Sprintf("malformed order id %q", orderID),
		}
	}

	path := "/v1/orders/" + url.PathEscape(orderID)
	_, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		var herr *httpError
		if errors.As(err, &herr) && herr.notFound() {
			return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
		}

		return fmt.Errorf("cancel: %w", err)
	}

	return nil
}

// OpenOrders returns the seller's open orders.
func (c *Client) OpenOrders(ctx context.Context,
	seller string) ([]Order, error) {

	path := "/v1/orders?status=open&seller=" + url.QueryEscape(seller)
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}

	var resps []orderResponse
	if err := decodeStrict(body, &resps); err != nil {
		return nil, fmt.Errorf("open orders: decode: %w", err)
	}

	orders := make([]Order, 0, len(resps))
	for i := range resps {
		order, _, err := c.validateOrder(&resps[i])
		if err != nil {
			return nil, fmt.Errorf("open orders: %w", err)
		}
		orders = append(orders, *order)
	}

	return orders, nil
}
