// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// defaultRequestTimeout bounds each oracle call when the config
	// does not supply its own client.
	defaultRequestTimeout = 30 * time.Second

	// maxResponseSize caps how much of a response body is read. The
	// largest legitimate answer is a raw transaction, well under this.
	maxResponseSize = 8 << 20
)

// EsploraConfig describes an esplora-style REST indexer.
type EsploraConfig struct {
	// BaseURL is the root of the esplora API, without trailing slash,
	// e.g. https://blockstream.info/testnet/api.
	BaseURL string

	// AssetURL is the root of the ordinals/runes index API. Empty
	// disables asset lookups; classification then runs on heuristics
	// alone.
	AssetURL string

	// Client optionally overrides the HTTP client, mainly for tests.
	Client *http.Client

	// Timeout bounds each request when Client is nil.
	Timeout time.Duration
}

// Esplora is an Oracle over an esplora-style REST indexer plus an
// optional ordinals/runes index.
type Esplora struct {
	cfg    EsploraConfig
	client *http.Client
}

// A compile time check to ensure Esplora implements the Oracle
// interface.
var _ Oracle = (*Esplora)(nil)

// NewEsplora returns an oracle client for the configured endpoints. No
// network traffic happens here; use TipHeight to probe liveness.
func NewEsplora(cfg EsploraConfig) (*Esplora, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("oracle base URL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.AssetURL = strings.TrimRight(cfg.AssetURL, "/")

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

	return &Esplora{
		cfg:    cfg,
		client: client,
	}, nil
}

// httpError carries a non-OK oracle response.
type httpError struct {
	status int
	body   string
}

// Error returns the status and trimmed body of the failed call.
func (e *httpError) Error() string {
	return fmt.Sprintf("oracle returned %d: %s", e.status,
		strings.TrimSpace(e.body))
}

// notFound reports whether the response was a 404.
func (e *httpError) notFound() bool {
	return e.status == http.StatusNotFound
}

// get performs a GET against url and returns the body.
func (e *Esplora) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, url, nil,
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	return e.do(req)
}

// postText performs a POST of a plain-text body against url.
func (e *Esplora) postText(ctx context.Context, url,
	body string) ([]byte, error) {

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, url, strings.NewReader(body),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain")

	return e.do(req)
}

// do executes the request and enforces the OK-status and response-size
// rules.
func (e *Esplora) do(req *http.Request) ([]byte, error) {
	resp, err := e.client.Do(req)
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

// TipHeight returns the current best block height. It doubles as the
// liveness probe.
func (e *Esplora) TipHeight(ctx context.Context) (int32, error) {
	body, err := e.get(ctx, e.cfg.BaseURL+"/blocks/tip/height")
	if err != nil {
		return 0, fmt.Errorf("tip height: %w", err)
	}

	height, err := strconv.ParseInt(
		strings.TrimSpace(string(body)), 10, 32,
	)
	if err != nil {
		return 0, fmt.Errorf("tip height: parse %q: %w", body, err)
	}

	return int32(height), nil
}

// utxoStatus is the confirmation object esplora nests in listings and
// status queries.
type utxoStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int32  `json:"block_height"`
	BlockHash   string `json:"block_hash"`
}

// utxoItem is one entry of an address utxo listing.
type utxoItem struct {
	Txid   string     `json:"txid"`
	Vout   uint32     `json:"vout"`
	Value  int64      `json:"value"`
	Status utxoStatus `json:"status"`
}

// ListUnspent returns the unspent outputs paying to address.
func (e *Esplora) ListUnspent(ctx context.Context,
	address btcutil.Address) ([]Unspent, error) {

	url := fmt.Sprintf(
		"%s/address/%s/utxo", e.cfg.BaseURL, address.EncodeAddress(),
	)
	body, err := e.get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("list unspent: %w", err)
	}

	var items []utxoItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("list unspent: decode: %w", err)
	}

	unspents := make([]Unspent, 0, len(items))
	for _, item := range items {
		txid, err := chainhash.NewHashFromStr(item.Txid)
		if err != nil {
			return nil, fmt.Errorf("list unspent: txid %q: %w",
				item.Txid, err)
		}

		unspents = append(unspents, Unspent{
			OutPoint: wire.OutPoint{
				Hash:  *txid,
				Index: item.Vout,
			},
			Value:       btcutil.Amount(item.Value),
			Confirmed:   item.Status.Confirmed,
			BlockHeight: item.Status.BlockHeight,
		})
	}

	log.Tracef("Oracle listed %d unspents for %s", len(unspents),
		address.EncodeAddress())

	return unspents, nil
}

// GetRawTransaction returns the full transaction with the given id.
func (e *Esplora) GetRawTransaction(ctx context.Context,
	txid *chainhash.Hash) (*wire.MsgTx, error) {

	url := fmt.Sprintf("%s/tx/%s/hex", e.cfg.BaseURL, txid)
	body, err := e.get(ctx, url)
	if err != nil {
		var herr *httpError
		if errors.As(err, &herr) && herr.notFound() {
			return nil, fmt.Errorf("%w: %v", ErrTxNotFound, txid)
		}

		return nil, fmt.Errorf("get tx: %w", err)
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("get tx: decode hex: %w", err)
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("get tx: deserialize: %w", err)
	}

	return tx, nil
}

// GetTxOut returns the output referenced by op.
func (e *Esplora) GetTxOut(ctx context.Context,
	op wire.OutPoint) (*wire.TxOut, error) {

	tx, err := e.GetRawTransaction(ctx, &op.Hash)
	if err != nil {
		return nil, err
	}

	if op.Index >= uint32(len(tx.TxOut)) {
		return nil, fmt.Errorf("%w: %v has no output %d",
			ErrTxNotFound, op.Hash, op.Index)
	}

	out := tx.TxOut[op.Index]

	return &wire.TxOut{
		Value:    out.Value,
		PkScript: append([]byte(nil), out.PkScript...),
	}, nil
}

// TxStatus returns the confirmation state of the transaction.
func (e *Esplora) TxStatus(ctx context.Context,
	txid *chainhash.Hash) (*TxStatus, error) {

	url := fmt.Sprintf("%s/tx/%s/status", e.cfg.BaseURL, txid)
	body, err := e.get(ctx, url)
	if err != nil {
		var herr *httpError
		if errors.As(err, &herr) && herr.notFound() {
			return nil, fmt.Errorf("%w: %v", ErrTxNotFound, txid)
		}

		return nil, fmt.Errorf("tx status: %w", err)
	}

	var status utxoStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("tx status: decode: %w", err)
	}

	result := &TxStatus{
		Confirmed:   status.Confirmed,
		BlockHeight: status.BlockHeight,
	}

	if status.Confirmed && status.BlockHash != "" {
		hash, err := chainhash.NewHashFromStr(status.BlockHash)
		if err != nil {
			return nil, fmt.Errorf("tx status: block hash: %w", err)
		}
		result.BlockHash = hash
	}

	return result, nil
}

// FeeEstimates returns the current fee tiers as a map from confirmation
// target to sat/vB.
func (e *Esplora) FeeEstimates(
	ctx context.Context) (map[int32]float64, error) {

	body, err := e.get(ctx, e.cfg.BaseURL+"/fee-estimates")
	if err != nil {
		return nil, fmt.Errorf("fee estimates: %w", err)
	}

	var raw map[string]float64
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("fee estimates: decode: %w", err)
	}

	estimates := make(map[int32]float64, len(raw))
	for target, rate := range raw {
		blocks, err := strconv.ParseInt(target, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("fee estimates: target %q: %w",
				target, err)
		}

		estimates[int32(blocks)] = rate
	}

	return estimates, nil
}

// Broadcast submits the transaction to the indexer's mempool endpoint.
func (e *Esplora) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("broadcast: serialize: %w", err)
	}

	txid := tx.TxHash()

	_, err := e.postText(
		ctx, e.cfg.BaseURL+"/tx", hex.EncodeToString(buf.Bytes()),
	)
	if err != nil {
		var herr *httpError
		if errors.As(err, &herr) {
			if mapped := mapBroadcastReject(herr.body); mapped != nil {
				return nil, fmt.Errorf("%w: %v", mapped, txid)
			}
		}

		return nil, fmt.Errorf("broadcast: %w", err)
	}

	return &txid, nil
}

// mapBroadcastReject translates the node rejection text the indexer
// relays into the oracle's sentinel errors. Unrecognized rejections map
// to nil and surface verbatim.
func mapBroadcastReject(body string) error {
	reason := strings.ToLower(body)

	switch {
	case strings.Contains(reason, "txn-already-in-mempool"),
		strings.Contains(reason, "txn-already-known"),
		strings.Contains(reason, "already in block chain"),
		strings.Contains(reason, "already in blockchain"):

		return ErrAlreadyKnown

	case strings.Contains(reason, "bad-txns-inputs-missingorspent"),
		strings.Contains(reason, "bad-txns-inputs-spent"),
		strings.Contains(reason, "missing inputs"),
		strings.Contains(reason, "txn-mempool-conflict"):

		return ErrMissingInputs
	}

	return nil
}

// outputAssets is the asset index answer for a single outpoint, in the
// ordinals server JSON shape.
type outputAssets struct {
	Inscriptions []string                 `json:"inscriptions"`
	Runes        map[string]runeAmountOut `json:"runes"`
}

// runeAmountOut is the per-rune balance entry of an output.
type runeAmountOut struct {
	Amount uint64 `json:"amount"`
}

// AssetLookup resolves the asset attachment of op via the configured
// asset index.
func (e *Esplora) AssetLookup(ctx context.Context,
	op wire.OutPoint) (*AssetInfo, error) {

	if e.cfg.AssetURL == "" {
		return nil, ErrNoAssetIndex
	}

	url := fmt.Sprintf("%s/output/%s", e.cfg.AssetURL, op.String())
	body, err := e.get(ctx, url)
	if err != nil {
		var herr *httpError
		if errors.As(err, &herr) && herr.notFound() {
			return nil, fmt.Errorf("%w: %v", ErrTxNotFound, op)
		}

		return nil, fmt.Errorf("asset lookup: %w", err)
	}

	var out outputAssets
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("asset lookup: decode: %w", err)
	}

	info := &AssetInfo{
		Inscriptions: out.Inscriptions,
	}
	for id, balance := range out.Runes {
		info.Runes = append(info.Runes, RuneBalance{
			ID:     id,
			Amount: balance.Amount,
		})
	}

	// Map iteration order is random; keep the answer stable.
	sort.Slice(info.Runes, func(i, j int) bool {
		return info.Runes[i].ID < info.Runes[j].ID
	})

	return info, nil
}
