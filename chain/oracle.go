// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain defines the wallet's view of the Bitcoin network: an
// indexer-backed oracle that lists unspent outputs, serves transactions
// and fee estimates, accepts broadcasts, and optionally resolves the
// asset attachment of an outpoint. The oracle is remote and untrusted
// for liveness; callers own retries.
package chain

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrTxNotFound is returned when the oracle has no transaction for
	// the requested id.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrAlreadyKnown is returned by Broadcast when the oracle already
	// carries the transaction in its mempool or a block. Rebroadcast of
	// finalized bytes is idempotent, so callers treat this as success.
	ErrAlreadyKnown = errors.New("transaction already known")

	// ErrMissingInputs is returned by Broadcast when an input of the
	// transaction is unknown or already spent. The selection that
	// produced the transaction is stale.
	ErrMissingInputs = errors.New("transaction inputs missing or spent")

	// ErrNoAssetIndex is returned by AssetLookup when the oracle has no
	// asset index configured. Classification falls back to heuristics.
	ErrNoAssetIndex = errors.New("no asset index configured")
)

// Unspent is one unspent output of an address as reported by the
// indexer. The locking script is not part of the listing; callers fetch
// the funding transaction for it.
type Unspent struct {
	// OutPoint identifies the output.
	OutPoint wire.OutPoint

	// Value is the output amount.
	Value btcutil.Amount

	// Confirmed reports whether the funding transaction is mined.
	Confirmed bool

	// BlockHeight is the height of the funding block, zero while
	// unconfirmed.
	BlockHeight int32
}

// TxStatus is the confirmation state of a transaction.
type TxStatus struct {
	// Confirmed reports whether the transaction is mined.
	Confirmed bool

	// BlockHeight is the height of the containing block when
	// confirmed.
	BlockHeight int32

	// BlockHash is the hash of the containing block when confirmed.
	BlockHash *chainhash.Hash
}

// RuneBalance is a fungible token amount attached to an outpoint.
type RuneBalance struct {
	// ID is the rune identifier in block:tx form.
	ID string

	// Amount is the token quantity in atomic units.
	Amount uint64
}

// AssetInfo is the asset attachment of a single outpoint as resolved by
// the asset index.
type AssetInfo struct {
	// Inscriptions holds the ids of inscriptions anchored to the
	// outpoint.
	Inscriptions []string

	// Runes holds the rune balances carried by the outpoint.
	Runes []RuneBalance
}

// Bare reports whether the outpoint carries no asset at all.
func (a *AssetInfo) Bare() bool {
	return len(a.Inscriptions) == 0 && len(a.Runes) == 0
}

// Oracle is the remote indexer the wallet consumes. Implementations
// must honor context cancellation on every call.
type Oracle interface {
	// TipHeight returns the current best block height.
	TipHeight(ctx context.Context) (int32, error)

	// ListUnspent returns the unspent outputs paying to address.
	ListUnspent(ctx context.Context,
		address btcutil.Address) ([]Unspent, error)

	// GetRawTransaction returns the full transaction with the given
	// id, or ErrTxNotFound.
	GetRawTransaction(ctx context.Context,
		txid *chainhash.Hash) (*wire.MsgTx, error)

	// GetTxOut returns the output referenced by op, or ErrTxNotFound
	// when the transaction is unknown or the index out of range.
	GetTxOut(ctx context.Context, op wire.OutPoint) (*wire.TxOut, error)

	// TxStatus returns the confirmation state of the transaction, or
	// ErrTxNotFound when the oracle has never seen it.
	TxStatus(ctx context.Context,
		txid *chainhash.Hash) (*TxStatus, error)

	// FeeEstimates returns the current fee tiers as a map from
	// confirmation target to sat/vB.
	FeeEstimates(ctx context.Context) (map[int32]float64, error)

	// Broadcast submits the transaction. Duplicate submissions return
	// ErrAlreadyKnown; stale inputs return ErrMissingInputs.
	Broadcast(ctx context.Context,
		tx *wire.MsgTx) (*chainhash.Hash, error)

	// AssetLookup resolves the asset attachment of op via the asset
	// index, or ErrNoAssetIndex when none is configured.
	AssetLookup(ctx context.Context,
		op wire.OutPoint) (*AssetInfo, error)
}
