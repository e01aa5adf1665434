// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrStateForbidden is returned when an operation is not allowed in
	// the wallet's current lifecycle state.
	ErrStateForbidden = errors.New("operation forbidden in current state")

	// ErrWalletShuttingDown is returned when an operation is aborted
	// because the wallet is stopping.
	ErrWalletShuttingDown = errors.New("wallet shutting down")

	// ErrNotMine is returned when an output's address is not owned by
	// the wallet.
	ErrNotMine = errors.New("address not found")

	// ErrUnknownUtxo is returned when an operation names an outpoint
	// the wallet does not track.
	ErrUnknownUtxo = errors.New("unknown utxo")

	// ErrNilIntent is returned when a nil intent is submitted.
	ErrNilIntent = errors.New("intent cannot be nil")

	// ErrUnsupportedIntent is returned when an intent variant is not
	// recognized. The intent set is closed; seeing this means a version
	// mismatch between caller and wallet.
	ErrUnsupportedIntent = errors.New("unsupported intent type")

	// ErrNoUtxoSnapshot is returned when a spend is attempted before
	// the first utxo refresh has completed.
	ErrNoUtxoSnapshot = errors.New("utxo snapshot not ready")

	// ErrNoMarket is returned when a listing operation is attempted on
	// a wallet configured without a marketplace client.
	ErrNoMarket = errors.New("no marketplace configured")

	// ErrNoLedger is returned when a layer-two operation is attempted
	// on a wallet configured without a ledger client.
	ErrNoLedger = errors.New("no ledger configured")
)

// ValidationError describes an intent or packet field that failed
// validation before any signing took place.
type ValidationError struct {
	// Field names the offending field.
	Field string

	// Reason is a human readable description of the failure.
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InsufficientFundsError is returned when coin selection cannot cover
// the target amount plus the fee at the requested rate.
type InsufficientFundsError struct {
	// Target is the amount the selection had to cover.
	Target btcutil.Amount

	// FeeNeeded is the fee required by the last attempted shape.
	FeeNeeded btcutil.Amount

	// Available is the total value of eligible unspent outputs.
	Available btcutil.Amount
}

// Error implements the error interface.
func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: need %v + %v fee, have %v "+
		"spendable", e.Target, e.FeeNeeded, e.Available)
}

// SignError is returned when signing a packet fails. The packet passed
// to Sign is left untouched; no partial signatures are merged back.
type SignError struct {
	// InputIndex is the input that failed, or -1 when the failure is
	// not tied to a single input.
	InputIndex int

	// Reason is a human readable description of the failure.
	Reason string
}

// Error implements the error interface.
func (e *SignError) Error() string {
	if e.InputIndex < 0 {
		return fmt.Sprintf("signing failed: %s", e.Reason)
	}

	return fmt.Sprintf("signing input %d failed: %s", e.InputIndex,
		e.Reason)
}

// BroadcastError is returned when the network rejects a transaction for
// a reason other than a stale input. The transaction stays journaled and
// will be retried by the rebroadcaster.
type BroadcastError struct {
	// Txid is the hash of the rejected transaction.
	Txid chainhash.Hash

	// Reason is the rejection reason reported by the oracle.
	Reason string
}

// Error implements the error interface.
func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast of %v rejected: %s", e.Txid, e.Reason)
}

// ConflictError is returned when a broadcast fails because an input was
// already spent by a conflicting transaction. The journaled transaction
// is evicted and the caller should rebuild from a fresh snapshot.
type ConflictError struct {
	// OutPoint is the input that was spent elsewhere.
	OutPoint wire.OutPoint
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("input %v spent by a conflicting transaction",
		e.OutPoint)
}
