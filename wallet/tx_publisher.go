// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/davecgh/go-spew/spew"
	"github.com/glyphlabs/glyphwallet/chain"
)

// maxTxSizeForLog is the maximum size of a transaction in bytes that we
// will log in full on broadcast. Anything larger is summarized.
const maxTxSizeForLog = 1_000_000

// TxStateKind enumerates where a broadcast transaction currently
// stands.
type TxStateKind uint8

const (
	// StatusUnknown means the network reports no trace of the
	// transaction.
	StatusUnknown TxStateKind = iota

	// StatusPending means the transaction is known but not yet mined.
	StatusPending

	// StatusConfirmed means the transaction is mined.
	StatusConfirmed
)

// String returns a human readable name of the state kind.
func (k TxStateKind) String() string {
	switch k {
	case StatusUnknown:
		return "unknown"
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	default:
		return fmt.Sprintf("unknown<%d>", k)
	}
}

// TxState is the point-in-time status of a broadcast transaction.
type TxState struct {
	// Status is the current state kind.
	Status TxStateKind

	// Height is the confirmation height, zero unless confirmed.
	Height int32
}

// TxPublisher is the surface transaction submitters depend on.
type TxPublisher interface {
	// Broadcast submits a finalized transaction to the network.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash,
		error)

	// PollStatus point queries the confirmation state of a
	// transaction.
	PollStatus(ctx context.Context, txid *chainhash.Hash) (*TxState,
		error)
}

// A compile-time check to ensure Wallet implements TxPublisher.
var _ TxPublisher = (*Wallet)(nil)

// Broadcast journals the finalized transaction, submits it to the
// network oracle and evicts the spent outputs from the utxo snapshot.
//
// The journal entry is written before the submit, so a crash between
// the two leaves the transaction queued for the rebroadcast loop rather
// than lost. An oracle answer of "already known" is success, which
// makes retrying a broadcast with the same bytes always safe. A
// missing-input rejection means another transaction spent one of our
// inputs first and surfaces as ConflictError.
func (w *Wallet) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	if err := w.state.validateStarted(); err != nil {
		return chainhash.Hash{}, err
	}

	txHash := tx.TxHash()

	rec, err := w.DBJournalTx(ctx, tx)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("journal tx %v: %w",
			txHash, err)
	}

	log.Debugf("Broadcasting tx %v: %v", txHash,
		newLogClosure(func() string {
			if tx.SerializeSize() > maxTxSizeForLog {
				return "tx too large to log"
			}

			return spew.Sdump(tx)
		}))

	_, err = w.cfg.Oracle.Broadcast(ctx, tx)
	switch {
	case err == nil:

	case errors.Is(err, chain.ErrAlreadyKnown):
		log.Infof("Tx %v already known to the network", txHash)

	case errors.Is(err, chain.ErrMissingInputs):
		return chainhash.Hash{}, w.handleConflict(ctx, tx, rec)

	default:
		// The journal keeps the finalized bytes, so the caller can
		// retry with the exact same transaction.
		return chainhash.Hash{}, &BroadcastError{
			Txid:   txHash,
			Reason: err.Error(),
		}
	}

	// The inputs are spent now. Drop them from the snapshot so an
	// overlapping selection cannot pick them again before the next
	// refresh.
	spent := make([]wire.OutPoint, 0, len(tx.TxIn))
	for _, txIn := range tx.TxIn {
		spent = append(spent, txIn.PreviousOutPoint)
	}
	if err := w.DBDeleteUtxos(ctx, spent); err != nil {
		return chainhash.Hash{}, fmt.Errorf("evict spent inputs "+
			"of %v: %w", txHash, err)
	}
	for _, op := range spent {
		w.cfg.Classifier.Forget(op)
	}

	log.Infof("Broadcast tx %v with %d input(s), %d output(s)", txHash,
		len(tx.TxIn), len(tx.TxOut))

	return txHash, nil
}

// handleConflict turns a missing-input rejection into a ConflictError
// naming the input another transaction spent first. The journal entry
// is removed: this transaction can never confirm.
func (w *Wallet) handleConflict(ctx context.Context, tx *wire.MsgTx,
	rec *wtxmgr.TxRecord) error {

	conflictOp := w.probeConflict(ctx, tx)

	log.Warnf("Tx %v rejected, input %v already spent", tx.TxHash(),
		conflictOp)

	// Drop the dead output from the snapshot as well, whoever spent
	// it got there first.
	err := w.DBDeleteUtxos(ctx, []wire.OutPoint{conflictOp})
	if err != nil {
		log.Errorf("Unable to evict conflicted input %v: %v",
			conflictOp, err)
	}
	w.cfg.Classifier.Forget(conflictOp)

	conflictErr := &ConflictError{OutPoint: conflictOp}

	if removeErr := w.DBForgetTx(ctx, rec); removeErr != nil {
		return fmt.Errorf("%w; and failed to remove tx from "+
			"journal: %v", conflictErr, removeErr)
	}

	return conflictErr
}

// probeConflict asks the oracle which of the inputs is gone. Each input
// that maps to one of our tracked outputs is checked against the live
// unspent set of its address. When the oracle cannot tell, the first
// input is blamed.
func (w *Wallet) probeConflict(ctx context.Context,
	tx *wire.MsgTx) wire.OutPoint {

	for _, txIn := range tx.TxIn {
		op := txIn.PreviousOutPoint

		u, err := w.DBGetUtxo(ctx, op)
		if err != nil {
			continue
		}

		unspents, err := w.cfg.Oracle.ListUnspent(ctx, u.Address)
		if err != nil {
			log.Debugf("Conflict probe of %v failed: %v", op, err)
			continue
		}

		live := false
		for _, unspent := range unspents {
			if unspent.OutPoint == op {
				live = true
				break
			}
		}
		if !live {
			return op
		}
	}

	return tx.TxIn[0].PreviousOutPoint
}

// PollStatus point queries the confirmation state of a transaction.
func (w *Wallet) PollStatus(ctx context.Context,
	txid *chainhash.Hash) (*TxState, error) {

	if err := w.state.validateStarted(); err != nil {
		return nil, err
	}

	status, err := w.cfg.Oracle.TxStatus(ctx, txid)
	switch {
	case errors.Is(err, chain.ErrTxNotFound):
		return &TxState{Status: StatusUnknown}, nil

	case err != nil:
		return nil, fmt.Errorf("tx status of %v: %w", txid, err)
	}

	if !status.Confirmed {
		return &TxState{Status: StatusPending}, nil
	}

	return &TxState{
		Status: StatusConfirmed,
		Height: status.BlockHeight,
	}, nil
}

// rebroadcastLoop resubmits journaled unmined transactions on every
// tick until they confirm, then retires their journal entries. It runs
// for the lifetime of the wallet and never touches signing.
func (w *Wallet) rebroadcastLoop(ctx context.Context) {
	defer w.wg.Done()
	defer w.cfg.RebroadcastTicker.Stop()

	w.cfg.RebroadcastTicker.Resume()

	for {
		select {
		case <-w.cfg.RebroadcastTicker.Ticks():
			w.rebroadcastUnmined(ctx)

		case <-ctx.Done():
			return
		}
	}
}

// rebroadcastUnmined walks the journal once, resubmitting what is still
// pending and forgetting what has confirmed or conflicted.
func (w *Wallet) rebroadcastUnmined(ctx context.Context) {
	txs, err := w.DBListJournal(ctx)
	if err != nil {
		log.Errorf("Unable to list journaled txs: %v", err)
		return
	}

	for _, tx := range txs {
		txHash := tx.TxHash()

		status, err := w.cfg.Oracle.TxStatus(ctx, &txHash)
		switch {
		case err == nil && status.Confirmed:
			log.Debugf("Journaled tx %v confirmed at height %d",
				txHash, status.BlockHeight)

			if err := w.forgetJournaled(ctx, tx); err != nil {
				log.Errorf("Unable to retire journaled "+
					"tx %v: %v", txHash, err)
			}

			continue

		case err != nil && !errors.Is(err, chain.ErrTxNotFound):
			log.Warnf("Unable to query status of %v: %v",
				txHash, err)

			continue
		}

		_, err = w.cfg.Oracle.Broadcast(ctx, tx)
		switch {
		case err == nil:
			log.Debugf("Rebroadcast unmined tx %v", txHash)

		case errors.Is(err, chain.ErrAlreadyKnown):
			// Still waiting in the mempool.

		case errors.Is(err, chain.ErrMissingInputs):
			log.Warnf("Journaled tx %v conflicts with a "+
				"confirmed spend, dropping it", txHash)

			if err := w.forgetJournaled(ctx, tx); err != nil {
				log.Errorf("Unable to drop journaled "+
					"tx %v: %v", txHash, err)
			}

		default:
			log.Warnf("Rebroadcast of %v failed: %v", txHash, err)
		}
	}
}

// forgetJournaled removes a journal entry by rebuilding its record from
// the stored transaction.
func (w *Wallet) forgetJournaled(ctx context.Context,
	tx *wire.MsgTx) error {

	rec, err := wtxmgr.NewTxRecordFromMsgTx(tx, time.Now())
	if err != nil {
		return fmt.Errorf("build tx record: %w", err)
	}

	return w.DBForgetTx(ctx, rec)
}
