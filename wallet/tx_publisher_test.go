package wallet

import (
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/glyphlabs/glyphwallet/chain"
	"github.com/stretchr/testify/require"
)

// signedSend builds, signs and finalizes a plain send, ready for
// broadcast.
func (tw *testWallet) signedSend(amount btcutil.Amount) *wire.MsgTx {
	tw.t.Helper()

	dest := destAddress(tw.t)
	packet, err := tw.w.BuildPsbt(tw.t.Context(), IntentSend{
		Dest:    dest.EncodeAddress(),
		Amount:  amount,
		FeeRate: testFeeRate,
	})
	require.NoError(tw.t, err)

	err = tw.w.Sign(
		tw.t.Context(), packet, tw.session, PolicyDefault,
		allInputIndexes(packet),
	)
	require.NoError(tw.t, err)

	tx, err := tw.w.Finalize(packet)
	require.NoError(tw.t, err)

	return tx
}

// journalTxs lists the current rebroadcast journal.
func (tw *testWallet) journalTxs() []*wire.MsgTx {
	tw.t.Helper()

	txs, err := tw.w.DBListJournal(tw.t.Context())
	require.NoError(tw.t, err)

	return txs
}

// forceRebroadcast delivers one tick to the rebroadcast loop.
func (tw *testWallet) forceRebroadcast() {
	tw.t.Helper()

	select {
	case tw.rebroadcastTick.Force <- time.Now():
	case <-time.After(5 * time.Second):
		tw.t.Fatal("rebroadcast loop did not accept tick")
	}
}

// TestBroadcastIdempotentRebroadcast asserts the journal protocol: a
// broadcast transaction stays journaled while unmined, resubmitting it
// is always safe because the network answering "already known" counts
// as success, and confirmation retires the entry.
func TestBroadcastIdempotentRebroadcast(t *testing.T) {
	tw := newTestWallet(t)
	op := tw.credit(1_000_000, nil)

	tx := tw.signedSend(500_000)

	txid, err := tw.w.Broadcast(t.Context(), tx)
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), txid)

	// The spent input left the snapshot immediately so an overlapping
	// selection cannot double spend it.
	utxos, err := tw.w.DBListUtxos(t.Context())
	require.NoError(t, err)
	for _, u := range utxos {
		require.NotEqual(t, op, u.OutPoint)
	}

	// Unmined means journaled.
	require.Len(t, tw.journalTxs(), 1)

	// A manual retry of the exact same bytes is answered with
	// "already known" and reported as success.
	retryID, err := tw.w.Broadcast(t.Context(), tx)
	require.NoError(t, err)
	require.Equal(t, txid, retryID)

	// The rebroadcast loop resubmits it on every tick while it stays
	// unmined, and keeps the journal entry.
	tw.forceRebroadcast()
	require.Eventually(t, func() bool {
		return tw.oracle.broadcastCount(txid) >= 3
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, tw.journalTxs(), 1)

	// Once the transaction confirms, the next tick retires it.
	tw.oracle.setTxStatus(txid, &chain.TxStatus{
		Confirmed:   true,
		BlockHeight: 1010,
	})
	tw.forceRebroadcast()
	require.Eventually(t, func() bool {
		return len(tw.journalTxs()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	state, err := tw.w.PollStatus(t.Context(), &txid)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, state.Status)
	require.Equal(t, int32(1010), state.Height)
}

// TestBroadcastConflict asserts a missing-inputs rejection surfaces the
// spent outpoint, evicts it and drops the unconfirmable journal entry.
func TestBroadcastConflict(t *testing.T) {
	tw := newTestWallet(t)
	op := tw.credit(50_000, nil)

	tx := tw.signedSend(20_000)

	// Somebody else spent our input first: the network rejects the
	// transaction and the oracle no longer lists the output.
	tw.oracle.setBroadcastErr(chain.ErrMissingInputs)
	tw.oracle.removeUtxo(op)

	_, err := tw.w.Broadcast(t.Context(), tx)

	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	require.Equal(t, op, conflictErr.OutPoint)

	// The conflicted output is gone from the snapshot and the
	// transaction can never confirm, so nothing stays journaled.
	utxos, err := tw.w.DBListUtxos(t.Context())
	require.NoError(t, err)
	require.Empty(t, utxos)
	require.Empty(t, tw.journalTxs())
}

// TestBroadcastFailureKeepsJournal asserts a transient submit failure
// keeps both the journal entry and the snapshot, so the exact same
// transaction can be retried.
func TestBroadcastFailureKeepsJournal(t *testing.T) {
	tw := newTestWallet(t)
	op := tw.credit(50_000, nil)

	tx := tw.signedSend(20_000)

	tw.oracle.setBroadcastErr(errors.New("connection refused"))

	_, err := tw.w.Broadcast(t.Context(), tx)

	var broadcastErr *BroadcastError
	require.ErrorAs(t, err, &broadcastErr)
	require.Equal(t, tx.TxHash(), broadcastErr.Txid)

	// Nothing was spent, nothing was lost.
	require.Len(t, tw.journalTxs(), 1)

	utxos, err := tw.w.DBListUtxos(t.Context())
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.Equal(t, op, utxos[0].OutPoint)

	// The retry with the same bytes goes through.
	tw.oracle.setBroadcastErr(nil)

	txid, err := tw.w.Broadcast(t.Context(), tx)
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), txid)

	utxos, err = tw.w.DBListUtxos(t.Context())
	require.NoError(t, err)
	require.Empty(t, utxos)
}

// TestRebroadcastDropsConflicted asserts the rebroadcast loop drops a
// journaled transaction once the network reports its inputs spent.
func TestRebroadcastDropsConflicted(t *testing.T) {
	tw := newTestWallet(t)
	tw.credit(50_000, nil)

	tx := tw.signedSend(20_000)

	_, err := tw.w.Broadcast(t.Context(), tx)
	require.NoError(t, err)
	require.Len(t, tw.journalTxs(), 1)

	// The next resubmission is rejected for missing inputs: a
	// conflicting spend confirmed in the meantime.
	tw.oracle.setBroadcastErr(chain.ErrMissingInputs)

	tw.forceRebroadcast()
	require.Eventually(t, func() bool {
		return len(tw.journalTxs()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

// TestPollStatus asserts the three observable states of a broadcast
// transaction.
func TestPollStatus(t *testing.T) {
	tw := newTestWallet(t)
	tw.credit(50_000, nil)

	unknown := chainhash.Hash{0x01}
	state, err := tw.w.PollStatus(t.Context(), &unknown)
	require.NoError(t, err)
	require.Equal(t, StatusUnknown, state.Status)

	tx := tw.signedSend(20_000)
	txid, err := tw.w.Broadcast(t.Context(), tx)
	require.NoError(t, err)

	state, err = tw.w.PollStatus(t.Context(), &txid)
	require.NoError(t, err)
	require.Equal(t, StatusPending, state.Status)

	tw.oracle.setTxStatus(txid, &chain.TxStatus{
		Confirmed:   true,
		BlockHeight: 1005,
	})

	state, err = tw.w.PollStatus(t.Context(), &txid)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, state.Status)
	require.Equal(t, int32(1005), state.Height)
}
