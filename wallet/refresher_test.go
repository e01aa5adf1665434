package wallet

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/glyphlabs/glyphwallet/asset"
	"github.com/glyphlabs/glyphwallet/chain"
	"github.com/stretchr/testify/require"
)

// TestRefreshDiscoversAndClassifies asserts a refresh round pulls the
// oracle's listings into the snapshot with each output's asset verdict
// attached.
func TestRefreshDiscoversAndClassifies(t *testing.T) {
	tw := newTestWallet(t)

	plainOp := tw.credit(50_000, nil)
	inscOp := tw.credit(600, inscribed("insc0"))
	runeOp := tw.credit(10_000, runed("840000:3", 5_000))

	utxos, err := tw.w.ListUtxos(t.Context())
	require.NoError(t, err)
	require.Len(t, utxos, 3)

	byOp := make(map[string]Utxo, len(utxos))
	for _, u := range utxos {
		byOp[u.OutPoint.String()] = u
		require.Positive(t, u.Confirmations)
	}

	require.Equal(t, asset.Spendable{}, byOp[plainOp.String()].Tag)
	require.Equal(
		t, asset.Inscription{ID: "insc0"}, byOp[inscOp.String()].Tag,
	)
	require.Equal(
		t, asset.Rune{ID: "840000:3", Amount: 5_000},
		byOp[runeOp.String()].Tag,
	)

	// Asset postage counts as protected, not spendable.
	balances, err := tw.w.Balance(t.Context())
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(50_000), balances.Spendable)
	require.Equal(t, btcutil.Amount(10_600), balances.Protected)
	require.Zero(t, balances.Pending)
	require.Equal(t, btcutil.Amount(60_600), balances.Total())
}

// TestRefreshEvictsSpent asserts outputs gone from the oracle's
// listings leave the snapshot on the next round.
func TestRefreshEvictsSpent(t *testing.T) {
	tw := newTestWallet(t)

	spentOp := tw.credit(50_000, nil)
	keptOp := tw.credit(30_000, nil)

	tw.oracle.removeUtxo(spentOp)
	tw.refresh()

	utxos, err := tw.w.ListUtxos(t.Context())
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.Equal(t, keptOp, utxos[0].OutPoint)
}

// TestOpsBlockedUntilFirstRefresh asserts snapshot consumers fail with
// ErrNoUtxoSnapshot until one refresh round has succeeded, so a wallet
// that cannot reach its oracle yet never reports an empty balance as
// zero.
func TestOpsBlockedUntilFirstRefresh(t *testing.T) {
	oracle := newFakeOracle()
	oracle.setTipErr(errors.New("oracle unreachable"))

	tw := newTestWalletWith(t, oracle, testMnemonic)

	_, err := tw.w.Balance(t.Context())
	require.ErrorIs(t, err, ErrNoUtxoSnapshot)

	_, err = tw.w.ListUtxos(t.Context())
	require.ErrorIs(t, err, ErrNoUtxoSnapshot)

	dest := destAddress(t)
	_, err = tw.w.BuildPsbt(t.Context(), IntentSend{
		Dest:    dest.EncodeAddress(),
		Amount:  10_000,
		FeeRate: testFeeRate,
	})
	require.ErrorIs(t, err, ErrNoUtxoSnapshot)

	// Forcing a round reports the oracle failure to the caller.
	require.Error(t, tw.w.Refresh(t.Context()))

	// Once the oracle answers, one successful round unblocks
	// everything.
	oracle.setTipErr(nil)
	tw.refresh()

	balances, err := tw.w.Balance(t.Context())
	require.NoError(t, err)
	require.Zero(t, balances.Total())
}

// TestUnknownReclassifiedWhenIndexReturns asserts the protective
// fallback verdict: with the asset index unreachable, a small output is
// held back as unknown, and once the index answers it is reclassified
// on the next round.
func TestUnknownReclassifiedWhenIndexReturns(t *testing.T) {
	tw := newTestWallet(t)

	tw.oracle.setAssetErr(chain.ErrNoAssetIndex)
	op := tw.credit(600, nil)

	utxos, err := tw.w.ListUtxos(t.Context())
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.IsType(t, asset.Unknown{}, utxos[0].Tag)

	// Unknown means untouchable: the postage sits in the protected
	// bucket and coin selection cannot reach it.
	balances, err := tw.w.Balance(t.Context())
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(600), balances.Protected)
	require.Zero(t, balances.Spendable)

	// The index comes back and clears the output.
	tw.oracle.setAssetErr(nil)
	tw.refresh()

	utxos, err = tw.w.ListUtxos(t.Context())
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.Equal(t, asset.Spendable{}, utxos[0].Tag)
	require.Equal(t, op, utxos[0].OutPoint)

	balances, err = tw.w.Balance(t.Context())
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(600), balances.Spendable)
	require.Zero(t, balances.Protected)
}

// TestBalancePendingBucket asserts unconfirmed plain outputs report as
// pending rather than spendable.
func TestBalancePendingBucket(t *testing.T) {
	tw := newTestWallet(t)

	op := tw.credit(30_000, nil)
	tw.oracle.markUnconfirmed(op)
	tw.refresh()

	balances, err := tw.w.Balance(t.Context())
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(30_000), balances.Pending)
	require.Zero(t, balances.Spendable)
	require.Zero(t, balances.Protected)
}
