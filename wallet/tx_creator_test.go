package wallet

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/glyphlabs/glyphwallet/asset"
	"github.com/glyphlabs/glyphwallet/pkg/btcunit"
	"github.com/stretchr/testify/require"
)

// TestSelectCoinsExcludesAssetUtxos asserts that coins carrying an
// asset verdict, or no verdict at all, never enter an ordinary
// selection even when they are the largest coins available.
func TestSelectCoinsExcludesAssetUtxos(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		tag  asset.Tag
	}{{
		name: "rune",
		tag:  asset.Rune{ID: "840000:3", Amount: 1_000},
	}, {
		name: "inscription",
		tag:  asset.Inscription{ID: "b61b0172d95e266c18aea0c624db987e971a5d6d4ebc2aaed85da4642d635735i0"},
	}, {
		name: "unknown",
		tag:  asset.Unknown{Reason: "asset index unavailable"},
	}, {
		name: "untagged",
		tag:  nil,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			utxos := []Utxo{
				makeUtxo(1, 100_000, asset.Spendable{}),
				// The protected coin dwarfs the spendable one. A
				// selector ignoring verdicts would pick it first.
				makeUtxo(2, 1_000_000, tc.tag),
			}

			sel, err := SelectCoins(
				utxos, 60_000, testFeeRate, SelectOpts{},
			)
			require.NoError(t, err)

			require.Len(t, sel.Inputs, 1)
			require.Equal(
				t, utxos[0].OutPoint, sel.Inputs[0].OutPoint,
			)

			// Once the spendable coin cannot cover the target, the
			// selection fails outright rather than touching the
			// protected coin.
			_, err = SelectCoins(
				utxos, 200_000, testFeeRate, SelectOpts{},
			)

			var fundsErr *InsufficientFundsError
			require.ErrorAs(t, err, &fundsErr)
			require.Equal(
				t, btcutil.Amount(100_000), fundsErr.Available,
			)
		})
	}
}

// TestSelectCoinsInsufficientForFee asserts that a coin covering the
// target but not the fee on top of it is reported as insufficient.
func TestSelectCoinsInsufficientForFee(t *testing.T) {
	t.Parallel()

	utxos := []Utxo{makeUtxo(1, 100_000, asset.Spendable{})}

	_, err := SelectCoins(utxos, 99_900, testFeeRate, SelectOpts{})

	var fundsErr *InsufficientFundsError
	require.ErrorAs(t, err, &fundsErr)
	require.Equal(t, btcutil.Amount(99_900), fundsErr.Target)
	require.Equal(t, btcutil.Amount(100_000), fundsErr.Available)
	require.Greater(t, fundsErr.FeeNeeded, btcutil.Amount(100))
}

// TestSelectCoinsFoldsDustChange asserts that change below the dust
// floor is left to miners instead of creating an uneconomic output.
func TestSelectCoinsFoldsDustChange(t *testing.T) {
	t.Parallel()

	coin := makeUtxo(1, 100_000, asset.Spendable{})
	feeRate := btcunit.NewSatPerVByte(1)

	// Size the spend the same way the selector does, then pick a
	// target that leaves one satoshi less than the dust floor behind.
	vsize := estimateVirtualSize(
		[]Utxo{coin}, []*wire.TxOut{{
			PkScript: make([]byte, txsizes.P2TRPkScriptSize),
		}}, true,
	)
	fee := feeRate.FeeForVByteRoundUp(vsize)
	target := coin.Value - fee - DustChangeFloor + 1

	sel, err := SelectCoins([]Utxo{coin}, target, feeRate, SelectOpts{})
	require.NoError(t, err)

	require.Equal(t, target, sel.Target)
	require.Zero(t, sel.Change)
	require.Equal(t, coin.Value-target, sel.Fee)
	require.Equal(t, coin.Value, sel.TotalInput())

	// One satoshi more of headroom and the change output survives.
	sel, err = SelectCoins(
		[]Utxo{coin}, target-1, feeRate, SelectOpts{},
	)
	require.NoError(t, err)

	require.Equal(t, DustChangeFloor, sel.Change)
	require.Equal(t, fee, sel.Fee)
}

// TestSelectCoinsForcedInputs asserts that forced outputs lead the
// input set regardless of value or verdict, and that malformed force
// lists are rejected.
func TestSelectCoinsForcedInputs(t *testing.T) {
	t.Parallel()

	assetCoin := makeUtxo(1, 600, asset.Inscription{ID: "insc0"})
	funding := makeUtxo(2, 100_000, asset.Spendable{})

	postage := []*wire.TxOut{{
		Value:    546,
		PkScript: make([]byte, txsizes.P2TRPkScriptSize),
	}}

	sel, err := SelectCoins(
		[]Utxo{funding}, assetCoin.Value, testFeeRate, SelectOpts{
			Outputs: postage,
			Force:   []Utxo{assetCoin},
		},
	)
	require.NoError(t, err)

	// The asset coin cannot pay for its own spend, so the funding
	// coin joins it, always behind the forced input.
	require.Len(t, sel.Inputs, 2)
	require.Equal(t, assetCoin.OutPoint, sel.Inputs[0].OutPoint)
	require.Equal(t, funding.OutPoint, sel.Inputs[1].OutPoint)
	require.Equal(t, btcutil.Amount(100_600), sel.TotalInput())
	require.Positive(t, sel.Fee)

	// Duplicated forced outpoints would double count value.
	_, err = SelectCoins(
		[]Utxo{funding}, assetCoin.Value, testFeeRate, SelectOpts{
			Outputs: postage,
			Force:   []Utxo{assetCoin, assetCoin},
		},
	)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Equal(t, "force", validationErr.Field)

	// Without forced inputs the target must be positive.
	_, err = SelectCoins([]Utxo{funding}, 0, testFeeRate, SelectOpts{})
	require.ErrorAs(t, err, &validationErr)
	require.Equal(t, "target", validationErr.Field)
}

// TestSelectCoinsEligibility asserts the confirmation and yield
// filters.
func TestSelectCoinsEligibility(t *testing.T) {
	t.Parallel()

	confirmed := makeUtxo(1, 50_000, asset.Spendable{})

	unconfirmed := makeUtxo(2, 1_000_000, asset.Spendable{})
	unconfirmed.Confirmations = 0

	// Spending 100 satoshis costs more than 100 satoshis in input fee
	// at the test rate.
	uneconomic := makeUtxo(3, 100, asset.Spendable{})

	utxos := []Utxo{confirmed, unconfirmed, uneconomic}

	sel, err := SelectCoins(utxos, 20_000, testFeeRate, SelectOpts{
		MinConf: 1,
	})
	require.NoError(t, err)

	require.Len(t, sel.Inputs, 1)
	require.Equal(t, confirmed.OutPoint, sel.Inputs[0].OutPoint)

	// Relaxing the confirmation floor admits the unconfirmed coin.
	sel, err = SelectCoins(utxos, 500_000, testFeeRate, SelectOpts{})
	require.NoError(t, err)

	require.Len(t, sel.Inputs, 1)
	require.Equal(t, unconfirmed.OutPoint, sel.Inputs[0].OutPoint)
}

// TestSelectCoinsLargestFirst asserts the default arrangement spends
// the largest coin before smaller ones.
func TestSelectCoinsLargestFirst(t *testing.T) {
	t.Parallel()

	utxos := []Utxo{
		makeUtxo(1, 100_000, asset.Spendable{}),
		makeUtxo(2, 1_000_000, asset.Spendable{}),
		makeUtxo(3, 50_000, asset.Spendable{}),
	}

	sel, err := SelectCoins(utxos, 500_000, testFeeRate, SelectOpts{})
	require.NoError(t, err)

	require.Len(t, sel.Inputs, 1)
	require.Equal(t, utxos[1].OutPoint, sel.Inputs[0].OutPoint)

	// The random strategy must still produce a covering selection.
	sel, err = SelectCoins(utxos, 500_000, testFeeRate, SelectOpts{
		Strategy: CoinSelectionRandom,
	})
	require.NoError(t, err)
	require.GreaterOrEqual(
		t, sel.TotalInput(), sel.Target+sel.Fee,
	)
}
