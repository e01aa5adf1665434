package wallet

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/glyphlabs/glyphwallet/pkg/btcunit"
	"github.com/glyphlabs/glyphwallet/vault"
	"github.com/stretchr/testify/require"
)

// verifyAllInputs runs every input of the transaction through the
// script engine against the given prevout set.
func verifyAllInputs(t *testing.T, tx *wire.MsgTx,
	fetcher *txscript.MultiPrevOutFetcher) {

	t.Helper()

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for idx, in := range tx.TxIn {
		prevOut := fetcher.FetchPrevOutput(in.PreviousOutPoint)
		require.NotNil(t, prevOut, "input %d has no prevout", idx)

		vm, err := txscript.NewEngine(
			prevOut.PkScript, tx, idx,
			txscript.StandardVerifyFlags, nil, sigHashes,
			prevOut.Value, fetcher,
		)
		require.NoError(t, err)
		require.NoError(t, vm.Execute(), "input %d does not verify",
			idx)
	}
}

// TestSignKeySpend asserts the ordinary signing path: a taproot key
// spend signature on every designated input, verifying under the
// script engine after finalization.
func TestSignKeySpend(t *testing.T) {
	tw := newTestWallet(t)
	tw.credit(1_000_000, nil)

	dest := destAddress(t)
	packet, err := tw.w.BuildPsbt(t.Context(), IntentSend{
		Dest:    dest.EncodeAddress(),
		Amount:  500_000,
		FeeRate: testFeeRate,
	})
	require.NoError(t, err)

	err = tw.w.Sign(
		t.Context(), packet, tw.session, PolicyDefault,
		allInputIndexes(packet),
	)
	require.NoError(t, err)

	// A default-sighash taproot signature is 64 bytes, no hash type
	// byte appended.
	require.Len(t, packet.Inputs[0].TaprootKeySpendSig, 64)

	tx, err := tw.w.Finalize(packet)
	require.NoError(t, err)

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for idx, in := range tx.TxIn {
		fetcher.AddPrevOut(
			in.PreviousOutPoint, packet.Inputs[idx].WitnessUtxo,
		)
	}
	verifyAllInputs(t, tx, fetcher)
}

// TestFinalizedVirtualSizeMatchesEstimate asserts the fee estimation
// sizes a key spend exactly: the finalized transaction's virtual size
// equals the estimate the selector charged for.
func TestFinalizedVirtualSizeMatchesEstimate(t *testing.T) {
	tw := newTestWallet(t)
	tw.credit(1_000_000, nil)

	dest := destAddress(t)
	packet, err := tw.w.BuildPsbt(t.Context(), IntentSend{
		Dest:    dest.EncodeAddress(),
		Amount:  500_000,
		FeeRate: testFeeRate,
	})
	require.NoError(t, err)

	destScript, err := txscript.PayToAddrScript(dest)
	require.NoError(t, err)

	estimate := estimateVirtualSize(
		[]Utxo{{PkScript: packet.Inputs[0].WitnessUtxo.PkScript}},
		[]*wire.TxOut{{Value: 500_000, PkScript: destScript}},
		true,
	)

	err = tw.w.Sign(
		t.Context(), packet, tw.session, PolicyDefault,
		allInputIndexes(packet),
	)
	require.NoError(t, err)

	tx, err := tw.w.Finalize(packet)
	require.NoError(t, err)

	actual := mempool.GetTxVirtualSize(btcutil.NewTx(tx))
	require.Equal(t, int64(estimate.ToUint64()), actual)

	// The paid fee is then exactly the requested rate over the real
	// size.
	var totalOut btcutil.Amount
	for _, out := range tx.TxOut {
		totalOut += btcutil.Amount(out.Value)
	}
	fee := btcutil.Amount(1_000_000) - totalOut
	require.Equal(
		t,
		testFeeRate.FeeForVByteRoundUp(
			btcunit.NewVByte(uint64(actual)),
		),
		fee,
	)
}

// TestSignPolicyMismatch asserts signing refuses inputs shaped for a
// different sighash than the policy produces.
func TestSignPolicyMismatch(t *testing.T) {
	tw := newTestWallet(t)

	inscOp := tw.credit(600, inscribed("insc0"))
	tw.credit(100_000, nil)

	// A listing input demands the restricted policy.
	listing, err := tw.w.BuildPsbt(t.Context(), IntentListing{
		Asset: inscOp,
		Price: 50_000,
	})
	require.NoError(t, err)

	err = tw.w.Sign(
		t.Context(), listing, tw.session, PolicyDefault, []int{0},
	)

	var signErr *SignError
	require.ErrorAs(t, err, &signErr)
	require.Equal(t, 0, signErr.InputIndex)
	require.Empty(t, listing.Inputs[0].TaprootKeySpendSig)

	// And a send input refuses a restricted policy.
	dest := destAddress(t)
	send, err := tw.w.BuildPsbt(t.Context(), IntentSend{
		Dest:    dest.EncodeAddress(),
		Amount:  50_000,
		FeeRate: testFeeRate,
	})
	require.NoError(t, err)

	err = tw.w.Sign(
		t.Context(), send, tw.session, PolicyNoneAnyoneCanPay,
		allInputIndexes(send),
	)
	require.ErrorAs(t, err, &signErr)

	// Designation bugs are caught before any key is derived.
	err = tw.w.Sign(
		t.Context(), send, tw.session, PolicyDefault, []int{0, 0},
	)
	require.ErrorAs(t, err, &signErr)
	require.Equal(t, -1, signErr.InputIndex)

	err = tw.w.Sign(
		t.Context(), send, tw.session, PolicyDefault, []int{7},
	)
	require.ErrorAs(t, err, &signErr)
	require.Equal(t, 7, signErr.InputIndex)
}

// TestSignAllOrNothing asserts a failure on any designated input leaves
// the caller's packet entirely unsigned.
func TestSignAllOrNothing(t *testing.T) {
	tw := newTestWallet(t)
	tw.credit(600_000, nil)
	tw.credit(600_000, nil)

	dest := destAddress(t)
	packet, err := tw.w.BuildPsbt(t.Context(), IntentSend{
		Dest:    dest.EncodeAddress(),
		Amount:  1_000_000,
		FeeRate: testFeeRate,
	})
	require.NoError(t, err)
	require.Len(t, packet.UnsignedTx.TxIn, 2)

	// Point the second input's utxo at a script the wallet has no key
	// for. Its signing fails after the first input already signed.
	foreign := make([]byte, 34)
	foreign[0] = txscript.OP_1
	foreign[1] = 32
	foreign[2] = 0x99
	packet.Inputs[1].WitnessUtxo.PkScript = foreign

	err = tw.w.Sign(
		t.Context(), packet, tw.session, PolicyDefault, []int{0, 1},
	)

	var signErr *SignError
	require.ErrorAs(t, err, &signErr)
	require.Equal(t, 1, signErr.InputIndex)

	// No partial result leaked into the caller's packet.
	require.Empty(t, packet.Inputs[0].TaprootKeySpendSig)
	require.Empty(t, packet.Inputs[1].TaprootKeySpendSig)
}

// TestSignLockedVault asserts locking surfaces the vault's own errors
// and a fresh unlock recovers.
func TestSignLockedVault(t *testing.T) {
	tw := newTestWallet(t)
	tw.credit(1_000_000, nil)

	dest := destAddress(t)
	packet, err := tw.w.BuildPsbt(t.Context(), IntentSend{
		Dest:    dest.EncodeAddress(),
		Amount:  500_000,
		FeeRate: testFeeRate,
	})
	require.NoError(t, err)

	tw.w.Lock()

	err = tw.w.Sign(
		t.Context(), packet, tw.session, PolicyDefault,
		allInputIndexes(packet),
	)
	require.ErrorIs(t, err, vault.ErrLocked)

	session, err := tw.w.Unlock(t.Context(), testPassphrase)
	require.NoError(t, err)

	err = tw.w.Sign(
		t.Context(), packet, session, PolicyDefault,
		allInputIndexes(packet),
	)
	require.NoError(t, err)
}

// TestListingSignatureSurvivesSwapAccept runs the full swap between two
// wallets: the seller signs an inscription listing under the restricted
// policy, the buyer extends the packet with funding, destination and
// change, signs their own inputs, and the combined transaction verifies
// input by input under the script engine. The seller's signature
// surviving the buyer's appends is the property the whole listing flow
// stands on.
func TestListingSignatureSurvivesSwapAccept(t *testing.T) {
	oracle := newFakeOracle()
	seller := newTestWalletWith(t, oracle, testMnemonic)
	buyer := newTestWalletWith(t, oracle, buyerMnemonic)

	inscOp := seller.credit(600, inscribed("insc0"))
	fundingOp := buyer.credit(200_000, nil)

	// The seller lists the inscription for 50k, receiving on a fresh
	// address of their own.
	listing, err := seller.w.BuildPsbt(t.Context(), IntentListing{
		Asset: inscOp,
		Price: 50_000,
	})
	require.NoError(t, err)

	err = seller.w.Sign(
		t.Context(), listing, seller.session, PolicyNoneAnyoneCanPay,
		[]int{0},
	)
	require.NoError(t, err)

	// A non-default sighash appends its type byte to the signature.
	require.Len(t, listing.Inputs[0].TaprootKeySpendSig, 65)
	sellerSig := append(
		[]byte(nil), listing.Inputs[0].TaprootKeySpendSig...,
	)

	// The buyer completes the packet and signs only the appended
	// funding inputs.
	built, err := buyer.w.BuildPsbt(t.Context(), IntentSwapAccept{
		Packet:  listing,
		FeeRate: testFeeRate,
	})
	require.NoError(t, err)

	var appended []int
	for idx := 1; idx < len(built.Inputs); idx++ {
		appended = append(appended, idx)
	}

	err = buyer.w.Sign(
		t.Context(), built, buyer.session, PolicyDefault, appended,
	)
	require.NoError(t, err)

	// The seller's signature came through the append untouched.
	require.Equal(t, sellerSig, built.Inputs[0].TaprootKeySpendSig)

	tx, err := buyer.w.Finalize(built)
	require.NoError(t, err)

	// Layout: seller payment, asset to the buyer, buyer change.
	require.Len(t, tx.TxIn, 2)
	require.Equal(t, inscOp, tx.TxIn[0].PreviousOutPoint)
	require.Equal(t, fundingOp, tx.TxIn[1].PreviousOutPoint)
	require.Len(t, tx.TxOut, 3)
	require.Equal(t, int64(50_000), tx.TxOut[0].Value)
	require.Equal(t, int64(600), tx.TxOut[1].Value)

	// The payment reaches the seller and the asset the buyer.
	_, sellerAddrs, _, err := txscript.ExtractPkScriptAddrs(
		tx.TxOut[0].PkScript, &chainParams,
	)
	require.NoError(t, err)
	require.Len(t, sellerAddrs, 1)
	_, err = seller.w.book.PathFor(t.Context(), sellerAddrs[0])
	require.NoError(t, err)

	_, buyerAddrs, _, err := txscript.ExtractPkScriptAddrs(
		tx.TxOut[1].PkScript, &chainParams,
	)
	require.NoError(t, err)
	require.Len(t, buyerAddrs, 1)
	_, err = buyer.w.book.PathFor(t.Context(), buyerAddrs[0])
	require.NoError(t, err)

	// Both signatures verify against their prevouts.
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for idx, in := range tx.TxIn {
		fetcher.AddPrevOut(
			in.PreviousOutPoint, built.Inputs[idx].WitnessUtxo,
		)
	}
	verifyAllInputs(t, tx, fetcher)
}
