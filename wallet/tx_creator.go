// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/glyphlabs/glyphwallet/pkg/btcunit"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DustChangeFloor is the smallest change output the wallet will
	// create. Anything below it is uneconomic to sweep later and folds
	// into the fee instead.
	DustChangeFloor = btcutil.Amount(546)
)

// CoinSelectionStrategy is an interface that represents a coin selection
// strategy. A coin selection strategy is responsible for ordering,
// shuffling or filtering a list of coins before they are passed to the
// coin selection algorithm.
type CoinSelectionStrategy interface {
	// ArrangeCoins takes a list of coins and arranges them according
	// to the specified coin selection strategy and fee rate.
	ArrangeCoins(eligible []Utxo,
		feeRate btcunit.SatPerVByte) ([]Utxo, error)
}

var (
	// CoinSelectionLargest always picks the largest available utxo to
	// add to the transaction next.
	CoinSelectionLargest CoinSelectionStrategy = &LargestFirstCoinSelector{}

	// CoinSelectionRandom randomly selects the next utxo to add to the
	// transaction. This strategy prevents the creation of ever smaller
	// utxos over time.
	CoinSelectionRandom CoinSelectionStrategy = &RandomCoinSelector{}
)

// SelectOpts tunes a single selection round.
type SelectOpts struct {
	// Strategy arranges the eligible coins. Nil uses
	// CoinSelectionLargest.
	Strategy CoinSelectionStrategy

	// Outputs are the planned destination outputs, used to size the
	// transaction. Empty assumes a single taproot output.
	Outputs []*wire.TxOut

	// Force are outputs that must be spent regardless of value, such
	// as the asset outpoint of a transfer. They are exempt from the
	// spendability and yield filters.
	Force []Utxo

	// MinConf excludes outputs with fewer confirmations. Zero accepts
	// unconfirmed outputs.
	MinConf int32
}

// Selection is the outcome of one coin selection round. The fee already
// accounts for the change output when one is created; when the change
// would fall below DustChangeFloor it is zero and the surplus is part of
// the fee.
type Selection struct {
	// Inputs are the outputs to spend, forced ones first.
	Inputs []Utxo

	// Target is the amount the selection covers.
	Target btcutil.Amount

	// Fee is the amount left to miners.
	Fee btcutil.Amount

	// Change is the amount returned to the wallet, zero when folded.
	Change btcutil.Amount
}

// TotalInput returns the summed value of the selected inputs.
func (s *Selection) TotalInput() btcutil.Amount {
	var total btcutil.Amount
	for _, in := range s.Inputs {
		total += in.Value
	}

	return total
}

// SelectCoins picks unspent outputs covering target plus the fee at
// feeRate. Only outputs carrying a spendable verdict are eligible;
// asset-bearing and unclassified outputs never enter a selection unless
// explicitly forced. The fee is computed from the virtual size of the
// concrete input and output scripts and rounded up to a whole satoshi.
func SelectCoins(utxos []Utxo, target btcutil.Amount,
	feeRate btcunit.SatPerVByte, opts SelectOpts) (*Selection, error) {

	if err := checkFeeRate(feeRate); err != nil {
		return nil, err
	}
	if target <= 0 && len(opts.Force) == 0 {
		return nil, &ValidationError{
			Field:  "target",
			Reason: "must be positive",
		}
	}

	// Forced inputs must be unique. A duplicate would double-count its
	// value and produce a transaction the network rejects.
	forced := make([]wire.OutPoint, 0, len(opts.Force))
	for _, u := range opts.Force {
		forced = append(forced, u.OutPoint)
	}
	dedupForced := fn.NewSet(forced...)
	if len(dedupForced) != len(opts.Force) {
		return nil, &ValidationError{
			Field:  "force",
			Reason: "duplicate outpoints",
		}
	}

	strategy := opts.Strategy
	if strategy == nil {
		strategy = CoinSelectionLargest
	}

	// Filter the snapshot down to coins ordinary payments may touch.
	eligible := make([]Utxo, 0, len(utxos))
	for _, u := range utxos {
		if dedupForced.Contains(u.OutPoint) {
			continue
		}
		if !u.spendable() {
			continue
		}
		if u.Confirmations < opts.MinConf {
			continue
		}
		if !inputYieldsPositively(&u, feeRate) {
			continue
		}

		eligible = append(eligible, u)
	}

	arranged, err := strategy.ArrangeCoins(eligible, feeRate)
	if err != nil {
		return nil, fmt.Errorf("arrange coins: %w", err)
	}

	outputs := opts.Outputs
	if len(outputs) == 0 {
		// Size against a synthetic taproot output when the caller
		// only knows the amount.
		outputs = []*wire.TxOut{{
			Value:    int64(target),
			PkScript: make([]byte, txsizes.P2TRPkScriptSize),
		}}
	}

	inputs := append([]Utxo(nil), opts.Force...)

	var total btcutil.Amount
	for _, u := range inputs {
		total += u.Value
	}

	available := total
	for _, u := range arranged {
		available += u.Value
	}

	var fee btcutil.Amount

	for {
		vsize := estimateVirtualSize(inputs, outputs, true)
		fee = feeRate.FeeForVByteRoundUp(vsize)

		if total >= target+fee && len(inputs) > 0 {
			break
		}

		if len(arranged) == 0 {
			return nil, &InsufficientFundsError{
				Target:    target,
				FeeNeeded: fee,
				Available: available,
			}
		}

		next := arranged[0]
		arranged = arranged[1:]

		inputs = append(inputs, next)
		total += next.Value
	}

	sel := &Selection{
		Inputs: inputs,
		Target: target,
	}

	change := total - target - fee
	if change < DustChangeFloor {
		// Too small to sweep later: the surplus goes to miners.
		sel.Fee = total - target
		sel.Change = 0

		return sel, nil
	}

	sel.Fee = fee
	sel.Change = change

	return sel, nil
}

// constantInputSource creates an input source function that always
// returns the static set of already selected coins.
func constantInputSource(selected []Utxo) txauthor.InputSource {
	// These won't change over different invocations as we want our
	// inputs to remain static since they were decided by the selector.
	currentTotal := btcutil.Amount(0)
	currentInputs := make([]*wire.TxIn, 0, len(selected))
	currentScripts := make([][]byte, 0, len(selected))
	currentInputValues := make([]btcutil.Amount, 0, len(selected))

	for _, u := range selected {
		outpoint := u.OutPoint
		nextInput := wire.NewTxIn(&outpoint, nil, nil)
		currentTotal += u.Value

		currentInputs = append(currentInputs, nextInput)
		currentScripts = append(currentScripts, u.PkScript)
		currentInputValues = append(currentInputValues, u.Value)
	}

	return func(target btcutil.Amount) (btcutil.Amount, []*wire.TxIn,
		[]btcutil.Amount, [][]byte, error) {

		return currentTotal, currentInputs, currentInputValues,
			currentScripts, nil
	}
}

// fundSelection materializes a selection into an unsigned transaction.
// Destination outputs keep their order; the change output, if any, is
// appended last and its index recorded in the authored transaction.
func fundSelection(sel *Selection, outputs []*wire.TxOut,
	changeSource *txauthor.ChangeSource) (*txauthor.AuthoredTx, error) {

	inputSource := constantInputSource(sel.Inputs)

	totalInput, inputs, inputValues, scripts, err := inputSource(
		sel.Target,
	)
	if err != nil {
		return nil, err
	}

	txOuts := make([]*wire.TxOut, len(outputs))
	copy(txOuts, outputs)

	tx := &wire.MsgTx{
		Version: wire.TxVersion,
		TxIn:    inputs,
		TxOut:   txOuts,
	}

	changeIndex := -1
	if sel.Change > 0 {
		changeScript, err := changeSource.NewScript()
		if err != nil {
			return nil, fmt.Errorf("new change script: %w", err)
		}

		tx.TxOut = append(tx.TxOut, &wire.TxOut{
			Value:    int64(sel.Change),
			PkScript: changeScript,
		})
		changeIndex = len(tx.TxOut) - 1
	}

	return &txauthor.AuthoredTx{
		Tx:              tx,
		PrevScripts:     scripts,
		PrevInputValues: inputValues,
		TotalInput:      totalInput,
		ChangeIndex:     changeIndex,
	}, nil
}

// estimateVirtualSize sizes a transaction spending the given inputs to
// the given outputs, optionally with a taproot change output appended.
func estimateVirtualSize(inputs []Utxo, outputs []*wire.TxOut,
	withChange bool) btcunit.VByte {

	var p2pkh, p2tr, p2wpkh, nested int
	for _, u := range inputs {
		switch {
		case txscript.IsPayToTaproot(u.PkScript):
			p2tr++
		case txscript.IsPayToWitnessPubKeyHash(u.PkScript):
			p2wpkh++
		case txscript.IsPayToScriptHash(u.PkScript):
			nested++
		default:
			p2pkh++
		}
	}

	changeScriptSize := 0
	if withChange {
		changeScriptSize = txsizes.P2TRPkScriptSize
	}

	vsize := txsizes.EstimateVirtualSize(
		p2pkh, p2tr, p2wpkh, nested, outputs, changeScriptSize,
	)

	return btcunit.NewVByte(uint64(vsize))
}

// inputYieldsPositively reports whether spending the output adds more
// value than the fee its input costs at the given rate.
func inputYieldsPositively(u *Utxo, feeRate btcunit.SatPerVByte) bool {
	inputSize := txsizes.GetMinInputVirtualSize(u.PkScript)
	inputFee := feeRate.FeeForVByteRoundUp(
		btcunit.NewVByte(uint64(inputSize)),
	)

	return inputFee < u.Value
}

// sortByAmount is a sortable type for ordering coins by their amount.
type sortByAmount []Utxo

func (s sortByAmount) Len() int { return len(s) }
func (s sortByAmount) Less(i, j int) bool {
	return s[i].Value < s[j].Value
}
func (s sortByAmount) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

// LargestFirstCoinSelector is an implementation of the
// CoinSelectionStrategy that always selects the largest coins first.
type LargestFirstCoinSelector struct{}

// ArrangeCoins takes a list of coins and arranges them according to the
// specified coin selection strategy and fee rate.
func (*LargestFirstCoinSelector) ArrangeCoins(eligible []Utxo,
	_ btcunit.SatPerVByte) ([]Utxo, error) {

	sort.Sort(sort.Reverse(sortByAmount(eligible)))

	return eligible, nil
}

// RandomCoinSelector is an implementation of the CoinSelectionStrategy
// that selects coins at random. This prevents the creation of ever
// smaller utxos over time that may never become economical to spend.
type RandomCoinSelector struct{}

// ArrangeCoins takes a list of coins and arranges them according to the
// specified coin selection strategy and fee rate.
func (*RandomCoinSelector) ArrangeCoins(eligible []Utxo,
	_ btcunit.SatPerVByte) ([]Utxo, error) {

	rand.Shuffle(len(eligible), func(i, j int) {
		eligible[i], eligible[j] = eligible[j], eligible[i]
	})

	return eligible, nil
}
