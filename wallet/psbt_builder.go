// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/glyphlabs/glyphwallet/asset"
	"github.com/glyphlabs/glyphwallet/pkg/btcunit"
)

// BuildPsbt turns a validated intent into a decorated, unsigned packet.
// Coin selection runs against the current utxo snapshot; nothing is
// persisted and no key material is touched, so a packet that is never
// signed simply falls out of scope.
func (w *Wallet) BuildPsbt(ctx context.Context,
	intent Intent) (*psbt.Packet, error) {

	if err := w.state.validateSpendable(); err != nil {
		return nil, err
	}

	if intent == nil {
		return nil, ErrNilIntent
	}
	if err := intent.validate(w.cfg.ChainParams); err != nil {
		return nil, err
	}

	switch it := intent.(type) {
	case IntentSend:
		return w.buildSend(ctx, it)

	case IntentOrdinalTransfer:
		return w.buildOrdinalTransfer(ctx, it)

	case IntentRuneTransfer:
		return w.buildRuneTransfer(ctx, it)

	case IntentListing:
		return w.buildListing(ctx, it)

	case IntentSwapAccept:
		return w.buildSwapAccept(ctx, it)

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedIntent, intent)
	}
}

// changeSource returns the fresh-script provider used whenever a built
// transaction carries change.
func (w *Wallet) changeSource() *txauthor.ChangeSource {
	return &txauthor.ChangeSource{
		ScriptSize: txsizes.P2TRPkScriptSize,
		NewScript:  w.book.NextChangeScript,
	}
}

// decoratedPacket lifts an authored transaction into a packet and
// stamps every input and the change output with the wallet's utxo and
// derivation info. The packet inputs line up with sel.Inputs.
func (w *Wallet) decoratedPacket(ctx context.Context,
	atx *txauthor.AuthoredTx, sel *Selection) (*psbt.Packet, error) {

	packet, err := psbt.NewFromUnsignedTx(atx.Tx)
	if err != nil {
		return nil, fmt.Errorf("create packet: %w", err)
	}

	for idx := range sel.Inputs {
		err := w.decorateOwnInput(
			ctx, &packet.Inputs[idx], &sel.Inputs[idx],
		)
		if err != nil {
			return nil, fmt.Errorf("decorate input %d: %w",
				idx, err)
		}
	}

	if atx.ChangeIndex >= 0 {
		err := w.decorateOwnOutput(ctx, packet, atx.ChangeIndex)
		if err != nil {
			return nil, fmt.Errorf("decorate change: %w", err)
		}
	}

	return packet, nil
}

// buildSend funds a plain value transfer. Inputs and outputs are
// shuffled into BIP 69 order before the packet is returned.
func (w *Wallet) buildSend(ctx context.Context,
	intent IntentSend) (*psbt.Packet, error) {

	destScript, err := decodeDestination(
		"destination", intent.Dest, w.cfg.ChainParams,
	)
	if err != nil {
		return nil, err
	}

	outputs := []*wire.TxOut{{
		Value:    int64(intent.Amount),
		PkScript: destScript,
	}}

	utxos, err := w.DBListUtxos(ctx)
	if err != nil {
		return nil, err
	}

	sel, err := SelectCoins(utxos, intent.Amount, intent.FeeRate, SelectOpts{
		Strategy: w.cfg.CoinSelectionStrategy,
		Outputs:  outputs,
		MinConf:  w.cfg.MinConf,
	})
	if err != nil {
		return nil, err
	}

	atx, err := fundSelection(sel, outputs, w.changeSource())
	if err != nil {
		return nil, err
	}

	packet, err := w.decoratedPacket(ctx, atx, sel)
	if err != nil {
		return nil, err
	}

	if err := psbt.InPlaceSort(packet); err != nil {
		return nil, fmt.Errorf("sort packet: %w", err)
	}

	log.Debugf("Funded send of %v to %s: %d input(s), fee %v, "+
		"change %v", intent.Amount, intent.Dest, len(sel.Inputs),
		sel.Fee, sel.Change)

	return packet, nil
}

// buildOrdinalTransfer moves a single inscription to the destination.
func (w *Wallet) buildOrdinalTransfer(ctx context.Context,
	intent IntentOrdinalTransfer) (*psbt.Packet, error) {

	return w.buildAssetTransfer(
		ctx, intent.Dest, intent.Inscription, intent.FeeRate,
		"inscription", false,
	)
}

// buildRuneTransfer moves the full rune balance of one utxo to the
// destination. No runestone is attached, so the protocol's default
// assignment applies and the entire balance lands on the first
// non-OP_RETURN output, which is the destination by construction.
func (w *Wallet) buildRuneTransfer(ctx context.Context,
	intent IntentRuneTransfer) (*psbt.Packet, error) {

	return w.buildAssetTransfer(
		ctx, intent.Dest, intent.Rune, intent.FeeRate, "rune", true,
	)
}

// buildAssetTransfer builds the shared shape of both asset transfers:
// the asset utxo is input zero and the destination is output zero at
// the asset's full postage, so the sat range carrying the asset maps
// onto the destination. Fee funding is appended behind them and the
// packet is never sorted.
func (w *Wallet) buildAssetTransfer(ctx context.Context, dest string,
	assetOp wire.OutPoint, feeRate btcunit.SatPerVByte, field string,
	wantRune bool) (*psbt.Packet, error) {

	destScript, err := decodeDestination(
		"destination", dest, w.cfg.ChainParams,
	)
	if err != nil {
		return nil, err
	}

	assetUtxo, err := w.DBGetUtxo(ctx, assetOp)
	if err != nil {
		return nil, err
	}

	switch assetUtxo.Tag.(type) {
	case asset.Rune:
		if !wantRune {
			return nil, &ValidationError{
				Field:  field,
				Reason: "utxo holds a rune, not an inscription",
			}
		}

	case asset.Inscription:
		if wantRune {
			return nil, &ValidationError{
				Field:  field,
				Reason: "utxo holds an inscription, not a rune",
			}
		}

	default:
		return nil, &ValidationError{
			Field: field,
			Reason: fmt.Sprintf("utxo is not asset-bearing (%v)",
				assetUtxo.Tag),
		}
	}

	outputs := []*wire.TxOut{{
		Value:    int64(assetUtxo.Value),
		PkScript: destScript,
	}}

	utxos, err := w.DBListUtxos(ctx)
	if err != nil {
		return nil, err
	}

	// Forcing the asset utxo pins it to input zero. Its postage exactly
	// covers the destination output, so the selected spendables pay
	// only the fee.
	sel, err := SelectCoins(utxos, assetUtxo.Value, feeRate, SelectOpts{
		Strategy: w.cfg.CoinSelectionStrategy,
		Outputs:  outputs,
		Force:    []Utxo{*assetUtxo},
		MinConf:  w.cfg.MinConf,
	})
	if err != nil {
		return nil, err
	}

	atx, err := fundSelection(sel, outputs, w.changeSource())
	if err != nil {
		return nil, err
	}

	return w.decoratedPacket(ctx, atx, sel)
}

// buildListing builds the one-input, one-output sell packet. The asset
// utxo is the sole input and the asking price pays to the seller's
// receive address. The input's sighash hint is the restricted policy
// that lets a later counterparty attach their own inputs and outputs
// without disturbing the seller's signature.
func (w *Wallet) buildListing(ctx context.Context,
	intent IntentListing) (*psbt.Packet, error) {

	assetUtxo, err := w.DBGetUtxo(ctx, intent.Asset)
	if err != nil {
		return nil, err
	}

	var sigHash txscript.SigHashType
	switch assetUtxo.Tag.(type) {
	case asset.Rune:
		sigHash = txscript.SigHashSingle |
			txscript.SigHashAnyOneCanPay

	case asset.Inscription:
		sigHash = txscript.SigHashNone |
			txscript.SigHashAnyOneCanPay

	default:
		return nil, &ValidationError{
			Field: "asset",
			Reason: fmt.Sprintf("utxo is not asset-bearing (%v)",
				assetUtxo.Tag),
		}
	}

	var receiveScript []byte
	if intent.Receive != "" {
		receiveScript, err = decodeDestination(
			"receive", intent.Receive, w.cfg.ChainParams,
		)
		if err != nil {
			return nil, err
		}
	} else {
		addr, err := w.book.NextReceiveAddress(ctx)
		if err != nil {
			return nil, fmt.Errorf("receive address: %w", err)
		}

		receiveScript, err = txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("receive script: %w", err)
		}
	}

	op := intent.Asset
	tx := &wire.MsgTx{
		Version: wire.TxVersion,
		TxIn:    []*wire.TxIn{wire.NewTxIn(&op, nil, nil)},
		TxOut: []*wire.TxOut{{
			Value:    int64(intent.Price),
			PkScript: receiveScript,
		}},
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("create packet: %w", err)
	}

	err = w.decorateOwnInput(ctx, &packet.Inputs[0], assetUtxo)
	if err != nil {
		return nil, fmt.Errorf("decorate input 0: %w", err)
	}

	packet.Inputs[0].SighashType = sigHash

	return packet, nil
}

// buildSwapAccept extends a counterparty's partially signed packet with
// the accepter's side: fee-covering inputs, the asset destination
// output carrying the signed inputs' combined postage, and change.
// Existing inputs and outputs keep their positions, so the restricted
// counterparty signature survives the pure appends.
func (w *Wallet) buildSwapAccept(ctx context.Context,
	intent IntentSwapAccept) (*psbt.Packet, error) {

	// Extend a copy so a failure cannot leave the caller's packet half
	// modified.
	packet, err := copyPacket(intent.Packet)
	if err != nil {
		return nil, err
	}

	signed := signedInputIndexes(packet)
	if len(signed) == 0 {
		return nil, &ValidationError{
			Field:  "packet",
			Reason: "no signed inputs to accept",
		}
	}

	// Every existing input belongs to the counterparty. Its utxo info
	// is needed for the fee arithmetic, and later for finalization, so
	// an undeclared one fails here rather than at broadcast.
	existing := make([]Utxo, len(packet.Inputs))
	for idx := range packet.Inputs {
		in := &packet.Inputs[idx]
		prevOut := packet.UnsignedTx.TxIn[idx].PreviousOutPoint

		utxo := in.WitnessUtxo
		if utxo == nil && in.NonWitnessUtxo != nil {
			prevIdx := prevOut.Index
			if int(prevIdx) >= len(in.NonWitnessUtxo.TxOut) {
				return nil, &ValidationError{
					Field: "packet",
					Reason: fmt.Sprintf("input %d "+
						"references output %d of a "+
						"%d-output tx", idx, prevIdx,
						len(in.NonWitnessUtxo.TxOut)),
				}
			}
			utxo = in.NonWitnessUtxo.TxOut[prevIdx]
		}
		if utxo == nil {
			return nil, &ValidationError{
				Field: "packet",
				Reason: fmt.Sprintf("input %d carries no "+
					"utxo info", idx),
			}
		}

		existing[idx] = Utxo{
			OutPoint: prevOut,
			Value:    btcutil.Amount(utxo.Value),
			PkScript: utxo.PkScript,
		}
	}

	// A single-style signature pins the output sharing its index. That
	// output must already exist, appending can then never disturb the
	// pairing.
	var postage btcutil.Amount
	for _, idx := range signed {
		hashType := packet.Inputs[idx].SighashType
		baseType := hashType &^ txscript.SigHashAnyOneCanPay
		if baseType == txscript.SigHashSingle &&
			idx >= len(packet.UnsignedTx.TxOut) {

			return nil, &ValidationError{
				Field: "packet",
				Reason: fmt.Sprintf("signed input %d has no "+
					"paired output", idx),
			}
		}

		postage += existing[idx].Value
	}

	var destScript []byte
	if intent.Dest != "" {
		destScript, err = decodeDestination(
			"destination", intent.Dest, w.cfg.ChainParams,
		)
		if err != nil {
			return nil, err
		}
	} else {
		addr, err := w.book.NextReceiveAddress(ctx)
		if err != nil {
			return nil, fmt.Errorf("receive address: %w", err)
		}

		destScript, err = txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("receive script: %w", err)
		}
	}

	// The signed inputs' postage flows through to the accepter's asset
	// destination, value preserved.
	assetOut := &wire.TxOut{
		Value:    int64(postage),
		PkScript: destScript,
	}

	outputs := make([]*wire.TxOut, 0, len(packet.UnsignedTx.TxOut)+1)
	outputs = append(outputs, packet.UnsignedTx.TxOut...)
	outputs = append(outputs, assetOut)

	var target btcutil.Amount
	for _, out := range outputs {
		target += btcutil.Amount(out.Value)
	}

	utxos, err := w.DBListUtxos(ctx)
	if err != nil {
		return nil, err
	}

	// Forcing the counterparty inputs folds their value and weight
	// into the arithmetic without marking them for decoration. The
	// selected spendables cover the payment outputs and the fee.
	sel, err := SelectCoins(utxos, target, intent.FeeRate, SelectOpts{
		Strategy: w.cfg.CoinSelectionStrategy,
		Outputs:  outputs,
		Force:    existing,
		MinConf:  w.cfg.MinConf,
	})
	if err != nil {
		return nil, err
	}
	appended := sel.Inputs[len(existing):]

	packet.UnsignedTx.TxOut = append(packet.UnsignedTx.TxOut, assetOut)
	packet.Outputs = append(packet.Outputs, psbt.POutput{})

	assetIdx := len(packet.UnsignedTx.TxOut) - 1
	err = w.decorateOwnOutput(ctx, packet, assetIdx)
	if err != nil && !errors.Is(err, ErrNotMine) {
		return nil, fmt.Errorf("decorate output %d: %w", assetIdx, err)
	}

	for i := range appended {
		op := appended[i].OutPoint
		packet.UnsignedTx.TxIn = append(
			packet.UnsignedTx.TxIn, wire.NewTxIn(&op, nil, nil),
		)
		packet.Inputs = append(packet.Inputs, psbt.PInput{})

		idx := len(packet.Inputs) - 1
		err := w.decorateOwnInput(
			ctx, &packet.Inputs[idx], &appended[i],
		)
		if err != nil {
			return nil, fmt.Errorf("decorate input %d: %w",
				idx, err)
		}
	}

	if sel.Change > 0 {
		changeScript, err := w.book.NextChangeScript()
		if err != nil {
			return nil, fmt.Errorf("new change script: %w", err)
		}

		packet.UnsignedTx.TxOut = append(
			packet.UnsignedTx.TxOut, &wire.TxOut{
				Value:    int64(sel.Change),
				PkScript: changeScript,
			},
		)
		packet.Outputs = append(packet.Outputs, psbt.POutput{})

		changeIdx := len(packet.UnsignedTx.TxOut) - 1
		err = w.decorateOwnOutput(ctx, packet, changeIdx)
		if err != nil {
			return nil, fmt.Errorf("decorate change: %w", err)
		}
	}

	log.Debugf("Accepted swap packet: %d counterparty input(s), %d "+
		"appended input(s), fee %v", len(existing), len(appended),
		sel.Fee)

	return packet, nil
}
