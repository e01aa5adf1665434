// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// addInputInfoTaproot adds the UTXO and BIP32 derivation info for a
// SegWit v1 PSBT input (p2tr) from the given wallet information.
func addInputInfoTaproot(in *psbt.PInput, utxo *wire.TxOut,
	derivationInfo *psbt.Bip32Derivation) {

	// For SegWit v1 we only need the witness UTXO information.
	in.WitnessUtxo = &wire.TxOut{
		Value:    utxo.Value,
		PkScript: utxo.PkScript,
	}
	in.SighashType = txscript.SigHashDefault

	// Include the derivation path for each input in addition to the
	// taproot specific info we have below.
	in.Bip32Derivation = []*psbt.Bip32Derivation{
		derivationInfo,
	}

	// Include the derivation path for each input.
	in.TaprootBip32Derivation = []*psbt.TaprootBip32Derivation{{
		XOnlyPubKey:          derivationInfo.PubKey[1:],
		MasterKeyFingerprint: derivationInfo.MasterKeyFingerprint,
		Bip32Path:            derivationInfo.Bip32Path,
	}}
}

// addInputInfoSegWitV0 adds the UTXO and BIP32 derivation info for a
// SegWit v0 PSBT input (p2wkh, np2wkh) from the given wallet
// information.
func addInputInfoSegWitV0(in *psbt.PInput, prevTx *wire.MsgTx,
	utxo *wire.TxOut, derivationInfo *psbt.Bip32Derivation,
	redeemScript []byte) {

	// As a fix for CVE-2020-14199 we have to always include the full
	// non-witness UTXO in the PSBT for segwit v0.
	in.NonWitnessUtxo = prevTx

	// To make it more obvious that this is actually a witness output
	// being spent, we also add the same information as the witness
	// UTXO.
	in.WitnessUtxo = &wire.TxOut{
		Value:    utxo.Value,
		PkScript: utxo.PkScript,
	}
	in.SighashType = txscript.SigHashAll

	// Include the derivation path for each input.
	in.Bip32Derivation = []*psbt.Bip32Derivation{
		derivationInfo,
	}

	// For nested P2WKH we need to add the redeem script to the input,
	// otherwise an offline signer won't be able to sign for it. For
	// native P2WKH this will be nil.
	in.RedeemScript = redeemScript
}

// createOutputInfo creates the BIP32 derivation info for an output that
// pays back into the wallet, such as change.
func createOutputInfo(txOut *wire.TxOut,
	derivation *psbt.Bip32Derivation) *psbt.POutput {

	out := &psbt.POutput{
		Bip32Derivation: []*psbt.Bip32Derivation{
			derivation,
		},
	}

	// Include the taproot derivation path as well if this is a P2TR
	// output.
	if txscript.IsPayToTaproot(txOut.PkScript) {
		schnorrPubKey := derivation.PubKey[1:]
		out.TaprootBip32Derivation = []*psbt.TaprootBip32Derivation{{
			XOnlyPubKey:          schnorrPubKey,
			MasterKeyFingerprint: derivation.MasterKeyFingerprint,
			Bip32Path:            derivation.Bip32Path,
		}}
		out.TaprootInternalKey = schnorrPubKey
	}

	return out
}

// PsbtPrevOutputFetcher returns a txscript.PrevOutFetcher built from the
// UTXO information in a PSBT packet.
func PsbtPrevOutputFetcher(packet *psbt.Packet) *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for idx, txIn := range packet.UnsignedTx.TxIn {
		in := packet.Inputs[idx]

		// Skip any input that has no UTXO.
		if in.WitnessUtxo == nil && in.NonWitnessUtxo == nil {
			continue
		}

		if in.NonWitnessUtxo != nil {
			prevIndex := txIn.PreviousOutPoint.Index
			fetcher.AddPrevOut(
				txIn.PreviousOutPoint,
				in.NonWitnessUtxo.TxOut[prevIndex],
			)

			continue
		}

		// Fall back to witness UTXO only for older wallets.
		if in.WitnessUtxo != nil {
			fetcher.AddPrevOut(
				txIn.PreviousOutPoint, in.WitnessUtxo,
			)
		}
	}

	return fetcher
}

// copyPacket deep copies a packet through its wire form.
func copyPacket(packet *psbt.Packet) (*psbt.Packet, error) {
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize packet: %w", err)
	}

	return psbt.NewFromRawBytes(&buf, false)
}

// bip32DerivationFor resolves an owned address to the derivation record
// stamped into PSBT fields. The address must be in the address book,
// otherwise ErrNotMine is returned.
func (w *Wallet) bip32DerivationFor(ctx context.Context,
	addr btcutil.Address) (*psbt.Bip32Derivation, error) {

	path, err := w.book.PathFor(ctx, addr)
	if err != nil {
		return nil, err
	}

	pubKey, err := w.book.InternalKeyFor(path)
	if err != nil {
		return nil, fmt.Errorf("derive %s: %w", path, err)
	}

	return &psbt.Bip32Derivation{
		PubKey:               pubKey.SerializeCompressed(),
		MasterKeyFingerprint: w.book.acctXpub.ParentFingerprint(),
		Bip32Path: derivationPathBip32(
			path, w.cfg.ChainParams,
		),
	}, nil
}

// decorateOwnInput fills in the PSBT metadata of an input spending one
// of the wallet's own outputs.
func (w *Wallet) decorateOwnInput(ctx context.Context, in *psbt.PInput,
	u *Utxo) error {

	derivation, err := w.bip32DerivationFor(ctx, u.Address)
	if err != nil {
		return err
	}

	utxo := &wire.TxOut{
		Value:    int64(u.Value),
		PkScript: u.PkScript,
	}

	switch {
	case txscript.IsPayToTaproot(u.PkScript):
		addInputInfoTaproot(in, utxo, derivation)

	case txscript.IsPayToWitnessPubKeyHash(u.PkScript):
		// The wallet only derives taproot addresses, but a restored
		// snapshot may still reference v0 outputs. Those need the
		// full funding transaction.
		prevTx, err := w.cfg.Oracle.GetRawTransaction(
			ctx, &u.OutPoint.Hash,
		)
		if err != nil {
			return fmt.Errorf("fetch funding tx of %v: %w",
				u.OutPoint, err)
		}

		addInputInfoSegWitV0(in, prevTx, utxo, derivation, nil)

	default:
		return fmt.Errorf("utxo %v: unsupported script %x",
			u.OutPoint, u.PkScript)
	}

	return nil
}

// decorateOwnOutput stamps derivation info onto an output paying back
// into the wallet. Outputs paying elsewhere return ErrNotMine.
func (w *Wallet) decorateOwnOutput(ctx context.Context,
	packet *psbt.Packet, idx int) error {

	txOut := packet.UnsignedTx.TxOut[idx]

	_, addrs, _, err := txscript.ExtractPkScriptAddrs(
		txOut.PkScript, w.cfg.ChainParams,
	)
	if err != nil || len(addrs) != 1 {
		return fmt.Errorf("%w: output %d", ErrNotMine, idx)
	}

	derivation, err := w.bip32DerivationFor(ctx, addrs[0])
	if err != nil {
		return err
	}

	packet.Outputs[idx] = *createOutputInfo(txOut, derivation)

	return nil
}

// DecorateInputs fills in the PSBT metadata of every input the wallet
// owns. With skipUnknown set, inputs the wallet does not recognize are
// left untouched, which is the expected shape when completing a
// counterparty's packet. Without it, an unknown input fails the whole
// call with ErrNotMine.
func (w *Wallet) DecorateInputs(ctx context.Context, packet *psbt.Packet,
	skipUnknown bool) error {

	for idx := range packet.Inputs {
		op := packet.UnsignedTx.TxIn[idx].PreviousOutPoint

		u, err := w.DBGetUtxo(ctx, op)
		switch {
		case errors.Is(err, ErrUnknownUtxo) && skipUnknown:
			continue

		case errors.Is(err, ErrUnknownUtxo):
			return fmt.Errorf("%w: input %v", ErrNotMine, op)

		case err != nil:
			return err
		}

		err = w.decorateOwnInput(ctx, &packet.Inputs[idx], u)
		if err != nil {
			return fmt.Errorf("decorate input %d: %w", idx, err)
		}
	}

	return nil
}
