// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/glyphlabs/glyphwallet/vault"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// SighashPolicy selects the portion of a transaction a signature
// commits to. Modeling the supported combinations as a closed enum
// keeps nonsensical flag mixes out of the signing path entirely.
type SighashPolicy uint8

const (
	// PolicyDefault commits to the whole transaction. This is the
	// policy of ordinary sends and transfers, taproot DEFAULT or
	// legacy ALL depending on the script.
	PolicyDefault SighashPolicy = iota

	// PolicySingleAnyoneCanPay commits to the signer's own input and
	// the single output sharing its index. Rune listings sign under
	// this policy so the payment output stays pinned to the asset
	// input while the buyer attaches funding freely.
	PolicySingleAnyoneCanPay

	// PolicyNoneAnyoneCanPay commits to the signer's own input only.
	// Inscription listings sign under this policy, leaving the
	// marketplace free to attach any payment output later.
	PolicyNoneAnyoneCanPay
)

// String returns a human readable name of the policy.
func (p SighashPolicy) String() string {
	switch p {
	case PolicyDefault:
		return "default"
	case PolicySingleAnyoneCanPay:
		return "single|anyonecanpay"
	case PolicyNoneAnyoneCanPay:
		return "none|anyonecanpay"
	default:
		return fmt.Sprintf("unknown<%d>", p)
	}
}

// hashType maps the policy onto the concrete sighash for one input's
// script class.
func (p SighashPolicy) hashType(taproot bool) (txscript.SigHashType, error) {
	switch p {
	case PolicyDefault:
		if taproot {
			return txscript.SigHashDefault, nil
		}
		return txscript.SigHashAll, nil

	case PolicySingleAnyoneCanPay:
		return txscript.SigHashSingle |
			txscript.SigHashAnyOneCanPay, nil

	case PolicyNoneAnyoneCanPay:
		return txscript.SigHashNone |
			txscript.SigHashAnyOneCanPay, nil

	default:
		return 0, fmt.Errorf("unknown sighash policy %d", p)
	}
}

// Sign produces signatures for the designated inputs of the packet
// under the given policy. Keys are derived through the vault with the
// supplied session, used once and zeroed before the call returns,
// whether it succeeds, fails or is cancelled.
//
// Signing is all or nothing: signatures land in a working copy and are
// merged into the caller's packet only after every designated input
// succeeded. On failure the packet is untouched.
func (w *Wallet) Sign(ctx context.Context, packet *psbt.Packet,
	session *vault.Session, policy SighashPolicy, inputs []int) error {

	if err := w.state.validateStarted(); err != nil {
		return err
	}

	// The decrypted key region is single owner. Two signing flows
	// interleaving over it could observe a half zeroed key.
	w.signMu.Lock()
	defer w.signMu.Unlock()

	if packet == nil || packet.UnsignedTx == nil {
		return &SignError{InputIndex: -1, Reason: "nil packet"}
	}
	if len(inputs) == 0 {
		return &SignError{
			InputIndex: -1,
			Reason:     "no inputs designated",
		}
	}
	if len(fn.NewSet(inputs...)) != len(inputs) {
		return &SignError{
			InputIndex: -1,
			Reason:     "duplicate input indexes",
		}
	}
	for _, idx := range inputs {
		if idx < 0 || idx >= len(packet.Inputs) {
			return &SignError{
				InputIndex: idx,
				Reason:     "input index out of range",
			}
		}
	}

	working, err := copyPacket(packet)
	if err != nil {
		return err
	}

	// A non-ACP taproot signature commits to the amounts and scripts
	// of every input, so the whole packet must be decorated before
	// the sighash midstate is computed.
	if policy == PolicyDefault {
		for idx := range working.Inputs {
			in := &working.Inputs[idx]
			if in.WitnessUtxo == nil && in.NonWitnessUtxo == nil {
				return &SignError{
					InputIndex: idx,
					Reason:     "missing utxo info",
				}
			}
		}
	}

	fetcher := PsbtPrevOutputFetcher(working)
	sigHashes := txscript.NewTxSigHashes(working.UnsignedTx, fetcher)

	for _, idx := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := w.signInput(ctx, working, sigHashes, idx, policy,
			session)
		if err != nil {
			return err
		}
	}

	// Every designated input carries its signature now. Merge them
	// into the caller's packet.
	for _, idx := range inputs {
		packet.Inputs[idx] = working.Inputs[idx]
	}

	txHash := packet.UnsignedTx.TxHash()
	log.Debugf("Signed %d input(s) of %v under policy %v", len(inputs),
		txHash, policy)

	return nil
}

// signInput signs one input of the working packet. The derived key
// lives exactly as long as this call.
func (w *Wallet) signInput(ctx context.Context, working *psbt.Packet,
	sigHashes *txscript.TxSigHashes, idx int, policy SighashPolicy,
	session *vault.Session) error {

	in := &working.Inputs[idx]

	utxo := in.WitnessUtxo
	if utxo == nil {
		return &SignError{
			InputIndex: idx,
			Reason:     "missing witness utxo",
		}
	}

	isTaproot := txscript.IsPayToTaproot(utxo.PkScript)

	hashType, err := policy.hashType(isTaproot)
	if err != nil {
		return &SignError{InputIndex: idx, Reason: err.Error()}
	}

	// The builder stamps every input with the sighash it was shaped
	// for. Signing a listing input with a full commitment, or a send
	// input with a restricted one, is a caller bug surfaced here.
	if in.SighashType != hashType {
		return &SignError{
			InputIndex: idx,
			Reason: fmt.Sprintf("input expects sighash %v, "+
				"policy gives %v", in.SighashType, hashType),
		}
	}

	// The key is looked up by the address the utxo pays to, never by
	// derivation info embedded in the packet.
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(
		utxo.PkScript, w.cfg.ChainParams,
	)
	if err != nil || len(addrs) != 1 {
		return &SignError{
			InputIndex: idx,
			Reason:     "cannot resolve input address",
		}
	}

	path, err := w.book.PathFor(ctx, addrs[0])
	if err != nil {
		return &SignError{
			InputIndex: idx,
			Reason:     fmt.Sprintf("resolve key: %v", err),
		}
	}

	key, err := w.cfg.Vault.DeriveKey(path, session)
	if err != nil {
		// Locked vault and stale sessions surface as themselves so
		// the caller can prompt for an unlock.
		return err
	}
	defer key.Zero()

	privKey, err := key.ECPrivKey()
	if err != nil {
		return &SignError{
			InputIndex: idx,
			Reason:     fmt.Sprintf("extract key: %v", err),
		}
	}
	defer privKey.Zero()

	switch {
	case isTaproot:
		witness, err := txscript.TaprootWitnessSignature(
			working.UnsignedTx, sigHashes, idx, utxo.Value,
			utxo.PkScript, hashType, privKey,
		)
		if err != nil {
			return &SignError{
				InputIndex: idx,
				Reason:     fmt.Sprintf("taproot sign: %v", err),
			}
		}

		in.TaprootKeySpendSig = witness[0]

	case txscript.IsPayToWitnessPubKeyHash(utxo.PkScript):
		sig, err := txscript.RawTxInWitnessSignature(
			working.UnsignedTx, sigHashes, idx, utxo.Value,
			utxo.PkScript, hashType, privKey,
		)
		if err != nil {
			return &SignError{
				InputIndex: idx,
				Reason:     fmt.Sprintf("witness sign: %v", err),
			}
		}

		in.PartialSigs = append(in.PartialSigs, &psbt.PartialSig{
			PubKey:    privKey.PubKey().SerializeCompressed(),
			Signature: sig,
		})

	default:
		return &SignError{
			InputIndex: idx,
			Reason: fmt.Sprintf("unsupported script %x",
				utxo.PkScript),
		}
	}

	return nil
}

// ledgerAuthBranch is the branch of the wallet account reserved for
// ledger request authentication. Branches 0 and 1 hold receive and
// change keys, so the auth key never collides with an address key.
const ledgerAuthBranch = 2

// ledgerAuthPath is the derivation path of the ledger auth key.
var ledgerAuthPath = vault.DerivationPath{
	Account: vault.DefaultAccount,
	Branch:  ledgerAuthBranch,
	Index:   0,
}

// SignDigest signs a 32 byte digest with the wallet's ledger auth key
// and returns the DER encoded signature. The ledger verifies it against
// the account's registered pubkey to authenticate withdrawals and
// transfers.
func (w *Wallet) SignDigest(ctx context.Context, digest [32]byte,
	session *vault.Session) ([]byte, error) {

	if err := w.state.validateStarted(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.signMu.Lock()
	defer w.signMu.Unlock()

	key, err := w.cfg.Vault.DeriveKey(ledgerAuthPath, session)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("extract auth key: %w", err)
	}
	defer privKey.Zero()

	return ecdsa.Sign(privKey, digest[:]).Serialize(), nil
}

// Finalize compacts every signature into its final witness form and
// extracts the broadcast-ready transaction. The packet must be fully
// signed.
func (w *Wallet) Finalize(packet *psbt.Packet) (*wire.MsgTx, error) {
	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return nil, fmt.Errorf("finalize packet: %w", err)
	}

	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, fmt.Errorf("extract tx: %w", err)
	}

	return tx, nil
}
