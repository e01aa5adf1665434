// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/glyphlabs/glyphwallet/pkg/btcunit"
)

var (
	// DefaultMaxFeeRate is the maximum fee rate the wallet will consider
	// sane. This prevents users from accidentally paying exorbitant
	// fees.
	DefaultMaxFeeRate = btcunit.NewSatPerVByte(10_000)
)

// Intent describes what a transaction should accomplish. The set of
// variants is closed; BuildPsbt dispatches on the concrete type and
// rejects anything else.
type Intent interface {
	// isIntent is a private marker sealing the set of variants.
	isIntent()

	// validate checks the intent's fields against the network. It runs
	// before any coin selection, so a bad intent never touches the
	// snapshot.
	validate(params *chaincfg.Params) error
}

// IntentSend pays an amount to a destination from spendable coins.
type IntentSend struct {
	// Dest is the encoded destination address.
	Dest string

	// Amount is the payment value.
	Amount btcutil.Amount

	// FeeRate is the fee rate the transaction should pay.
	FeeRate btcunit.SatPerVByte
}

// IntentOrdinalTransfer moves an inscription-bearing output to a
// destination. The inscribed output is the first input and the
// destination the first output, preserving the sat ordering that
// inscription numbering depends on.
type IntentOrdinalTransfer struct {
	// Dest is the encoded destination address.
	Dest string

	// Inscription is the outpoint carrying the inscription.
	Inscription wire.OutPoint

	// FeeRate is the fee rate the transaction should pay.
	FeeRate btcunit.SatPerVByte
}

// IntentRuneTransfer moves a rune-bearing output to a destination.
// Without an explicit edict, runes assign to the first non-OP_RETURN
// output, so the destination is pinned to index zero.
type IntentRuneTransfer struct {
	// Dest is the encoded destination address.
	Dest string

	// Rune is the outpoint carrying the rune balance.
	Rune wire.OutPoint

	// FeeRate is the fee rate the transaction should pay.
	FeeRate btcunit.SatPerVByte
}

// IntentListing prepares a one-input, one-output packet offering an
// asset for sale: the asset outpoint against a payment to the seller.
// The counterparty completes and funds the transaction.
type IntentListing struct {
	// Asset is the outpoint being offered.
	Asset wire.OutPoint

	// Price is the asking price the payment output demands.
	Price btcutil.Amount

	// Receive is the encoded address the payment should reach. Empty
	// allocates a fresh receive address.
	Receive string
}

// IntentSwapAccept completes a counterparty's partially signed listing:
// their signed input/output pairs stay untouched while the accepter
// appends funding inputs, the asset destination and change.
type IntentSwapAccept struct {
	// Packet is the counterparty's partially signed packet.
	Packet *psbt.Packet

	// Dest is the encoded address the asset should land on. Empty
	// allocates a fresh receive address.
	Dest string

	// FeeRate is the fee rate the accepter pays for the whole
	// transaction.
	FeeRate btcunit.SatPerVByte
}

func (IntentSend) isIntent()            {}
func (IntentOrdinalTransfer) isIntent() {}
func (IntentRuneTransfer) isIntent()    {}
func (IntentListing) isIntent()         {}
func (IntentSwapAccept) isIntent()      {}

// Compile time checks to ensure all variants implement Intent.
var _ Intent = (*IntentSend)(nil)
var _ Intent = (*IntentOrdinalTransfer)(nil)
var _ Intent = (*IntentRuneTransfer)(nil)
var _ Intent = (*IntentListing)(nil)
var _ Intent = (*IntentSwapAccept)(nil)

// validate checks the destination, amount and fee rate.
func (i IntentSend) validate(params *chaincfg.Params) error {
	script, err := decodeDestination("destination", i.Dest, params)
	if err != nil {
		return err
	}

	if err := checkOutputValue("amount", i.Amount, script); err != nil {
		return err
	}

	return checkFeeRate(i.FeeRate)
}

// validate checks the destination, the inscription outpoint and the fee
// rate.
func (i IntentOrdinalTransfer) validate(params *chaincfg.Params) error {
	_, err := decodeDestination("destination", i.Dest, params)
	if err != nil {
		return err
	}

	if err := checkOutPoint("inscription", i.Inscription); err != nil {
		return err
	}

	return checkFeeRate(i.FeeRate)
}

// validate checks the destination, the rune outpoint and the fee rate.
func (i IntentRuneTransfer) validate(params *chaincfg.Params) error {
	_, err := decodeDestination("destination", i.Dest, params)
	if err != nil {
		return err
	}

	if err := checkOutPoint("rune", i.Rune); err != nil {
		return err
	}

	return checkFeeRate(i.FeeRate)
}

// validate checks the asset outpoint, the price and, when given, the
// receive address. An empty receive address is resolved at build time.
func (i IntentListing) validate(params *chaincfg.Params) error {
	if err := checkOutPoint("asset", i.Asset); err != nil {
		return err
	}

	if i.Price <= 0 {
		return &ValidationError{
			Field:  "price",
			Reason: "must be positive",
		}
	}

	if i.Receive == "" {
		return nil
	}

	script, err := decodeDestination("receive", i.Receive, params)
	if err != nil {
		return err
	}

	return checkOutputValue("price", i.Price, script)
}

// validate checks the counterparty packet carries at least one signed
// input, and the accepter's destination and fee rate.
func (i IntentSwapAccept) validate(params *chaincfg.Params) error {
	if i.Packet == nil || i.Packet.UnsignedTx == nil {
		return &ValidationError{
			Field:  "packet",
			Reason: "missing",
		}
	}

	if len(i.Packet.UnsignedTx.TxIn) == 0 {
		return &ValidationError{
			Field:  "packet",
			Reason: "no inputs",
		}
	}

	if len(signedInputIndexes(i.Packet)) == 0 {
		return &ValidationError{
			Field:  "packet",
			Reason: "no signed inputs",
		}
	}

	if i.Dest != "" {
		_, err := decodeDestination("destination", i.Dest, params)
		if err != nil {
			return err
		}
	}

	return checkFeeRate(i.FeeRate)
}

// signedInputIndexes returns the indexes of packet inputs that already
// carry a signature.
func signedInputIndexes(packet *psbt.Packet) []int {
	var signed []int
	for i := range packet.Inputs {
		in := &packet.Inputs[i]

		if len(in.TaprootKeySpendSig) > 0 ||
			len(in.TaprootScriptSpendSig) > 0 ||
			len(in.PartialSigs) > 0 ||
			len(in.FinalScriptWitness) > 0 {

			signed = append(signed, i)
		}
	}

	return signed
}

// decodeDestination decodes an address for the configured network and
// rejects script shapes the wallet does not pay to. It returns the
// locking script of the address.
func decodeDestination(field, dest string,
	params *chaincfg.Params) ([]byte, error) {

	if dest == "" {
		return nil, &ValidationError{
			Field:  field,
			Reason: "empty address",
		}
	}

	addr, err := btcutil.DecodeAddress(dest, params)
	if err != nil {
		return nil, &ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("malformed address: %v", err),
		}
	}

	if !addr.IsForNet(params) {
		return nil, &ValidationError{
			Field:  field,
			Reason: "address is for a different network",
		}
	}

	switch addr.(type) {
	case *btcutil.AddressTaproot,
		*btcutil.AddressWitnessPubKeyHash,
		*btcutil.AddressScriptHash,
		*btcutil.AddressPubKeyHash:

	default:
		return nil, &ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("unsupported address type %T",
				addr),
		}
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, &ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("cannot build script: %v", err),
		}
	}

	return script, nil
}

// checkOutputValue rejects non-positive and dust values for the given
// locking script.
func checkOutputValue(field string, value btcutil.Amount,
	pkScript []byte) error {

	if value <= 0 {
		return &ValidationError{
			Field:  field,
			Reason: "must be positive",
		}
	}

	txOut := wire.TxOut{Value: int64(value), PkScript: pkScript}
	err := txrules.CheckOutput(&txOut, txrules.DefaultRelayFeePerKb)
	if err != nil {
		return &ValidationError{
			Field:  field,
			Reason: err.Error(),
		}
	}

	return nil
}

// checkOutPoint rejects the all-zero outpoint.
func checkOutPoint(field string, op wire.OutPoint) error {
	if op.Hash == (chainhash.Hash{}) {
		return &ValidationError{
			Field:  field,
			Reason: "empty outpoint",
		}
	}

	return nil
}

// checkFeeRate rejects zero and insane fee rates.
func checkFeeRate(rate btcunit.SatPerVByte) error {
	if rate.LessThanOrEqual(btcunit.ZeroSatPerVByte) {
		return &ValidationError{
			Field:  "fee rate",
			Reason: "must be positive",
		}
	}

	if rate.GreaterThan(DefaultMaxFeeRate) {
		return &ValidationError{
			Field: "fee rate",
			Reason: fmt.Sprintf("%s exceeds max sane rate %s",
				rate, DefaultMaxFeeRate),
		}
	}

	return nil
}
