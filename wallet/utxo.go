// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/glyphlabs/glyphwallet/asset"
	"github.com/lightningnetwork/lnd/tlv"
)

// Utxo is one unspent output owned by the wallet, together with the
// asset verdict the classifier assigned to it. Everything the selector
// and the PSBT builder need to spend the output is carried here.
type Utxo struct {
	// OutPoint identifies the output.
	OutPoint wire.OutPoint

	// Value is the output amount.
	Value btcutil.Amount

	// PkScript is the locking script of the output.
	PkScript []byte

	// Address is the wallet address the output pays to.
	Address btcutil.Address

	// Height is the height of the funding block, zero while
	// unconfirmed.
	Height int32

	// Confirmations is the depth of the output at the snapshot tip.
	// Zero while unconfirmed. Derived at read time, not persisted.
	Confirmations int32

	// Tag is the classifier's verdict for the output. A nil tag is
	// treated as protected.
	Tag asset.Tag
}

// String returns the outpoint of the utxo.
func (u *Utxo) String() string {
	return u.OutPoint.String()
}

// spendable reports whether ordinary payments may consume this output.
func (u *Utxo) spendable() bool {
	return asset.IsSpendable(u.Tag)
}

// Tlv types of the persisted utxo record.
const (
	typeUtxoValue    tlv.Type = 1
	typeUtxoPkScript tlv.Type = 2
	typeUtxoHeight   tlv.Type = 3
	typeUtxoTag      tlv.Type = 4
)

// canonicalOutPoint serializes an outpoint as the 36 byte key used in
// the utxo bucket: the txid followed by the big-endian output index.
func canonicalOutPoint(op *wire.OutPoint) []byte {
	var k [chainhash.HashSize + 4]byte
	copy(k[:chainhash.HashSize], op.Hash[:])
	byteOrder.PutUint32(k[chainhash.HashSize:], op.Index)

	return k[:]
}

// readCanonicalOutPoint decodes a bucket key back into an outpoint.
func readCanonicalOutPoint(k []byte) (wire.OutPoint, error) {
	if len(k) != chainhash.HashSize+4 {
		return wire.OutPoint{}, fmt.Errorf("bad outpoint key length "+
			"%d", len(k))
	}

	var op wire.OutPoint
	copy(op.Hash[:], k[:chainhash.HashSize])
	op.Index = byteOrder.Uint32(k[chainhash.HashSize:])

	return op, nil
}

// marshalUtxo encodes the mutable part of a utxo record. The outpoint is
// the bucket key and is not repeated in the value.
func marshalUtxo(u *Utxo) ([]byte, error) {
	tagBytes, err := asset.MarshalTag(u.Tag)
	if err != nil {
		return nil, fmt.Errorf("marshal tag: %w", err)
	}

	value := uint64(u.Value)
	height := uint32(u.Height)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeUtxoValue, &value),
		tlv.MakePrimitiveRecord(typeUtxoPkScript, &u.PkScript),
		tlv.MakePrimitiveRecord(typeUtxoHeight, &height),
		tlv.MakePrimitiveRecord(typeUtxoTag, &tagBytes),
	)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// unmarshalUtxo decodes a utxo record. The address is reconstructed from
// the locking script rather than stored.
func unmarshalUtxo(op wire.OutPoint, raw []byte,
	params *chaincfg.Params) (*Utxo, error) {

	var (
		value    uint64
		pkScript []byte
		height   uint32
		tagBytes []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeUtxoValue, &value),
		tlv.MakePrimitiveRecord(typeUtxoPkScript, &pkScript),
		tlv.MakePrimitiveRecord(typeUtxoHeight, &height),
		tlv.MakePrimitiveRecord(typeUtxoTag, &tagBytes),
	)
	if err != nil {
		return nil, err
	}

	if err := stream.Decode(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("decode utxo record: %w", err)
	}

	tag, err := asset.UnmarshalTag(tagBytes)
	if err != nil {
		return nil, fmt.Errorf("decode tag: %w", err)
	}

	utxo := &Utxo{
		OutPoint: op,
		Value:    btcutil.Amount(value),
		PkScript: pkScript,
		Height:   int32(height),
		Tag:      tag,
	}

	// Non-standard scripts cannot pay to us, so a failed extraction
	// here means the record was written by a different version.
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, params)
	if err != nil || len(addrs) != 1 {
		return nil, fmt.Errorf("utxo %v: cannot recover address "+
			"from script %x", op, pkScript)
	}
	utxo.Address = addrs[0]

	return utxo, nil
}
