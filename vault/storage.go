// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/tlv"
)

var (
	// vaultBucketKey is the top level bucket holding the sealed seed
	// record.
	vaultBucketKey = []byte("vault")

	// sealRecordKey is the key of the single blob record. Manifest and
	// sealed material live in one record so replacement is atomic.
	sealRecordKey = []byte("seal")
)

// Blob record tlv types. Every field is required; a stream missing any
// of them, or carrying types outside this set, fails as corrupt.
const (
	typeVaultVersion tlv.Type = 1
	typeVaultNet     tlv.Type = 2
	typeSealParams   tlv.Type = 3
	typeSealedSeed   tlv.Type = 4
	typeAccountXpub  tlv.Type = 5
)

// vaultVersion is the current blob schema version.
const vaultVersion uint8 = 1

// Store persists the sealed seed blob. Implementations must make Put
// atomic: after a crash either the old or the new blob is read back,
// never a mix.
type Store interface {
	// PutSeal writes the blob, replacing any previous one.
	PutSeal(blob []byte) error

	// FetchSeal returns the current blob, or ErrNoVault if the store
	// holds none.
	FetchSeal() ([]byte, error)
}

// vaultBlob is the decoded form of the stored record.
type vaultBlob struct {
	version uint8
	net     uint32
	params  []byte
	sealed  []byte
	xpub    []byte
}

// encode serializes the blob as a tlv stream.
func (b *vaultBlob) encode() ([]byte, error) {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeVaultVersion, &b.version),
		tlv.MakePrimitiveRecord(typeVaultNet, &b.net),
		tlv.MakePrimitiveRecord(typeSealParams, &b.params),
		tlv.MakePrimitiveRecord(typeSealedSeed, &b.sealed),
		tlv.MakePrimitiveRecord(typeAccountXpub, &b.xpub),
	)
	if err != nil {
		return nil, fmt.Errorf("new stream: %w", err)
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode blob: %w", err)
	}

	return buf.Bytes(), nil
}

// decode parses a stored record. Any structural problem, including
// unknown record types, is reported as ErrCorruptVault: the vault never
// guesses at partially readable seed material.
func (b *vaultBlob) decode(raw []byte) error {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeVaultVersion, &b.version),
		tlv.MakePrimitiveRecord(typeVaultNet, &b.net),
		tlv.MakePrimitiveRecord(typeSealParams, &b.params),
		tlv.MakePrimitiveRecord(typeSealedSeed, &b.sealed),
		tlv.MakePrimitiveRecord(typeAccountXpub, &b.xpub),
	)
	if err != nil {
		return fmt.Errorf("new stream: %w", err)
	}

	parsedTypes, err := stream.DecodeWithParsedTypes(
		bytes.NewReader(raw),
	)
	if err != nil {
		return ErrCorruptVault
	}

	required := []tlv.Type{
		typeVaultVersion, typeVaultNet, typeSealParams,
		typeSealedSeed, typeAccountXpub,
	}
	for _, t := range required {
		if _, ok := parsedTypes[t]; !ok {
			return ErrCorruptVault
		}
	}
	if len(parsedTypes) != len(required) {
		return ErrCorruptVault
	}

	if b.version != vaultVersion {
		return ErrCorruptVault
	}

	return nil
}

// DBStore is a Store over a walletdb database.
type DBStore struct {
	db walletdb.DB
}

// NewDBStore creates the vault bucket if needed and returns a store over
// it.
func NewDBStore(db walletdb.DB) (*DBStore, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(vaultBucketKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create vault bucket: %w", err)
	}

	return &DBStore{db: db}, nil
}

// PutSeal writes the blob inside a single database transaction.
func (s *DBStore) PutSeal(blob []byte) error {
	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(vaultBucketKey)
		if ns == nil {
			return ErrNoVault
		}

		return ns.Put(sealRecordKey, blob)
	})
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	return nil
}

// FetchSeal reads the blob inside a single database transaction.
func (s *DBStore) FetchSeal() ([]byte, error) {
	var blob []byte

	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(vaultBucketKey)
		if ns == nil {
			return ErrNoVault
		}

		raw := ns.Get(sealRecordKey)
		if raw == nil {
			return ErrNoVault
		}

		// The slice is only valid for the life of the transaction.
		blob = make([]byte, len(raw))
		copy(blob, raw)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return blob, nil
}
