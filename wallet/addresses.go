// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/glyphlabs/glyphwallet/vault"
)

// addressBook derives and tracks the wallet's taproot addresses. All
// derivation happens on the neutered account key, so handing out fresh
// addresses needs no unlocked vault. Index allocation and the address
// record write share one database transaction.
type addressBook struct {
	db       walletdb.DB
	params   *chaincfg.Params
	acctXpub *hdkeychain.ExtendedKey

	// mu serializes index allocation so concurrent callers cannot
	// race the branch counters.
	mu sync.Mutex
}

// newAddressBook creates an address book over the vault's account key.
func newAddressBook(db walletdb.DB, params *chaincfg.Params,
	acctXpub *hdkeychain.ExtendedKey) (*addressBook, error) {

	if acctXpub == nil || acctXpub.IsPrivate() {
		return nil, fmt.Errorf("address book needs a neutered " +
			"account key")
	}

	return &addressBook{
		db:       db,
		params:   params,
		acctXpub: acctXpub,
	}, nil
}

// NextReceiveAddress allocates the next unused external address.
func (b *addressBook) NextReceiveAddress(
	ctx context.Context) (btcutil.Address, error) {

	return b.nextAddress(ctx, vault.ExternalBranch)
}

// NextChangeAddress allocates the next unused internal address.
func (b *addressBook) NextChangeAddress(
	ctx context.Context) (btcutil.Address, error) {

	return b.nextAddress(ctx, vault.InternalBranch)
}

// NextChangeScript allocates a fresh internal address and returns its
// locking script. Matches the txauthor change source signature.
func (b *addressBook) NextChangeScript() ([]byte, error) {
	addr, err := b.NextChangeAddress(context.Background())
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(addr)
}

// nextAddress advances the branch counter, derives the address at the
// allocated index and persists its record, all in one transaction.
func (b *addressBook) nextAddress(_ context.Context,
	branch uint32) (btcutil.Address, error) {

	b.mu.Lock()
	defer b.mu.Unlock()

	var addr btcutil.Address

	err := walletdb.Update(b.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(utxoNamespaceKey)

		index, err := nextAddrIndex(ns, branch)
		if err != nil {
			return fmt.Errorf("advance index: %w", err)
		}

		path := vault.DerivationPath{
			Account: vault.DefaultAccount,
			Branch:  branch,
			Index:   index,
		}

		addr, _, err = b.taprootAddress(path)
		if err != nil {
			return fmt.Errorf("derive %s: %w", path, err)
		}

		return putAddr(ns, addr, path)
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("Derived address %v on branch %d", addr, branch)

	return addr, nil
}

// PathFor resolves the derivation path of an owned address, or
// ErrNotMine.
func (b *addressBook) PathFor(_ context.Context,
	addr btcutil.Address) (vault.DerivationPath, error) {

	var path vault.DerivationPath

	err := walletdb.View(b.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(utxoNamespaceKey)

		var err error
		path, err = getAddrPath(ns, addr)

		return err
	})
	if err != nil {
		return vault.DerivationPath{}, err
	}

	return path, nil
}

// AllAddresses returns every derived address with its path. The
// refresher queries the oracle for each of these.
func (b *addressBook) AllAddresses(_ context.Context) ([]addrEntry,
	error) {

	var entries []addrEntry

	err := walletdb.View(b.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(utxoNamespaceKey)

		var err error
		entries, err = listAddrs(ns, b.params)

		return err
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// InternalKeyFor derives the BIP86 internal key of the address at path.
// This is the untweaked key that goes into PSBT derivation fields; the
// output key on chain is the taproot tweak of it.
func (b *addressBook) InternalKeyFor(
	path vault.DerivationPath) (*btcec.PublicKey, error) {

	branchKey, err := b.acctXpub.Derive(path.Branch)
	if err != nil {
		return nil, err
	}

	childKey, err := branchKey.Derive(path.Index)
	if err != nil {
		return nil, err
	}

	return childKey.ECPubKey()
}

// taprootAddress derives the BIP86 address at path: the internal key is
// tweaked with an empty script tree and encoded as a v1 witness
// program.
func (b *addressBook) taprootAddress(
	path vault.DerivationPath) (*btcutil.AddressTaproot,
	*btcec.PublicKey, error) {

	internalKey, err := b.InternalKeyFor(path)
	if err != nil {
		return nil, nil, err
	}

	tapKey := txscript.ComputeTaprootOutputKey(internalKey, nil)

	addr, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(tapKey), b.params,
	)
	if err != nil {
		return nil, nil, err
	}

	return addr, internalKey, nil
}

// derivationPathBip32 expands a wallet path into the absolute BIP32
// path stamped into PSBT derivation fields.
func derivationPathBip32(path vault.DerivationPath,
	params *chaincfg.Params) []uint32 {

	return []uint32{
		hdkeychain.HardenedKeyStart + vault.Purpose,
		hdkeychain.HardenedKeyStart + vault.CoinType(params),
		hdkeychain.HardenedKeyStart + path.Account,
		path.Branch,
		path.Index,
	}
}
