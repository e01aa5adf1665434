// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/glyphlabs/glyphwallet/vault"
	"github.com/lightningnetwork/lnd/tlv"
)

var (
	// utxoNamespaceKey is the top level bucket holding the wallet's
	// utxo snapshot, address records and store metadata.
	utxoNamespaceKey = []byte("utxomgr")

	// wtxmgrNamespaceKey is the top level bucket of the transaction
	// journal.
	wtxmgrNamespaceKey = []byte("wtxmgr")

	// bucketUtxos holds one record per unspent output, keyed by
	// canonical outpoint.
	bucketUtxos = []byte("utxos")

	// bucketAddrs holds one record per derived address, keyed by the
	// encoded address.
	bucketAddrs = []byte("addrs")

	// metaVersionKey stores the store schema version.
	metaVersionKey = []byte("version")

	// metaTipKey stores the chain tip height of the last completed
	// refresh.
	metaTipKey = []byte("tip")

	// metaNextExternalKey and metaNextInternalKey store the next
	// unused derivation index of each branch.
	metaNextExternalKey = []byte("nextext")
	metaNextInternalKey = []byte("nextint")

	// byteOrder is the ordering used for all serialized integers.
	byteOrder = binary.BigEndian
)

// utxoSchemaVersion is the version of the on-disk layout this build
// writes and reads.
const utxoSchemaVersion uint32 = 1

// ErrBadSchemaVersion is returned when the database was written by an
// incompatible version. There are no rolling upgrades; the store must
// be rebuilt from chain data.
var ErrBadSchemaVersion = errors.New("utxo store schema version mismatch")

// openStores initializes the wallet's database namespaces, validating
// the schema version and creating the buckets and the transaction
// journal on first run. It returns the opened journal store.
func openStores(db walletdb.DB,
	params *chaincfg.Params) (*wtxmgr.Store, error) {

	var txStore *wtxmgr.Store

	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		utxoNs, err := tx.CreateTopLevelBucket(utxoNamespaceKey)
		if err != nil {
			return fmt.Errorf("create utxo namespace: %w", err)
		}

		txmgrNs, err := tx.CreateTopLevelBucket(wtxmgrNamespaceKey)
		if err != nil {
			return fmt.Errorf("create txmgr namespace: %w", err)
		}

		verRaw := utxoNs.Get(metaVersionKey)
		switch {
		// Fresh database: lay out the buckets and stamp the schema.
		case verRaw == nil:
			var verBytes [4]byte
			byteOrder.PutUint32(verBytes[:], utxoSchemaVersion)

			err := utxoNs.Put(metaVersionKey, verBytes[:])
			if err != nil {
				return fmt.Errorf("put version: %w", err)
			}

			_, err = utxoNs.CreateBucketIfNotExists(bucketUtxos)
			if err != nil {
				return fmt.Errorf("create utxos bucket: "+
					"%w", err)
			}

			_, err = utxoNs.CreateBucketIfNotExists(bucketAddrs)
			if err != nil {
				return fmt.Errorf("create addrs bucket: "+
					"%w", err)
			}

			if err := wtxmgr.Create(txmgrNs); err != nil {
				return fmt.Errorf("create tx journal: %w",
					err)
			}

		case len(verRaw) != 4:
			return fmt.Errorf("%w: malformed version record",
				ErrBadSchemaVersion)

		case byteOrder.Uint32(verRaw) != utxoSchemaVersion:
			return fmt.Errorf("%w: got %d, want %d",
				ErrBadSchemaVersion, byteOrder.Uint32(verRaw),
				utxoSchemaVersion)
		}

		txStore, err = wtxmgr.Open(txmgrNs, params)
		if err != nil {
			return fmt.Errorf("open tx journal: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return txStore, nil
}

// Tlv types of the persisted address record.
const (
	typeAddrBranch tlv.Type = 1
	typeAddrIndex  tlv.Type = 2
)

// marshalAddrPath encodes the derivation path of an address record. The
// account is not stored; all addresses live under the default account.
func marshalAddrPath(path vault.DerivationPath) ([]byte, error) {
	branch := path.Branch
	index := path.Index

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeAddrBranch, &branch),
		tlv.MakePrimitiveRecord(typeAddrIndex, &index),
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

// unmarshalAddrPath decodes an address record.
func unmarshalAddrPath(raw []byte) (vault.DerivationPath, error) {
	var branch, index uint32

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeAddrBranch, &branch),
		tlv.MakePrimitiveRecord(typeAddrIndex, &index),
	)
	if err != nil {
		return vault.DerivationPath{}, err
	}

	if err := stream.Decode(bytes.NewReader(raw)); err != nil {
		return vault.DerivationPath{}, fmt.Errorf("decode addr "+
			"record: %w", err)
	}

	return vault.DerivationPath{
		Account: vault.DefaultAccount,
		Branch:  branch,
		Index:   index,
	}, nil
}

// putUtxo writes one utxo record into the utxos bucket.
func putUtxo(ns walletdb.ReadWriteBucket, u *Utxo) error {
	raw, err := marshalUtxo(u)
	if err != nil {
		return err
	}

	bucket := ns.NestedReadWriteBucket(bucketUtxos)
	return bucket.Put(canonicalOutPoint(&u.OutPoint), raw)
}

// deleteUtxo removes one utxo record. Deleting a missing record is a
// no-op.
func deleteUtxo(ns walletdb.ReadWriteBucket, op wire.OutPoint) error {
	bucket := ns.NestedReadWriteBucket(bucketUtxos)
	return bucket.Delete(canonicalOutPoint(&op))
}

// getUtxo reads one utxo record, or ErrUnknownUtxo.
func getUtxo(ns walletdb.ReadBucket, op wire.OutPoint,
	params *chaincfg.Params) (*Utxo, error) {

	bucket := ns.NestedReadBucket(bucketUtxos)
	raw := bucket.Get(canonicalOutPoint(&op))
	if raw == nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownUtxo, op)
	}

	return unmarshalUtxo(op, raw, params)
}

// listUtxos reads the full utxo snapshot.
func listUtxos(ns walletdb.ReadBucket,
	params *chaincfg.Params) ([]*Utxo, error) {

	var utxos []*Utxo

	bucket := ns.NestedReadBucket(bucketUtxos)
	err := bucket.ForEach(func(k, v []byte) error {
		op, err := readCanonicalOutPoint(k)
		if err != nil {
			return err
		}

		utxo, err := unmarshalUtxo(op, v, params)
		if err != nil {
			return err
		}

		utxos = append(utxos, utxo)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return utxos, nil
}

// putTip stores the snapshot tip height.
func putTip(ns walletdb.ReadWriteBucket, height int32) error {
	var raw [4]byte
	byteOrder.PutUint32(raw[:], uint32(height))

	return ns.Put(metaTipKey, raw[:])
}

// getTip reads the snapshot tip height, zero if never refreshed.
func getTip(ns walletdb.ReadBucket) int32 {
	raw := ns.Get(metaTipKey)
	if len(raw) != 4 {
		return 0
	}

	return int32(byteOrder.Uint32(raw))
}

// putAddr writes one address record.
func putAddr(ns walletdb.ReadWriteBucket, addr btcutil.Address,
	path vault.DerivationPath) error {

	raw, err := marshalAddrPath(path)
	if err != nil {
		return err
	}

	bucket := ns.NestedReadWriteBucket(bucketAddrs)
	return bucket.Put([]byte(addr.String()), raw)
}

// getAddrPath resolves the derivation path of an owned address, or
// ErrNotMine.
func getAddrPath(ns walletdb.ReadBucket,
	addr btcutil.Address) (vault.DerivationPath, error) {

	bucket := ns.NestedReadBucket(bucketAddrs)
	raw := bucket.Get([]byte(addr.String()))
	if raw == nil {
		return vault.DerivationPath{}, fmt.Errorf("%w: %v",
			ErrNotMine, addr)
	}

	return unmarshalAddrPath(raw)
}

// addrEntry pairs an owned address with its derivation path.
type addrEntry struct {
	addr btcutil.Address
	path vault.DerivationPath
}

// listAddrs reads all derived addresses.
func listAddrs(ns walletdb.ReadBucket,
	params *chaincfg.Params) ([]addrEntry, error) {

	var entries []addrEntry

	bucket := ns.NestedReadBucket(bucketAddrs)
	err := bucket.ForEach(func(k, v []byte) error {
		addr, err := btcutil.DecodeAddress(string(k), params)
		if err != nil {
			return fmt.Errorf("decode stored address %q: %w",
				k, err)
		}

		path, err := unmarshalAddrPath(v)
		if err != nil {
			return err
		}

		entries = append(entries, addrEntry{addr: addr, path: path})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// nextAddrIndex returns the next unused index of the branch and advances
// the stored counter.
func nextAddrIndex(ns walletdb.ReadWriteBucket, branch uint32) (uint32,
	error) {

	key := metaNextExternalKey
	if branch == vault.InternalBranch {
		key = metaNextInternalKey
	}

	var next uint32
	if raw := ns.Get(key); len(raw) == 4 {
		next = byteOrder.Uint32(raw)
	}

	var raw [4]byte
	byteOrder.PutUint32(raw[:], next+1)
	if err := ns.Put(key, raw[:]); err != nil {
		return 0, err
	}

	return next, nil
}

// DBGetUtxo retrieves a single tracked output from the database.
func (w *Wallet) DBGetUtxo(_ context.Context, op wire.OutPoint) (*Utxo,
	error) {

	var utxo *Utxo

	err := walletdb.View(w.cfg.DB, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(utxoNamespaceKey)

		var err error
		utxo, err = getUtxo(ns, op, w.cfg.ChainParams)

		return err
	})
	if err != nil {
		return nil, err
	}

	return utxo, nil
}

// DBListUtxos retrieves the wallet's full utxo snapshot, with
// confirmation counts materialized against the snapshot tip.
func (w *Wallet) DBListUtxos(_ context.Context) ([]Utxo, error) {
	var utxos []Utxo

	err := walletdb.View(w.cfg.DB, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(utxoNamespaceKey)

		listed, err := listUtxos(ns, w.cfg.ChainParams)
		if err != nil {
			return err
		}

		tip := getTip(ns)
		utxos = make([]Utxo, 0, len(listed))
		for _, u := range listed {
			if u.Height > 0 && tip >= u.Height {
				u.Confirmations = tip - u.Height + 1
			}

			utxos = append(utxos, *u)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("view: %w", err)
	}

	return utxos, nil
}

// DBDeleteUtxos removes tracked outputs from the snapshot. Used after a
// successful broadcast so spent inputs cannot be selected again before
// the next refresh.
func (w *Wallet) DBDeleteUtxos(_ context.Context,
	ops []wire.OutPoint) error {

	err := walletdb.Update(w.cfg.DB, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(utxoNamespaceKey)

		for _, op := range ops {
			if err := deleteUtxo(ns, op); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	return nil
}

// DBGetAddrPath resolves the derivation path of an owned address.
func (w *Wallet) DBGetAddrPath(_ context.Context,
	addr btcutil.Address) (vault.DerivationPath, error) {

	var path vault.DerivationPath

	err := walletdb.View(w.cfg.DB, func(tx walletdb.ReadTx) error {
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

// DBJournalTx persists a transaction into the journal before it is
// handed to the network, so a crash between submit and confirm cannot
// lose it.
func (w *Wallet) DBJournalTx(_ context.Context,
	tx *wire.MsgTx) (*wtxmgr.TxRecord, error) {

	rec, err := wtxmgr.NewTxRecordFromMsgTx(tx, time.Now())
	if err != nil {
		return nil, fmt.Errorf("build tx record: %w", err)
	}

	err = walletdb.Update(w.cfg.DB, func(tx walletdb.ReadWriteTx) error {
		txmgrNs := tx.ReadWriteBucket(wtxmgrNamespaceKey)
		return w.txStore.InsertTx(txmgrNs, rec, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("journal tx: %w", err)
	}

	return rec, nil
}

// DBForgetTx evicts a journaled transaction. Used when the network
// reports an input conflict, as rebroadcasting can never succeed.
func (w *Wallet) DBForgetTx(_ context.Context,
	rec *wtxmgr.TxRecord) error {

	err := walletdb.Update(w.cfg.DB, func(tx walletdb.ReadWriteTx) error {
		txmgrNs := tx.ReadWriteBucket(wtxmgrNamespaceKey)
		return w.txStore.RemoveUnminedTx(txmgrNs, rec)
	})
	if err != nil {
		return fmt.Errorf("forget tx: %w", err)
	}

	return nil
}

// DBListJournal retrieves all journaled transactions that have not
// confirmed yet.
func (w *Wallet) DBListJournal(_ context.Context) ([]*wire.MsgTx, error) {
	var txs []*wire.MsgTx

	err := walletdb.View(w.cfg.DB, func(tx walletdb.ReadTx) error {
		txmgrNs := tx.ReadBucket(wtxmgrNamespaceKey)

		var err error
		txs, err = w.txStore.UnminedTxs(txmgrNs)
		if err != nil {
			return fmt.Errorf("unmined txs: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("view: %w", err)
	}

	return txs, nil
}

// DBSyncSnapshot atomically applies the outcome of one refresh round:
// new and retagged outputs are written, spent ones removed, and the
// snapshot tip advanced. Readers never observe a half-applied round.
func (r *refresher) DBSyncSnapshot(_ context.Context, puts []*Utxo,
	dels []wire.OutPoint, tip int32) error {

	err := walletdb.Update(r.cfg.DB, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(utxoNamespaceKey)

		for _, u := range puts {
			if err := putUtxo(ns, u); err != nil {
				return err
			}
		}

		for _, op := range dels {
			if err := deleteUtxo(ns, op); err != nil {
				return err
			}
		}

		return putTip(ns, tip)
	})
	if err != nil {
		return fmt.Errorf("sync snapshot: %w", err)
	}

	return nil
}

// DBListUtxos retrieves the raw utxo snapshot for diffing against the
// oracle's view.
func (r *refresher) DBListUtxos(_ context.Context) ([]*Utxo, error) {
	var utxos []*Utxo

	err := walletdb.View(r.cfg.DB, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(utxoNamespaceKey)

		var err error
		utxos, err = listUtxos(ns, r.cfg.ChainParams)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("view: %w", err)
	}

	return utxos, nil
}
