package wallet

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/glyphlabs/glyphwallet/asset"
	"github.com/glyphlabs/glyphwallet/chain"
	"github.com/glyphlabs/glyphwallet/pkg/btcunit"
	"github.com/glyphlabs/glyphwallet/vault"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

var (
	// chainParams are the chain parameters used throughout the wallet
	// tests.
	chainParams = chaincfg.RegressionNetParams

	testPassphrase = []byte("test-passphrase")

	// testMnemonic and buyerMnemonic are fixed valid BIP39 phrases.
	// Swap tests run two wallets and need disjoint keys.
	testMnemonic = []string{
		"abandon", "abandon", "abandon", "abandon", "abandon",
		"abandon", "abandon", "abandon", "abandon", "abandon",
		"abandon", "about",
	}
	buyerMnemonic = []string{
		"legal", "winner", "thank", "year", "wave", "sausage",
		"worth", "useful", "legal", "winner", "thank", "yellow",
	}

	// fastScrypt keeps the key stretch cheap in tests.
	fastScrypt = vault.FastScryptOptions

	// testFeeRate is the rate used by tests that do not probe fee
	// behavior.
	testFeeRate = btcunit.NewSatPerVByte(10)
)

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) walletdb.DB {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "wallet-test-*.db")
	require.NoError(t, err)

	dbPath := f.Name()
	require.NoError(t, f.Close())
	require.NoError(t, os.Remove(dbPath))

	db, err := walletdb.Create("bdb", dbPath, true, time.Second*10, false)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
		_ = os.Remove(dbPath)
	})

	return db
}

// fakeOracle is an in-memory Oracle with just enough chain state for
// the wallet tests: per-address listings, servable transactions, asset
// index answers, and a recording mempool.
type fakeOracle struct {
	mu sync.Mutex

	tip    int32
	tipErr error

	// utxos maps encoded addresses to their unspent listings.
	utxos map[string][]chain.Unspent

	// txs holds every transaction servable by id.
	txs map[chainhash.Hash]*wire.MsgTx

	// assets holds index answers per outpoint. Outpoints without an
	// entry answer bare, meaning plainly spendable.
	assets map[wire.OutPoint]*chain.AssetInfo

	// assetErr, while set, fails every asset lookup. Classification
	// then falls back to its protective heuristics.
	assetErr error

	// statuses overrides the confirmation state per txid. Accepted
	// transactions without an entry report unconfirmed.
	statuses map[chainhash.Hash]*chain.TxStatus

	// mempool is the set of accepted txids.
	mempool map[chainhash.Hash]struct{}

	// broadcasts records every Broadcast attempt in order, duplicates
	// included.
	broadcasts []chainhash.Hash

	// broadcastErr, while set, fails every Broadcast.
	broadcastErr error

	// serial distinguishes fabricated funding transactions.
	serial uint32
}

// A compile time check to ensure fakeOracle implements the Oracle
// interface.
var _ chain.Oracle = (*fakeOracle)(nil)

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		tip:      1000,
		utxos:    make(map[string][]chain.Unspent),
		txs:      make(map[chainhash.Hash]*wire.MsgTx),
		assets:   make(map[wire.OutPoint]*chain.AssetInfo),
		statuses: make(map[chainhash.Hash]*chain.TxStatus),
		mempool:  make(map[chainhash.Hash]struct{}),
	}
}

// addUtxo fabricates a confirmed funding transaction paying value to
// addr and lists its first output as unspent.
func (o *fakeOracle) addUtxo(t *testing.T, addr btcutil.Address,
	value btcutil.Amount) wire.OutPoint {

	t.Helper()

	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	o.mu.Lock()
	defer o.mu.Unlock()

	o.serial++
	prev := wire.OutPoint{
		Hash: chainhash.Hash{0xfa, byte(o.serial), byte(o.serial >> 8)},
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(value), pkScript))

	txid := tx.TxHash()
	o.txs[txid] = tx

	op := wire.OutPoint{Hash: txid, Index: 0}
	key := addr.EncodeAddress()
	o.utxos[key] = append(o.utxos[key], chain.Unspent{
		OutPoint:    op,
		Value:       value,
		Confirmed:   true,
		BlockHeight: o.tip - 3,
	})

	return op
}

// removeUtxo drops the outpoint from every address listing, as if it
// were spent elsewhere.
func (o *fakeOracle) removeUtxo(op wire.OutPoint) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for key, list := range o.utxos {
		kept := list[:0]
		for _, u := range list {
			if u.OutPoint != op {
				kept = append(kept, u)
			}
		}
		o.utxos[key] = kept
	}
}

// markUnconfirmed relists the outpoint as mempool-only.
func (o *fakeOracle) markUnconfirmed(op wire.OutPoint) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for key, list := range o.utxos {
		for i := range list {
			if list[i].OutPoint == op {
				list[i].Confirmed = false
				list[i].BlockHeight = 0
				o.utxos[key] = list
			}
		}
	}
}

// setAsset pins the index answer for the outpoint.
func (o *fakeOracle) setAsset(op wire.OutPoint, info *chain.AssetInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.assets[op] = info
}

// setTxStatus overrides the confirmation state of a txid.
func (o *fakeOracle) setTxStatus(txid chainhash.Hash,
	status *chain.TxStatus) {

	o.mu.Lock()
	defer o.mu.Unlock()

	o.statuses[txid] = status
}

// setBroadcastErr makes every following Broadcast fail with err, nil
// restores acceptance.
func (o *fakeOracle) setBroadcastErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.broadcastErr = err
}

// setTipErr makes every following TipHeight fail with err, which keeps
// refresh rounds from completing.
func (o *fakeOracle) setTipErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.tipErr = err
}

// setAssetErr makes every following AssetLookup fail with err.
func (o *fakeOracle) setAssetErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.assetErr = err
}

// broadcastCount returns how many Broadcast attempts carried the txid.
func (o *fakeOracle) broadcastCount(txid chainhash.Hash) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	var n int
	for _, id := range o.broadcasts {
		if id == txid {
			n++
		}
	}

	return n
}

// lastBroadcast returns the most recently accepted transaction.
func (o *fakeOracle) lastBroadcast(t *testing.T) *wire.MsgTx {
	t.Helper()

	o.mu.Lock()
	defer o.mu.Unlock()

	require.NotEmpty(t, o.broadcasts)
	tx, ok := o.txs[o.broadcasts[len(o.broadcasts)-1]]
	require.True(t, ok)

	return tx
}

func (o *fakeOracle) TipHeight(_ context.Context) (int32, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.tipErr != nil {
		return 0, o.tipErr
	}

	return o.tip, nil
}

func (o *fakeOracle) ListUnspent(_ context.Context,
	address btcutil.Address) ([]chain.Unspent, error) {

	o.mu.Lock()
	defer o.mu.Unlock()

	list := o.utxos[address.EncodeAddress()]

	return append([]chain.Unspent(nil), list...), nil
}

func (o *fakeOracle) GetRawTransaction(_ context.Context,
	txid *chainhash.Hash) (*wire.MsgTx, error) {

	o.mu.Lock()
	defer o.mu.Unlock()

	tx, ok := o.txs[*txid]
	if !ok {
		return nil, fmt.Errorf("%w: %v", chain.ErrTxNotFound, txid)
	}

	return tx.Copy(), nil
}

func (o *fakeOracle) GetTxOut(_ context.Context,
	op wire.OutPoint) (*wire.TxOut, error) {

	o.mu.Lock()
	defer o.mu.Unlock()

	tx, ok := o.txs[op.Hash]
	if !ok || op.Index >= uint32(len(tx.TxOut)) {
		return nil, fmt.Errorf("%w: %v", chain.ErrTxNotFound, op)
	}

	out := tx.TxOut[op.Index]

	return wire.NewTxOut(out.Value, append([]byte(nil), out.PkScript...)),
		nil
}

func (o *fakeOracle) TxStatus(_ context.Context,
	txid *chainhash.Hash) (*chain.TxStatus, error) {

	o.mu.Lock()
	defer o.mu.Unlock()

	if status, ok := o.statuses[*txid]; ok {
		return status, nil
	}
	if _, ok := o.mempool[*txid]; ok {
		return &chain.TxStatus{}, nil
	}

	return nil, fmt.Errorf("%w: %v", chain.ErrTxNotFound, txid)
}

func (o *fakeOracle) FeeEstimates(
	_ context.Context) (map[int32]float64, error) {

	return map[int32]float64{1: 25, 3: 10, 6: 5}, nil
}

func (o *fakeOracle) Broadcast(_ context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	o.mu.Lock()
	defer o.mu.Unlock()

	txid := tx.TxHash()
	o.broadcasts = append(o.broadcasts, txid)

	if o.broadcastErr != nil {
		return nil, o.broadcastErr
	}
	if _, ok := o.mempool[txid]; ok {
		return nil, fmt.Errorf("%w: %v", chain.ErrAlreadyKnown, txid)
	}

	o.mempool[txid] = struct{}{}
	o.txs[txid] = tx.Copy()

	return &txid, nil
}

func (o *fakeOracle) AssetLookup(_ context.Context,
	op wire.OutPoint) (*chain.AssetInfo, error) {

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.assetErr != nil {
		return nil, o.assetErr
	}
	if info, ok := o.assets[op]; ok {
		return info, nil
	}

	return &chain.AssetInfo{}, nil
}

// inscribed returns an index answer carrying one inscription.
func inscribed(id string) *chain.AssetInfo {
	return &chain.AssetInfo{Inscriptions: []string{id}}
}

// runed returns an index answer carrying one rune balance.
func runed(id string, amount uint64) *chain.AssetInfo {
	return &chain.AssetInfo{
		Runes: []chain.RuneBalance{{ID: id, Amount: amount}},
	}
}

// testWallet is a started wallet wired to a fake oracle, with one
// receive address minted and an unlocked session.
type testWallet struct {
	t       *testing.T
	w       *Wallet
	oracle  *fakeOracle
	session *vault.Session

	// addr is the wallet's first receive address; credits land on it.
	addr btcutil.Address

	// rebroadcastTick drives the journal loop by hand.
	rebroadcastTick *ticker.Force
}

// newTestWallet starts a wallet against a fresh fake oracle.
func newTestWallet(t *testing.T) *testWallet {
	return newTestWalletWith(t, newFakeOracle(), testMnemonic)
}

// newTestWalletWith starts a wallet for the given mnemonic against the
// given oracle. Swap tests share one oracle between two wallets.
func newTestWalletWith(t *testing.T, oracle *fakeOracle,
	mnemonic []string) *testWallet {

	return newTestWalletCfg(t, oracle, mnemonic, nil)
}

// newTestWalletCfg additionally lets the test adjust the wallet config
// before assembly, for wiring marketplace or ledger stubs.
func newTestWalletCfg(t *testing.T, oracle *fakeOracle, mnemonic []string,
	tweak func(*Config)) *testWallet {

	t.Helper()

	db := setupTestDB(t)

	store, err := vault.NewDBStore(db)
	require.NoError(t, err)

	v, _, err := vault.Create(
		&vault.Config{
			Store:     store,
			NetParams: &chainParams,
			Scrypt:    &fastScrypt,
		},
		&vault.CreateParams{
			Mode:       vault.ModeImportMnemonic,
			Passphrase: testPassphrase,
			Mnemonic:   mnemonic,
		},
	)
	require.NoError(t, err)

	classifier, err := asset.NewClassifier(asset.Config{Source: oracle})
	require.NoError(t, err)

	rebroadcastTick := ticker.NewForce(time.Hour)

	cfg := &Config{
		DB:                db,
		ChainParams:       &chainParams,
		Vault:             v,
		Oracle:            oracle,
		Classifier:        classifier,
		RefreshTicker:     ticker.NewForce(time.Hour),
		RebroadcastTicker: rebroadcastTick,
	}
	if tweak != nil {
		tweak(cfg)
	}

	w, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, w.Start())
	t.Cleanup(func() {
		_ = w.Stop()
	})

	session, err := w.Unlock(t.Context(), testPassphrase)
	require.NoError(t, err)

	addr, err := w.NewAddress(t.Context())
	require.NoError(t, err)

	return &testWallet{
		t:               t,
		w:               w,
		oracle:          oracle,
		session:         session,
		addr:            addr,
		rebroadcastTick: rebroadcastTick,
	}
}

// refresh forces one snapshot round and waits for it.
func (tw *testWallet) refresh() {
	tw.t.Helper()

	require.NoError(tw.t, tw.w.Refresh(tw.t.Context()))
}

// credit lists a confirmed utxo for the wallet's address on the oracle,
// optionally pinning an asset answer, and refreshes the snapshot.
func (tw *testWallet) credit(value btcutil.Amount,
	info *chain.AssetInfo) wire.OutPoint {

	tw.t.Helper()

	op := tw.oracle.addUtxo(tw.t, tw.addr, value)
	if info != nil {
		tw.oracle.setAsset(op, info)
	}
	tw.refresh()

	return op
}

// destAddress returns an address the wallet does not own, for use as a
// payment destination.
func destAddress(t *testing.T) btcutil.Address {
	t.Helper()

	// A taproot output key nobody holds the key for.
	var key [32]byte
	for i := range key {
		key[i] = byte(i + 1)
	}

	addr, err := btcutil.NewAddressTaproot(key[:], &chainParams)
	require.NoError(t, err)

	return addr
}

// makeUtxo returns a confirmed taproot utxo for selector unit tests.
func makeUtxo(n byte, value btcutil.Amount, tag asset.Tag) Utxo {
	script := make([]byte, 34)
	script[0] = txscript.OP_1
	script[1] = 32
	script[2] = n

	return Utxo{
		OutPoint:      wire.OutPoint{Hash: chainhash.Hash{n}},
		Value:         value,
		PkScript:      script,
		Height:        100,
		Confirmations: 6,
		Tag:           tag,
	}
}
