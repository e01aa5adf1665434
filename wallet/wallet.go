// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/glyphlabs/glyphwallet/asset"
	"github.com/glyphlabs/glyphwallet/chain"
	"github.com/glyphlabs/glyphwallet/pkg/btcunit"
	"github.com/glyphlabs/glyphwallet/vault"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultRefreshInterval is how often the snapshot refresher polls
	// the oracle when the config does not say otherwise.
	DefaultRefreshInterval = time.Minute

	// DefaultRebroadcastInterval is how often journaled unmined
	// transactions are resubmitted.
	DefaultRebroadcastInterval = 5 * time.Minute

	// DefaultMinConf is the confirmation depth plain spends require
	// from their inputs.
	DefaultMinConf = 1
)

// MarketOrder is the slice of a marketplace order the wallet acts on.
type MarketOrder struct {
	// ID is the order identifier assigned by the marketplace.
	ID string

	// Packet is the marketplace's unsigned template of the listing,
	// when it returned one. It is verified against the locally built
	// packet, never signed directly.
	Packet *psbt.Packet
}

// MarketClient is the marketplace surface the listing flows drive.
type MarketClient interface {
	// CreateListing opens a sell order for the asset utxo at the given
	// price, paying out to the receive address.
	CreateListing(ctx context.Context, assetOp wire.OutPoint,
		price btcutil.Amount, receive string) (*MarketOrder, error)

	// SubmitSigned uploads the seller-signed listing packet.
	SubmitSigned(ctx context.Context, orderID string,
		packet *psbt.Packet) error

	// Cancel withdraws an open order.
	Cancel(ctx context.Context, orderID string) error
}

// LedgerClient is the layer-two surface the wallet delegates to at the
// deposit and withdraw boundaries.
type LedgerClient interface {
	// DepositAddress returns the on-chain address funding the ledger
	// account.
	DepositAddress() (string, error)

	// Withdraw moves ledger balance back on chain. The returned string
	// is the ledger's reference for the withdrawal.
	Withdraw(ctx context.Context, amount btcutil.Amount,
		session *vault.Session) (string, error)

	// InstantTransfer moves ledger balance to another account off
	// chain.
	InstantTransfer(ctx context.Context, to string,
		amount btcutil.Amount, session *vault.Session) (string, error)
}

// Config bundles a Wallet's collaborators and tunables.
type Config struct {
	// DB is the wallet database. Required.
	DB walletdb.DB

	// ChainParams describe the active network. Required.
	ChainParams *chaincfg.Params

	// Vault guards the wallet's keys. Required, already opened.
	Vault *vault.Vault

	// Oracle is the network backend. Required.
	Oracle chain.Oracle

	// Classifier assigns asset tags to discovered outputs. Required.
	Classifier *asset.Classifier

	// Market is the marketplace client. Optional; listing flows fail
	// with ErrNoMarket when unset.
	Market MarketClient

	// Ledger is the layer-two client. Optional; ledger flows fail with
	// ErrNoLedger when unset.
	Ledger LedgerClient

	// CoinSelectionStrategy arranges eligible coins during selection.
	// Nil means CoinSelectionLargest.
	CoinSelectionStrategy CoinSelectionStrategy

	// MinConf is the confirmation depth plain spends require.
	// DefaultMinConf when negative, zero admits unconfirmed coins.
	MinConf int32

	// MaxParallel bounds concurrent oracle calls per refresh round.
	MaxParallel int

	// RefreshTicker paces snapshot refresh rounds. A default interval
	// ticker is installed when nil.
	RefreshTicker ticker.Ticker

	// RebroadcastTicker paces the journal rebroadcast loop. A default
	// interval ticker is installed when nil.
	RebroadcastTicker ticker.Ticker
}

// validate checks that every required collaborator is present.
func (c *Config) validate() error {
	switch {
	case c.DB == nil:
		return errors.New("wallet requires a database")
	case c.ChainParams == nil:
		return errors.New("wallet requires chain params")
	case c.Vault == nil:
		return errors.New("wallet requires a vault")
	case c.Oracle == nil:
		return errors.New("wallet requires a chain oracle")
	case c.Classifier == nil:
		return errors.New("wallet requires a classifier")
	}

	return nil
}

// Wallet ties the vault, the utxo snapshot, coin selection, packet
// building, signing and broadcasting together behind one call per user
// action. Every operation returns a result or a typed error, never a
// partially applied state.
type Wallet struct {
	cfg *Config

	// state tracks the lifecycle and delegates snapshot freshness to
	// the refresher.
	state *walletState

	// book derives and records the wallet's addresses.
	book *addressBook

	// txStore is the journal of broadcast, not yet mined txs.
	txStore *wtxmgr.Store

	// refresher keeps the utxo snapshot in step with the chain.
	refresher *refresher

	// signMu serializes the decrypted-key window across signing
	// operations.
	signMu sync.Mutex

	// cancel tears down the background loops on Stop.
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// New assembles a Wallet from its collaborators. The database schema is
// created or checked, nothing is spun up until Start.
func New(cfg *Config) (*Wallet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Vault.NetParams().Net != cfg.ChainParams.Net {
		return nil, fmt.Errorf("%w: vault holds %s keys, wallet "+
			"runs %s", vault.ErrWrongNet,
			cfg.Vault.NetParams().Name, cfg.ChainParams.Name)
	}

	// Work on a copy so the defaults do not write into the caller's
	// struct.
	c := *cfg
	if c.CoinSelectionStrategy == nil {
		c.CoinSelectionStrategy = CoinSelectionLargest
	}
	if c.MinConf < 0 {
		c.MinConf = DefaultMinConf
	}
	if c.RefreshTicker == nil {
		c.RefreshTicker = ticker.New(DefaultRefreshInterval)
	}
	if c.RebroadcastTicker == nil {
		c.RebroadcastTicker = ticker.New(DefaultRebroadcastInterval)
	}

	txStore, err := openStores(c.DB, c.ChainParams)
	if err != nil {
		return nil, err
	}

	book, err := newAddressBook(c.DB, c.ChainParams, c.Vault.AccountKey())
	if err != nil {
		return nil, err
	}

	r := newRefresher(refresherCfg{
		DB:          c.DB,
		ChainParams: c.ChainParams,
		Oracle:      c.Oracle,
		Classifier:  c.Classifier,
		Book:        book,
		Ticker:      c.RefreshTicker,
		MaxParallel: c.MaxParallel,
	})

	return &Wallet{
		cfg:       &c,
		state:     newWalletState(r),
		book:      book,
		txStore:   txStore,
		refresher: r,
	}, nil
}

// NewAddress allocates the next unused receive address.
func (w *Wallet) NewAddress(ctx context.Context) (btcutil.Address, error) {
	if err := w.state.validateStarted(); err != nil {
		return nil, err
	}

	return w.book.NextReceiveAddress(ctx)
}

// Refresh runs a snapshot refresh round out of band and waits for it.
func (w *Wallet) Refresh(ctx context.Context) error {
	if err := w.state.validateStarted(); err != nil {
		return err
	}

	return w.refresher.ForceRefresh(ctx)
}

// allInputIndexes designates every input of the packet.
func allInputIndexes(packet *psbt.Packet) []int {
	idxs := make([]int, len(packet.Inputs))
	for i := range idxs {
		idxs[i] = i
	}

	return idxs
}

// signAndBroadcast is the shared tail of every spend: sign the
// designated inputs, finalize, and hand the transaction to the network.
func (w *Wallet) signAndBroadcast(ctx context.Context,
	packet *psbt.Packet, session *vault.Session, policy SighashPolicy,
	inputs []int) (chainhash.Hash, error) {

	err := w.Sign(ctx, packet, session, policy, inputs)
	if err != nil {
		return chainhash.Hash{}, err
	}

	tx, err := w.Finalize(packet)
	if err != nil {
		return chainhash.Hash{}, err
	}

	return w.Broadcast(ctx, tx)
}

// Send pays amount to dest, funded from the wallet's spendable coins at
// the given fee rate. It returns the txid of the broadcast transaction.
func (w *Wallet) Send(ctx context.Context, session *vault.Session,
	dest string, amount btcutil.Amount,
	feeRate btcunit.SatPerVByte) (chainhash.Hash, error) {

	packet, err := w.BuildPsbt(ctx, IntentSend{
		Dest:    dest,
		Amount:  amount,
		FeeRate: feeRate,
	})
	if err != nil {
		return chainhash.Hash{}, err
	}

	return w.signAndBroadcast(
		ctx, packet, session, PolicyDefault, allInputIndexes(packet),
	)
}

// TransferOrdinal moves the inscription held by the given utxo to dest,
// postage preserved.
func (w *Wallet) TransferOrdinal(ctx context.Context,
	session *vault.Session, dest string, inscription wire.OutPoint,
	feeRate btcunit.SatPerVByte) (chainhash.Hash, error) {

	packet, err := w.BuildPsbt(ctx, IntentOrdinalTransfer{
		Dest:        dest,
		Inscription: inscription,
		FeeRate:     feeRate,
	})
	if err != nil {
		return chainhash.Hash{}, err
	}

	return w.signAndBroadcast(
		ctx, packet, session, PolicyDefault, allInputIndexes(packet),
	)
}

// TransferRune moves the full rune balance held by the given utxo to
// dest.
func (w *Wallet) TransferRune(ctx context.Context,
	session *vault.Session, dest string, runeUtxo wire.OutPoint,
	feeRate btcunit.SatPerVByte) (chainhash.Hash, error) {

	packet, err := w.BuildPsbt(ctx, IntentRuneTransfer{
		Dest:    dest,
		Rune:    runeUtxo,
		FeeRate: feeRate,
	})
	if err != nil {
		return chainhash.Hash{}, err
	}

	return w.signAndBroadcast(
		ctx, packet, session, PolicyDefault, allInputIndexes(packet),
	)
}

// listingPolicy maps an asset tag onto the restricted sighash its
// listings are signed under.
func listingPolicy(t asset.Tag) (SighashPolicy, error) {
	switch t.(type) {
	case asset.Rune:
		return PolicySingleAnyoneCanPay, nil

	case asset.Inscription:
		return PolicyNoneAnyoneCanPay, nil

	default:
		return 0, &ValidationError{
			Field:  "asset",
			Reason: fmt.Sprintf("utxo is not asset-bearing (%v)", t),
		}
	}
}

// verifyOrderPacket checks the marketplace's template against the
// locally built listing before anything is signed. The marketplace may
// add its own outputs, but the asset input and the seller payment must
// match ours exactly.
func verifyOrderPacket(remote, local *psbt.Packet) error {
	if remote == nil {
		return nil
	}

	if len(remote.UnsignedTx.TxIn) != 1 {
		return &ValidationError{
			Field: "order",
			Reason: fmt.Sprintf("template has %d inputs, want 1",
				len(remote.UnsignedTx.TxIn)),
		}
	}

	localIn := local.UnsignedTx.TxIn[0].PreviousOutPoint
	remoteIn := remote.UnsignedTx.TxIn[0].PreviousOutPoint
	if localIn != remoteIn {
		return &ValidationError{
			Field: "order",
			Reason: fmt.Sprintf("template spends %v, want %v",
				remoteIn, localIn),
		}
	}

	payment := local.UnsignedTx.TxOut[0]
	for _, txOut := range remote.UnsignedTx.TxOut {
		if psbt.TxOutsEqual(payment, txOut) {
			return nil
		}
	}

	return &ValidationError{
		Field:  "order",
		Reason: "template is missing the seller payment output",
	}
}

// ListForSale opens a marketplace sell order for the asset utxo. The
// listing packet is built and signed locally under the restricted
// policy of the asset's kind, then uploaded to the order. The returned
// string is the order id.
func (w *Wallet) ListForSale(ctx context.Context, session *vault.Session,
	assetOp wire.OutPoint, price btcutil.Amount,
	receive string) (string, error) {

	if w.cfg.Market == nil {
		return "", ErrNoMarket
	}

	// Resolve the payout address up front: the marketplace template
	// and the local packet must agree on it.
	if receive == "" {
		addr, err := w.book.NextReceiveAddress(ctx)
		if err != nil {
			return "", fmt.Errorf("receive address: %w", err)
		}
		receive = addr.EncodeAddress()
	}

	packet, err := w.BuildPsbt(ctx, IntentListing{
		Asset:   assetOp,
		Price:   price,
		Receive: receive,
	})
	if err != nil {
		return "", err
	}

	assetUtxo, err := w.DBGetUtxo(ctx, assetOp)
	if err != nil {
		return "", err
	}
	policy, err := listingPolicy(assetUtxo.Tag)
	if err != nil {
		return "", err
	}

	order, err := w.cfg.Market.CreateListing(
		ctx, assetOp, price, receive,
	)
	if err != nil {
		return "", fmt.Errorf("create listing: %w", err)
	}

	if err := verifyOrderPacket(order.Packet, packet); err != nil {
		return "", err
	}

	if err := w.Sign(ctx, packet, session, policy, []int{0}); err != nil {
		return "", err
	}

	if err := w.cfg.Market.SubmitSigned(ctx, order.ID, packet); err != nil {
		return "", fmt.Errorf("submit listing %s: %w", order.ID, err)
	}

	log.Infof("Listed %v for %v as order %s", assetOp, price, order.ID)

	return order.ID, nil
}

// CancelListing withdraws an open marketplace order. The asset utxo
// never moved, so there is nothing to unwind locally.
func (w *Wallet) CancelListing(ctx context.Context, orderID string) error {
	if err := w.state.validateStarted(); err != nil {
		return err
	}
	if w.cfg.Market == nil {
		return ErrNoMarket
	}

	if err := w.cfg.Market.Cancel(ctx, orderID); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	log.Infof("Cancelled order %s", orderID)

	return nil
}

// AcceptSwap completes a counterparty's partially signed packet,
// paying the listed price and claiming the asset to dest. The finished
// transaction is broadcast and its txid returned.
func (w *Wallet) AcceptSwap(ctx context.Context, session *vault.Session,
	packet *psbt.Packet, dest string,
	feeRate btcunit.SatPerVByte) (chainhash.Hash, error) {

	built, err := w.BuildPsbt(ctx, IntentSwapAccept{
		Packet:  packet,
		Dest:    dest,
		FeeRate: feeRate,
	})
	if err != nil {
		return chainhash.Hash{}, err
	}

	// Our inputs are exactly the appended tail; everything before it
	// belongs to the counterparty.
	ours := make([]int, 0, len(built.Inputs)-len(packet.Inputs))
	for idx := len(packet.Inputs); idx < len(built.Inputs); idx++ {
		ours = append(ours, idx)
	}

	return w.signAndBroadcast(ctx, built, session, PolicyDefault, ours)
}

// DepositAddress returns the on-chain address funding the wallet's
// ledger account. Deposits travel the ordinary send path.
func (w *Wallet) DepositAddress() (string, error) {
	if err := w.state.validateStarted(); err != nil {
		return "", err
	}
	if w.cfg.Ledger == nil {
		return "", ErrNoLedger
	}

	return w.cfg.Ledger.DepositAddress()
}

// Withdraw moves ledger balance back on chain.
func (w *Wallet) Withdraw(ctx context.Context, session *vault.Session,
	amount btcutil.Amount) (string, error) {

	if err := w.state.validateStarted(); err != nil {
		return "", err
	}
	if w.cfg.Ledger == nil {
		return "", ErrNoLedger
	}

	return w.cfg.Ledger.Withdraw(ctx, amount, session)
}

// InstantTransfer moves ledger balance to another account off chain.
func (w *Wallet) InstantTransfer(ctx context.Context,
	session *vault.Session, to string,
	amount btcutil.Amount) (string, error) {

	if err := w.state.validateStarted(); err != nil {
		return "", err
	}
	if w.cfg.Ledger == nil {
		return "", ErrNoLedger
	}

	return w.cfg.Ledger.InstantTransfer(ctx, to, amount, session)
}
