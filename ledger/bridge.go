// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/glyphlabs/glyphwallet/vault"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
)

const (
	// DefaultCacheTTL is how long cached balance and quota answers stay
	// advisory when the config does not say otherwise.
	DefaultCacheTTL = 30 * time.Second

	// advisoryCacheSize caps the number of accounts the advisory
	// caches track.
	advisoryCacheSize = 16
)

// DigestSigner produces the signatures that authenticate requests to
// the remote ledger. The wallet implements it with a dedicated vault
// derived key; the ledger verifies against the account's registered
// pubkey.
type DigestSigner interface {
	// SignDigest signs a 32 byte digest and returns the DER encoded
	// signature.
	SignDigest(ctx context.Context, digest [32]byte,
		session *vault.Session) ([]byte, error)
}

// Remote is the authoritative sidechain ledger the bridge talks to.
type Remote interface {
	// Balance returns the account's current sidechain balance.
	Balance(ctx context.Context, account string) (btcutil.Amount, error)

	// SubmitWithdraw submits a signed withdrawal and returns the
	// ledger's receipt. An overdrawn request fails with
	// InsufficientBalanceError carrying the remote verdict.
	SubmitWithdraw(ctx context.Context,
		req *WithdrawRequest) (*Receipt, error)

	// SubmitTransfer submits a signed instant transfer and returns the
	// ledger's receipt.
	SubmitTransfer(ctx context.Context,
		req *TransferRequest) (*Receipt, error)

	// Quota returns the account's membership allowance.
	Quota(ctx context.Context, account string) (*Quota, error)
}

// WithdrawRequest is a signed request to move sidechain balance back on
// chain.
type WithdrawRequest struct {
	// Account is the ledger account the balance leaves.
	Account string

	// Amount is the withdrawal size.
	Amount btcutil.Amount

	// Nonce makes the signed digest unique per request.
	Nonce uint64

	// Signature is the DER signature over Digest.
	Signature []byte
}

// Digest returns the canonical digest the request is signed over. Field
// order and delimiters are part of the protocol; the ledger recomputes
// the same string.
func (r *WithdrawRequest) Digest() [32]byte {
	msg := fmt.Sprintf("glyphledger/withdraw|%s|%d|%d",
		r.Account, int64(r.Amount), r.Nonce)

	return sha256.Sum256([]byte(msg))
}

// TransferRequest is a signed request to move sidechain balance to
// another account without touching the chain.
type TransferRequest struct {
	// Account is the ledger account the balance leaves.
	Account string

	// To is the receiving ledger account.
	To string

	// Amount is the transfer size.
	Amount btcutil.Amount

	// Nonce makes the signed digest unique per request.
	Nonce uint64

	// Signature is the DER signature over Digest.
	Signature []byte
}

// Digest returns the canonical digest the request is signed over.
func (r *TransferRequest) Digest() [32]byte {
	msg := fmt.Sprintf("glyphledger/transfer|%s|%s|%d|%d",
		r.Account, r.To, int64(r.Amount), r.Nonce)

	return sha256.Sum256([]byte(msg))
}

// Receipt acknowledges an accepted ledger operation.
type Receipt struct {
	// ID is the ledger's reference for the operation.
	ID string

	// Fee is what the ledger charged. Zero when the membership quota
	// covered the operation.
	Fee btcutil.Amount
}

// Quota is an account's membership allowance. The ledger enforces it;
// this side only reads it for display and preflight.
type Quota struct {
	// Tier names the membership level.
	Tier string

	// FreeRemaining is how many free transfers remain in the current
	// period.
	FreeRemaining int64

	// ResetsAt is when the allowance replenishes.
	ResetsAt time.Time
}

// cachedBalance is one advisory balance entry with its fetch time.
type cachedBalance struct {
	amount btcutil.Amount
	at     time.Time
}

// Size returns 1 so the cache caps the number of accounts it holds.
func (c *cachedBalance) Size() (uint64, error) {
	return 1, nil
}

// cachedQuota is one advisory quota entry with its fetch time.
type cachedQuota struct {
	quota Quota
	at    time.Time
}

// Size returns 1 so the cache caps the number of accounts it holds.
func (c *cachedQuota) Size() (uint64, error) {
	return 1, nil
}

// Compile-time assertions that both entries can live in a cache.
var (
	_ cache.Value = (*cachedBalance)(nil)
	_ cache.Value = (*cachedQuota)(nil)
)

// Config bundles a Bridge's collaborators and tunables.
type Config struct {
	// DepositAddress is the fixed on-chain address funding the bridge.
	// Required, must parse for ChainParams.
	DepositAddress string

	// ChainParams describe the network DepositAddress lives on.
	// Required.
	ChainParams *chaincfg.Params

	// Account identifies the wallet's ledger account. Required.
	Account string

	// Remote is the ledger backend. Required.
	Remote Remote

	// Signer authenticates withdraw and transfer requests. Required.
	Signer DigestSigner

	// CacheTTL bounds how long cached balance and quota answers stay
	// advisory. Zero or negative means DefaultCacheTTL.
	CacheTTL time.Duration
}

// Bridge is the wallet's view of its sidechain account. Deposits are
// observed, never initiated, here: funding the bridge address is an
// ordinary on-chain send, and the remote ledger asserts the credit.
// Withdrawals and instant transfers are constructed and signed locally,
// then submitted; the remote ledger stays authoritative over balances
// and quota.
type Bridge struct {
	cfg Config

	// balances and quotas cache recent remote answers per account.
	// Entries only ever avoid doomed round trips; they never make a
	// request succeed the ledger would refuse.
	balances *lru.Cache[string, *cachedBalance]
	quotas   *lru.Cache[string, *cachedQuota]

	// nonce numbers outgoing requests. Seeded from the wall clock so a
	// restarted process never reuses a value.
	nonce atomic.Uint64
}

// NewBridge returns a bridge for the configured account.
func NewBridge(cfg Config) (*Bridge, error) {
	switch {
	case cfg.DepositAddress == "":
		return nil, errors.New("bridge requires a deposit address")
	case cfg.ChainParams == nil:
		return nil, errors.New("bridge requires chain params")
	case cfg.Account == "":
		return nil, errors.New("bridge requires an account")
	case cfg.Remote == nil:
		return nil, errors.New("bridge requires a remote ledger")
	case cfg.Signer == nil:
		return nil, errors.New("bridge requires a digest signer")
	}

	addr, err := btcutil.DecodeAddress(
		cfg.DepositAddress, cfg.ChainParams,
	)
	if err != nil {
		return nil, fmt.Errorf("deposit address %q: %w",
			cfg.DepositAddress, err)
	}
	if !addr.IsForNet(cfg.ChainParams) {
		return nil, fmt.Errorf("deposit address %q is not a %s "+
			"address", cfg.DepositAddress, cfg.ChainParams.Name)
	}

	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}

	b := &Bridge{
		cfg: cfg,
		balances: lru.NewCache[string, *cachedBalance](
			advisoryCacheSize,
		),
		quotas: lru.NewCache[string, *cachedQuota](advisoryCacheSize),
	}
	b.nonce.Store(uint64(time.Now().UnixNano()))

	return b, nil
}

// DepositAddress returns the bridge's fixed funding address. Sending to
// it travels the ordinary on-chain path; the ledger credits the account
// once the deposit confirms.
func (b *Bridge) DepositAddress() (string, error) {
	return b.cfg.DepositAddress, nil
}

// freshBalance returns the cached balance when one exists and has not
// aged past the TTL.
func (b *Bridge) freshBalance() (btcutil.Amount, bool) {
	ent, err := b.balances.Get(b.cfg.Account)
	if err != nil || time.Since(ent.at) >= b.cfg.CacheTTL {
		return 0, false
	}

	return ent.amount, true
}

// storeBalance replaces the cached balance for the account.
func (b *Bridge) storeBalance(amount btcutil.Amount) {
	_, err := b.balances.Put(b.cfg.Account, &cachedBalance{
		amount: amount,
		at:     time.Now(),
	})
	if err != nil {
		log.Warnf("Unable to cache ledger balance: %v", err)
	}
}

// Balance returns the account's sidechain balance, served from the
// advisory cache while fresh.
func (b *Bridge) Balance(ctx context.Context) (btcutil.Amount, error) {
	if amount, ok := b.freshBalance(); ok {
		return amount, nil
	}

	amount, err := b.cfg.Remote.Balance(ctx, b.cfg.Account)
	if err != nil {
		return 0, fmt.Errorf("ledger balance: %w", err)
	}
	b.storeBalance(amount)

	return amount, nil
}

// nextNonce returns a strictly increasing request nonce.
func (b *Bridge) nextNonce() uint64 {
	return b.nonce.Add(1)
}

// Withdraw moves sidechain balance back on chain. A fresh cached
// balance that cannot cover the amount fails the request locally; past
// that check the signed request goes to the ledger, whose verdict is
// final. The returned string is the ledger's receipt id.
func (b *Bridge) Withdraw(ctx context.Context, amount btcutil.Amount,
	session *vault.Session) (string, error) {

	if amount <= 0 {
		return "", fmt.Errorf("withdraw amount must be positive, "+
			"got %v", amount)
	}

	local := btcutil.Amount(-1)
	if cached, ok := b.freshBalance(); ok {
		local = cached
		if cached < amount {
			return "", &InsufficientBalanceError{
				Requested: amount,
				Local:     cached,
				Remote:    -1,
			}
		}
	}

	req := &WithdrawRequest{
		Account: b.cfg.Account,
		Amount:  amount,
		Nonce:   b.nextNonce(),
	}
	sig, err := b.cfg.Signer.SignDigest(ctx, req.Digest(), session)
	if err != nil {
		return "", fmt.Errorf("sign withdraw: %w", err)
	}
	req.Signature = sig

	receipt, err := b.cfg.Remote.SubmitWithdraw(ctx, req)
	if err != nil {
		var balErr *InsufficientBalanceError
		if errors.As(err, &balErr) {
			// The remote verdict supersedes whatever the cache
			// believed. Keep it for the next advisory check.
			balErr.Requested = amount
			balErr.Local = local
			if balErr.Remote >= 0 {
				b.storeBalance(balErr.Remote)
			}

			return "", balErr
		}

		return "", fmt.Errorf("submit withdraw: %w", err)
	}

	// The balance moved; the cached value is stale now.
	b.balances.Delete(b.cfg.Account)

	log.Infof("Ledger withdrawal %s of %v accepted", receipt.ID, amount)

	return receipt.ID, nil
}

// InstantTransfer moves sidechain balance to another account without an
// on-chain transaction. The returned string is the ledger's receipt id.
func (b *Bridge) InstantTransfer(ctx context.Context, to string,
	amount btcutil.Amount, session *vault.Session) (string, error) {

	if amount <= 0 {
		return "", fmt.Errorf("transfer amount must be positive, "+
			"got %v", amount)
	}
	if to == "" {
		return "", errors.New("transfer requires a receiving account")
	}
	if to == b.cfg.Account {
		return "", errors.New("transfer to own account")
	}

	req := &TransferRequest{
		Account: b.cfg.Account,
		To:      to,
		Amount:  amount,
		Nonce:   b.nextNonce(),
	}
	sig, err := b.cfg.Signer.SignDigest(ctx, req.Digest(), session)
	if err != nil {
		return "", fmt.Errorf("sign transfer: %w", err)
	}
	req.Signature = sig

	receipt, err := b.cfg.Remote.SubmitTransfer(ctx, req)
	if err != nil {
		var balErr *InsufficientBalanceError
		if errors.As(err, &balErr) {
			balErr.Requested = amount
			balErr.Local = -1
			if balErr.Remote >= 0 {
				b.storeBalance(balErr.Remote)
			}

			return "", balErr
		}

		return "", fmt.Errorf("submit transfer: %w", err)
	}

	b.balances.Delete(b.cfg.Account)

	log.Infof("Ledger transfer %s of %v to %s accepted", receipt.ID,
		amount, to)

	return receipt.ID, nil
}

// AccountQuota returns the account's membership allowance, served from
// the advisory cache while fresh. Enforcement happens on the ledger.
func (b *Bridge) AccountQuota(ctx context.Context) (*Quota, error) {
	ent, err := b.quotas.Get(b.cfg.Account)
	if err == nil && time.Since(ent.at) < b.cfg.CacheTTL {
		quota := ent.quota
		return &quota, nil
	}

	quota, err := b.cfg.Remote.Quota(ctx, b.cfg.Account)
	if err != nil {
		return nil, fmt.Errorf("ledger quota: %w", err)
	}

	_, err = b.quotas.Put(b.cfg.Account, &cachedQuota{
		quota: *quota,
		at:    time.Now(),
	})
	if err != nil {
		log.Warnf("Unable to cache ledger quota: %v", err)
	}

	return quota, nil
}
