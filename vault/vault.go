// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package vault owns the wallet's sealed seed. It stretches the user's
// passphrase into a sealing key, keeps decrypted key material alive only
// between Unlock and Lock, and hands out capability sessions that every
// key-touching operation must present. There is deliberately no exported
// "is unlocked" query: a caller either holds a live *Session or it does
// not derive keys.
package vault

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/glyphlabs/glyphwallet/internal/zero"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// Purpose is the BIP43 purpose of every derived key. The wallet is
	// taproot-native, so all keys live under BIP86.
	Purpose uint32 = 86

	// DefaultAccount is the account index used by the wallet.
	DefaultAccount uint32 = 0

	// ExternalBranch is the branch receive addresses derive from.
	ExternalBranch uint32 = 0

	// InternalBranch is the branch change addresses derive from.
	InternalBranch uint32 = 1
)

// DerivationPath addresses one key below the wallet's BIP86 purpose and
// coin type: m/86'/coin'/account'/branch/index.
type DerivationPath struct {
	Account uint32
	Branch  uint32
	Index   uint32
}

// String renders the full path for audit logs.
func (p DerivationPath) String() string {
	return fmt.Sprintf("m/%d'/x'/%d'/%d/%d",
		Purpose, p.Account, p.Branch, p.Index)
}

// Session is the capability handed out by a successful Unlock. Every
// derivation presents one; Lock invalidates all outstanding sessions.
// The zero value is not a valid session.
type Session struct {
	vault *Vault
	id    uint64
	gen   uint64
}

// ID returns the audit identifier of the session. It appears in the
// vault's unlock and derivation logs.
func (s *Session) ID() uint64 {
	return s.id
}

// Config describes a vault's collaborators.
type Config struct {
	// Store persists the sealed blob.
	Store Store

	// NetParams is the network the vault's keys belong to.
	NetParams *chaincfg.Params

	// Scrypt overrides the sealing cost parameters. Nil uses
	// DefaultScryptOptions.
	Scrypt *ScryptOptions

	// AutoLockTicker drives the idle watchdog. Nil disables
	// auto-locking.
	AutoLockTicker ticker.Ticker

	// IdleTimeout is how long the vault may sit unlocked with no key
	// operations before the watchdog locks it again.
	IdleTimeout time.Duration
}

// scryptOptions returns the configured or default cost parameters.
func (c *Config) scryptOptions() ScryptOptions {
	if c.Scrypt != nil {
		return *c.Scrypt
	}

	return DefaultScryptOptions
}

// Vault holds the sealed seed and, between Unlock and Lock, the
// decrypted master key. All access to the decrypted region is serialized
// by mu; concurrent signers queue rather than observe half-written or
// already-zeroed keys.
type Vault struct {
	cfg *Config

	// acctXpub is the neutered account key. Public data, immutable
	// after open.
	acctXpub *hdkeychain.ExtendedKey

	mu     sync.Mutex
	sealed *vaultBlob

	// seed and master are non-nil only while unlocked.
	seed   []byte
	master *hdkeychain.ExtendedKey

	// gen increments on every lock, invalidating outstanding sessions.
	gen     atomic.Uint64
	sessSeq atomic.Uint64

	// lastUse is the unix-nano time of the last key operation, read by
	// the auto-lock watchdog.
	lastUse atomic.Int64

	started atomic.Bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// Open loads an existing vault from the store. A store with no blob is
// ErrNoVault; a blob that fails structural validation is ErrCorruptVault
// and the caller must halt key operations. Open never touches the
// passphrase, so it cannot tell a wrong one.
func Open(cfg *Config) (*Vault, error) {
	raw, err := cfg.Store.FetchSeal()
	if err != nil {
		return nil, err
	}

	blob := &vaultBlob{}
	if err := blob.decode(raw); err != nil {
		return nil, err
	}

	if blob.net != uint32(cfg.NetParams.Net) {
		return nil, ErrWrongNet
	}

	xpub, err := hdkeychain.NewKeyFromString(string(blob.xpub))
	if err != nil || xpub.IsPrivate() {
		return nil, ErrCorruptVault
	}
	if !xpub.IsForNet(cfg.NetParams) {
		return nil, ErrWrongNet
	}

	return &Vault{
		cfg:      cfg,
		sealed:   blob,
		acctXpub: xpub,
		quit:     make(chan struct{}),
	}, nil
}

// Start launches the auto-lock watchdog if one is configured.
func (v *Vault) Start() {
	if !v.started.CompareAndSwap(false, true) {
		return
	}

	if v.cfg.AutoLockTicker == nil || v.cfg.IdleTimeout <= 0 {
		return
	}

	v.wg.Add(1)
	go v.autoLockLoop()
}

// Stop halts the watchdog and locks the vault so shutdown never leaves
// key material in memory.
func (v *Vault) Stop() {
	if !v.started.CompareAndSwap(true, false) {
		return
	}

	close(v.quit)
	v.wg.Wait()
	v.Lock()
}

// autoLockLoop locks the vault when it has been idle past the configured
// timeout.
func (v *Vault) autoLockLoop() {
	defer v.wg.Done()

	t := v.cfg.AutoLockTicker
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			if !v.idleExpired() {
				continue
			}

			log.Infof("Idle timeout reached, locking vault")
			v.Lock()

		case <-v.quit:
			return
		}
	}
}

// idleExpired reports whether the vault is unlocked and has seen no key
// operation within the idle timeout.
func (v *Vault) idleExpired() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.master == nil {
		return false
	}

	last := time.Unix(0, v.lastUse.Load())

	return time.Since(last) >= v.cfg.IdleTimeout
}

// Unlock stretches the passphrase and opens the sealed seed. On success
// it returns a new session; the vault stays unlocked until Lock or the
// idle watchdog fires. On any failure the vault ends up locked: a failed
// re-authentication of an already unlocked vault zeroes the material
// rather than leaving it behind an invalid passphrase.
//
// The passphrase check has no early out: a wrong passphrase and a
// tampered seed both pay the full key stretch and fail the
// authenticator.
func (v *Vault) Unlock(ctx context.Context,
	passphrase []byte) (*Session, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	params := &sealParams{}
	if err := params.unmarshal(v.sealed.params); err != nil {
		return nil, err
	}

	key, err := deriveSealKey(passphrase, params)
	if err != nil {
		v.lockInner()
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	defer zero.Bytea32(key)

	seed, err := openSealed(key, v.sealed.sealed)
	if err != nil {
		v.lockInner()
		log.Warnf("Vault unlock failed")

		return nil, err
	}

	master, err := hdkeychain.NewMaster(seed, v.cfg.NetParams)
	if err != nil {
		zero.Bytes(seed)
		v.lockInner()

		return nil, ErrCorruptVault
	}

	// Replace any material from a previous unlock.
	v.zeroMaterial()
	v.seed = seed
	v.master = master
	v.lastUse.Store(time.Now().UnixNano())

	sess := &Session{
		vault: v,
		id:    v.sessSeq.Add(1),
		gen:   v.gen.Load(),
	}

	log.Infof("Vault unlocked, session %d", sess.id)

	return sess, nil
}

// DeriveKey derives the private extended key at path. The session must
// come from the most recent unlock. The caller owns the returned key and
// must Zero it as soon as the signature is produced.
func (v *Vault) DeriveKey(path DerivationPath,
	s *Session) (*hdkeychain.ExtendedKey, error) {

	if s == nil || s.vault != v {
		return nil, ErrSessionExpired
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if s.gen != v.gen.Load() {
		return nil, ErrSessionExpired
	}
	if v.master == nil {
		return nil, ErrLocked
	}

	key, err := deriveChild(v.master, v.cfg.NetParams, path)
	if err != nil {
		return nil, fmt.Errorf("derive %s: %w", path, err)
	}

	v.lastUse.Store(time.Now().UnixNano())
	log.Debugf("Derived key at %s for session %d", path, s.id)

	return key, nil
}

// Lock zeroes all decrypted key material and invalidates every
// outstanding session. Locking an already locked vault is a no-op.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.lockInner()
}

// lockInner performs the lock under an already held mu.
func (v *Vault) lockInner() {
	if v.seed == nil && v.master == nil {
		return
	}

	v.zeroMaterial()
	v.gen.Add(1)

	log.Infof("Vault locked")
}

// zeroMaterial clears the decrypted region. Callers hold mu.
func (v *Vault) zeroMaterial() {
	if v.seed != nil {
		zero.Bytes(v.seed)
		v.seed = nil
	}
	if v.master != nil {
		v.master.Zero()
		v.master = nil
	}
}

// Reencrypt reseals the seed under a new passphrase with a fresh salt.
// The old passphrase must authenticate first. Until the new blob is
// durably stored the old one stays authoritative, so a crash mid-change
// leaves the previous passphrase valid. Lock state is unaffected.
func (v *Vault) Reencrypt(ctx context.Context, oldPass,
	newPass []byte) error {

	if len(newPass) == 0 {
		return ErrEmptyPassphrase
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	params := &sealParams{}
	if err := params.unmarshal(v.sealed.params); err != nil {
		return err
	}

	oldKey, err := deriveSealKey(oldPass, params)
	if err != nil {
		return fmt.Errorf("derive seal key: %w", err)
	}
	defer zero.Bytea32(oldKey)

	seed, err := openSealed(oldKey, v.sealed.sealed)
	if err != nil {
		return err
	}
	defer zero.Bytes(seed)

	newParams, err := newSealParams(v.cfg.scryptOptions())
	if err != nil {
		return fmt.Errorf("new seal params: %w", err)
	}

	newKey, err := deriveSealKey(newPass, newParams)
	if err != nil {
		return fmt.Errorf("derive seal key: %w", err)
	}
	defer zero.Bytea32(newKey)

	box, err := seal(newKey, seed)
	if err != nil {
		return fmt.Errorf("seal seed: %w", err)
	}

	blob := &vaultBlob{
		version: vaultVersion,
		net:     v.sealed.net,
		params:  newParams.marshal(),
		sealed:  box,
		xpub:    v.sealed.xpub,
	}

	enc, err := blob.encode()
	if err != nil {
		return fmt.Errorf("encode blob: %w", err)
	}

	if err := v.cfg.Store.PutSeal(enc); err != nil {
		return fmt.Errorf("persist resealed vault: %w", err)
	}
	v.sealed = blob

	log.Infof("Vault re-encrypted")

	return nil
}

// AccountKey returns the neutered account extended key. It is public
// data: receive and change scripts derive from it without unlocking.
func (v *Vault) AccountKey() *hdkeychain.ExtendedKey {
	return v.acctXpub
}

// NetParams returns the network the vault belongs to.
func (v *Vault) NetParams() *chaincfg.Params {
	return v.cfg.NetParams
}

// CoinType returns the BIP44 coin type for the given network.
func CoinType(params *chaincfg.Params) uint32 {
	if params.Net == chaincfg.MainNetParams.Net {
		return 0
	}

	return 1
}

// deriveChild walks master down to the key at path, hardening the
// purpose, coin type and account steps. Intermediate keys are zeroed
// before returning; master is left intact.
func deriveChild(master *hdkeychain.ExtendedKey, params *chaincfg.Params,
	path DerivationPath) (*hdkeychain.ExtendedKey, error) {

	steps := []uint32{
		hdkeychain.HardenedKeyStart + Purpose,
		hdkeychain.HardenedKeyStart + CoinType(params),
		hdkeychain.HardenedKeyStart + path.Account,
		path.Branch,
		path.Index,
	}

	key := master
	for _, step := range steps {
		next, err := key.Derive(step)
		if key != master {
			key.Zero()
		}
		if err != nil {
			return nil, err
		}

		key = next
	}

	return key, nil
}
