// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"

	"github.com/glyphlabs/glyphwallet/vault"
)

// Start brings the wallet up: the vault watchdog, the snapshot
// refresher and the rebroadcast loop. The wallet serves requests once
// Start returns, though spends stay unavailable until the first
// refresh round lands.
func (w *Wallet) Start() error {
	if err := w.state.toStarting(); err != nil {
		return err
	}

	log.Infof("Starting wallet on %s", w.cfg.ChainParams.Name)

	w.cfg.Vault.Start()

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.refresher.run(ctx)
	}()
	go w.rebroadcastLoop(ctx)

	w.state.toStarted()

	return nil
}

// Stop tears the wallet down in reverse order and locks the vault. It
// blocks until the background loops have drained.
func (w *Wallet) Stop() error {
	if err := w.state.toStopping(); err != nil {
		return err
	}

	log.Info("Stopping wallet")

	w.cancel()
	w.wg.Wait()

	w.cfg.Vault.Stop()

	w.state.toStopped()

	log.Info("Wallet stopped")

	return nil
}

// Unlock decrypts the vault under the passphrase and returns the
// session every key operation requires. The caller holds the session;
// the wallet never stores it.
func (w *Wallet) Unlock(ctx context.Context,
	passphrase []byte) (*vault.Session, error) {

	if err := w.state.validateStarted(); err != nil {
		return nil, err
	}

	return w.cfg.Vault.Unlock(ctx, passphrase)
}

// Lock discards the decrypted key material and invalidates every open
// session. Safe to call in any state.
func (w *Wallet) Lock() {
	w.cfg.Vault.Lock()
}

// ChangePassphrase re-seals the vault's seed under a new passphrase.
// The old passphrase must authenticate first. Lock state and open
// sessions are unaffected.
func (w *Wallet) ChangePassphrase(ctx context.Context, oldPass,
	newPass []byte) error {

	if err := w.state.validateStarted(); err != nil {
		return err
	}

	return w.cfg.Vault.Reencrypt(ctx, oldPass, newPass)
}

// Info is a point-in-time summary of the wallet's state.
type Info struct {
	// State is the lifecycle state, e.g. "Started".
	State string

	// Snapshot is the freshness of the utxo view, e.g. "Fresh".
	Snapshot string

	// Network names the active chain.
	Network string
}

// Info reports the wallet's current state. It never errors so status
// surfaces can call it in any lifecycle state.
func (w *Wallet) Info() Info {
	return Info{
		State:    w.state.currentLifecycle().String(),
		Snapshot: w.refresher.refreshState().String(),
		Network:  w.cfg.ChainParams.Name,
	}
}
