// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/glyphlabs/glyphwallet/vault"
)

// Create provisions a brand new vault: fresh entropy is drawn, sealed
// under the passphrase, and the recovery mnemonic returned. The vault
// comes back locked. The mnemonic is surfaced exactly once, here; it is
// never written to disk.
func Create(cfg *vault.Config, passphrase []byte,
	entropyBits int) (*vault.Vault, []string, error) {

	return vault.Create(cfg, &vault.CreateParams{
		Mode:        vault.ModeGenSeed,
		Passphrase:  passphrase,
		EntropyBits: entropyBits,
	})
}

// Restore rebuilds a vault from its recovery mnemonic, sealed under the
// given passphrase. Addresses and utxos reappear through the ordinary
// refresh rounds once a wallet is started on top of it.
func Restore(cfg *vault.Config, passphrase []byte,
	mnemonic []string) (*vault.Vault, error) {

	v, _, err := vault.Create(cfg, &vault.CreateParams{
		Mode:       vault.ModeImportMnemonic,
		Passphrase: passphrase,
		Mnemonic:   mnemonic,
	})
	if err != nil {
		return nil, err
	}

	return v, nil
}
