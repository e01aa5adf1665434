// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import "errors"

var (
	// ErrNoVault is returned when opening a store that holds no sealed
	// seed. The wallet has not been created or was deleted.
	ErrNoVault = errors.New("no vault found in store")

	// ErrVaultExists is returned when creating a wallet over a store
	// that already holds one. An existing seed is never overwritten.
	ErrVaultExists = errors.New("vault already exists")

	// ErrCorruptVault is returned when the sealed blob fails structural
	// validation. This is fatal: key operations must halt until the
	// user re-imports from a backup phrase. It is never returned for a
	// wrong passphrase.
	ErrCorruptVault = errors.New("vault blob is corrupt")

	// ErrWrongNet is returned when the stored vault was created for a
	// different network than the one configured.
	ErrWrongNet = errors.New("vault belongs to a different network")

	// ErrInvalidPassphrase is returned when the passphrase fails to
	// open the sealed seed.
	ErrInvalidPassphrase = errors.New("invalid passphrase")

	// ErrLocked is returned when an operation requires decrypted key
	// material while the vault is locked.
	ErrLocked = errors.New("vault is locked")

	// ErrSessionExpired is returned when a session token from before
	// the most recent lock, or no token at all, is presented.
	ErrSessionExpired = errors.New("session is no longer valid")

	// ErrInvalidMnemonic is returned when a restore phrase fails
	// checksum or wordlist validation.
	ErrInvalidMnemonic = errors.New("invalid mnemonic phrase")

	// ErrEmptyPassphrase is returned when creating or re-encrypting a
	// vault with an empty passphrase.
	ErrEmptyPassphrase = errors.New("passphrase must not be empty")
)
