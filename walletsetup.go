// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/glyphlabs/glyphwallet/internal/prompt"
	"github.com/glyphlabs/glyphwallet/internal/zero"
	"github.com/glyphlabs/glyphwallet/vault"
	"github.com/glyphlabs/glyphwallet/wallet"
)

// defaultDBTimeout is how long opening or creating the wallet database
// waits on the file lock before giving up.
const defaultDBTimeout = 60 * time.Second

// networkDir returns the directory name of a network directory to hold
// wallet files.
func networkDir(dataDir string, params *netParams) string {
	return filepath.Join(dataDir, netName(params))
}

// checkCreateDir checks that the path exists and is a directory.
// If path does not exist, it is created.
func checkCreateDir(path string) error {
	if fi, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			// Attempt data directory creation.
			if err = os.MkdirAll(path, 0700); err != nil {
				return fmt.Errorf("cannot create directory: %s", err)
			}
		} else {
			return fmt.Errorf("error checking directory: %s", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("path '%s' is not a directory", path)
		}
	}

	return nil
}

// createWallet prompts the user for a private passphrase and a
// recovery phrase source, then creates the wallet database and seals a
// new vault into it. A freshly generated recovery phrase must be
// acknowledged as backed up before the function returns.
func createWallet(cfg *config) error {
	reader := bufio.NewReader(os.Stdin)

	privPass, err := prompt.PrivatePass(reader, true)
	if err != nil {
		return err
	}
	defer zero.Bytes(privPass)

	// An existing recovery phrase restores the same keys on any
	// network; otherwise a fresh one is generated below.
	useExisting, err := prompt.HasExistingPhrase(reader)
	if err != nil {
		return err
	}

	var mnemonic []string
	if useExisting {
		mnemonic, err = prompt.Mnemonic(reader)
		if err != nil {
			return err
		}
	}

	netDir := networkDir(cfg.AppDataDir, activeNet)
	dbPath := filepath.Join(netDir, walletDbName)

	fmt.Println("Creating the wallet...")
	db, err := walletdb.Create("bdb", dbPath, true, defaultDBTimeout, false)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := vault.NewDBStore(db)
	if err != nil {
		return err
	}
	vaultCfg := &vault.Config{
		Store:     store,
		NetParams: activeNet.Params,
	}

	if useExisting {
		_, err = wallet.Restore(vaultCfg, privPass, mnemonic)
		if err != nil {
			return err
		}
	} else {
		_, words, err := wallet.Create(vaultCfg, privPass, 0)
		if err != nil {
			return err
		}
		if err := prompt.ConfirmBackup(reader, words); err != nil {
			return err
		}
	}

	fmt.Println("The wallet has been created successfully.")
	return nil
}
