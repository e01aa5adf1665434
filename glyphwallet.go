// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"

	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/glyphlabs/glyphwallet/asset"
	"github.com/glyphlabs/glyphwallet/chain"
	"github.com/glyphlabs/glyphwallet/ledger"
	"github.com/glyphlabs/glyphwallet/market"
	"github.com/glyphlabs/glyphwallet/vault"
	"github.com/glyphlabs/glyphwallet/wallet"
	"github.com/lightningnetwork/lnd/ticker"
)

var cfg *config

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := walletMain(); err != nil {
		os.Exit(1)
	}
}

// deferredSigner hands the ledger bridge a digest signer before the
// wallet that backs it exists. The bridge only signs inside withdraw
// and transfer calls, which are reachable only through the wallet
// itself, so the target is always set by the time a signature is
// requested.
type deferredSigner struct {
	wallet *wallet.Wallet
}

func (s *deferredSigner) SignDigest(ctx context.Context, digest [32]byte,
	session *vault.Session) ([]byte, error) {

	if s.wallet == nil {
		return nil, errors.New("wallet is not initialized")
	}
	return s.wallet.SignDigest(ctx, digest, session)
}

// walletMain is a work-around main function that is required since
// deferred functions (such as log flushing) are not called with calls
// to os.Exit. Instead, main runs this function and checks for a
// non-nil error, at which point any defers have already run, and if
// the error is non-nil, the program can be exited with an error exit
// status.
func walletMain() error {
	// Load configuration and parse command line. This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()
	defer log.Info("Shutdown complete")

	// Show version at startup.
	log.Infof("Version %s", version())

	// Get a channel that will be closed when a shutdown signal has
	// been triggered from an OS signal such as SIGINT (Ctrl+C).
	interrupt := interruptListener()

	// Open the wallet database. The config load already made sure the
	// file exists.
	netDir := networkDir(cfg.AppDataDir, activeNet)
	dbPath := filepath.Join(netDir, walletDbName)
	log.Infof("Attempting to open wallet database %s", dbPath)
	db, err := walletdb.Open("bdb", dbPath, true, defaultDBTimeout, false)
	if err != nil {
		log.Errorf("Failed to open wallet database: %v", err)
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
	if cfg.AutoLockTimeout > 0 {
		// The watchdog checks idleness at a quarter of the timeout,
		// bounding how far past it a forgotten vault stays unlocked.
		vaultCfg.AutoLockTicker = ticker.New(cfg.AutoLockTimeout / 4)
		vaultCfg.IdleTimeout = cfg.AutoLockTimeout
	}
	vlt, err := vault.Open(vaultCfg)
	if err != nil {
		log.Errorf("Failed to open vault: %v", err)
		return err
	}

	oracle, err := chain.NewEsplora(chain.EsploraConfig{
		BaseURL:  cfg.OracleURL,
		AssetURL: cfg.AssetURL,
	})
	if err != nil {
		return err
	}
	classifier, err := asset.NewClassifier(asset.Config{Source: oracle})
	if err != nil {
		return err
	}

	// Optional collaborators. The wallet refuses the corresponding
	// operations with a typed error when one is not configured.
	var marketClient wallet.MarketClient
	if cfg.MarketURL != "" {
		mc, err := market.New(market.Config{
			BaseURL:     cfg.MarketURL,
			ChainParams: activeNet.Params,
			APIKey:      cfg.MarketAPIKey,
		})
		if err != nil {
			return err
		}
		marketClient = mc
		log.Infof("Marketplace enabled at %s", cfg.MarketURL)
	}

	signer := &deferredSigner{}
	var ledgerClient wallet.LedgerClient
	if cfg.LedgerURL != "" {
		remote, err := ledger.NewRestClient(ledger.RestConfig{
			BaseURL: cfg.LedgerURL,
		})
		if err != nil {
			return err
		}
		bridge, err := ledger.NewBridge(ledger.Config{
			DepositAddress: cfg.LedgerDeposit,
			ChainParams:    activeNet.Params,
			Account:        cfg.LedgerAccount,
			Remote:         remote,
			Signer:         signer,
		})
		if err != nil {
			return err
		}
		ledgerClient = bridge
		log.Infof("Ledger enabled for account %s at %s",
			cfg.LedgerAccount, cfg.LedgerURL)
	}

	w, err := wallet.New(&wallet.Config{
		DB:            db,
		ChainParams:   activeNet.Params,
		Vault:         vlt,
		Oracle:        oracle,
		Classifier:    classifier,
		Market:        marketClient,
		Ledger:        ledgerClient,
		MinConf:       cfg.MinConf,
		RefreshTicker: ticker.New(cfg.RefreshInterval),
	})
	if err != nil {
		return err
	}
	signer.wallet = w

	if interruptRequested(interrupt) {
		return nil
	}

	if err := w.Start(); err != nil {
		log.Errorf("Unable to start wallet: %v", err)
		return err
	}
	defer func() {
		log.Info("Stopping wallet...")
		if err := w.Stop(); err != nil {
			log.Errorf("Error stopping wallet: %v", err)
		}
	}()

	// Wait until the interrupt signal is received from an OS signal or
	// shutdown is requested through one of the subsystems.
	<-interrupt
	return nil
}
