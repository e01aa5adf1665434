// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/glyphlabs/glyphwallet/asset"
	"github.com/glyphlabs/glyphwallet/chain"
	"github.com/glyphlabs/glyphwallet/ledger"
	"github.com/glyphlabs/glyphwallet/market"
	"github.com/glyphlabs/glyphwallet/vault"
	"github.com/glyphlabs/glyphwallet/wallet"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard
// output and the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	logRotator.Write(p)
	return len(p), nil
}

// Loggers per subsystem. A single backend logger is created and all
// subsystem loggers created from it will write to the backend. When
// adding new subsystems, add the subsystem logger variable to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized
// with a log file. This must be performed early during application
// startup by calling initLogRotator.
var (
	// backendLog is the logging backend used to create all subsystem
	// loggers. The backend must not be used before the log rotator
	// has been initialized, or data races and/or nil pointer
	// dereferences will occur.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs. It should be closed
	// on application shutdown.
	logRotator *rotator.Rotator

	log       = backendLog.Logger("GLYW")
	walletLog = backendLog.Logger("WALT")
	vaultLog  = backendLog.Logger("VALT")
	assetLog  = backendLog.Logger("ASST")
	chainLog  = backendLog.Logger("CHNO")
	ledgerLog = backendLog.Logger("LDGR")
	marketLog = backendLog.Logger("MRKT")
)

// Initialize package-global logger variables.
func init() {
	wallet.UseLogger(walletLog)
	vault.UseLogger(vaultLog)
	asset.UseLogger(assetLog)
	chain.UseLogger(chainLog)
	ledger.UseLogger(ledgerLog)
	market.UseLogger(marketLog)
}

// subsystemLoggers maps each subsystem identifier to its associated
// logger.
var subsystemLoggers = map[string]btclog.Logger{
	"GLYW": log,
	"WALT": walletLog,
	"VALT": vaultLog,
	"ASST": assetLog,
	"CHNO": chainLog,
	"LDGR": ledgerLog,
	"MRKT": marketLog,
}

// initLogRotator initializes the logging rotator to write logs to
// logFile and create roll files in the same directory. It must be
// called before the package-global log rotator variables are used.
func initLogRotator(logFile string) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}

	logRotator = r
}

// setLogLevel sets the logging level for the provided subsystem.
// Invalid subsystems are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the
// passed level.
func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}
