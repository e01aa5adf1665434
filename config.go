// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/glyphlabs/glyphwallet/wallet"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename  = "glyphwallet.conf"
	defaultLogLevel        = "info"
	defaultLogDirname      = "logs"
	defaultLogFilename     = "glyphwallet.log"
	defaultAutoLockTimeout = 10 * time.Minute
	walletDbName           = "wallet.db"
)

var (
	defaultAppDataDir = btcutil.AppDataDir("glyphwallet", false)
	defaultConfigFile = filepath.Join(defaultAppDataDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultAppDataDir, defaultLogDirname)
)

// config defines the configuration options for glyphwallet.
//
// See loadConfig for details on the configuration load process.
type config struct {
	// General application behavior.
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	Create      bool   `long:"create" description:"Create the wallet if it does not exist, generating or importing a recovery phrase"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	AppDataDir  string `short:"A" long:"appdata" description:"Application data directory for wallet config, databases and logs"`
	TestNet3    bool   `long:"testnet" description:"Use the test Bitcoin network (version 3)"`
	SigNet      bool   `long:"signet" description:"Use the signet test network"`
	RegTest     bool   `long:"regtest" description:"Use the regression test network"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	LogDir      string `long:"logdir" description:"Directory to log output"`

	// Chain oracle.
	OracleURL string `long:"oracleurl" description:"Esplora style chain oracle to poll (default varies by network)"`
	AssetURL  string `long:"asseturl" description:"Asset index endpoint for inscription and rune lookups; empty classifies on script heuristics alone"`

	// Spend policy.
	MinConf         int32         `long:"minconf" description:"Confirmation depth plain spends require from their inputs"`
	RefreshInterval time.Duration `long:"refreshinterval" description:"How often to poll the oracle for a fresh snapshot"`
	AutoLockTimeout time.Duration `long:"autolocktimeout" description:"How long the vault may sit unlocked and idle before it locks itself; 0 disables auto-locking"`

	// Sidechain ledger.
	LedgerURL     string `long:"ledgerurl" description:"Glyph ledger REST endpoint; empty disables ledger operations"`
	LedgerAccount string `long:"ledgeraccount" description:"Account identifier registered with the ledger"`
	LedgerDeposit string `long:"ledgerdeposit" description:"On-chain address funding the ledger account"`

	// Marketplace.
	MarketURL    string `long:"marketurl" description:"Asset marketplace REST endpoint; empty disables marketplace operations"`
	MarketAPIKey string `long:"marketapikey" default-mask:"-" description:"API key authenticating marketplace requests"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultAppDataDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log
// level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported
// subsystems for logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level
// and set the levels accordingly. An appropriate error is returned if
// anything is invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimiters, treat it
	// as the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		setLogLevels(debugLevel)
		return nil
	}

	// Split the specified string into subsystem/level pairs while
	// detecting issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsystems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) (bool, error) {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in functioning without any config settings while
// still allowing the user to override settings with config files and
// command line options. Command line options always take precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		DebugLevel:      defaultLogLevel,
		ConfigFile:      defaultConfigFile,
		AppDataDir:      defaultAppDataDir,
		LogDir:          defaultLogDir,
		MinConf:         wallet.DefaultMinConf,
		RefreshInterval: wallet.DefaultRefreshInterval,
		AutoLockTimeout: defaultAutoLockTimeout,
	}

	// Pre-parse the command line options to see if an alternative
	// config file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		preParser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	funcName := "loadConfig"
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load additional config from file. When the user overrides the
	// data directory but not the config file, look for the file in the
	// new location.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	configFilePath := preCfg.ConfigFile
	if configFilePath == defaultConfigFile {
		appDataDir := cleanAndExpandPath(preCfg.AppDataDir)
		if appDataDir != defaultAppDataDir {
			configFilePath = filepath.Join(appDataDir, defaultConfigFilename)
		}
	} else {
		configFilePath = cleanAndExpandPath(configFilePath)
	}
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Choose the active network params based on the selected network.
	// Multiple networks can't be selected simultaneously.
	numNets := 0
	if cfg.TestNet3 {
		activeNet = &testNet3Params
		numNets++
	}
	if cfg.SigNet {
		activeNet = &sigNetParams
		numNets++
	}
	if cfg.RegTest {
		activeNet = &regTestParams
		numNets++
	}
	if numNets > 1 {
		str := "%s: the testnet, signet and regtest params can't be " +
			"used together -- choose one"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Append the network type to the log directory so it is
	// "namespaced" per network.
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, netName(activeNet))

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation. After it is initialized, the logger
	// variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Expand environment variables and leading ~ for filesystem paths.
	cfg.AppDataDir = cleanAndExpandPath(cfg.AppDataDir)

	// Fall back to the network's default chain oracle when none is
	// configured.
	if cfg.OracleURL == "" {
		cfg.OracleURL = activeNet.defaultOracleURL
	}

	// Sanity check the spend policy knobs.
	if cfg.MinConf < 0 {
		str := "%s: minconf must not be negative -- parsed [%v]"
		err := fmt.Errorf(str, funcName, cfg.MinConf)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if cfg.RefreshInterval < time.Second {
		str := "%s: refreshinterval must be at least one second -- " +
			"parsed [%v]"
		err := fmt.Errorf(str, funcName, cfg.RefreshInterval)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if cfg.AutoLockTimeout < 0 {
		str := "%s: autolocktimeout must not be negative -- parsed [%v]"
		err := fmt.Errorf(str, funcName, cfg.AutoLockTimeout)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// The ledger bridge needs the account and its funding address
	// along with the endpoint.
	if cfg.LedgerURL != "" {
		if cfg.LedgerAccount == "" {
			str := "%s: ledgerurl requires ledgeraccount"
			err := fmt.Errorf(str, funcName)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
		if cfg.LedgerDeposit == "" {
			str := "%s: ledgerurl requires ledgerdeposit"
			err := fmt.Errorf(str, funcName)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
	}
	if cfg.MarketAPIKey != "" && cfg.MarketURL == "" {
		str := "%s: marketapikey requires marketurl"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Ensure the wallet exists or create it when requested.
	netDir := networkDir(cfg.AppDataDir, activeNet)
	dbPath := filepath.Join(netDir, walletDbName)
	dbFileExists, err := fileExists(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	if cfg.Create {
		// Error if the create flag is set and the wallet already
		// exists.
		if dbFileExists {
			err := fmt.Errorf("the wallet database file `%v` "+
				"already exists", dbPath)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}

		// Ensure the data directory for the network exists.
		if err := checkCreateDir(netDir); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}

		// Perform the initial wallet creation wizard.
		if err := createWallet(&cfg); err != nil {
			fmt.Fprintln(os.Stderr, "Unable to create wallet:", err)
			return nil, nil, err
		}

		// Created successfully, so exit now with success.
		os.Exit(0)
	} else if !dbFileExists {
		err := fmt.Errorf("the wallet does not exist, run with the " +
			"--create option to initialize and create it")
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line
	// parse succeeds. This prevents the warning on help messages and
	// invalid options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
