// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// activeNet holds the parameters of the chain the daemon runs on. It
// is set during config load and read everywhere addresses or stored
// metadata are checked against a network.
var activeNet = &mainNetParams

// netParams groups chain parameters with the per-network defaults the
// daemon falls back to when the config does not name an endpoint.
type netParams struct {
	*chaincfg.Params

	// defaultOracleURL is the Esplora style chain oracle dialed when
	// no --oracleurl is given.
	defaultOracleURL string
}

var mainNetParams = netParams{
	Params:           &chaincfg.MainNetParams,
	defaultOracleURL: "https://blockstream.info/api",
}

var testNet3Params = netParams{
	Params:           &chaincfg.TestNet3Params,
	defaultOracleURL: "https://blockstream.info/testnet/api",
}

var sigNetParams = netParams{
	Params:           &chaincfg.SigNetParams,
	defaultOracleURL: "https://mempool.space/signet/api",
}

var regTestParams = netParams{
	Params:           &chaincfg.RegressionNetParams,
	defaultOracleURL: "http://localhost:3002",
}

// netName returns the name used as the per-network data subdirectory.
// Testnet3 deliberately maps to "testnet" so a future testnet version
// bump does not orphan existing wallets.
func netName(params *netParams) string {
	if params.Net == wire.TestNet3 {
		return "testnet"
	}
	return params.Name
}
