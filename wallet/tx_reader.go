// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
)

// Balances breaks the wallet's holdings down by what a plain send may
// touch.
type Balances struct {
	// Spendable is the total of confirmed plain-value outputs.
	Spendable btcutil.Amount

	// Pending is the total of unconfirmed plain-value outputs.
	Pending btcutil.Amount

	// Protected is the total held in asset-bearing or unclassified
	// outputs. It moves only through the transfer and listing flows.
	Protected btcutil.Amount
}

// Total returns the sum over all three buckets.
func (b *Balances) Total() btcutil.Amount {
	return b.Spendable + b.Pending + b.Protected
}

// Balance sums the current utxo snapshot. The split keeps asset
// postage out of the number a user would read as "what can I send".
func (w *Wallet) Balance(ctx context.Context) (*Balances, error) {
	if err := w.state.validateSpendable(); err != nil {
		return nil, err
	}

	utxos, err := w.DBListUtxos(ctx)
	if err != nil {
		return nil, err
	}

	var balances Balances
	for _, u := range utxos {
		switch {
		case !u.spendable():
			balances.Protected += u.Value

		case u.Confirmations > 0:
			balances.Spendable += u.Value

		default:
			balances.Pending += u.Value
		}
	}

	return &balances, nil
}

// ListUtxos returns the wallet's tracked outputs with their asset tags
// and confirmation depths.
func (w *Wallet) ListUtxos(ctx context.Context) ([]Utxo, error) {
	if err := w.state.validateSpendable(); err != nil {
		return nil, err
	}

	return w.DBListUtxos(ctx)
}
