// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// InsufficientBalanceError is returned when a withdrawal asks for more
// than the account holds. Local is the advisory cached verdict, Remote
// the authoritative one; either side is -1 when it never gave a
// verdict.
type InsufficientBalanceError struct {
	// Requested is the amount the operation needed.
	Requested btcutil.Amount

	// Local is the balance the advisory cache reported, or -1 when no
	// fresh cached balance existed.
	Local btcutil.Amount

	// Remote is the balance the ledger reported, or -1 when the
	// request was rejected locally before reaching it.
	Remote btcutil.Amount
}

// Error describes the shortfall with both verdicts.
func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient ledger balance: requested %v, "+
		"local %s, remote %s", e.Requested, verdict(e.Local),
		verdict(e.Remote))
}

// verdict renders one side's balance, or "no verdict" for the -1
// placeholder.
func verdict(amount btcutil.Amount) string {
	if amount < 0 {
		return "no verdict"
	}

	return amount.String()
}
