// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package btcunit provides types for bitcoin fee rates and transaction
// sizes.  Fee rates are stored in a single canonical unit so that
// conversions between the units used by user requests (sat/vb), fee
// estimators (fractional sat/vb tiers) and transaction authoring
// (sat/kvb) cannot drift through repeated rounding.
package btcunit

import (
	"math"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
)

const (
	// kilo is a generic multiplier for kilo units.
	kilo = 1000

	// floatStringPrecision is the number of decimal places used when
	// rendering a fee rate. Three places keep sub-sat/vb estimator
	// tiers from printing as zero.
	floatStringPrecision = 3
)

var (
	// ZeroSatPerVByte is a fee rate of 0 sat/vb.
	ZeroSatPerVByte = NewSatPerVByte(0)

	// ZeroSatPerKVByte is a fee rate of 0 sat/kvb.
	ZeroSatPerKVByte = NewSatPerKVByte(0)
)

// baseFeeRate stores the canonical representation of a fee rate, which is
// satoshis per kilo-weight-unit (sat/kwu). All other fee rate units are
// derived from this.
type baseFeeRate struct {
	// satsPerKWU is the fee rate in satoshis per kilo-weight-unit,
	// kept as a rational so unit conversions stay exact.
	satsPerKWU *big.Rat
}

// newBaseFeeRate creates a new baseFeeRate with the given numerator and
// denominator. A zero denominator yields a zero fee rate.
func newBaseFeeRate(numerator btcutil.Amount, denominator uint64) baseFeeRate {
	if denominator == 0 {
		return baseFeeRate{satsPerKWU: big.NewRat(0, 1)}
	}

	return baseFeeRate{satsPerKWU: big.NewRat(
		int64(numerator),
		safeUint64ToInt64(denominator),
	)}
}

// ToSatPerVByte converts the fee rate to sat/vb.
func (f baseFeeRate) ToSatPerVByte() SatPerVByte {
	return SatPerVByte{f}
}

// ToSatPerKVByte converts the fee rate to sat/kvb.
func (f baseFeeRate) ToSatPerKVByte() SatPerKVByte {
	return SatPerKVByte{f}
}

// FeeForWeight calculates the fee resulting from this fee rate and the
// given weight, truncated to the satoshi.
func (f baseFeeRate) FeeForWeight(weightUnit WeightUnit) btcutil.Amount {
	feeRational := big.NewRat(0, 1)
	feeRational.Mul(
		f.satsPerKWU,
		big.NewRat(safeUint64ToInt64(weightUnit.wu), kilo),
	)

	quotient := big.NewInt(0)
	quotient.Div(feeRational.Num(), feeRational.Denom())

	return btcutil.Amount(quotient.Int64())
}

// FeeForWeightRoundUp calculates the fee resulting from this fee rate and
// the given weight, rounding any fractional satoshi up.
func (f baseFeeRate) FeeForWeightRoundUp(weightUnit WeightUnit) btcutil.Amount {
	feeRational := big.NewRat(0, 1)
	feeRational.Mul(
		f.satsPerKWU,
		big.NewRat(safeUint64ToInt64(weightUnit.wu), kilo),
	)

	// Ceiling division: (numerator + denominator - 1) / denominator.
	result := big.NewInt(0)
	result.Add(feeRational.Num(), feeRational.Denom())
	result.Sub(result, big.NewInt(1))
	result.Div(result, feeRational.Denom())

	return btcutil.Amount(result.Int64())
}

// FeeForVByte calculates the fee for the given size in vbytes, truncated
// to the satoshi.
func (f baseFeeRate) FeeForVByte(vb VByte) btcutil.Amount {
	return f.FeeForWeight(vb.ToWU())
}

// FeeForVByteRoundUp calculates the fee for the given size in vbytes,
// rounding any fractional satoshi up. Transaction fees are sized with
// this variant so an estimate is never below rate times vsize.
func (f baseFeeRate) FeeForVByteRoundUp(vb VByte) btcutil.Amount {
	return f.FeeForWeightRoundUp(vb.ToWU())
}

// equal returns true if the fee rate is equal to the other fee rate.
func (f baseFeeRate) equal(other baseFeeRate) bool {
	return f.satsPerKWU.Cmp(other.satsPerKWU) == 0
}

// greaterThan returns true if the fee rate is greater than the other fee
// rate.
func (f baseFeeRate) greaterThan(other baseFeeRate) bool {
	return f.satsPerKWU.Cmp(other.satsPerKWU) > 0
}

// lessThan returns true if the fee rate is less than the other fee rate.
func (f baseFeeRate) lessThan(other baseFeeRate) bool {
	return f.satsPerKWU.Cmp(other.satsPerKWU) < 0
}

// greaterThanOrEqual returns true if this fee rate is greater than or
// equal to the other fee rate.
func (f baseFeeRate) greaterThanOrEqual(other baseFeeRate) bool {
	return f.satsPerKWU.Cmp(other.satsPerKWU) >= 0
}

// lessThanOrEqual returns true if this fee rate is less than or equal to
// the other fee rate.
func (f baseFeeRate) lessThanOrEqual(other baseFeeRate) bool {
	return f.satsPerKWU.Cmp(other.satsPerKWU) <= 0
}

// SatPerVByte represents a fee rate in sat/vbyte. Internally the rate is
// stored and operated on as satoshis per kilo-weight-unit; only String
// renders the sat/vbyte form.
type SatPerVByte struct {
	baseFeeRate
}

// NewSatPerVByte creates a new fee rate from a whole number of satoshis
// per vbyte.
func NewSatPerVByte(rate btcutil.Amount) SatPerVByte {
	return CalcSatPerVByte(rate, NewVByte(1))
}

// NewSatPerVByteFromFloat creates a fee rate from a fractional sat/vbyte
// value such as an estimator tier. Negative or non-finite values clamp
// to zero.
func NewSatPerVByteFromFloat(rate float64) SatPerVByte {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return ZeroSatPerVByte
	}

	r := new(big.Rat)
	r.SetFloat64(rate)

	// Scale sat/vb to the canonical sat/kwu: multiply by 1000 vb/kvb
	// and divide by the witness scale factor.
	r.Mul(r, big.NewRat(kilo, blockchain.WitnessScaleFactor))

	return SatPerVByte{baseFeeRate{satsPerKWU: r}}
}

// CalcSatPerVByte calculates the fee rate in sat/vb for a given fee and
// size.
func CalcSatPerVByte(fee btcutil.Amount, vb VByte) SatPerVByte {
	// The canonical sat/kwu rate is (fee * 1000) / size_in_wu; vb.wu
	// already carries the witness scale factor.
	return SatPerVByte{newBaseFeeRate(fee*kilo, vb.wu)}
}

// FeePerKVByte expresses the rate as whole satoshis per kilo-vbyte,
// which is the unit transaction authoring consumes. The result rounds
// up so authored fees never undershoot the requested rate.
func (s SatPerVByte) FeePerKVByte() btcutil.Amount {
	return s.FeeForVByteRoundUp(NewVByte(kilo))
}

// String returns a human-readable string of the fee rate.
func (s SatPerVByte) String() string {
	kwToVbRate := big.NewRat(0, 1)
	kwToVbRate.Mul(s.satsPerKWU,
		big.NewRat(blockchain.WitnessScaleFactor, kilo),
	)

	return kwToVbRate.FloatString(floatStringPrecision) + " sat/vb"
}

// Equal returns true if the fee rate is equal to the other fee rate.
func (s SatPerVByte) Equal(other SatPerVByte) bool {
	return s.equal(other.baseFeeRate)
}

// GreaterThan returns true if the fee rate is greater than the other fee
// rate.
func (s SatPerVByte) GreaterThan(other SatPerVByte) bool {
	return s.greaterThan(other.baseFeeRate)
}

// LessThan returns true if the fee rate is less than the other fee rate.
func (s SatPerVByte) LessThan(other SatPerVByte) bool {
	return s.lessThan(other.baseFeeRate)
}

// GreaterThanOrEqual returns true if the fee rate is greater than or equal to
// the other fee rate.
func (s SatPerVByte) GreaterThanOrEqual(other SatPerVByte) bool {
	return s.greaterThanOrEqual(other.baseFeeRate)
}

// LessThanOrEqual returns true if the fee rate is less than or equal to the
// other fee rate.
func (s SatPerVByte) LessThanOrEqual(other SatPerVByte) bool {
	return s.lessThanOrEqual(other.baseFeeRate)
}

// SatPerKVByte represents a fee rate in sat/kvb, the unit used by relay
// policy and transaction authoring. Internally the rate is stored as
// satoshis per kilo-weight-unit; only String renders the sat/kvb form.
type SatPerKVByte struct {
	baseFeeRate
}

// NewSatPerKVByte creates a new fee rate from a whole number of satoshis
// per kilo-vbyte.
func NewSatPerKVByte(rate btcutil.Amount) SatPerKVByte {
	return CalcSatPerKVByte(rate, NewKVByte(1))
}

// CalcSatPerKVByte calculates the fee rate in sat/kvb for a given fee
// and size.
func CalcSatPerKVByte(fee btcutil.Amount, kvb KVByte) SatPerKVByte {
	return SatPerKVByte{newBaseFeeRate(fee*kilo, kvb.wu)}
}

// String returns a human-readable string of the fee rate.
func (s SatPerKVByte) String() string {
	kwToKvbRate := big.NewRat(0, 1)
	kwToKvbRate.Mul(s.satsPerKWU,
		big.NewRat(blockchain.WitnessScaleFactor, 1),
	)

	return kwToKvbRate.FloatString(floatStringPrecision) + " sat/kvb"
}

// Equal returns true if the fee rate is equal to the other fee rate.
func (s SatPerKVByte) Equal(other SatPerKVByte) bool {
	return s.equal(other.baseFeeRate)
}

// GreaterThan returns true if the fee rate is greater than the other fee
// rate.
func (s SatPerKVByte) GreaterThan(other SatPerKVByte) bool {
	return s.greaterThan(other.baseFeeRate)
}

// LessThan returns true if the fee rate is less than the other fee rate.
func (s SatPerKVByte) LessThan(other SatPerKVByte) bool {
	return s.lessThan(other.baseFeeRate)
}

// GreaterThanOrEqual returns true if the fee rate is greater than or equal to
// the other fee rate.
func (s SatPerKVByte) GreaterThanOrEqual(other SatPerKVByte) bool {
	return s.greaterThanOrEqual(other.baseFeeRate)
}

// LessThanOrEqual returns true if the fee rate is less than or equal to the
// other fee rate.
func (s SatPerKVByte) LessThanOrEqual(other SatPerKVByte) bool {
	return s.lessThanOrEqual(other.baseFeeRate)
}

// safeUint64ToInt64 converts a uint64 to an int64, capping at
// math.MaxInt64. Transaction weights and sizes are bounded by consensus
// rules well below the cap.
func safeUint64ToInt64(u uint64) int64 {
	if u > math.MaxInt64 {
		return math.MaxInt64
	}

	return int64(u)
}
