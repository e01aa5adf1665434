// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package btcunit

import (
	"math"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

// TestFeeRateConversions checks that conversions between sat/vb and
// sat/kvb preserve the canonical rate exactly.
func TestFeeRateConversions(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		rate        SatPerVByte
		expectedKVB SatPerKVByte
	}{
		{
			name:        "1 sat/vb",
			rate:        NewSatPerVByte(1),
			expectedKVB: NewSatPerKVByte(1000),
		},
		{
			name:        "10 sat/vb",
			rate:        NewSatPerVByte(10),
			expectedKVB: NewSatPerKVByte(10000),
		},
		{
			name:        "0.25 sat/vb",
			rate:        NewSatPerVByteFromFloat(0.25),
			expectedKVB: NewSatPerKVByte(250),
		},
		{
			name:        "zero",
			rate:        ZeroSatPerVByte,
			expectedKVB: ZeroSatPerKVByte,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.True(t, tc.expectedKVB.Equal(
				tc.rate.ToSatPerKVByte(),
			))
			require.True(t, tc.rate.Equal(
				tc.expectedKVB.ToSatPerVByte(),
			))
		})
	}
}

// TestFeeForVByte checks both the truncating and the rounding-up fee
// calculations against hand-computed values.
func TestFeeForVByte(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name            string
		rate            SatPerVByte
		size            VByte
		expectedFee     btcutil.Amount
		expectedRounded btcutil.Amount
	}{
		{
			name:            "whole rate whole size",
			rate:            NewSatPerVByte(10),
			size:            NewVByte(141),
			expectedFee:     1410,
			expectedRounded: 1410,
		},
		{
			name:            "fractional fee rounds up",
			rate:            NewSatPerVByteFromFloat(1.5),
			size:            NewVByte(101),
			expectedFee:     151,
			expectedRounded: 152,
		},
		{
			name:            "quarter rate",
			rate:            NewSatPerVByteFromFloat(0.25),
			size:            NewVByte(200),
			expectedFee:     50,
			expectedRounded: 50,
		},
		{
			name:            "zero rate",
			rate:            ZeroSatPerVByte,
			size:            NewVByte(500),
			expectedFee:     0,
			expectedRounded: 0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.expectedFee,
				tc.rate.FeeForVByte(tc.size))
			require.Equal(t, tc.expectedRounded,
				tc.rate.FeeForVByteRoundUp(tc.size))
		})
	}
}

// TestFeePerKVByte checks the conversion into the whole-satoshi per
// kilo-vbyte unit used by transaction authoring.
func TestFeePerKVByte(t *testing.T) {
	t.Parallel()

	require.Equal(t, btcutil.Amount(10000),
		NewSatPerVByte(10).FeePerKVByte())
	require.Equal(t, btcutil.Amount(1500),
		NewSatPerVByteFromFloat(1.5).FeePerKVByte())
	require.Equal(t, btcutil.Amount(0),
		ZeroSatPerVByte.FeePerKVByte())
}

// TestNewSatPerVByteFromFloat checks that invalid estimator values clamp
// to a zero rate instead of producing garbage.
func TestNewSatPerVByteFromFloat(t *testing.T) {
	t.Parallel()

	for _, bad := range []float64{-1, 0, math.NaN(), math.Inf(1)} {
		require.True(t, NewSatPerVByteFromFloat(bad).Equal(
			ZeroSatPerVByte,
		))
	}

	require.True(t, NewSatPerVByteFromFloat(2).Equal(NewSatPerVByte(2)))
}

// TestFeeRateComparisons checks the comparison helpers.
func TestFeeRateComparisons(t *testing.T) {
	t.Parallel()

	low := NewSatPerVByte(1)
	high := NewSatPerVByte(50)

	require.True(t, low.LessThan(high))
	require.True(t, high.GreaterThan(low))
	require.False(t, low.Equal(high))
	require.True(t, low.Equal(NewSatPerVByte(1)))
}

// TestRateString checks the rendered forms used in logs.
func TestRateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "10.000 sat/vb", NewSatPerVByte(10).String())
	require.Equal(t, "250.000 sat/kvb", NewSatPerKVByte(250).String())
}
