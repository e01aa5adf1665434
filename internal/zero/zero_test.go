// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package zero_test

import (
	"bytes"
	"testing"

	"github.com/glyphlabs/glyphwallet/internal/zero"
	"github.com/stretchr/testify/require"
)

func makeOneBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 1
	}
	return b
}

// TestBytes checks that variable-length slices are fully cleared,
// including lengths around the internal 32-byte copy window.
func TestBytes(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 31, 32, 33, 127, 128, 129, 512, 513} {
		b := makeOneBytes(n)
		zero.Bytes(b)
		require.Equal(t, make([]byte, n), b, "length %d", n)
	}
}

// TestBytea32 checks that the fixed 32-byte clear removes every byte.
func TestBytea32(t *testing.T) {
	t.Parallel()

	var b [32]byte
	copy(b[:], bytes.Repeat([]byte{0xa5}, 32))

	zero.Bytea32(&b)

	require.Equal(t, [32]byte{}, b)
}

// TestBytea64 checks that the fixed 64-byte clear removes every byte.
func TestBytea64(t *testing.T) {
	t.Parallel()

	var b [64]byte
	copy(b[:], bytes.Repeat([]byte{0x5a}, 64))

	zero.Bytea64(&b)

	require.Equal(t, [64]byte{}, b)
}
