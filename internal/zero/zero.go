// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package zero clears key material from byte slices and fixed-size
// arrays.  Assigning nil or letting a buffer go out of scope leaves the
// plaintext in memory until the collector reuses it; these helpers
// overwrite it in place.
package zero

// Bytes sets all bytes in the passed slice to zero.  This is used to
// explicitly clear private key material from memory.
//
// Prefer the fixed-size variants (Bytea*) where the buffer size is
// known, as they compile to a single clear.
func Bytes(b []byte) {
	z := [32]byte{}
	n := uint(copy(b, z[:]))
	for n < uint(len(b)) {
		copy(b[n:], b[:n])
		n <<= 1
	}
}

// Bytea32 clears the 32-byte array by filling it with the zero value.
// This is used to explicitly clear private key material from memory.
func Bytea32(b *[32]byte) {
	*b = [32]byte{}
}

// Bytea64 clears the 64-byte array by filling it with the zero value.
// This is used to explicitly clear sensitive material such as seeds and
// derived entropy from memory.
func Bytea64(b *[64]byte) {
	*b = [64]byte{}
}
