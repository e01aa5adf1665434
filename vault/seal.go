// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/glyphlabs/glyphwallet/internal/zero"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	// sealKeySize is the size of the symmetric key the passphrase is
	// stretched into.
	sealKeySize = 32

	// sealSaltSize is the size of the random scrypt salt.
	sealSaltSize = 32

	// sealNonceSize is the size of the secretbox nonce prepended to
	// every sealed box.
	sealNonceSize = 24

	// sealParamsSize is the serialized size of sealParams: the salt
	// followed by three 32-bit cost parameters.
	sealParamsSize = sealSaltSize + 3*4
)

// ScryptOptions holds the scrypt cost parameters used to stretch a
// passphrase into a sealing key.
type ScryptOptions struct {
	N, R, P int
}

// DefaultScryptOptions is the default set of options used when sealing a
// seed. The parameters are deliberately expensive: stretching takes on
// the order of a second and a quarter gigabyte of memory, which is the
// brute-force resistance the seed relies on.
var DefaultScryptOptions = ScryptOptions{
	N: 262144, // 2^18
	R: 8,
	P: 1,
}

// FastScryptOptions are insecure parameters for tests that exercise the
// seal without paying the stretching cost.
var FastScryptOptions = ScryptOptions{
	N: 16,
	R: 8,
	P: 1,
}

// sealParams records the salt and cost parameters a seed was sealed
// under. They are stored in the clear next to the sealed box so the same
// key can be re-derived from the passphrase.
type sealParams struct {
	salt [sealSaltSize]byte
	n    uint32
	r    uint32
	p    uint32
}

// newSealParams creates parameters with a fresh random salt.
func newSealParams(opts ScryptOptions) (*sealParams, error) {
	params := &sealParams{
		n: uint32(opts.N),
		r: uint32(opts.R),
		p: uint32(opts.P),
	}
	if _, err := rand.Read(params.salt[:]); err != nil {
		return nil, err
	}

	return params, nil
}

// marshal serializes the parameters.
func (s *sealParams) marshal() []byte {
	out := make([]byte, sealParamsSize)
	copy(out, s.salt[:])
	binary.BigEndian.PutUint32(out[sealSaltSize:], s.n)
	binary.BigEndian.PutUint32(out[sealSaltSize+4:], s.r)
	binary.BigEndian.PutUint32(out[sealSaltSize+8:], s.p)

	return out
}

// unmarshal parses serialized parameters. Structural problems are
// ErrCorruptVault: parameters are stored plaintext, so no passphrase is
// involved yet.
func (s *sealParams) unmarshal(b []byte) error {
	if len(b) != sealParamsSize {
		return ErrCorruptVault
	}
	copy(s.salt[:], b[:sealSaltSize])
	s.n = binary.BigEndian.Uint32(b[sealSaltSize:])
	s.r = binary.BigEndian.Uint32(b[sealSaltSize+4:])
	s.p = binary.BigEndian.Uint32(b[sealSaltSize+8:])

	if s.n == 0 || s.r == 0 || s.p == 0 {
		return ErrCorruptVault
	}

	return nil
}

// deriveSealKey stretches a passphrase into a sealing key using the
// given parameters. The caller must zero the returned key after use.
func deriveSealKey(passphrase []byte, params *sealParams) (*[sealKeySize]byte, error) {
	raw, err := scrypt.Key(
		passphrase, params.salt[:],
		int(params.n), int(params.r), int(params.p), sealKeySize,
	)
	if err != nil {
		return nil, err
	}

	var key [sealKeySize]byte
	copy(key[:], raw)
	zero.Bytes(raw)

	return &key, nil
}

// seal encrypts plaintext under the passphrase-derived key. The returned
// box carries its random nonce as a prefix.
func seal(key *[sealKeySize]byte, plaintext []byte) ([]byte, error) {
	var nonce [sealNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	return secretbox.Seal(nonce[:], plaintext, &nonce, key), nil
}

// openSealed authenticates and decrypts a sealed box. A wrong passphrase
// and a tampered box are indistinguishable here: both fail the
// authenticator after the full key stretch, so the failure carries no
// timing signal about which it was. The caller must zero the returned
// plaintext after use.
func openSealed(key *[sealKeySize]byte, box []byte) ([]byte, error) {
	if len(box) <= sealNonceSize {
		return nil, ErrCorruptVault
	}

	var nonce [sealNonceSize]byte
	copy(nonce[:], box[:sealNonceSize])

	plaintext, ok := secretbox.Open(nil, box[sealNonceSize:], &nonce, key)
	if !ok {
		return nil, ErrInvalidPassphrase
	}

	return plaintext, nil
}
