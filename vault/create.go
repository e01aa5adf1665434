// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/glyphlabs/glyphwallet/internal/zero"
	"github.com/vulpemventures/go-bip39"
)

// CreateMode determines how a new vault is initialized.
type CreateMode uint8

const (
	// ModeUnknown indicates no specific creation mode.
	ModeUnknown CreateMode = iota

	// ModeGenSeed indicates creating a new vault from fresh random
	// entropy. The backup mnemonic is returned exactly once.
	ModeGenSeed

	// ModeImportMnemonic indicates restoring a vault from a BIP39
	// backup phrase (CreateParams.Mnemonic).
	ModeImportMnemonic
)

// String returns a human readable name for the mode.
func (m CreateMode) String() string {
	switch m {
	case ModeGenSeed:
		return "genseed"
	case ModeImportMnemonic:
		return "import"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

const (
	// defaultEntropyBits is the entropy size used when CreateParams
	// leaves it unset, yielding a 12 word mnemonic.
	defaultEntropyBits = 128

	// maxEntropyBits is the largest entropy size BIP39 defines.
	maxEntropyBits = 256
)

// CreateParams holds the one-time inputs used to initialize a vault.
type CreateParams struct {
	// Mode determines which fields below are required.
	Mode CreateMode

	// Passphrase seals the seed on disk. Required for all modes.
	Passphrase []byte

	// Mnemonic is required for ModeImportMnemonic. Ignored for others.
	Mnemonic []string

	// EntropyBits sizes the generated seed for ModeGenSeed. Zero means
	// defaultEntropyBits. Ignored for other modes.
	EntropyBits int
}

// validate checks the parameters for the requested mode.
func (p *CreateParams) validate() error {
	if len(p.Passphrase) == 0 {
		return ErrEmptyPassphrase
	}

	switch p.Mode {
	case ModeGenSeed:
		bits := p.EntropyBits
		if bits == 0 {
			bits = defaultEntropyBits
		}
		if bits < defaultEntropyBits || bits > maxEntropyBits ||
			bits%32 != 0 {

			return fmt.Errorf("invalid entropy size %d bits",
				p.EntropyBits)
		}

	case ModeImportMnemonic:
		phrase := strings.Join(p.Mnemonic, " ")
		if !bip39.IsMnemonicValid(phrase) {
			return ErrInvalidMnemonic
		}

	default:
		return fmt.Errorf("unknown create mode %d", p.Mode)
	}

	return nil
}

// Create initializes a new vault in the store and returns it locked. For
// ModeGenSeed the generated backup mnemonic is returned as well; the
// caller must show it to the user now, it is never recoverable later.
// Creating over an existing vault fails with ErrVaultExists.
func Create(cfg *Config, params *CreateParams) (*Vault, []string, error) {
	if err := params.validate(); err != nil {
		return nil, nil, err
	}

	// Refuse to clobber an existing vault, whatever its state.
	_, err := cfg.Store.FetchSeal()
	switch {
	case err == nil:
		return nil, nil, ErrVaultExists
	case !errors.Is(err, ErrNoVault):
		return nil, nil, err
	}

	mnemonic := params.Mnemonic
	if params.Mode == ModeGenSeed {
		bits := params.EntropyBits
		if bits == 0 {
			bits = defaultEntropyBits
		}

		entropy, err := bip39.NewEntropy(bits)
		if err != nil {
			return nil, nil, fmt.Errorf("generate entropy: %w", err)
		}

		phrase, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, nil, fmt.Errorf("encode mnemonic: %w", err)
		}

		mnemonic = strings.Split(phrase, " ")
	}

	seed := bip39.NewSeed(strings.Join(mnemonic, " "), "")
	defer zero.Bytes(seed)

	xpub, err := accountXpub(seed, cfg)
	if err != nil {
		return nil, nil, err
	}

	sp, err := newSealParams(cfg.scryptOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("new seal params: %w", err)
	}

	key, err := deriveSealKey(params.Passphrase, sp)
	if err != nil {
		return nil, nil, fmt.Errorf("derive seal key: %w", err)
	}
	defer zero.Bytea32(key)

	box, err := seal(key, seed)
	if err != nil {
		return nil, nil, fmt.Errorf("seal seed: %w", err)
	}

	blob := &vaultBlob{
		version: vaultVersion,
		net:     uint32(cfg.NetParams.Net),
		params:  sp.marshal(),
		sealed:  box,
		xpub:    []byte(xpub.String()),
	}

	enc, err := blob.encode()
	if err != nil {
		return nil, nil, fmt.Errorf("encode blob: %w", err)
	}
	if err := cfg.Store.PutSeal(enc); err != nil {
		return nil, nil, fmt.Errorf("persist vault: %w", err)
	}

	v := &Vault{
		cfg:      cfg,
		sealed:   blob,
		acctXpub: xpub,
		quit:     make(chan struct{}),
	}

	log.Infof("Created new vault (%s) for network %s", params.Mode,
		cfg.NetParams.Name)

	if params.Mode != ModeGenSeed {
		mnemonic = nil
	}

	return v, mnemonic, nil
}

// accountXpub derives the neutered default account key m/86'/coin'/0'
// from seed, zeroing every private intermediate.
func accountXpub(seed []byte, cfg *Config) (*hdkeychain.ExtendedKey,
	error) {

	master, err := hdkeychain.NewMaster(seed, cfg.NetParams)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	defer master.Zero()

	steps := []uint32{
		hdkeychain.HardenedKeyStart + Purpose,
		hdkeychain.HardenedKeyStart + CoinType(cfg.NetParams),
		hdkeychain.HardenedKeyStart + DefaultAccount,
	}

	key := master
	for _, step := range steps {
		next, err := key.Derive(step)
		if key != master {
			key.Zero()
		}
		if err != nil {
			return nil, fmt.Errorf("derive account key: %w", err)
		}

		key = next
	}
	defer key.Zero()

	return key.Neuter()
}
