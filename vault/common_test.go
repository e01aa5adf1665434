package vault

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	errStoreMock = errors.New("store error")

	// chainParams are the chain parameters used throughout the vault
	// tests.
	chainParams = chaincfg.RegressionNetParams

	testPassphrase  = []byte("test-passphrase")
	otherPassphrase = []byte("other-passphrase")

	// testMnemonic is a fixed valid BIP39 phrase used by restore tests.
	testMnemonic = []string{
		"abandon", "abandon", "abandon", "abandon", "abandon",
		"abandon", "abandon", "abandon", "abandon", "abandon",
		"abandon", "about",
	}
)

// fastScrypt keeps the key stretch cheap in tests.
var fastScrypt = FastScryptOptions

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) walletdb.DB {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "vault-test-*.db")
	require.NoError(t, err)

	dbPath := f.Name()
	require.NoError(t, f.Close())
	require.NoError(t, os.Remove(dbPath))

	db, err := walletdb.Create("bdb", dbPath, true, time.Second*10, false)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
		_ = os.Remove(dbPath)
	})

	return db
}

// newTestConfig returns a vault config backed by a fresh temporary
// database store.
func newTestConfig(t *testing.T) *Config {
	t.Helper()

	store, err := NewDBStore(setupTestDB(t))
	require.NoError(t, err)

	return &Config{
		Store:     store,
		NetParams: &chainParams,
		Scrypt:    &fastScrypt,
	}
}

// newTestVault creates a fresh vault from testMnemonic and returns it
// still locked.
func newTestVault(t *testing.T) *Vault {
	t.Helper()

	cfg := newTestConfig(t)

	v, _, err := Create(cfg, &CreateParams{
		Mode:       ModeImportMnemonic,
		Passphrase: testPassphrase,
		Mnemonic:   testMnemonic,
	})
	require.NoError(t, err)

	return v
}

// mockStore is a testify mock of the Store interface.
type mockStore struct {
	mock.Mock
}

// Compile time check that mockStore satisfies Store.
var _ Store = (*mockStore)(nil)

func (m *mockStore) PutSeal(blob []byte) error {
	args := m.Called(blob)

	return args.Error(0)
}

func (m *mockStore) FetchSeal() ([]byte, error) {
	args := m.Called()

	blob := args.Get(0)
	if blob == nil {
		return nil, args.Error(1)
	}

	return blob.([]byte), args.Error(1)
}
