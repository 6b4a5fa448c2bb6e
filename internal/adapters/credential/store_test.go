package credential

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenforge/ledgerops/internal/domain"
	"github.com/tokenforge/ledgerops/pkg/constant"
	"github.com/tokenforge/ledgerops/pkg/mlog"
)

type fakeWalletRepo struct {
	wallets map[string]*domain.Wallet
}

func newFakeWalletRepo() *fakeWalletRepo {
	return &fakeWalletRepo{wallets: make(map[string]*domain.Wallet)}
}

func (f *fakeWalletRepo) FindByID(_ context.Context, identityID string) (*domain.Wallet, error) {
	return f.wallets[identityID], nil
}

func (f *fakeWalletRepo) SaveSeed(_ context.Context, identityID string, encrypted, nonce, authTag []byte) error {
	w := f.wallets[identityID]
	if w == nil {
		w = &domain.Wallet{ID: identityID, Address: "r" + identityID}
		f.wallets[identityID] = w
	}

	w.EncryptedSeed, w.Nonce, w.AuthTag = encrypted, nonce, authTag

	return nil
}

const testMasterKeyHex = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

func newTestStore(t *testing.T, repo WalletRepository) *Store {
	t.Helper()

	s, err := New(repo, Config{
		MasterKeyHex:  testMasterKeyHex,
		IssuerSeed:    "sIssuerSeedValue",
		IssuerAddress: "rIssuer",
		CacheTTL:      time.Minute,
		Logger:        mlog.NewNop(),
	})
	require.NoError(t, err)

	t.Cleanup(s.Close)

	return s
}

func TestStore_New_RequiresIssuerSeed(t *testing.T) {
	_, err := New(newFakeWalletRepo(), Config{MasterKeyHex: testMasterKeyHex, Logger: mlog.NewNop()})
	assert.Error(t, err)

	var cfgErr constant.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestStore_New_DerivesKeyFromPassphrase(t *testing.T) {
	s, err := New(newFakeWalletRepo(), Config{
		MasterKeyHex: "not-64-hex-chars",
		IssuerSeed:   "sIssuerSeedValue",
		Logger:       mlog.NewNop(),
	})
	require.NoError(t, err)
	defer s.Close()

	assert.Len(t, s.masterKey, masterKeySize)
}

func TestStore_New_RejectsEmptyMasterKey(t *testing.T) {
	_, err := New(newFakeWalletRepo(), Config{IssuerSeed: "sIssuerSeedValue", Logger: mlog.NewNop()})
	assert.Error(t, err)
}

func TestStore_FetchSeed_Issuer(t *testing.T) {
	s := newTestStore(t, newFakeWalletRepo())

	seed, err := s.FetchSeed(context.Background(), domain.IssuerIdentityID)
	require.NoError(t, err)
	assert.Equal(t, "sIssuerSeedValue", seed)
}

func TestStore_ResolveAddress_Issuer(t *testing.T) {
	s := newTestStore(t, newFakeWalletRepo())

	addr, err := s.ResolveAddress(context.Background(), domain.IssuerIdentityID)
	require.NoError(t, err)
	assert.Equal(t, "rIssuer", addr)
}

func TestStore_StoreSeed_RejectsIssuer(t *testing.T) {
	s := newTestStore(t, newFakeWalletRepo())

	err := s.StoreSeed(context.Background(), domain.IssuerIdentityID, "sSomeSeed")
	assert.Error(t, err)
}

func TestStore_StoreAndFetchSeed_RoundTrip(t *testing.T) {
	repo := newFakeWalletRepo()
	s := newTestStore(t, repo)

	ctx := context.Background()

	require.NoError(t, s.StoreSeed(ctx, "alice", "sAliceSeedValue"))

	// wipe the cache so FetchSeed must decrypt from storage
	s.Clear("alice")

	seed, err := s.FetchSeed(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "sAliceSeedValue", seed)
}

func TestStore_FetchSeed_UnknownWallet(t *testing.T) {
	s := newTestStore(t, newFakeWalletRepo())

	_, err := s.FetchSeed(context.Background(), "nobody")
	assert.Error(t, err)

	var notFound constant.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestStore_FetchSeed_TamperedCiphertextFailsAuthentication(t *testing.T) {
	repo := newFakeWalletRepo()
	s := newTestStore(t, repo)

	ctx := context.Background()
	require.NoError(t, s.StoreSeed(ctx, "alice", "sAliceSeedValue"))
	s.Clear("alice")

	w := repo.wallets["alice"]
	w.EncryptedSeed[0] ^= 0xFF

	_, err := s.FetchSeed(ctx, "alice")
	assert.Error(t, err)

	var integrity constant.IntegrityError
	assert.ErrorAs(t, err, &integrity)
}

func TestStore_CacheHitAvoidsRepository(t *testing.T) {
	repo := newFakeWalletRepo()
	s := newTestStore(t, repo)

	ctx := context.Background()
	require.NoError(t, s.StoreSeed(ctx, "alice", "sAliceSeedValue"))

	// corrupt storage directly; a cache hit must never reach it
	repo.wallets["alice"].EncryptedSeed = []byte("garbage")

	seed, err := s.FetchSeed(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "sAliceSeedValue", seed)
}

func TestStore_ClearAll(t *testing.T) {
	repo := newFakeWalletRepo()
	s := newTestStore(t, repo)

	ctx := context.Background()
	require.NoError(t, s.StoreSeed(ctx, "alice", "sAliceSeedValue"))
	require.NoError(t, s.StoreSeed(ctx, "bob", "sBobSeedValue"))

	s.ClearAll()

	_, ok := s.cacheGet("alice")
	assert.False(t, ok)
	_, ok = s.cacheGet("bob")
	assert.False(t, ok)
}

func TestResolveMasterKey_EmptyPassphraseErrors(t *testing.T) {
	_, err := resolveMasterKey("")
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "ENCRYPTION_MASTER_KEY"))
}
