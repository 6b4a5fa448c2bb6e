// Package credential implements the credential store (spec §4.1): encrypted
// user-identity seed custody plus issuer-seed mediation, with a bounded
// in-process TTL cache. AES-256-GCM itself is implemented on crypto/aes +
// crypto/cipher (the standard library's authenticated-encryption primitive)
// rather than an ecosystem wrapper — see DESIGN.md.
package credential

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/tokenforge/ledgerops/internal/domain"
	"github.com/tokenforge/ledgerops/pkg/constant"
	"github.com/tokenforge/ledgerops/pkg/mlog"
)

const (
	nonceSize      = 12
	masterKeySize  = 32
	defaultCacheTTL = time.Hour
	sweepInterval   = time.Minute
)

// WalletRepository is the durable-storage side of the credential store,
// satisfied by the postgres wallet repository.
type WalletRepository interface {
	FindByID(ctx context.Context, identityID string) (*domain.Wallet, error)
	SaveSeed(ctx context.Context, identityID string, encrypted, nonce, authTag []byte) error
}

type cacheEntry struct {
	plaintext string
	expiresAt time.Time
}

// Store mediates access to user-identity seed material and the
// process-configured issuer seed.
type Store struct {
	repo          WalletRepository
	masterKey     []byte
	issuerSeed    string
	issuerAddress string
	ttl           time.Duration
	logger        mlog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry

	stopSweep chan struct{}
	stopped   sync.Once
}

// Config configures a new Store.
type Config struct {
	MasterKeyHex  string // 64 hex chars = 32 bytes
	IssuerSeed    string
	IssuerAddress string
	CacheTTL      time.Duration
	Logger        mlog.Logger
}

// New validates cfg and returns a running Store (the cache sweep goroutine
// is already started).
func New(repo WalletRepository, cfg Config) (*Store, error) {
	if cfg.IssuerSeed == "" {
		return nil, constant.ConfigurationError{Message: "ISSUER_SEED is required"}
	}

	key, err := resolveMasterKey(cfg.MasterKeyHex)
	if err != nil {
		return nil, err
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	s := &Store{
		repo:          repo,
		masterKey:     key,
		issuerSeed:    cfg.IssuerSeed,
		issuerAddress: cfg.IssuerAddress,
		ttl:           ttl,
		logger:        cfg.Logger,
		cache:         make(map[string]cacheEntry),
		stopSweep:     make(chan struct{}),
	}

	go s.sweepLoop()

	return s, nil
}

// resolveMasterKey accepts ENCRYPTION_MASTER_KEY either as 64 raw hex chars
// (32 bytes, used directly) or, when it doesn't decode to exactly that
// length, as a passphrase from which a 32-byte key is derived via HKDF-SHA256.
func resolveMasterKey(raw string) ([]byte, error) {
	if key, err := hex.DecodeString(raw); err == nil && len(key) == masterKeySize {
		return key, nil
	}

	if raw == "" {
		return nil, constant.ConfigurationError{Message: "ENCRYPTION_MASTER_KEY is required"}
	}

	kdf := hkdf.New(sha256.New, []byte(raw), []byte("ledgerops-master-key"), []byte("aes-256-gcm"))

	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, constant.ConfigurationError{Message: "failed to derive master key: " + err.Error()}
	}

	return key, nil
}

// Close stops the cache-eviction sweep goroutine.
func (s *Store) Close() {
	s.stopped.Do(func() { close(s.stopSweep) })
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case now := <-ticker.C:
			s.evictExpired(now)
		}
	}
}

func (s *Store) evictExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.cache {
		if now.After(entry.expiresAt) {
			delete(s.cache, id)
		}
	}
}

// FetchSeed returns the plaintext seed for identityID. For the issuer
// identity it returns the configured seed directly, consulting neither
// storage nor cache (spec §4.1).
func (s *Store) FetchSeed(ctx context.Context, identityID string) (string, error) {
	if domain.IsIssuer(identityID) {
		return s.issuerSeed, nil
	}

	if seed, ok := s.cacheGet(identityID); ok {
		return seed, nil
	}

	wallet, err := s.repo.FindByID(ctx, identityID)
	if err != nil {
		return "", err
	}

	if wallet == nil {
		return "", constant.NotFoundError{Code: "WALLET_NOT_FOUND", Title: "Wallet Not Found", Message: "no wallet for identity " + identityID}
	}

	plaintext, err := s.decrypt(wallet.EncryptedSeed, wallet.Nonce, wallet.AuthTag)
	if err != nil {
		s.logger.Errorf("credential integrity failure for identity %s: %v", identityID, err)

		return "", constant.IntegrityError{Code: "CREDENTIAL_INTEGRITY", Title: "Credential Integrity Failure", Message: "stored seed failed authentication"}
	}

	s.cachePut(identityID, plaintext)

	return plaintext, nil
}

// StoreSeed encrypts plaintext under the process master key and persists
// it. Rejected for the reserved issuer identity.
func (s *Store) StoreSeed(ctx context.Context, identityID, plaintext string) error {
	if domain.IsIssuer(identityID) {
		return constant.InvalidArgumentError{Code: "ISSUER_RESERVED", Title: "Reserved Identity", Message: `identity "issuer" may not be stored`}
	}

	nonce, ciphertext, tag, err := s.encrypt(plaintext)
	if err != nil {
		return err
	}

	if err := s.repo.SaveSeed(ctx, identityID, ciphertext, nonce, tag); err != nil {
		return err
	}

	s.cachePut(identityID, plaintext)

	return nil
}

// ResolveAddress returns the ledger account address for identityID. For the
// issuer identity it returns the process-configured issuer address directly,
// consulting neither storage nor cache, mirroring FetchSeed's special case.
func (s *Store) ResolveAddress(ctx context.Context, identityID string) (string, error) {
	if domain.IsIssuer(identityID) {
		return s.issuerAddress, nil
	}

	wallet, err := s.repo.FindByID(ctx, identityID)
	if err != nil {
		return "", err
	}

	if wallet == nil {
		return "", constant.NotFoundError{Code: "WALLET_NOT_FOUND", Title: "Wallet Not Found", Message: "no wallet for identity " + identityID}
	}

	return wallet.Address, nil
}

// Clear evicts identityID from the cache. Storage is untouched.
func (s *Store) Clear(identityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, identityID)
}

// ClearAll evicts every cache entry. Storage is untouched.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = make(map[string]cacheEntry)
}

func (s *Store) cacheGet(identityID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.cache[identityID]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}

	return entry.plaintext, true
}

func (s *Store) cachePut(identityID, plaintext string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache[identityID] = cacheEntry{plaintext: plaintext, expiresAt: time.Now().Add(s.ttl)}
}

// encrypt seals plaintext with AES-256-GCM under a fresh 12-byte nonce,
// returning the nonce, ciphertext, and detached authentication tag.
func (s *Store) encrypt(plaintext string) (nonce, ciphertext, tag []byte, err error) {
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("credential: new cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("credential: new gcm: %w", err)
	}

	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("credential: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	tagStart := len(sealed) - gcm.Overhead()

	return nonce, sealed[:tagStart], sealed[tagStart:], nil
}

// decrypt recombines ciphertext + tag and opens it under the master key,
// failing with an error if the tag does not authenticate (tamper/corruption).
func (s *Store) decrypt(ciphertext, nonce, tag []byte) (string, error) {
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return "", fmt.Errorf("credential: new cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("credential: new gcm: %w", err)
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("credential: authentication failed: %w", err)
	}

	return string(plaintext), nil
}
