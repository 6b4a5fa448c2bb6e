package domain

import "time"

// IssuerIdentityID is the reserved literal identifying the process-configured
// issuer identity. It is never persisted as a wallet row (spec §3).
const IssuerIdentityID = "issuer"

// Wallet is a custody record for a user identity. Seed plaintext never
// leaves the credential store's trust boundary; only the encrypted form is
// held here.
type Wallet struct {
	ID                string
	Address           string
	EncryptedSeed     []byte
	Nonce             []byte
	AuthTag           []byte
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsIssuer reports whether identityID names the virtual issuer identity.
func IsIssuer(identityID string) bool {
	return identityID == IssuerIdentityID
}
