package keydir

import (
	"time"

	"github.com/openpgpdir/keydir/pkg/pgpkey"
)

// KeyRecord is the stored representation of a public key, one per
// primary key fingerprint. PublicKeyArmored holds the canonical
// armored key containing only verified user IDs and is empty while no
// user ID is verified yet.
type KeyRecord struct {
	KeyID             string             `json:"keyId"`
	Fingerprint       string             `json:"fingerprint"`
	UserIDs           []*UserID          `json:"userIds"`
	Created           time.Time          `json:"created"`
	Uploaded          time.Time          `json:"uploaded"`
	Algorithm         string             `json:"algorithm"`
	KeySize           int                `json:"keySize"`
	PublicKeyArmored  string             `json:"publicKeyArmored,omitempty"`
	PendingSignatures *PendingSignatures `json:"pendingSignatures,omitempty"`
}

// UserID is one user ID of a key record. While unverified it carries
// the outstanding challenge nonce and a shadow armored key reduced to
// this single user ID. Both are cleared on verification.
//
// Status and Notify are parse time fields. They are stripped before
// persisting except for dormant non-organisation user IDs under the
// restrict-user-origin policy.
type UserID struct {
	Name             string            `json:"name"`
	Email            string            `json:"email"`
	Verified         bool              `json:"verified"`
	Nonce            string            `json:"nonce,omitempty"`
	PublicKeyArmored string            `json:"publicKeyArmored,omitempty"`
	Status           pgpkey.UserStatus `json:"status,omitempty"`
	Notify           bool              `json:"notify,omitempty"`
}

// PendingSignatures is a batch of third-party certifications awaiting
// owner confirmation. All certifications of a batch share one nonce.
type PendingSignatures struct {
	Nonce string                 `json:"nonce"`
	Sigs  []pgpkey.Certification `json:"sigs"`
}

// PendingSigInfo describes one pending certification for the
// confirmation page.
type PendingSigInfo struct {
	IssuerKeyID string    `json:"issuerKeyId"`
	Created     time.Time `json:"created"`
	UserID      string    `json:"userId"`
	Hash        string    `json:"hash"`
}

// PutRequest is an upload submission. Emails optionally restricts
// which user IDs of the submitted key are considered.
type PutRequest struct {
	Emails           []string
	PublicKeyArmored string
	Origin           string
}

// LookupRequest selects a key record by key ID, fingerprint or email.
type LookupRequest struct {
	KeyID       string
	Fingerprint string
	Email       string
}

// RemoveRequest starts key or user ID removal. When Email is set only
// that user ID is flagged for removal.
type RemoveRequest struct {
	KeyID  string
	Email  string
	Origin string
}
