package keydir

import (
	"context"
	"strings"
)

// GetVerified returns the record matching the lookup where at least
// one user ID is verified, or nil when there is none.
func (d *Directory) GetVerified(ctx context.Context, req LookupRequest) (*KeyRecord, error) {
	keyID := strings.ToLower(req.KeyID)
	fingerprint := strings.ToLower(req.Fingerprint)
	var emails []string

	if keyID != "" && !isKeyID(keyID) {
		return nil, ErrInvalidRequest
	}
	if fingerprint != "" && !isFingerprint(fingerprint) {
		return nil, ErrInvalidRequest
	}
	if req.Email != "" {
		email, err := normalizeEmail(req.Email)
		if err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}
	if keyID == "" && fingerprint == "" && len(emails) == 0 {
		return nil, ErrInvalidRequest
	}

	return d.getRecord(verifiedSelector(keyID, fingerprint, emails))
}

// Get returns the public view of a verified record: challenge nonces,
// shadow armored keys and the pending batch nonce are stripped.
func (d *Directory) Get(ctx context.Context, req LookupRequest) (*KeyRecord, error) {
	rec, err := d.GetVerified(ctx, req)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrKeyNotFound
	}
	return rec.publicView(), nil
}

// publicView strips internal fields from a record copy.
func (k *KeyRecord) publicView() *KeyRecord {
	view := *k
	view.UserIDs = make([]*UserID, 0, len(k.UserIDs))
	for _, uid := range k.UserIDs {
		view.UserIDs = append(view.UserIDs, &UserID{
			Name:     uid.Name,
			Email:    uid.Email,
			Verified: uid.Verified,
		})
	}
	if k.PendingSignatures != nil {
		view.PendingSignatures = &PendingSignatures{Sigs: k.PendingSignatures.Sigs}
	}
	return &view
}
