package keydir

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/openpgpdir/keydir/pkg/database"
	"github.com/openpgpdir/keydir/pkg/pgpkey"
	"github.com/sirupsen/logrus"
)

// VerifyRequest carries the parameters of a mailed verification link.
type VerifyRequest struct {
	KeyID  string
	Nonce  string
	Origin string
}

// VerifySignaturesRequest confirms a selection of pending third-party
// certifications. Hashes are the MD5 selection hashes of the
// base64 encoded signature packets.
type VerifySignaturesRequest struct {
	KeyID  string
	Nonce  string
	Hashes []string
}

// Verify confirms ownership of the user ID carrying the nonce. The
// user ID becomes part of the published armored key, its challenge
// state is cleared, and any other record claiming the same email is
// dropped: the last verification wins per email. Challenges still
// outstanding on other user IDs of the record are re-sent.
func (d *Directory) Verify(ctx context.Context, req VerifyRequest) (string, error) {
	keyID := strings.ToLower(req.KeyID)
	if !isKeyID(keyID) || !isNonce(req.Nonce) {
		return "", ErrInvalidRequest
	}

	d.locks.lock(keyID)
	defer d.locks.unlock(keyID)

	sel := database.Selector{
		"keyId":   keyID,
		"userIds": database.Map{"$elemMatch": database.Selector{"nonce": req.Nonce}},
	}
	rec, err := d.getRecord(sel)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", ErrUserIDNotFound
	}

	var target *UserID
	for _, uid := range rec.UserIDs {
		if uid.Nonce == req.Nonce {
			target = uid
			break
		}
	}
	if target == nil {
		return "", ErrUserIDNotFound
	}

	for _, uid := range rec.UserIDs {
		if uid.Verified || uid.Nonce == "" || uid.Nonce == req.Nonce {
			continue
		}
		msg := Message{
			Template:         TemplateVerifyKey,
			Name:             uid.Name,
			Email:            uid.Email,
			KeyID:            rec.KeyID,
			Nonce:            uid.Nonce,
			Origin:           req.Origin,
			PublicKeyArmored: uid.PublicKeyArmored,
		}
		if err := d.mailer.Send(ctx, msg); err != nil {
			return "", err
		}
	}

	armored := target.PublicKeyArmored
	if rec.PublicKeyArmored != "" {
		armored, err = pgpkey.UpdateKey(rec.PublicKeyArmored, target.PublicKeyArmored)
		if err != nil {
			return "", mapParseError(err)
		}
	}

	// at most one verified user ID per email across the directory
	otherSel := database.Selector{
		"keyId":           database.Map{"$ne": rec.KeyID},
		"userIds.#.email": target.Email,
	}
	if _, err := d.db.Remove(otherSel, database.PublicKeyType); err != nil {
		logrus.WithError(err).Error("Could not remove competing key records")
		return "", ErrPersistFailed
	}

	patch := database.Patch{
		"publicKeyArmored":           armored,
		"userIds.$.verified":         true,
		"userIds.$.nonce":            nil,
		"userIds.$.publicKeyArmored": nil,
	}
	if err := d.db.Update(sel, patch, database.PublicKeyType); err != nil {
		logrus.WithError(err).Error("Could not mark user ID verified")
		return "", ErrPersistFailed
	}

	return target.Email, nil
}

// VerifySignatures re-attaches the selected pending certifications to
// the stored armored key and discards the rest. The pending batch is
// consumed, a second confirmation with the same nonce fails.
func (d *Directory) VerifySignatures(ctx context.Context, req VerifySignaturesRequest) (string, error) {
	keyID := strings.ToLower(req.KeyID)
	if !isKeyID(keyID) || !isNonce(req.Nonce) {
		return "", ErrInvalidRequest
	}

	d.locks.lock(keyID)
	defer d.locks.unlock(keyID)

	sel := database.Selector{
		"keyId":                   keyID,
		"pendingSignatures.nonce": req.Nonce,
	}
	rec, err := d.getRecord(sel)
	if err != nil {
		return "", err
	}
	if rec == nil || rec.PendingSignatures == nil {
		return "", ErrSignaturesNotFound
	}

	selected := make(map[string]bool, len(req.Hashes))
	for _, h := range req.Hashes {
		selected[strings.ToLower(h)] = true
	}

	armored := rec.PublicKeyArmored
	for _, sig := range rec.PendingSignatures.Sigs {
		if !selected[sigHash(sig.Signature)] {
			continue
		}
		attached, err := pgpkey.AddSignature(rec.PublicKeyArmored, sig)
		if err != nil {
			return "", mapParseError(err)
		}
		armored, err = pgpkey.UpdateKey(armored, attached)
		if err != nil {
			return "", mapParseError(err)
		}
	}

	patch := database.Patch{
		"publicKeyArmored":  armored,
		"pendingSignatures": nil,
	}
	if err := d.db.Update(sel, patch, database.PublicKeyType); err != nil {
		logrus.WithError(err).Error("Could not confirm pending signatures")
		return "", ErrPersistFailed
	}

	primary, err := pgpkey.GetPrimaryUser(armored)
	if err != nil {
		return "", mapParseError(err)
	}
	return primary.Email, nil
}

// GetPendingSignatures lists the pending certifications of a verified
// record for the confirmation page, resolving issuer identities from
// the directory where possible.
func (d *Directory) GetPendingSignatures(ctx context.Context, req LookupRequest, nonce string) (map[string][]PendingSigInfo, error) {
	rec, err := d.GetVerified(ctx, req)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrKeyNotFound
	}
	if rec.PendingSignatures == nil || rec.PendingSignatures.Nonce != nonce {
		return nil, ErrInvalidNonce
	}

	out := make(map[string][]PendingSigInfo)
	for _, sig := range rec.PendingSignatures.Sigs {
		issuer, created, err := pgpkey.SignatureInfo(sig.Signature)
		if err != nil {
			continue
		}
		userID := "[unknown identity]"
		if issuer != "" {
			irec, err := d.getRecord(verifiedSelector(issuer, "", nil))
			if err == nil && irec != nil && irec.PublicKeyArmored != "" {
				if pu, err := pgpkey.GetPrimaryUser(irec.PublicKeyArmored); err == nil {
					userID = fmt.Sprintf("%s <%s>", pu.Name, pu.Email)
				}
			}
		}
		out[sig.User.UserID] = append(out[sig.User.UserID], PendingSigInfo{
			IssuerKeyID: issuer,
			Created:     created,
			UserID:      userID,
			Hash:        sigHash(sig.Signature),
		})
	}

	return out, nil
}

// sigHash is the user facing selection hash of a certification: the
// MD5 of the base64 encoded signature packet, in lowercase hex. It is
// a display identifier, not a security check.
func sigHash(sig []byte) string {
	sum := md5.Sum([]byte(base64.StdEncoding.EncodeToString(sig)))
	return hex.EncodeToString(sum[:])
}
