package keydir

import (
	"context"
	"strings"

	"github.com/openpgpdir/keydir/pkg/database"
	"github.com/openpgpdir/keydir/pkg/pgpkey"
	"github.com/sirupsen/logrus"
)

// RequestRemove flags user IDs of a record for removal: each flagged
// user ID gets a fresh nonce and a removal verification mail. With an
// email set only that user ID is flagged, otherwise all of them.
func (d *Directory) RequestRemove(ctx context.Context, req RemoveRequest) error {
	var sel database.Selector
	var email string

	switch {
	case req.KeyID != "":
		keyID := strings.ToLower(req.KeyID)
		if !isKeyID(keyID) {
			return ErrInvalidRequest
		}
		sel = database.Selector{"keyId": keyID}
	case req.Email != "":
		var err error
		email, err = normalizeEmail(req.Email)
		if err != nil {
			return err
		}
		sel = database.Selector{"userIds.#.email": email}
	default:
		return ErrInvalidRequest
	}

	rec, err := d.getRecord(sel)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrKeyNotFound
	}

	d.locks.lock(rec.KeyID)
	defer d.locks.unlock(rec.KeyID)

	for _, uid := range rec.UserIDs {
		if email != "" && uid.Email != email {
			continue
		}
		nonce, err := newNonce()
		if err != nil {
			return err
		}

		msg := Message{
			Template: TemplateVerifyRemove,
			Name:     uid.Name,
			Email:    uid.Email,
			KeyID:    rec.KeyID,
			Nonce:    nonce,
			Origin:   req.Origin,
		}
		if err := d.mailer.Send(ctx, msg); err != nil {
			return err
		}

		uidSel := database.Selector{
			"keyId":   rec.KeyID,
			"userIds": database.Map{"$elemMatch": database.Selector{"email": uid.Email}},
		}
		patch := database.Patch{"userIds.$.nonce": nonce}
		if err := d.db.Update(uidSel, patch, database.PublicKeyType); err != nil {
			logrus.WithError(err).Error("Could not flag user ID for removal")
			return ErrPersistFailed
		}
	}

	return nil
}

// VerifyRemove completes a removal. The whole record is deleted when
// its last user ID goes, otherwise the user ID is dropped from the
// list and, if it was verified, stripped from the armored key.
func (d *Directory) VerifyRemove(ctx context.Context, req VerifyRequest) (*UserID, error) {
	keyID := strings.ToLower(req.KeyID)
	if !isKeyID(keyID) || !isNonce(req.Nonce) {
		return nil, ErrInvalidRequest
	}

	d.locks.lock(keyID)
	defer d.locks.unlock(keyID)

	sel := database.Selector{
		"keyId":   keyID,
		"userIds": database.Map{"$elemMatch": database.Selector{"nonce": req.Nonce}},
	}
	rec, err := d.getRecord(sel)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrUserIDNotFound
	}

	var target *UserID
	for _, uid := range rec.UserIDs {
		if uid.Nonce == req.Nonce {
			target = uid
			break
		}
	}
	if target == nil {
		return nil, ErrUserIDNotFound
	}

	removed := &UserID{Name: target.Name, Email: target.Email, Verified: target.Verified}

	if len(rec.UserIDs) == 1 {
		if _, err := d.db.Remove(database.Selector{"keyId": keyID}, database.PublicKeyType); err != nil {
			logrus.WithError(err).Error("Could not remove key record")
			return nil, ErrPersistFailed
		}
		return removed, nil
	}

	armored := rec.PublicKeyArmored
	if target.Verified {
		verified := 0
		for _, uid := range rec.UserIDs {
			if uid.Verified && uid != target {
				verified++
			}
		}
		if verified > 0 {
			armored, err = pgpkey.RemoveUserID(target.Email, rec.PublicKeyArmored)
			if err != nil {
				return nil, mapParseError(err)
			}
		} else {
			armored = ""
		}
	}

	var users []*UserID
	for _, uid := range rec.UserIDs {
		if uid != target {
			users = append(users, uid)
		}
	}

	patch := database.Patch{"userIds": users}
	if armored == "" {
		patch["publicKeyArmored"] = nil
	} else {
		patch["publicKeyArmored"] = armored
	}
	if err := d.db.Update(sel, patch, database.PublicKeyType); err != nil {
		logrus.WithError(err).Error("Could not remove user ID from record")
		return nil, ErrPersistFailed
	}

	return removed, nil
}
