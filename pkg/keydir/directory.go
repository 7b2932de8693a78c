package keydir

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/openpgpdir/keydir/pkg/database"
	"github.com/openpgpdir/keydir/pkg/pgpkey"
	"github.com/sirupsen/logrus"
)

// Config carries the directory policy settings.
type Config struct {
	// PurgeDays is the age in days after which an uploaded record
	// without any verified user ID becomes eligible for deletion.
	PurgeDays int
	// RestrictUserOrigin requires at least one user ID matching the
	// restriction regex; only matching user IDs receive challenges.
	RestrictUserOrigin bool
	// RestrictionRegex matches organisation domain emails.
	RestrictionRegex string
}

// Directory is the key lifecycle state machine: it orchestrates
// upload, verification, pending signature confirmation and removal,
// and owns the record invariants.
type Directory struct {
	db             database.Engine
	mailer         Mailer
	pgp            *pgpkey.Handler
	purgeDays      int
	restrictOrigin bool
	locks          *keyMutex
}

// New returns a Directory backed by the given store and mailer.
func New(cfg Config, db database.Engine, mailer Mailer) (*Directory, error) {
	h, err := pgpkey.NewHandler(cfg.RestrictionRegex)
	if err != nil {
		return nil, err
	}
	purgeDays := cfg.PurgeDays
	if purgeDays == 0 {
		purgeDays = 30
	}
	return &Directory{
		db:             db,
		mailer:         mailer,
		pgp:            h,
		purgeDays:      purgeDays,
		restrictOrigin: cfg.RestrictUserOrigin,
		locks:          newKeyMutex(),
	}, nil
}

// Put submits a public key. New user IDs trigger a verification
// challenge per email, previously verified material is merged and new
// third-party certifications are parked for owner confirmation.
func (d *Directory) Put(ctx context.Context, req PutRequest) error {
	d.purge()

	k, err := d.pgp.ParseKey(req.PublicKeyArmored)
	if err != nil {
		return mapParseError(err)
	}

	if d.restrictOrigin && !k.HasOrgUser {
		return ErrNoOrganisationUID
	}

	if len(req.Emails) > 0 {
		k.Users = filterUsersByEmail(k.Users, req.Emails)
		if len(k.Users) != len(req.Emails) {
			return ErrUserIDMismatch
		}
	}

	armored, err := pgpkey.TrimArmor(req.PublicKeyArmored)
	if err != nil {
		return mapParseError(err)
	}

	d.locks.lock(k.KeyID)
	defer d.locks.unlock(k.KeyID)

	existing, err := d.getRecord(verifiedSelector(k.KeyID, "", nil))
	if err != nil {
		return err
	}

	if existing == nil {
		return d.putNew(ctx, k, armored, req.Origin)
	}
	return d.putMerge(ctx, k, existing, armored, req.Origin)
}

// putNew stores a first time submission. No user ID is verified yet,
// so the record has no canonical armored key, only per user ID shadow
// keys held until verification.
func (d *Directory) putNew(ctx context.Context, k *pgpkey.Key, armored, origin string) error {
	var users []*UserID
	for _, u := range k.Users {
		if u.Status != pgpkey.StatusValid {
			continue
		}
		shadow, err := pgpkey.FilterByUserIDs([]string{u.Email}, armored)
		if err != nil {
			return mapParseError(err)
		}
		users = append(users, &UserID{
			Name:             u.Name,
			Email:            u.Email,
			Status:           u.Status,
			Notify:           true,
			PublicKeyArmored: shadow,
		})
	}
	if len(users) == 0 {
		return ErrNoValidUserIDs
	}

	rec := &KeyRecord{
		KeyID:       k.KeyID,
		Fingerprint: k.Fingerprint,
		UserIDs:     users,
		Created:     k.Created,
		Uploaded:    time.Now().UTC(),
		Algorithm:   k.Algorithm,
		KeySize:     k.KeySize,
	}

	if err := d.dispatchChallenges(ctx, rec, origin); err != nil {
		return err
	}

	return d.persist(rec)
}

// putMerge folds a re-submission into the existing verified record.
func (d *Directory) putMerge(ctx context.Context, k *pgpkey.Key, existing *KeyRecord, armored, origin string) error {
	users, err := mergeUserIDs(existing.UserIDs, k.Users, armored)
	if err != nil {
		return mapParseError(err)
	}

	var verified []string
	for _, uid := range users {
		if uid.Verified {
			verified = append(verified, uid.Email)
		}
	}

	// a re-upload may no longer carry any of the verified user IDs;
	// the published body then stays untouched and nothing new can be
	// merged from the submission
	merged := existing.PublicKeyArmored
	var newSigs []pgpkey.Certification
	if containsAnyEmail(k.Users, verified) {
		filtered, err := pgpkey.FilterByUserIDs(verified, armored)
		if err != nil {
			return mapParseError(err)
		}
		cleaned, sigs, err := pgpkey.FilterBySignatures(filtered, existing.PublicKeyArmored)
		if err != nil {
			return mapParseError(err)
		}
		newSigs = sigs
		merged, err = pgpkey.UpdateKey(existing.PublicKeyArmored, cleaned)
		if err != nil {
			return mapParseError(err)
		}
	}

	pending, err := mergePendingSignatures(existing.PendingSignatures, newSigs)
	if err != nil {
		return err
	}

	rec := &KeyRecord{
		KeyID:             existing.KeyID,
		Fingerprint:       existing.Fingerprint,
		UserIDs:           users,
		Created:           existing.Created,
		Uploaded:          time.Now().UTC(),
		Algorithm:         k.Algorithm,
		KeySize:           k.KeySize,
		PublicKeyArmored:  merged,
		PendingSignatures: pending,
	}

	if err := d.dispatchChallenges(ctx, rec, origin); err != nil {
		return err
	}

	if len(newSigs) > 0 {
		primary, err := pgpkey.GetPrimaryUser(merged)
		if err != nil {
			return mapParseError(err)
		}
		msg := Message{
			Template: TemplateCheckNewSigs,
			Name:     primary.Name,
			Email:    primary.Email,
			KeyID:    rec.KeyID,
			Nonce:    pending.Nonce,
			Origin:   origin,
		}
		if err := d.mailer.Send(ctx, msg); err != nil {
			return err
		}
	}

	return d.persist(rec)
}

// mergeUserIDs combines existing and freshly parsed user IDs:
// verified user IDs are kept as-is and never overwritten, valid new
// user IDs get a shadow armored key and a notify flag, remaining
// unverified user IDs keep their outstanding challenge.
func mergeUserIDs(existing []*UserID, parsed []pgpkey.User, armored string) ([]*UserID, error) {
	verifiedEmails := make(map[string]bool)
	var verified []*UserID
	for _, uid := range existing {
		if uid.Verified {
			verified = append(verified, uid)
			verifiedEmails[uid.Email] = true
		}
	}

	validEmails := make(map[string]bool)
	var valid []*UserID
	for _, u := range parsed {
		if u.Status != pgpkey.StatusValid || verifiedEmails[u.Email] {
			continue
		}
		shadow, err := pgpkey.FilterByUserIDs([]string{u.Email}, armored)
		if err != nil {
			return nil, err
		}
		valid = append(valid, &UserID{
			Name:             u.Name,
			Email:            u.Email,
			Status:           u.Status,
			Notify:           true,
			PublicKeyArmored: shadow,
		})
		validEmails[u.Email] = true
	}

	var pending []*UserID
	for _, uid := range existing {
		if !uid.Verified && !validEmails[uid.Email] {
			pending = append(pending, uid)
		}
	}

	return append(valid, append(pending, verified...)...), nil
}

// mergePendingSignatures appends certifications not already pending,
// reusing the batch nonce. A new batch gets a fresh nonce.
func mergePendingSignatures(pending *PendingSignatures, newSigs []pgpkey.Certification) (*PendingSignatures, error) {
	if len(newSigs) == 0 {
		return pending, nil
	}
	if pending == nil {
		nonce, err := newNonce()
		if err != nil {
			return nil, err
		}
		return &PendingSignatures{Nonce: nonce, Sigs: newSigs}, nil
	}

	known := make(map[string]bool, len(pending.Sigs))
	for _, sig := range pending.Sigs {
		known[string(sig.Signature)] = true
	}
	for _, sig := range newSigs {
		if !known[string(sig.Signature)] {
			pending.Sigs = append(pending.Sigs, sig)
		}
	}
	return pending, nil
}

// dispatchChallenges generates a fresh nonce for every user ID
// flagged for notification and mails the verification link. Under the
// restrict-user-origin policy only organisation user IDs are
// challenged, the others stay dormant with their parse state intact.
func (d *Directory) dispatchChallenges(ctx context.Context, rec *KeyRecord, origin string) error {
	for _, uid := range rec.UserIDs {
		if !uid.Notify {
			continue
		}
		if d.restrictOrigin && !d.pgp.IsOrgEmail(uid.Email) {
			continue
		}
		nonce, err := newNonce()
		if err != nil {
			return err
		}
		uid.Nonce = nonce

		msg := Message{
			Template:         TemplateVerifyKey,
			Name:             uid.Name,
			Email:            uid.Email,
			KeyID:            rec.KeyID,
			Nonce:            nonce,
			Origin:           origin,
			PublicKeyArmored: uid.PublicKeyArmored,
		}
		if err := d.mailer.Send(ctx, msg); err != nil {
			return err
		}

		uid.Status = ""
		uid.Notify = false
	}
	return nil
}

// purge opportunistically removes records that never got a verified
// user ID within the purge horizon. Failures are logged, the upload
// continues.
func (d *Directory) purge() {
	horizon := time.Now().UTC().AddDate(0, 0, -d.purgeDays)
	sel := database.Selector{
		"uploaded":           database.Map{"$lt": horizon},
		"userIds.#.verified": database.Map{"$ne": true},
	}
	n, err := d.db.Remove(sel, database.PublicKeyType)
	if err != nil {
		logrus.WithError(err).Warn("Purge of unverified keys failed")
		return
	}
	if n > 0 {
		logrus.WithField("count", n).Info("Purged unverified keys")
	}
}

// persist replaces any record with the same key ID by the given one.
func (d *Directory) persist(rec *KeyRecord) error {
	if _, err := d.db.Remove(database.Selector{"keyId": rec.KeyID}, database.PublicKeyType); err != nil {
		logrus.WithError(err).Error("Could not remove previous key record")
		return ErrPersistFailed
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return ErrPersistFailed
	}
	if err := d.db.Create(doc, database.PublicKeyType); err != nil {
		logrus.WithError(err).Error("Could not persist key record")
		return ErrPersistFailed
	}
	return nil
}

// getRecord returns the first record matching the selector, or nil.
func (d *Directory) getRecord(sel database.Selector) (*KeyRecord, error) {
	doc, err := d.db.Get(sel, database.PublicKeyType)
	if err != nil {
		logrus.WithError(err).Error("Key record lookup failed")
		return nil, ErrPersistFailed
	}
	if doc == nil {
		return nil, nil
	}
	rec := new(KeyRecord)
	if err := json.Unmarshal(doc, rec); err != nil {
		return nil, ErrPersistFailed
	}
	return rec, nil
}

// verifiedSelector matches a record by key ID, fingerprint or any of
// the emails, requiring at least one verified user ID.
func verifiedSelector(keyID, fingerprint string, emails []string) database.Selector {
	var alts []database.Selector
	if keyID != "" {
		alts = append(alts, database.Selector{
			"keyId":              strings.ToLower(keyID),
			"userIds.#.verified": true,
		})
	}
	if fingerprint != "" {
		alts = append(alts, database.Selector{
			"fingerprint":        strings.ToLower(fingerprint),
			"userIds.#.verified": true,
		})
	}
	for _, email := range emails {
		alts = append(alts, database.Selector{
			"userIds": database.Map{"$elemMatch": database.Selector{
				"email":    strings.ToLower(email),
				"verified": true,
			}},
		})
	}
	return database.Selector{"$or": alts}
}

// containsAnyEmail reports whether any of the parsed users carries one
// of the given emails.
func containsAnyEmail(users []pgpkey.User, emails []string) bool {
	present := make(map[string]bool, len(users))
	for _, u := range users {
		present[u.Email] = true
	}
	for _, email := range emails {
		if present[email] {
			return true
		}
	}
	return false
}

func filterUsersByEmail(users []pgpkey.User, emails []string) []pgpkey.User {
	keep := make(map[string]bool, len(emails))
	for _, email := range emails {
		keep[strings.ToLower(email)] = true
	}
	var filtered []pgpkey.User
	for _, u := range users {
		if keep[u.Email] {
			filtered = append(filtered, u)
		}
	}
	return filtered
}

func mapParseError(err error) error {
	switch err {
	case pgpkey.ErrMalformedKey:
		return ErrMalformedKey
	case pgpkey.ErrParse:
		return ErrInternalParse
	}
	return err
}
