package keydir

import (
	"bytes"
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/openpgpdir/keydir/internal/pkg/defaultdb"
	"github.com/openpgpdir/keydir/pkg/database"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"
)

const testOrigin = "http://localhost:8888"

func getEntity(t *testing.T, name, email string) *openpgp.Entity {
	e, err := openpgp.NewEntity(name, "No comment", email, nil)
	if err != nil {
		t.Fatalf("unexpected error while generating pgp key: %s", err)
	}
	return e
}

func addIdentity(t *testing.T, e *openpgp.Entity, name, email string) {
	uid := packet.NewUserId(name, "No comment", email)
	if uid == nil {
		t.Fatalf("could not create user id %s", email)
	}

	isPrimary := false
	sig := &packet.Signature{
		SigType:      packet.SigTypePositiveCert,
		PubKeyAlgo:   e.PrimaryKey.PubKeyAlgo,
		Hash:         crypto.SHA256,
		CreationTime: time.Now(),
		IsPrimaryId:  &isPrimary,
		IssuerKeyId:  &e.PrimaryKey.KeyId,
	}
	if err := sig.SignUserId(uid.Id, e.PrimaryKey, e.PrivateKey, nil); err != nil {
		t.Fatalf("unexpected error while self signing user id: %s", err)
	}

	e.Identities[uid.Id] = &openpgp.Identity{
		Name:          uid.Id,
		UserId:        uid,
		SelfSignature: sig,
		Signatures:    []*packet.Signature{sig},
	}
}

// addExpiredIdentity attaches a user ID whose self-signature already
// expired.
func addExpiredIdentity(t *testing.T, e *openpgp.Entity, name, email string) {
	uid := packet.NewUserId(name, "No comment", email)
	if uid == nil {
		t.Fatalf("could not create user id %s", email)
	}

	isPrimary := false
	lifetime := uint32(3600)
	sig := &packet.Signature{
		SigType:         packet.SigTypePositiveCert,
		PubKeyAlgo:      e.PrimaryKey.PubKeyAlgo,
		Hash:            crypto.SHA256,
		CreationTime:    time.Now().Add(-2 * time.Hour),
		SigLifetimeSecs: &lifetime,
		IsPrimaryId:     &isPrimary,
		IssuerKeyId:     &e.PrimaryKey.KeyId,
	}
	if err := sig.SignUserId(uid.Id, e.PrimaryKey, e.PrivateKey, nil); err != nil {
		t.Fatalf("unexpected error while self signing user id: %s", err)
	}

	e.Identities[uid.Id] = &openpgp.Identity{
		Name:          uid.Id,
		UserId:        uid,
		SelfSignature: sig,
		Signatures:    []*packet.Signature{sig},
	}
}

func getArmored(t *testing.T, e *openpgp.Entity) string {
	b := new(bytes.Buffer)

	aw, err := armor.Encode(b, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("during armor encoding: %s", err)
	}
	if err := e.Serialize(aw); err != nil {
		t.Fatalf("while serializing key: %s", err)
	}
	aw.Close()

	return b.String()
}

func entityKeyID(e *openpgp.Entity) string {
	fp := fmt.Sprintf("%x", e.PrimaryKey.Fingerprint[:])
	return fp[len(fp)-16:]
}

func countUserIDs(t *testing.T, armored string) int {
	el, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		t.Fatalf("unexpected error while reading armored key: %s", err)
	}
	if len(el) != 1 {
		t.Fatalf("unexpected number of entities: got %d instead of 1", len(el))
	}
	return len(el[0].Identities)
}

// recordMailer captures directory messages instead of sending them.
type recordMailer struct {
	msgs []Message
	fail bool
}

func (m *recordMailer) Send(ctx context.Context, msg Message) error {
	if m.fail {
		return errors.New("smtp unavailable")
	}
	m.msgs = append(m.msgs, msg)
	return nil
}

// msgFor returns the last captured message of the given template
// addressed to email.
func (m *recordMailer) msgFor(tpl Template, email string) *Message {
	for i := len(m.msgs) - 1; i >= 0; i-- {
		if m.msgs[i].Template == tpl && m.msgs[i].Email == email {
			return &m.msgs[i]
		}
	}
	return nil
}

func newTestDirectory(t *testing.T, cfg Config) (*Directory, *recordMailer, database.Engine) {
	db, ok := database.GetEngine(defaultdb.Name)
	if !ok {
		t.Fatalf("no default database found")
	}
	if err := db.Connect(); err != nil {
		t.Fatalf("unexpected error while connecting to database: %s", err)
	}

	m := new(recordMailer)
	d, err := New(cfg, db, m)
	if err != nil {
		t.Fatalf("unexpected error while creating directory: %s", err)
	}

	return d, m, db
}

func TestPutAndVerify(t *testing.T) {
	d, m, db := newTestDirectory(t, Config{})
	defer db.Disconnect()

	ctx := context.Background()
	e := getEntity(t, "Alice", "alice@example.com")
	armored := getArmored(t, e)

	if err := d.Put(ctx, PutRequest{PublicKeyArmored: armored, Origin: testOrigin}); err != nil {
		t.Fatalf("unexpected error while uploading key: %s", err)
	}

	if len(m.msgs) != 1 {
		t.Fatalf("unexpected number of mails: got %d instead of 1", len(m.msgs))
	}
	msg := m.msgs[0]
	if msg.Template != TemplateVerifyKey {
		t.Errorf("unexpected template: %s", msg.Template)
	}
	if msg.Email != "alice@example.com" {
		t.Errorf("unexpected recipient: %s", msg.Email)
	}
	if !isNonce(msg.Nonce) {
		t.Errorf("unexpected nonce: %s", msg.Nonce)
	}
	if msg.KeyID != entityKeyID(e) {
		t.Errorf("unexpected key id: %s", msg.KeyID)
	}
	if msg.PublicKeyArmored == "" {
		t.Errorf("verification mail misses the submitted key")
	}

	// not published before verification
	if _, err := d.Get(ctx, LookupRequest{Email: "alice@example.com"}); err != ErrKeyNotFound {
		t.Fatalf("unexpected error for unverified lookup: %v", err)
	}

	// wrong nonce
	wrong := strings.Repeat("a", 32)
	if _, err := d.Verify(ctx, VerifyRequest{KeyID: msg.KeyID, Nonce: wrong}); err != ErrUserIDNotFound {
		t.Fatalf("unexpected error for wrong nonce: %v", err)
	}

	email, err := d.Verify(ctx, VerifyRequest{KeyID: msg.KeyID, Nonce: msg.Nonce, Origin: testOrigin})
	if err != nil {
		t.Fatalf("unexpected error while verifying: %s", err)
	}
	if email != "alice@example.com" {
		t.Errorf("unexpected verified email: %s", email)
	}

	rec, err := d.Get(ctx, LookupRequest{Email: "alice@example.com"})
	if err != nil {
		t.Fatalf("unexpected error while looking up key: %s", err)
	}
	if rec.KeyID != msg.KeyID {
		t.Errorf("unexpected key id: %s", rec.KeyID)
	}
	if rec.PublicKeyArmored == "" {
		t.Errorf("published record has no armored key")
	}
	if len(rec.UserIDs) != 1 || !rec.UserIDs[0].Verified {
		t.Errorf("user id not marked verified")
	}
	if rec.UserIDs[0].Nonce != "" || rec.UserIDs[0].PublicKeyArmored != "" {
		t.Errorf("challenge state leaked into public view")
	}

	// lookup by key id and fingerprint
	if _, err := d.Get(ctx, LookupRequest{KeyID: rec.KeyID}); err != nil {
		t.Errorf("unexpected error for key id lookup: %s", err)
	}
	if _, err := d.Get(ctx, LookupRequest{Fingerprint: rec.Fingerprint}); err != nil {
		t.Errorf("unexpected error for fingerprint lookup: %s", err)
	}

	// re-uploading the verified key sends no new challenge
	before := len(m.msgs)
	if err := d.Put(ctx, PutRequest{PublicKeyArmored: armored, Origin: testOrigin}); err != nil {
		t.Fatalf("unexpected error while re-uploading key: %s", err)
	}
	if len(m.msgs) != before {
		t.Errorf("re-upload of a verified key sent %d new mails", len(m.msgs)-before)
	}
	if _, err := d.Get(ctx, LookupRequest{Email: "alice@example.com"}); err != nil {
		t.Errorf("record lost after re-upload: %s", err)
	}
}

func TestPutErrors(t *testing.T) {
	d, _, db := newTestDirectory(t, Config{})
	defer db.Disconnect()

	ctx := context.Background()
	armored := getArmored(t, getEntity(t, "Bob", "bob@example.com"))

	if err := d.Put(ctx, PutRequest{PublicKeyArmored: "junk", Origin: testOrigin}); err != ErrMalformedKey {
		t.Errorf("unexpected error for junk upload: %v", err)
	}

	err := d.Put(ctx, PutRequest{
		PublicKeyArmored: armored,
		Emails:           []string{"other@example.com"},
		Origin:           testOrigin,
	})
	if err != ErrUserIDMismatch {
		t.Errorf("unexpected error for email mismatch: %v", err)
	}
}

func TestPutNoValidUserIDs(t *testing.T) {
	d, m, db := newTestDirectory(t, Config{})
	defer db.Disconnect()

	e := getEntity(t, "Stale", "stale@example.com")
	for name := range e.Identities {
		delete(e.Identities, name)
	}
	addExpiredIdentity(t, e, "Stale", "stale@example.com")

	err := d.Put(context.Background(), PutRequest{PublicKeyArmored: getArmored(t, e), Origin: testOrigin})
	if err != ErrNoValidUserIDs {
		t.Fatalf("unexpected error for expired key upload: %v", err)
	}
	if len(m.msgs) != 0 {
		t.Errorf("challenge sent for an expired user id")
	}
}

func TestMergeUploadWithoutVerifiedUserID(t *testing.T) {
	d, m, db := newTestDirectory(t, Config{})
	defer db.Disconnect()

	ctx := context.Background()
	e := getEntity(t, "Old", "old@example.com")

	if err := d.Put(ctx, PutRequest{PublicKeyArmored: getArmored(t, e), Origin: testOrigin}); err != nil {
		t.Fatalf("unexpected error while uploading key: %s", err)
	}
	msg := m.msgFor(TemplateVerifyKey, "old@example.com")
	if _, err := d.Verify(ctx, VerifyRequest{KeyID: msg.KeyID, Nonce: msg.Nonce}); err != nil {
		t.Fatalf("unexpected error while verifying: %s", err)
	}

	// re-upload the same primary key with the verified user ID
	// replaced by a new one
	for name := range e.Identities {
		delete(e.Identities, name)
	}
	addIdentity(t, e, "New", "new@example.com")

	if err := d.Put(ctx, PutRequest{PublicKeyArmored: getArmored(t, e), Origin: testOrigin}); err != nil {
		t.Fatalf("unexpected error while re-uploading key: %s", err)
	}

	challenge := m.msgFor(TemplateVerifyKey, "new@example.com")
	if challenge == nil {
		t.Fatalf("no challenge sent for the new user id")
	}

	// the published body stays untouched until the new user ID verifies
	rec, err := d.Get(ctx, LookupRequest{Email: "old@example.com"})
	if err != nil {
		t.Fatalf("unexpected error while looking up key: %s", err)
	}
	if countUserIDs(t, rec.PublicKeyArmored) != 1 {
		t.Errorf("published key changed before verification")
	}

	if _, err := d.Verify(ctx, VerifyRequest{KeyID: challenge.KeyID, Nonce: challenge.Nonce}); err != nil {
		t.Fatalf("unexpected error while verifying new user id: %s", err)
	}

	rec, err = d.Get(ctx, LookupRequest{Email: "new@example.com"})
	if err != nil {
		t.Fatalf("unexpected error while looking up key: %s", err)
	}
	if countUserIDs(t, rec.PublicKeyArmored) != 2 {
		t.Errorf("new user id missing from the published key")
	}
}

func TestPutMailerFailure(t *testing.T) {
	d, m, db := newTestDirectory(t, Config{})
	defer db.Disconnect()

	m.fail = true

	ctx := context.Background()
	e := getEntity(t, "Carl", "carl@example.com")

	if err := d.Put(ctx, PutRequest{PublicKeyArmored: getArmored(t, e), Origin: testOrigin}); err == nil {
		t.Fatalf("unexpected success with failing mailer")
	}

	// nothing persisted when the challenge mail fails
	doc, err := db.Get(database.Selector{"keyId": entityKeyID(e)}, database.PublicKeyType)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if doc != nil {
		t.Errorf("record persisted despite mail failure")
	}
}

func TestVerifyResendsOutstandingChallenges(t *testing.T) {
	d, m, db := newTestDirectory(t, Config{})
	defer db.Disconnect()

	ctx := context.Background()
	e := getEntity(t, "Dana", "dana@example.com")
	addIdentity(t, e, "Dana Work", "dana@work.example.com")

	if err := d.Put(ctx, PutRequest{PublicKeyArmored: getArmored(t, e), Origin: testOrigin}); err != nil {
		t.Fatalf("unexpected error while uploading key: %s", err)
	}
	if len(m.msgs) != 2 {
		t.Fatalf("unexpected number of mails: got %d instead of 2", len(m.msgs))
	}

	first := m.msgFor(TemplateVerifyKey, "dana@example.com")
	second := m.msgFor(TemplateVerifyKey, "dana@work.example.com")
	if first == nil || second == nil {
		t.Fatalf("missing verification mails")
	}

	if _, err := d.Verify(ctx, VerifyRequest{KeyID: first.KeyID, Nonce: first.Nonce, Origin: testOrigin}); err != nil {
		t.Fatalf("unexpected error while verifying: %s", err)
	}

	// the outstanding challenge was re-sent with the same nonce
	if len(m.msgs) != 3 {
		t.Fatalf("unexpected number of mails: got %d instead of 3", len(m.msgs))
	}
	resent := m.msgs[2]
	if resent.Email != "dana@work.example.com" || resent.Nonce != second.Nonce {
		t.Errorf("unexpected re-sent challenge: %s %s", resent.Email, resent.Nonce)
	}

	if _, err := d.Verify(ctx, VerifyRequest{KeyID: second.KeyID, Nonce: second.Nonce, Origin: testOrigin}); err != nil {
		t.Fatalf("unexpected error while verifying second user id: %s", err)
	}

	rec, err := d.Get(ctx, LookupRequest{KeyID: first.KeyID})
	if err != nil {
		t.Fatalf("unexpected error while looking up key: %s", err)
	}
	if countUserIDs(t, rec.PublicKeyArmored) != 2 {
		t.Errorf("published key misses a verified user id")
	}
}

func TestLastVerificationWins(t *testing.T) {
	d, m, db := newTestDirectory(t, Config{})
	defer db.Disconnect()

	ctx := context.Background()
	e1 := getEntity(t, "Dup One", "dup@example.com")
	e2 := getEntity(t, "Dup Two", "dup@example.com")

	if err := d.Put(ctx, PutRequest{PublicKeyArmored: getArmored(t, e1), Origin: testOrigin}); err != nil {
		t.Fatalf("unexpected error while uploading first key: %s", err)
	}
	msg1 := m.msgFor(TemplateVerifyKey, "dup@example.com")
	if _, err := d.Verify(ctx, VerifyRequest{KeyID: msg1.KeyID, Nonce: msg1.Nonce}); err != nil {
		t.Fatalf("unexpected error while verifying first key: %s", err)
	}

	if err := d.Put(ctx, PutRequest{PublicKeyArmored: getArmored(t, e2), Origin: testOrigin}); err != nil {
		t.Fatalf("unexpected error while uploading second key: %s", err)
	}
	msg2 := m.msgFor(TemplateVerifyKey, "dup@example.com")
	if msg2.KeyID == msg1.KeyID {
		t.Fatalf("second challenge carries the first key id")
	}
	if _, err := d.Verify(ctx, VerifyRequest{KeyID: msg2.KeyID, Nonce: msg2.Nonce}); err != nil {
		t.Fatalf("unexpected error while verifying second key: %s", err)
	}

	rec, err := d.Get(ctx, LookupRequest{Email: "dup@example.com"})
	if err != nil {
		t.Fatalf("unexpected error while looking up key: %s", err)
	}
	if rec.KeyID != entityKeyID(e2) {
		t.Errorf("unexpected key id: got %s instead of %s", rec.KeyID, entityKeyID(e2))
	}

	// the first record was dropped
	if _, err := d.Get(ctx, LookupRequest{KeyID: entityKeyID(e1)}); err != ErrKeyNotFound {
		t.Errorf("unexpected error for replaced key lookup: %v", err)
	}
}

func TestPendingSignatures(t *testing.T) {
	d, m, db := newTestDirectory(t, Config{})
	defer db.Disconnect()

	ctx := context.Background()
	owner := getEntity(t, "Owner", "owner@example.com")
	signer := getEntity(t, "Signer", "signer@example.com")
	ownerArmored := getArmored(t, owner)

	// publish both keys
	for _, armored := range []string{ownerArmored, getArmored(t, signer)} {
		if err := d.Put(ctx, PutRequest{PublicKeyArmored: armored, Origin: testOrigin}); err != nil {
			t.Fatalf("unexpected error while uploading key: %s", err)
		}
		msg := m.msgs[len(m.msgs)-1]
		if _, err := d.Verify(ctx, VerifyRequest{KeyID: msg.KeyID, Nonce: msg.Nonce}); err != nil {
			t.Fatalf("unexpected error while verifying key: %s", err)
		}
	}

	// certify the owner key with the signer key
	el, err := openpgp.ReadArmoredKeyRing(strings.NewReader(ownerArmored))
	if err != nil {
		t.Fatalf("unexpected error while reading armored key: %s", err)
	}
	pub := el[0]
	for name := range pub.Identities {
		if err := pub.SignIdentity(name, signer, nil); err != nil {
			t.Fatalf("unexpected error while certifying identity: %s", err)
		}
	}
	b := new(bytes.Buffer)
	aw, err := armor.Encode(b, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("during armor encoding: %s", err)
	}
	if err := pub.Serialize(aw); err != nil {
		t.Fatalf("while serializing key: %s", err)
	}
	aw.Close()

	if err := d.Put(ctx, PutRequest{PublicKeyArmored: b.String(), Origin: testOrigin}); err != nil {
		t.Fatalf("unexpected error while uploading certified key: %s", err)
	}

	check := m.msgFor(TemplateCheckNewSigs, "owner@example.com")
	if check == nil {
		t.Fatalf("no certification notice sent")
	}

	keyID := entityKeyID(owner)

	// the certification is not part of the published key yet
	rec, err := d.Get(ctx, LookupRequest{KeyID: keyID})
	if err != nil {
		t.Fatalf("unexpected error while looking up key: %s", err)
	}
	if countSignatures(t, rec.PublicKeyArmored) != 0 {
		t.Errorf("unconfirmed certification published")
	}

	if _, err := d.GetPendingSignatures(ctx, LookupRequest{KeyID: keyID}, strings.Repeat("a", 32)); err != ErrInvalidNonce {
		t.Fatalf("unexpected error for wrong nonce: %v", err)
	}

	// re-uploading the same certified key neither duplicates the
	// pending certification nor rotates the batch nonce
	if err := d.Put(ctx, PutRequest{PublicKeyArmored: b.String(), Origin: testOrigin}); err != nil {
		t.Fatalf("unexpected error while re-uploading certified key: %s", err)
	}
	again := m.msgFor(TemplateCheckNewSigs, "owner@example.com")
	if again.Nonce != check.Nonce {
		t.Errorf("pending batch nonce changed on re-upload")
	}

	pending, err := d.GetPendingSignatures(ctx, LookupRequest{KeyID: keyID}, check.Nonce)
	if err != nil {
		t.Fatalf("unexpected error while listing pending signatures: %s", err)
	}
	if len(pending) != 1 {
		t.Fatalf("unexpected number of signed user ids: got %d instead of 1", len(pending))
	}

	var hashes []string
	for _, infos := range pending {
		for _, info := range infos {
			if info.IssuerKeyID != entityKeyID(signer) {
				t.Errorf("unexpected issuer: %s", info.IssuerKeyID)
			}
			// the signer key is published, its identity resolves
			if !strings.Contains(info.UserID, "signer@example.com") {
				t.Errorf("issuer identity not resolved: %s", info.UserID)
			}
			hashes = append(hashes, info.Hash)
		}
	}
	if len(hashes) != 1 {
		t.Fatalf("unexpected number of pending certifications: got %d instead of 1", len(hashes))
	}

	email, err := d.VerifySignatures(ctx, VerifySignaturesRequest{KeyID: keyID, Nonce: check.Nonce, Hashes: hashes})
	if err != nil {
		t.Fatalf("unexpected error while confirming signatures: %s", err)
	}
	if email != "owner@example.com" {
		t.Errorf("unexpected primary email: %s", email)
	}

	rec, err = d.Get(ctx, LookupRequest{KeyID: keyID})
	if err != nil {
		t.Fatalf("unexpected error while looking up key: %s", err)
	}
	if countSignatures(t, rec.PublicKeyArmored) != 1 {
		t.Errorf("confirmed certification missing from published key")
	}

	// the pending batch is consumed
	_, err = d.VerifySignatures(ctx, VerifySignaturesRequest{KeyID: keyID, Nonce: check.Nonce, Hashes: hashes})
	if err != ErrSignaturesNotFound {
		t.Errorf("unexpected error for consumed batch: %v", err)
	}
}

// countSignatures counts the third-party certifications of the
// armored key, leaving self-signatures aside.
func countSignatures(t *testing.T, armored string) int {
	el, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		t.Fatalf("unexpected error while reading armored key: %s", err)
	}
	e := el[0]
	count := 0
	for _, id := range e.Identities {
		for _, sig := range id.Signatures {
			if sig.IssuerKeyId != nil && *sig.IssuerKeyId == e.PrimaryKey.KeyId {
				continue
			}
			count++
		}
	}
	return count
}

func TestRemove(t *testing.T) {
	d, m, db := newTestDirectory(t, Config{})
	defer db.Disconnect()

	ctx := context.Background()
	e := getEntity(t, "Erin", "erin@example.com")
	addIdentity(t, e, "Erin Work", "erin@work.example.com")

	if err := d.Put(ctx, PutRequest{PublicKeyArmored: getArmored(t, e), Origin: testOrigin}); err != nil {
		t.Fatalf("unexpected error while uploading key: %s", err)
	}
	for _, email := range []string{"erin@example.com", "erin@work.example.com"} {
		msg := m.msgFor(TemplateVerifyKey, email)
		if _, err := d.Verify(ctx, VerifyRequest{KeyID: msg.KeyID, Nonce: msg.Nonce}); err != nil {
			t.Fatalf("unexpected error while verifying %s: %s", email, err)
		}
	}

	keyID := entityKeyID(e)

	// remove a single user ID
	err := d.RequestRemove(ctx, RemoveRequest{Email: "erin@work.example.com", Origin: testOrigin})
	if err != nil {
		t.Fatalf("unexpected error while requesting removal: %s", err)
	}
	rm := m.msgFor(TemplateVerifyRemove, "erin@work.example.com")
	if rm == nil {
		t.Fatalf("no removal mail sent")
	}

	removed, err := d.VerifyRemove(ctx, VerifyRequest{KeyID: keyID, Nonce: rm.Nonce})
	if err != nil {
		t.Fatalf("unexpected error while verifying removal: %s", err)
	}
	if removed.Email != "erin@work.example.com" {
		t.Errorf("unexpected removed user id: %s", removed.Email)
	}

	rec, err := d.Get(ctx, LookupRequest{KeyID: keyID})
	if err != nil {
		t.Fatalf("unexpected error while looking up key: %s", err)
	}
	if len(rec.UserIDs) != 1 {
		t.Fatalf("unexpected number of user ids: got %d instead of 1", len(rec.UserIDs))
	}
	if countUserIDs(t, rec.PublicKeyArmored) != 1 {
		t.Errorf("removed user id still part of the published key")
	}

	// remove the whole key
	if err := d.RequestRemove(ctx, RemoveRequest{KeyID: keyID, Origin: testOrigin}); err != nil {
		t.Fatalf("unexpected error while requesting removal: %s", err)
	}
	rm = m.msgFor(TemplateVerifyRemove, "erin@example.com")
	if rm == nil {
		t.Fatalf("no removal mail sent")
	}
	if _, err := d.VerifyRemove(ctx, VerifyRequest{KeyID: keyID, Nonce: rm.Nonce}); err != nil {
		t.Fatalf("unexpected error while verifying removal: %s", err)
	}

	if _, err := d.Get(ctx, LookupRequest{KeyID: keyID}); err != ErrKeyNotFound {
		t.Errorf("unexpected error for removed key lookup: %v", err)
	}

	if err := d.RequestRemove(ctx, RemoveRequest{KeyID: keyID, Origin: testOrigin}); err != ErrKeyNotFound {
		t.Errorf("unexpected error for removal of unknown key: %v", err)
	}
}

func TestRestrictUserOrigin(t *testing.T) {
	d, m, db := newTestDirectory(t, Config{
		RestrictUserOrigin: true,
		RestrictionRegex:   `@corp\.example\.com$`,
	})
	defer db.Disconnect()

	ctx := context.Background()

	outside := getArmored(t, getEntity(t, "Out", "out@example.com"))
	if err := d.Put(ctx, PutRequest{PublicKeyArmored: outside, Origin: testOrigin}); err != ErrNoOrganisationUID {
		t.Fatalf("unexpected error for non organisation key: %v", err)
	}

	e := getEntity(t, "Frank", "frank@corp.example.com")
	addIdentity(t, e, "Frank Home", "frank@example.com")

	if err := d.Put(ctx, PutRequest{PublicKeyArmored: getArmored(t, e), Origin: testOrigin}); err != nil {
		t.Fatalf("unexpected error while uploading key: %s", err)
	}

	// only the organisation user id is challenged
	if len(m.msgs) != 1 {
		t.Fatalf("unexpected number of mails: got %d instead of 1", len(m.msgs))
	}
	msg := m.msgs[0]
	if msg.Email != "frank@corp.example.com" {
		t.Errorf("unexpected recipient: %s", msg.Email)
	}

	if _, err := d.Verify(ctx, VerifyRequest{KeyID: msg.KeyID, Nonce: msg.Nonce}); err != nil {
		t.Fatalf("unexpected error while verifying: %s", err)
	}

	rec, err := d.Get(ctx, LookupRequest{KeyID: msg.KeyID})
	if err != nil {
		t.Fatalf("unexpected error while looking up key: %s", err)
	}
	for _, uid := range rec.UserIDs {
		if uid.Email == "frank@example.com" && uid.Verified {
			t.Errorf("dormant user id was verified")
		}
		if uid.Email == "frank@corp.example.com" && !uid.Verified {
			t.Errorf("organisation user id not verified")
		}
	}
	if countUserIDs(t, rec.PublicKeyArmored) != 1 {
		t.Errorf("dormant user id published")
	}
}

func TestPurge(t *testing.T) {
	d, _, db := newTestDirectory(t, Config{PurgeDays: 30})
	defer db.Disconnect()

	old := time.Now().UTC().AddDate(0, 0, -60)

	records := []*KeyRecord{
		{
			KeyID:       strings.Repeat("1", 16),
			Fingerprint: strings.Repeat("1", 40),
			UserIDs:     []*UserID{{Email: "stale@example.com"}},
			Uploaded:    old,
		},
		{
			KeyID:       strings.Repeat("2", 16),
			Fingerprint: strings.Repeat("2", 40),
			UserIDs:     []*UserID{{Email: "kept@example.com", Verified: true}},
			Uploaded:    old,
		},
		{
			KeyID:       strings.Repeat("3", 16),
			Fingerprint: strings.Repeat("3", 40),
			UserIDs:     []*UserID{{Email: "fresh@example.com"}},
			Uploaded:    time.Now().UTC(),
		},
	}
	for _, rec := range records {
		doc, err := json.Marshal(rec)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if err := db.Create(doc, database.PublicKeyType); err != nil {
			t.Fatalf("unexpected error while creating record: %s", err)
		}
	}

	d.purge()

	tests := []struct {
		keyID string
		kept  bool
	}{
		{strings.Repeat("1", 16), false},
		{strings.Repeat("2", 16), true},
		{strings.Repeat("3", 16), true},
	}
	for _, tt := range tests {
		doc, err := db.Get(database.Selector{"keyId": tt.keyID}, database.PublicKeyType)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if tt.kept && doc == nil {
			t.Errorf("record %s was purged", tt.keyID)
		}
		if !tt.kept && doc != nil {
			t.Errorf("record %s was not purged", tt.keyID)
		}
	}
}

func TestLookupValidation(t *testing.T) {
	d, _, db := newTestDirectory(t, Config{})
	defer db.Disconnect()

	ctx := context.Background()

	tests := []struct {
		name string
		req  LookupRequest
		err  error
	}{
		{
			name: "empty request",
			req:  LookupRequest{},
			err:  ErrInvalidRequest,
		},
		{
			name: "bad key id",
			req:  LookupRequest{KeyID: "xyz"},
			err:  ErrInvalidRequest,
		},
		{
			name: "bad fingerprint",
			req:  LookupRequest{Fingerprint: "0123"},
			err:  ErrInvalidRequest,
		},
		{
			name: "bad email",
			req:  LookupRequest{Email: "not an address"},
			err:  ErrInvalidRequest,
		},
		{
			name: "unknown key",
			req:  LookupRequest{KeyID: strings.Repeat("0", 16)},
			err:  ErrKeyNotFound,
		},
	}

	for _, tt := range tests {
		if _, err := d.Get(ctx, tt.req); err != tt.err {
			t.Errorf("unexpected error for %q: got %v instead of %v", tt.name, err, tt.err)
		}
	}
}
