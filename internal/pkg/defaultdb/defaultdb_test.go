package defaultdb

import (
	"testing"
	"time"

	"github.com/openpgpdir/keydir/pkg/database"
	"github.com/tidwall/gjson"
)

const testType = database.PublicKeyType

func newTestEngine(t *testing.T) *bunt {
	b := new(bunt)
	if err := b.Connect(); err != nil {
		t.Fatalf("unexpected error while connecting: %s", err)
	}
	return b
}

func createDoc(t *testing.T, b *bunt, doc string) {
	if err := b.Create([]byte(doc), testType); err != nil {
		t.Fatalf("unexpected error while creating document: %s", err)
	}
}

const docOne = `{
	"keyId": "1111111111111111",
	"fingerprint": "1111111111111111111111111111111111111111",
	"uploaded": "2020-01-01T00:00:00Z",
	"userIds": [
		{"email": "a@example.com", "verified": true},
		{"email": "b@example.com", "verified": false, "nonce": "cafe"}
	]
}`

const docTwo = `{
	"keyId": "2222222222222222",
	"fingerprint": "2222222222222222222222222222222222222222",
	"uploaded": "2026-01-01T00:00:00Z",
	"userIds": [
		{"email": "c@example.com", "verified": false}
	]
}`

func TestCreate(t *testing.T) {
	b := newTestEngine(t)
	defer b.Disconnect()

	createDoc(t, b, docOne)

	if err := b.Create([]byte(docOne), testType); err == nil {
		t.Fatalf("unexpected success for duplicate document")
	}
	if err := b.Create([]byte(`{"keyId":"0"}`), testType); err == nil {
		t.Fatalf("unexpected success for document without fingerprint")
	}
}

func TestGet(t *testing.T) {
	b := newTestEngine(t)
	defer b.Disconnect()

	createDoc(t, b, docOne)
	createDoc(t, b, docTwo)

	tests := []struct {
		name  string
		sel   database.Selector
		keyID string
	}{
		{
			name:  "by key id",
			sel:   database.Selector{"keyId": "1111111111111111"},
			keyID: "1111111111111111",
		},
		{
			name:  "by fingerprint",
			sel:   database.Selector{"fingerprint": "2222222222222222222222222222222222222222"},
			keyID: "2222222222222222",
		},
		{
			name:  "by array element field",
			sel:   database.Selector{"userIds.#.email": "b@example.com"},
			keyID: "1111111111111111",
		},
		{
			name:  "any element equality",
			sel:   database.Selector{"userIds.#.verified": true},
			keyID: "1111111111111111",
		},
		{
			name: "no element equality",
			sel:  database.Selector{"userIds.#.verified": database.Map{"$ne": true}},
			// no element of docTwo is verified
			keyID: "2222222222222222",
		},
		{
			name: "elem match",
			sel: database.Selector{"userIds": database.Map{"$elemMatch": database.Selector{
				"email":    "a@example.com",
				"verified": true,
			}}},
			keyID: "1111111111111111",
		},
		{
			name: "elem match conjunction miss",
			sel: database.Selector{"userIds": database.Map{"$elemMatch": database.Selector{
				"email":    "b@example.com",
				"verified": true,
			}}},
		},
		{
			name: "uploaded before",
			sel: database.Selector{
				"uploaded": database.Map{"$lt": time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)},
			},
			keyID: "1111111111111111",
		},
		{
			name: "or",
			sel: database.Selector{"$or": []database.Selector{
				{"keyId": "0000000000000000"},
				{"keyId": "2222222222222222"},
			}},
			keyID: "2222222222222222",
		},
		{
			name: "unknown key id",
			sel:  database.Selector{"keyId": "0000000000000000"},
		},
	}

	for _, tt := range tests {
		doc, err := b.Get(tt.sel, testType)
		if err != nil {
			t.Errorf("unexpected error for %q: %s", tt.name, err)
			continue
		}
		if tt.keyID == "" {
			if doc != nil {
				t.Errorf("unexpected match for %q", tt.name)
			}
			continue
		}
		if doc == nil {
			t.Errorf("no match for %q", tt.name)
			continue
		}
		if got := gjson.GetBytes(doc, "keyId").String(); got != tt.keyID {
			t.Errorf("unexpected document for %q: got key id %s instead of %s", tt.name, got, tt.keyID)
		}
	}
}

func TestUpdate(t *testing.T) {
	b := newTestEngine(t)
	defer b.Disconnect()

	createDoc(t, b, docOne)

	sel := database.Selector{
		"keyId":   "1111111111111111",
		"userIds": database.Map{"$elemMatch": database.Selector{"nonce": "cafe"}},
	}
	patch := database.Patch{
		"publicKeyArmored":   "KEY",
		"userIds.$.verified": true,
		"userIds.$.nonce":    nil,
	}
	if err := b.Update(sel, patch, testType); err != nil {
		t.Fatalf("unexpected error while updating: %s", err)
	}

	doc, err := b.Get(database.Selector{"keyId": "1111111111111111"}, testType)
	if err != nil || doc == nil {
		t.Fatalf("could not read back document: %v", err)
	}

	if got := gjson.GetBytes(doc, "publicKeyArmored").String(); got != "KEY" {
		t.Errorf("top level field not patched: %q", got)
	}
	if !gjson.GetBytes(doc, "userIds.1.verified").Bool() {
		t.Errorf("positional update missed the matched element")
	}
	if gjson.GetBytes(doc, "userIds.1.nonce").Exists() {
		t.Errorf("nil patch value did not remove the field")
	}
	if gjson.GetBytes(doc, "userIds.0.verified").Bool() != true {
		t.Errorf("positional update touched another element")
	}

	// no matching document
	err = b.Update(database.Selector{"keyId": "0000000000000000"}, patch, testType)
	if err == nil {
		t.Errorf("unexpected success for update without match")
	}
}

func TestRemove(t *testing.T) {
	b := newTestEngine(t)
	defer b.Disconnect()

	createDoc(t, b, docOne)
	createDoc(t, b, docTwo)

	// purge style selector: old and without any verified user ID
	sel := database.Selector{
		"uploaded":           database.Map{"$lt": time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		"userIds.#.verified": database.Map{"$ne": true},
	}
	n, err := b.Remove(sel, testType)
	if err != nil {
		t.Fatalf("unexpected error while removing: %s", err)
	}
	if n != 1 {
		t.Fatalf("unexpected number of documents removed: got %d instead of 1", n)
	}

	doc, err := b.Get(database.Selector{"keyId": "1111111111111111"}, testType)
	if err != nil || doc == nil {
		t.Fatalf("verified document was removed: %v", err)
	}
	doc, err = b.Get(database.Selector{"keyId": "2222222222222222"}, testType)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if doc != nil {
		t.Errorf("unverified document was not removed")
	}
}
