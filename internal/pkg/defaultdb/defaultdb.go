package defaultdb

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/openpgpdir/keydir/pkg/database"
	"github.com/tidwall/buntdb"
	"github.com/tidwall/gjson"
)

// Name of the default database engine.
const Name = "buntdb"

const keySep = ":"

// Config is the default database engine configuration.
type Config struct {
	// Dir is the directory holding the database file. An empty
	// value selects a pure in-memory database.
	Dir string `yaml:"dir"`
}

type bunt struct {
	db  *buntdb.DB
	cfg Config
}

func (b *bunt) NewConfig() database.Config {
	return &b.cfg
}

func (b *bunt) CheckConfig() error {
	return nil
}

func (b *bunt) Connect() error {
	var err error

	if b.cfg.Dir == "" {
		b.db, err = buntdb.Open(":memory:")
	} else {
		b.db, err = buntdb.Open(filepath.Join(b.cfg.Dir, "db"))
	}
	if err != nil {
		return err
	}

	index := database.PublicKeyType + keySep + "keyId"
	indexes, err := b.db.Indexes()
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		if idx == index {
			return nil
		}
	}
	pattern := database.PublicKeyType + keySep + "*"
	if err := b.db.CreateIndex(index, pattern, buntdb.IndexJSON("keyId")); err != nil {
		return fmt.Errorf("could not create index %s: %s", index, err)
	}

	return nil
}

func (b *bunt) Disconnect() error {
	return b.db.Close()
}

// docKey derives the store key of a document from its fingerprint field.
func docKey(doc []byte, typ string) (string, error) {
	fp := gjson.GetBytes(doc, "fingerprint")
	if !fp.Exists() || fp.String() == "" {
		return "", fmt.Errorf("document has no fingerprint field")
	}
	return typ + keySep + strings.ToLower(fp.String()), nil
}

func (b *bunt) Create(doc []byte, typ string) error {
	key, err := docKey(doc, typ)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(key); err == nil {
			return fmt.Errorf("document %s already exists", key)
		} else if err != buntdb.ErrNotFound {
			return err
		}
		_, _, err := tx.Set(key, string(doc), nil)
		return err
	})
}

func (b *bunt) Get(sel database.Selector, typ string) ([]byte, error) {
	var doc []byte

	err := b.db.View(func(tx *buntdb.Tx) error {
		pattern := typ + keySep + "*"
		return tx.AscendKeys(pattern, func(key, val string) bool {
			if ok, _ := matchSelector(val, sel); ok {
				doc = []byte(val)
				return false
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}

	return doc, nil
}

func (b *bunt) Update(sel database.Selector, patch database.Patch, typ string) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		var key, val string
		var elems map[string]int

		pattern := typ + keySep + "*"
		err := tx.AscendKeys(pattern, func(k, v string) bool {
			if ok, idx := matchSelector(v, sel); ok {
				key, val, elems = k, v, idx
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
		if key == "" {
			return fmt.Errorf("no document matching selector")
		}

		patched, err := applyPatch(val, patch, elems)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(key, patched, nil)
		return err
	})
}

func (b *bunt) Remove(sel database.Selector, typ string) (int, error) {
	count := 0

	err := b.db.Update(func(tx *buntdb.Tx) error {
		var keys []string

		pattern := typ + keySep + "*"
		err := tx.AscendKeys(pattern, func(k, v string) bool {
			if ok, _ := matchSelector(v, sel); ok {
				keys = append(keys, k)
			}
			return true
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if _, err := tx.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})

	return count, err
}

func init() {
	database.RegisterEngine(Name, new(bunt))
}
