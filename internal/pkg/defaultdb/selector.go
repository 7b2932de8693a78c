package defaultdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openpgpdir/keydir/pkg/database"
	"github.com/tidwall/gjson"
)

// matchSelector reports whether the JSON document matches the selector.
// The returned map records, per array path, the index of the element
// matched by an $elemMatch predicate, for use by positional updates.
func matchSelector(doc string, sel database.Selector) (bool, map[string]int) {
	elems := make(map[string]int)
	if !matchDoc(doc, sel, elems) {
		return false, nil
	}
	return true, elems
}

func matchDoc(doc string, sel database.Selector, elems map[string]int) bool {
	for path, cond := range sel {
		if path == "$or" {
			if !matchOr(doc, cond, elems) {
				return false
			}
			continue
		}
		if !matchField(doc, path, cond, elems) {
			return false
		}
	}
	return true
}

func matchOr(doc string, cond interface{}, elems map[string]int) bool {
	alts, ok := cond.([]database.Selector)
	if !ok {
		return false
	}
	for _, alt := range alts {
		if matchDoc(doc, alt, elems) {
			return true
		}
	}
	return false
}

func matchField(doc, path string, cond interface{}, elems map[string]int) bool {
	res := gjson.Get(doc, path)

	ops, ok := cond.(map[string]interface{})
	if !ok {
		return equalValue(res, cond)
	}

	for op, arg := range ops {
		switch op {
		case "$ne":
			if equalValue(res, arg) {
				return false
			}
		case "$lt":
			if !lessValue(res, arg) {
				return false
			}
		case "$elemMatch":
			sub, ok := arg.(database.Selector)
			if !ok {
				return false
			}
			if !res.IsArray() {
				return false
			}
			found := -1
			for i, el := range res.Array() {
				if matchDoc(el.Raw, sub, make(map[string]int)) {
					found = i
					break
				}
			}
			if found < 0 {
				return false
			}
			elems[path] = found
		default:
			return false
		}
	}

	return true
}

// equalValue compares a JSON document value against a selector value.
// Paths collecting array elements (e.g. "userIds.#.verified") match
// when any element equals the selector value.
func equalValue(res gjson.Result, v interface{}) bool {
	if res.IsArray() {
		for _, el := range res.Array() {
			if equalValue(el, v) {
				return true
			}
		}
		return false
	}
	switch val := v.(type) {
	case nil:
		return !res.Exists() || res.Type == gjson.Null
	case string:
		return res.Exists() && res.String() == val
	case bool:
		return res.Exists() && res.Type != gjson.String && res.Bool() == val
	case int:
		return res.Exists() && res.Num == float64(val)
	case int64:
		return res.Exists() && res.Num == float64(val)
	case float64:
		return res.Exists() && res.Num == val
	case time.Time:
		t, err := time.Parse(time.RFC3339Nano, res.String())
		return err == nil && t.Equal(val)
	}
	return false
}

// lessValue reports whether a JSON document value is strictly less
// than a selector value. Times stored as RFC 3339 strings compare as
// times.
func lessValue(res gjson.Result, v interface{}) bool {
	if !res.Exists() {
		return false
	}
	switch val := v.(type) {
	case time.Time:
		t, err := time.Parse(time.RFC3339Nano, res.String())
		return err == nil && t.Before(val)
	case int:
		return res.Num < float64(val)
	case int64:
		return res.Num < float64(val)
	case float64:
		return res.Num < val
	case string:
		return res.String() < val
	}
	return false
}

// applyPatch applies a partial update to the JSON document. Positional
// paths of the form "userIds.$.field" resolve through the elems map
// recorded while matching the selector.
func applyPatch(doc string, patch database.Patch, elems map[string]int) (string, error) {
	var root map[string]interface{}

	dec := json.NewDecoder(strings.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&root); err != nil {
		return "", err
	}

	for path, val := range patch {
		if err := setField(root, path, val, elems); err != nil {
			return "", err
		}
	}

	b, err := json.Marshal(root)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func setField(root map[string]interface{}, path string, val interface{}, elems map[string]int) error {
	segs := strings.Split(path, ".")

	var cur interface{} = root
	for i := 0; i < len(segs)-1; i++ {
		seg := segs[i]
		m, ok := cur.(map[string]interface{})
		if !ok {
			return fmt.Errorf("cannot traverse %q in path %q", seg, path)
		}
		if segs[i+1] == "$" {
			arr, ok := m[seg].([]interface{})
			if !ok {
				return fmt.Errorf("%q is not an array in path %q", seg, path)
			}
			prefix := strings.Join(segs[:i+1], ".")
			idx, ok := elems[prefix]
			if !ok || idx >= len(arr) {
				return fmt.Errorf("no positional match for path %q", path)
			}
			cur = arr[idx]
			i++
			continue
		}
		next, ok := m[seg]
		if !ok {
			child := make(map[string]interface{})
			m[seg] = child
			next = child
		}
		cur = next
	}

	m, ok := cur.(map[string]interface{})
	if !ok {
		return fmt.Errorf("cannot set %q", path)
	}
	last := segs[len(segs)-1]

	if val == nil {
		delete(m, last)
		return nil
	}

	// round-trip through json so patched values use the document encoding
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	var jv interface{}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&jv); err != nil {
		return err
	}
	m[last] = jv

	return nil
}
