package database

// PublicKeyType is the document type under which public key records
// are stored by the key directory.
const PublicKeyType = "publickey"

// Config is an engine specific configuration decoded from the
// db-config section of the server configuration.
type Config interface{}

// Selector describes a document predicate. Keys are dotted JSON paths
// mapped to expected values, or one of the operator keys below.
//
//	Selector{"keyId": "0123..."}                          equality
//	Selector{"uploaded": Map{"$lt": t}}                   comparison
//	Selector{"$or": []Selector{...}}                      disjunction
//	Selector{"userIds": Map{"$elemMatch": Selector{...}}} array element match
type Selector map[string]interface{}

// Patch describes a partial document update. Keys are dotted JSON
// paths mapped to new values. The positional path "userIds.$.field"
// addresses the array element matched by the selector's $elemMatch
// predicate. A nil value removes the field.
type Patch map[string]interface{}

// Map is a shorthand for operator documents inside selectors.
type Map = map[string]interface{}

// Engine is the document store contract used by the key directory.
// Documents are JSON encoded records.
type Engine interface {
	NewConfig() Config
	CheckConfig() error

	Connect() error
	Disconnect() error

	// Create inserts doc as a new document of the given type. Exactly
	// one document is inserted or an error is returned.
	Create(doc []byte, typ string) error

	// Get returns the first document of the given type matching the
	// selector, or nil when there is no match.
	Get(sel Selector, typ string) ([]byte, error)

	// Update applies patch to the first document matching the selector.
	Update(sel Selector, patch Patch, typ string) error

	// Remove deletes every document matching the selector and returns
	// the number of documents removed.
	Remove(sel Selector, typ string) (int, error)
}

var engines = make(map[string]Engine)

// RegisterEngine registers a named document store engine, usually
// from an init function of the engine package.
func RegisterEngine(name string, e Engine) {
	engines[name] = e
}

// GetEngine returns the engine registered under name.
func GetEngine(name string) (Engine, bool) {
	e, ok := engines[name]
	return e, ok
}
