package keydir

// Error is a directory error carrying the HTTP status it maps to.
// Errors with Expose set are safe to echo back to the client.
type Error struct {
	Code    int
	Message string
	Expose  bool
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrInvalidRequest     = &Error{400, "Invalid request", true}
	ErrMalformedKey       = &Error{400, "Malformed key", true}
	ErrNoValidUserIDs     = &Error{400, "No valid user IDs found", true}
	ErrUserIDMismatch     = &Error{400, "Requested user IDs not present in key", true}
	ErrNoOrganisationUID  = &Error{400, "No organisation user ID found", true}
	ErrUserIDNotFound     = &Error{404, "User ID not found", true}
	ErrKeyNotFound        = &Error{404, "Key not found", true}
	ErrSignaturesNotFound = &Error{404, "No pending signatures found", true}
	ErrInvalidNonce       = &Error{403, "Invalid nonce", true}
	ErrPersistFailed      = &Error{500, "Could not persist key", false}
	ErrInternalParse      = &Error{500, "Key parse error", false}
)
