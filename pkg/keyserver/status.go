package keyserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openpgpdir/keydir/pkg/keydir"
)

// ErrorResponse describes a JSON error response.
type ErrorResponse struct {
	Error *Error `json:"error"`
}

// Error describes an error with code and message.
type Error struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// writeError maps a directory error to its HTTP status and writes the
// JSON error body. Messages of non exposable errors are replaced by
// the generic status text.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	message := http.StatusText(code)

	var kerr *keydir.Error
	if errors.As(err, &kerr) {
		code = kerr.Code
		if kerr.Expose {
			message = kerr.Message
		} else {
			message = http.StatusText(code)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(&ErrorResponse{
		&Error{
			Code:    code,
			Message: message,
		},
	})
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
