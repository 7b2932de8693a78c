package keyserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/openpgpdir/keydir/pkg/keydir"
)

const (
	// DefaultAddr is the default server listen address.
	DefaultAddr = ":8888"

	// DefaultMaxBodyBytes is the request body size limit.
	DefaultMaxBodyBytes = int64(1 << 20)
)

const (
	// APIRoute is the REST route of the key directory.
	APIRoute = "/api/v1/key"
	// AddRoute is the HKP submission route.
	AddRoute = "/pks/add"
	// LookupRoute is the HKP lookup route.
	LookupRoute = "/pks/lookup"
)

// Config is the key server configuration.
type Config struct {
	Addr       string
	PublicPem  string
	PrivatePem string

	// PublicURL is the external base URL embedded in verification
	// links. When empty, the URL is derived from the request.
	PublicURL string

	Directory *keydir.Directory

	// CustomHandler optionally wraps the route handlers, eg. for
	// request logging.
	CustomHandler func(http.Handler) http.Handler
}

type keyHandler struct {
	dir          *keydir.Directory
	publicURL    string
	maxBodyBytes int64
}

func (h *keyHandler) origin(r *http.Request) string {
	if h.publicURL != "" {
		return strings.TrimSuffix(h.publicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// uploadRequest is the POST body of the REST route: either a key
// submission or a pending signature confirmation.
type uploadRequest struct {
	PublicKeyArmored string   `json:"publicKeyArmored"`
	Emails           []string `json:"emails"`
	Op               string   `json:"op"`
	KeyID            string   `json:"keyId"`
	Nonce            string   `json:"nonce"`
	Sig              []string `json:"sig"`
}

func (h *keyHandler) api(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.apiPost(w, r)
	case http.MethodGet:
		h.apiGet(w, r)
	case http.MethodDelete:
		h.apiDelete(w, r)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (h *keyHandler) apiPost(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, keydir.ErrInvalidRequest)
		return
	}

	if req.Op == "confirmSignatures" {
		_, err := h.dir.VerifySignatures(r.Context(), keydir.VerifySignaturesRequest{
			KeyID:  req.KeyID,
			Nonce:  req.Nonce,
			Hashes: req.Sig,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		return
	}

	err := h.dir.Put(r.Context(), keydir.PutRequest{
		Emails:           req.Emails,
		PublicKeyArmored: req.PublicKeyArmored,
		Origin:           h.origin(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *keyHandler) apiGet(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	switch query.Get("op") {
	case "verify":
		email, err := h.dir.Verify(r.Context(), keydir.VerifyRequest{
			KeyID:  query.Get("keyId"),
			Nonce:  query.Get("nonce"),
			Origin: h.origin(r),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "The key for %s is now published.\n", email)
	case "verifyRemove":
		uid, err := h.dir.VerifyRemove(r.Context(), keydir.VerifyRequest{
			KeyID: query.Get("keyId"),
			Nonce: query.Get("nonce"),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "The user ID %s was removed from the key directory.\n", uid.Email)
	case "checkSignatures":
		sigs, err := h.dir.GetPendingSignatures(r.Context(), keydir.LookupRequest{
			KeyID:       query.Get("keyId"),
			Fingerprint: query.Get("fingerprint"),
			Email:       query.Get("email"),
		}, query.Get("nonce"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sigs)
	case "":
		rec, err := h.dir.Get(r.Context(), keydir.LookupRequest{
			KeyID:       query.Get("keyId"),
			Fingerprint: query.Get("fingerprint"),
			Email:       query.Get("email"),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	default:
		http.Error(w, "Not Implemented", http.StatusNotImplemented)
	}
}

func (h *keyHandler) apiDelete(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	err := h.dir.RequestRemove(r.Context(), keydir.RemoveRequest{
		KeyID:  query.Get("keyId"),
		Email:  query.Get("email"),
		Origin: h.origin(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// add implements the HKP submission route. Keys always go through
// mail verification, so a successful submission is only accepted for
// further processing.
func (h *keyHandler) add(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeError(w, keydir.ErrInvalidRequest)
		return
	}

	err := h.dir.Put(r.Context(), keydir.PutRequest{
		PublicKeyArmored: r.PostForm.Get("keytext"),
		Origin:           h.origin(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// lookup implements the HKP lookup route over verified records.
func (h *keyHandler) lookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()

	req, err := lookupFromSearch(query.Get("search"))
	if err != nil {
		writeError(w, err)
		return
	}

	switch query.Get("op") {
	case "get":
		rec, err := h.dir.Get(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/pgp-keys")
		fmt.Fprint(w, rec.PublicKeyArmored)
	case "index", "vindex":
		rec, err := h.dir.Get(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		if err := WriteIndex(w, rec.PublicKeyArmored); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	default:
		http.Error(w, "Not Implemented", http.StatusNotImplemented)
	}
}

// lookupFromSearch maps an HKP search parameter to a directory
// lookup: 0x prefixed hex searches by key ID or fingerprint, anything
// else by email.
func lookupFromSearch(search string) (keydir.LookupRequest, error) {
	if strings.HasPrefix(search, "0x") {
		hexID := strings.ToLower(strings.TrimPrefix(search, "0x"))
		switch len(hexID) {
		case 16:
			return keydir.LookupRequest{KeyID: hexID}, nil
		case 40:
			return keydir.LookupRequest{Fingerprint: hexID}, nil
		}
		return keydir.LookupRequest{}, keydir.ErrInvalidRequest
	}
	return keydir.LookupRequest{Email: search}, nil
}

// Start runs the key server until the context is cancelled.
func Start(ctx context.Context, cfg Config) error {
	shutdownCh := make(chan error, 1)

	if cfg.Directory == nil {
		return fmt.Errorf("no key directory specified")
	}

	handler := &keyHandler{
		dir:          cfg.Directory,
		publicURL:    cfg.PublicURL,
		maxBodyBytes: DefaultMaxBodyBytes,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(APIRoute, handler.api)
	mux.HandleFunc(AddRoute, handler.add)
	mux.HandleFunc(LookupRoute, handler.lookup)

	addr := cfg.Addr
	if addr == "" {
		addr = DefaultAddr
	}

	var root http.Handler = mux
	if cfg.CustomHandler != nil {
		root = cfg.CustomHandler(mux)
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: root,
	}

	go func() {
		<-ctx.Done()
		shutdownCh <- srv.Shutdown(context.Background())
	}()

	var err error

	if cfg.PublicPem != "" && cfg.PrivatePem != "" {
		err = srv.ListenAndServeTLS(cfg.PublicPem, cfg.PrivatePem)
	} else {
		err = srv.ListenAndServe()
	}

	if err != http.ErrServerClosed {
		return err
	}

	return <-shutdownCh
}
