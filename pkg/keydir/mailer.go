package keydir

import "context"

// Template identifies one of the directory mail messages.
type Template string

const (
	// TemplateVerifyKey asks the owner to confirm a user ID upload.
	TemplateVerifyKey Template = "verifyKey"
	// TemplateVerifyRemove asks the owner to confirm a removal.
	TemplateVerifyRemove Template = "verifyRemove"
	// TemplateCheckNewSigs announces pending third-party certifications.
	TemplateCheckNewSigs Template = "checkNewSigs"
)

// Message is a templated mail handed to the mailer port. The shadow
// armored key is included for the recipient but never persisted past
// the lifetime of the unverified user ID.
type Message struct {
	Template         Template
	Name             string
	Email            string
	KeyID            string
	Nonce            string
	Origin           string
	PublicKeyArmored string
}

// Mailer dispatches directory messages. Send is awaited, failures
// propagate to the caller before any record is persisted.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}
