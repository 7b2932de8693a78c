package pgpkey

import (
	"bytes"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	openpgperrors "golang.org/x/crypto/openpgp/errors"
	"golang.org/x/crypto/openpgp/packet"
)

var (
	// ErrMalformedKey is returned when the input is not a well formed
	// single primary public key.
	ErrMalformedKey = errors.New("malformed key")
	// ErrParse is returned when the underlying library reports a
	// corrupted packet stream.
	ErrParse = errors.New("key parse error")
)

const (
	beginArmor = "-----BEGIN PGP PUBLIC KEY BLOCK-----"
	endArmor   = "-----END PGP PUBLIC KEY BLOCK-----"
)

// UserStatus is the parse time status of a user ID.
type UserStatus string

const (
	StatusInvalid UserStatus = "invalid"
	StatusValid   UserStatus = "valid"
	StatusRevoked UserStatus = "revoked"
	StatusExpired UserStatus = "expired"
)

// User is a user ID extracted from a key during parsing.
type User struct {
	Name   string
	Email  string
	Status UserStatus
}

// Key is the skeleton of a parsed public key.
type Key struct {
	KeyID       string
	Fingerprint string
	Users       []User
	Created     time.Time
	Algorithm   string
	KeySize     int
	HasOrgUser  bool
}

// SigUser identifies the user a third-party certification applies to.
type SigUser struct {
	UserID        string `json:"userId"`
	UserAttribute string `json:"userAttribute,omitempty"`
}

// Certification is a third-party certification detached from a key,
// pending owner confirmation.
type Certification struct {
	User      SigUser `json:"user"`
	Signature []byte  `json:"signature"`
}

// Handler parses public keys and classifies user IDs against the
// configured organisation domain policy.
type Handler struct {
	orgEmail *regexp.Regexp
}

// NewHandler returns a Handler. An empty restriction regex disables
// organisation domain classification.
func NewHandler(restrictionRegex string) (*Handler, error) {
	h := new(Handler)
	if restrictionRegex != "" {
		re, err := regexp.Compile(restrictionRegex)
		if err != nil {
			return nil, fmt.Errorf("while compiling restriction regex: %s", err)
		}
		h.orgEmail = re
	}
	return h, nil
}

// IsOrgEmail reports whether the email matches the organisation
// domain policy.
func (h *Handler) IsOrgEmail(email string) bool {
	return h.orgEmail != nil && h.orgEmail.MatchString(email)
}

// TrimArmor extracts the single public key block from text.
func TrimArmor(text string) (string, error) {
	begin := strings.Index(text, beginArmor)
	if begin < 0 {
		return "", ErrMalformedKey
	}
	end := strings.Index(text[begin:], endArmor)
	if end < 0 {
		return "", ErrMalformedKey
	}
	end += begin + len(endArmor)
	if strings.Contains(text[end:], beginArmor) {
		return "", ErrMalformedKey
	}
	return text[begin:end], nil
}

// readSingleEntity decodes an armored block holding exactly one
// public key entity.
func readSingleEntity(armored string) (*openpgp.Entity, error) {
	el, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		if _, ok := err.(openpgperrors.StructuralError); ok {
			return nil, ErrParse
		}
		return nil, ErrMalformedKey
	}
	if len(el) != 1 {
		return nil, ErrMalformedKey
	}
	e := el[0]
	if e.PrivateKey != nil {
		return nil, ErrMalformedKey
	}
	return e, nil
}

// armorEntity writes the entity back as an armored public key block.
func armorEntity(e *openpgp.Entity) (string, error) {
	buf := new(bytes.Buffer)

	aw, err := armor.Encode(buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", err
	}
	if err := e.Serialize(aw); err != nil {
		aw.Close()
		return "", err
	}
	if err := aw.Close(); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// ParseKey parses an armored block into a key skeleton. User IDs with
// a malformed userid string are dropped silently, the others carry a
// parse time status.
func (h *Handler) ParseKey(armored string) (*Key, error) {
	armored, err := TrimArmor(armored)
	if err != nil {
		return nil, err
	}
	e, err := readSingleEntity(armored)
	if err != nil {
		return nil, err
	}

	fp := fmt.Sprintf("%x", e.PrimaryKey.Fingerprint[:])
	if len(fp) != 40 {
		return nil, ErrMalformedKey
	}

	bitLen, err := e.PrimaryKey.BitLength()
	if err != nil {
		return nil, ErrParse
	}

	k := &Key{
		KeyID:       fp[len(fp)-16:],
		Fingerprint: fp,
		Created:     e.PrimaryKey.CreationTime,
		Algorithm:   algorithmName(e.PrimaryKey.PubKeyAlgo),
		KeySize:     int(bitLen),
	}

	revoked := len(e.Revocations) > 0
	// keys created in the future validate at their creation time
	checkTime := time.Now()
	if e.PrimaryKey.CreationTime.After(checkTime) {
		checkTime = e.PrimaryKey.CreationTime
	}

	for _, id := range e.Identities {
		addr, err := mail.ParseAddress(id.UserId.Email)
		if err != nil {
			continue
		}
		u := User{
			Name:   id.UserId.Name,
			Email:  strings.ToLower(addr.Address),
			Status: userStatus(e, id, revoked, checkTime),
		}
		k.Users = append(k.Users, u)
		if h.IsOrgEmail(u.Email) {
			k.HasOrgUser = true
		}
	}
	if len(k.Users) == 0 {
		return nil, ErrMalformedKey
	}
	// identities come out of a map, keep the order stable
	sort.Slice(k.Users, func(i, j int) bool { return k.Users[i].Email < k.Users[j].Email })

	return k, nil
}

func userStatus(e *openpgp.Entity, id *openpgp.Identity, revoked bool, checkTime time.Time) UserStatus {
	sig := id.SelfSignature
	if sig == nil {
		return StatusInvalid
	}
	if err := e.PrimaryKey.VerifyUserIdSignature(id.UserId.Id, e.PrimaryKey, sig); err != nil {
		return StatusInvalid
	}
	if revoked {
		return StatusRevoked
	}
	if sig.SigExpired(checkTime) {
		return StatusExpired
	}
	if sig.KeyLifetimeSecs != nil && *sig.KeyLifetimeSecs != 0 {
		expiry := e.PrimaryKey.CreationTime.Add(time.Duration(*sig.KeyLifetimeSecs) * time.Second)
		if expiry.Before(checkTime) {
			return StatusExpired
		}
	}
	return StatusValid
}

// GetPrimaryUser returns the most significant user of the key,
// preferring identities flagged as primary, then the latest valid
// self-signature.
func GetPrimaryUser(armored string) (*User, error) {
	e, err := readSingleEntity(armored)
	if err != nil {
		return nil, err
	}

	var best *openpgp.Identity
	for _, id := range e.Identities {
		if id.SelfSignature == nil {
			continue
		}
		if best == nil {
			best = id
			continue
		}
		bestPrimary := best.SelfSignature.IsPrimaryId != nil && *best.SelfSignature.IsPrimaryId
		idPrimary := id.SelfSignature.IsPrimaryId != nil && *id.SelfSignature.IsPrimaryId
		if idPrimary && !bestPrimary {
			best = id
		} else if idPrimary == bestPrimary && id.SelfSignature.CreationTime.After(best.SelfSignature.CreationTime) {
			best = id
		}
	}
	if best == nil {
		return nil, ErrMalformedKey
	}

	return &User{
		Name:  best.UserId.Name,
		Email: strings.ToLower(best.UserId.Email),
	}, nil
}

// SignatureInfo decodes a raw certification packet and returns the
// issuer key ID in lowercase hex and the signature creation time.
func SignatureInfo(raw []byte) (string, time.Time, error) {
	p, err := packet.Read(bytes.NewReader(raw))
	if err != nil {
		return "", time.Time{}, ErrParse
	}
	sig, ok := p.(*packet.Signature)
	if !ok {
		return "", time.Time{}, ErrParse
	}
	issuer := ""
	if sig.IssuerKeyId != nil {
		issuer = fmt.Sprintf("%016x", *sig.IssuerKeyId)
	}
	return issuer, sig.CreationTime, nil
}

func algorithmName(a packet.PublicKeyAlgorithm) string {
	switch a {
	case packet.PubKeyAlgoRSA, packet.PubKeyAlgoRSAEncryptOnly, packet.PubKeyAlgoRSASignOnly:
		return "rsa"
	case packet.PubKeyAlgoDSA:
		return "dsa"
	case packet.PubKeyAlgoElGamal:
		return "elgamal"
	case packet.PubKeyAlgoECDSA:
		return "ecdsa"
	case packet.PubKeyAlgoECDH:
		return "ecdh"
	case packet.PubKeyAlgoEdDSA:
		return "eddsa"
	}
	return "unknown"
}
