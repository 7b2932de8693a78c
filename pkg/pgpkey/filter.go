package pgpkey

import (
	"bytes"
	"strings"
	"time"

	"golang.org/x/crypto/openpgp/packet"
)

// FilterByUserIDs returns the armored key reduced to the user IDs
// whose normalized email is in emails.
func FilterByUserIDs(emails []string, armored string) (string, error) {
	e, err := readSingleEntity(armored)
	if err != nil {
		return "", err
	}

	keep := make(map[string]bool, len(emails))
	for _, email := range emails {
		keep[strings.ToLower(email)] = true
	}

	for name, id := range e.Identities {
		if !keep[strings.ToLower(id.UserId.Email)] {
			delete(e.Identities, name)
		}
	}

	return armorEntity(e)
}

// RemoveUserID returns the armored key without the user ID matching
// the normalized email.
func RemoveUserID(email, armored string) (string, error) {
	e, err := readSingleEntity(armored)
	if err != nil {
		return "", err
	}

	email = strings.ToLower(email)
	for name, id := range e.Identities {
		if strings.ToLower(id.UserId.Email) == email {
			delete(e.Identities, name)
		}
	}

	return armorEntity(e)
}

// FilterBySignatures compares third-party certifications of src
// against cmp. Certifications present in src but absent in cmp are
// stripped from src and returned separately. Both keys must share the
// same primary key fingerprint, otherwise src is returned unchanged.
// Expired certifications and self-signatures are left untouched.
func FilterBySignatures(srcArmored, cmpArmored string) (string, []Certification, error) {
	src, err := readSingleEntity(srcArmored)
	if err != nil {
		return "", nil, err
	}
	cmp, err := readSingleEntity(cmpArmored)
	if err != nil {
		return "", nil, err
	}

	if !bytes.Equal(src.PrimaryKey.Fingerprint[:], cmp.PrimaryKey.Fingerprint[:]) {
		return srcArmored, nil, nil
	}

	var newSigs []Certification
	now := time.Now()

	for name, id := range src.Identities {
		cmpID, ok := cmp.Identities[name]
		if !ok {
			continue
		}

		known := make(map[string]bool, len(cmpID.Signatures))
		for _, sig := range cmpID.Signatures {
			b, err := serializeSignature(sig)
			if err != nil {
				continue
			}
			known[string(b)] = true
		}

		kept := id.Signatures[:0]
		for _, sig := range id.Signatures {
			// self certifications are not subject to confirmation
			if sig.IssuerKeyId != nil && *sig.IssuerKeyId == src.PrimaryKey.KeyId {
				kept = append(kept, sig)
				continue
			}
			if sig.SigExpired(now) {
				kept = append(kept, sig)
				continue
			}
			b, err := serializeSignature(sig)
			if err != nil || known[string(b)] {
				kept = append(kept, sig)
				continue
			}
			newSigs = append(newSigs, Certification{
				User:      SigUser{UserID: name},
				Signature: b,
			})
		}
		id.Signatures = kept
	}

	armored, err := armorEntity(src)
	if err != nil {
		return "", nil, err
	}

	return armored, newSigs, nil
}

// AddSignature re-attaches a previously stripped certification to the
// matching user ID. Keys without a matching user ID are returned
// unchanged.
func AddSignature(armored string, cert Certification) (string, error) {
	e, err := readSingleEntity(armored)
	if err != nil {
		return "", err
	}

	id, ok := e.Identities[cert.User.UserID]
	if !ok {
		return armored, nil
	}

	p, err := packet.Read(bytes.NewReader(cert.Signature))
	if err != nil {
		return "", ErrParse
	}
	sig, ok := p.(*packet.Signature)
	if !ok {
		return "", ErrParse
	}

	for _, s := range id.Signatures {
		b, err := serializeSignature(s)
		if err == nil && bytes.Equal(b, cert.Signature) {
			return armored, nil
		}
	}
	id.Signatures = append(id.Signatures, sig)

	return armorEntity(e)
}

func serializeSignature(sig *packet.Signature) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := sig.Serialize(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
