package pgpkey

import (
	"bytes"
)

// UpdateKey merges the src key into dst: missing user IDs, newer
// self-signatures, missing certifications, subkeys and revocations
// are taken over from src. Both keys must share the same primary key
// fingerprint.
func UpdateKey(dstArmored, srcArmored string) (string, error) {
	dst, err := readSingleEntity(dstArmored)
	if err != nil {
		return "", err
	}
	src, err := readSingleEntity(srcArmored)
	if err != nil {
		return "", err
	}

	if !bytes.Equal(dst.PrimaryKey.Fingerprint[:], src.PrimaryKey.Fingerprint[:]) {
		return "", ErrMalformedKey
	}

	for name, id := range src.Identities {
		dstID, ok := dst.Identities[name]
		if !ok {
			dst.Identities[name] = id
			continue
		}
		if id.SelfSignature != nil {
			if dstID.SelfSignature == nil || id.SelfSignature.CreationTime.After(dstID.SelfSignature.CreationTime) {
				dstID.SelfSignature = id.SelfSignature
			}
		}
		known := make(map[string]bool, len(dstID.Signatures))
		for _, sig := range dstID.Signatures {
			b, err := serializeSignature(sig)
			if err != nil {
				continue
			}
			known[string(b)] = true
		}
		for _, sig := range id.Signatures {
			b, err := serializeSignature(sig)
			if err != nil || known[string(b)] {
				continue
			}
			dstID.Signatures = append(dstID.Signatures, sig)
		}
	}

	haveSubkey := make(map[string]bool, len(dst.Subkeys))
	for _, sk := range dst.Subkeys {
		haveSubkey[string(sk.PublicKey.Fingerprint[:])] = true
	}
	for i := range src.Subkeys {
		sk := src.Subkeys[i]
		if !haveSubkey[string(sk.PublicKey.Fingerprint[:])] {
			dst.Subkeys = append(dst.Subkeys, sk)
		}
	}

	knownRevocation := make(map[string]bool, len(dst.Revocations))
	for _, sig := range dst.Revocations {
		b, err := serializeSignature(sig)
		if err != nil {
			continue
		}
		knownRevocation[string(b)] = true
	}
	for _, sig := range src.Revocations {
		b, err := serializeSignature(sig)
		if err != nil || knownRevocation[string(b)] {
			continue
		}
		dst.Revocations = append(dst.Revocations, sig)
	}

	return armorEntity(dst)
}
