package keyserver

import (
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/openpgp"
)

// WriteIndex writes on w a machine readable index of the armored key.
// The format follows the one described in the HKP draft
// https://tools.ietf.org/html/draft-shaw-openpgp-hkp-00#section-5.2
func WriteIndex(w io.Writer, armored string) error {
	el, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "info:1:%d\n", len(el)); err != nil {
		return err
	}

	for _, e := range el {
		if err := printEntity(w, e); err != nil {
			return err
		}
	}

	return nil
}

func printEntity(w io.Writer, e *openpgp.Entity) error {
	key := e.PrimaryKey

	bitLength, err := key.BitLength()
	if err != nil {
		return err
	}

	var selfSig *openpgp.Identity
	for _, id := range e.Identities {
		if id.SelfSignature == nil {
			continue
		}
		if id.SelfSignature.IsPrimaryId != nil && *id.SelfSignature.IsPrimaryId {
			selfSig = id
			break
		}
		selfSig = id
	}

	ct := uint64(key.CreationTime.Unix())
	expiration := ""
	flags := ""
	if selfSig != nil {
		if selfSig.SelfSignature.KeyLifetimeSecs != nil {
			expiration = fmt.Sprint(ct + uint64(*selfSig.SelfSignature.KeyLifetimeSecs))
		}
		if selfSig.SelfSignature.SigExpired(time.Now()) {
			flags += "e"
		}
	}
	if len(e.Revocations) > 0 {
		flags += "r"
	}

	_, err = fmt.Fprintf(
		w,
		"pub:%X:%d:%d:%d:%s:%s\n",
		key.Fingerprint[:], key.PubKeyAlgo, bitLength, ct, expiration, flags,
	)
	if err != nil {
		return err
	}

	for _, id := range e.Identities {
		if id.SelfSignature == nil {
			continue
		}

		uidCt := uint64(id.SelfSignature.CreationTime.Unix())
		uidExpiration := ""
		if id.SelfSignature.SigLifetimeSecs != nil {
			uidExpiration = fmt.Sprint(uidCt + uint64(*id.SelfSignature.SigLifetimeSecs))
		}
		uidFlags := ""
		if id.SelfSignature.SigExpired(time.Now()) {
			uidFlags += "e"
		}

		_, err := fmt.Fprintf(
			w,
			"uid:%s:%d:%s:%s\n",
			strings.ReplaceAll(id.Name, ":", "%3A"), uidCt, uidExpiration, uidFlags,
		)
		if err != nil {
			return err
		}
	}

	return nil
}
