package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
)

var (
	ErrNotInitialized = errors.New("ace hmac not initialized")
	ErrInvalidSign    = errors.New("invalid hmac signature")
)

// VerifyPortalSignature checks an inbound request's X-Portal-* headers
// against the configured key set — the trust boundary spec.md §6's
// "operator bootstrap endpoints" assumes between the captive-portal
// façade and the ACE.
func VerifyPortalSignature(req *http.Request, body []byte) error {
	ks := PortalHMACProvider()
	if ks == nil {
		return ErrNotInitialized
	}

	kid := req.Header.Get("X-Portal-Kid")
	ts := req.Header.Get("X-Portal-Timestamp")
	nonce := req.Header.Get("X-Portal-Nonce")
	sign := req.Header.Get("X-Portal-Signature")

	if ts == "" || nonce == "" || sign == "" {
		return ErrInvalidSign
	}

	if kid == "" {
		kid = ks.CurrentKID
	}
	key, ok := ks.Keys[kid]
	if !ok || key == nil {
		return ErrInvalidSign
	}

	canonical := ts + "\n" + nonce + "\n" + CanonicalString(req, body)

	expectMAC := hmac.New(sha256.New, key)
	expectMAC.Write([]byte(canonical))
	expected := expectMAC.Sum(nil)

	actual, err := base64.StdEncoding.DecodeString(sign)
	if err != nil {
		return ErrInvalidSign
	}
	if !hmac.Equal(expected, actual) {
		return ErrInvalidSign
	}
	return nil
}
