package security

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
)

// CanonicalString is what gets HMAC-signed: method, path, raw query, and a
// hash of the body, newline-joined so method/path confusion can't forge a
// valid signature for a different request.
func CanonicalString(req *http.Request, body []byte) string {
	h := sha256.Sum256(body)
	bodyHash := hex.EncodeToString(h[:])

	return req.Method + "\n" +
		req.URL.Path + "\n" +
		req.URL.RawQuery + "\n" +
		bodyHash + "\n"
}
