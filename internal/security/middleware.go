package security

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// SkipAuthForTest disables both middlewares below. DO NOT enable in
// production; it exists so handler tests don't need real signed requests
// or tokens.
var SkipAuthForTest = false

// PortalAuthMiddleware guards the portal trust boundary: HMAC signature,
// timestamp window, and nonce replay protection, then injects the
// authenticated client MAC into the request context.
func PortalAuthMiddleware(st Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if SkipAuthForTest {
				mac := r.Header.Get("X-Client-MAC")
				if mac == "" {
					http.Error(w, "missing client mac", http.StatusUnauthorized)
					return
				}
				ctx := context.WithValue(r.Context(), CtxKeyClientMAC, mac)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			body := readBodyAndRestore(r)

			if err := VerifyPortalSignature(r, body); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if err := ValidateTimestamp(r.Header.Get("X-Portal-Timestamp"), time.Now()); err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			if err := ValidateNonce(r.Context(), st, r.Header.Get("X-Portal-Nonce")); err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			mac := r.Header.Get("X-Client-MAC")
			if mac == "" {
				http.Error(w, "missing client mac", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), CtxKeyClientMAC, mac)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorAuthMiddleware guards Control API write operations: a valid
// Bearer JWT is required, and its subject is injected into the request
// context for audit attribution.
func OperatorAuthMiddleware(verifier *JWTVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if SkipAuthForTest {
				ctx := context.WithValue(r.Context(), CtxKeyOperatorID, "test-operator")
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			sub, err := verifier.Verify(strings.TrimPrefix(auth, prefix))
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), CtxKeyOperatorID, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func readBodyAndRestore(r *http.Request) []byte {
	if r.Body == nil {
		return nil
	}
	b, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(b))
	return b
}
