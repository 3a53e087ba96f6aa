package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	storeerr "github.com/bleepstore/chunkvault/internal/errors"
	"github.com/bleepstore/chunkvault/internal/wire"
)

// skipPaths do not require a signature.
var skipPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
	"/docs":    true,
	"/openapi": true,
}

func skipped(path string) bool {
	return skipPaths[path] || strings.HasPrefix(path, "/docs/") || strings.HasPrefix(path, "/openapi.")
}

// Middleware enforces SigV4 on every request except health, metrics and
// API docs. The verified access key is stored with WithCaller.
func Middleware(verifier *SigV4Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipped(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if !HasSignature(r) {
				wire.WriteError(w, r, storeerr.Unauthenticated(r.URL.Path, "missing SigV4 Authorization header"))
				return
			}
			caller, err := verifier.VerifyRequest(r)
			if err != nil {
				writeAuthError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// writeAuthError renders a verification failure as Unauthenticated.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *AuthError
	if !errors.As(err, &ae) {
		wire.WriteError(w, r, err)
		return
	}
	slog.Debug("authentication failed", "path", r.URL.Path, "code", ae.Code, "reason", ae.Message)
	switch ae.Code {
	case "InternalError":
		wire.WriteError(w, r, storeerr.Generic("%s", ae.Message))
	case "RequestTooLarge":
		wire.WriteError(w, r, storeerr.Precondition(r.URL.Path, ae.Message))
	default:
		wire.WriteError(w, r, storeerr.Unauthenticated(r.URL.Path, ae.Code+": "+ae.Message))
	}
}
