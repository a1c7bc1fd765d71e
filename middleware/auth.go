package middleware

import (
	"canvas-sync/auth"
	"canvas-sync/core"
	"net/http"
	"strings"

	"github.com/go-chi/render"
)

type errorBody struct {
	Kind    core.ErrorKind `json:"kind"`
	Message string         `json:"message"`
}

// AuthJWT guards the fallback request path: requests without a verifiable
// bearer token are rejected before they reach a handler. The engine still
// verifies the token carried in each request, so this is an early gate, not
// the source of identity. Rejections carry the same kind-tagged body the
// handlers emit — a bad credential must surface as permission_denied to the
// caller, never as a retryable generic failure.
func AuthJWT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			reject(w, r, "authorization header is required")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			reject(w, r, "authorization header format must be Bearer {token}")
			return
		}

		if _, err := auth.Verify(parts[1]); err != nil {
			reject(w, r, err.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func reject(w http.ResponseWriter, r *http.Request, message string) {
	render.Status(r, http.StatusUnauthorized)
	render.JSON(w, r, errorBody{Kind: core.KindPermissionDenied, Message: message})
}
