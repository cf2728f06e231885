package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/erichecan/AIrest/pkg/api/apierror"
)

// publicPaths are reachable without an operator token. The webhook carries
// its own signature.
var publicPaths = map[string]bool{
	"/health":  true,
	"/webhook": true,
}

// NewMiddleware creates bearer-token middleware. A nil validator rejects
// every non-public request.
func NewMiddleware(validator *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				apierror.WriteUnauthorized(w, r, "Missing Authorization header")
				return
			}
			scheme, token, ok := strings.Cut(header, " ")
			if !ok || scheme != "Bearer" {
				apierror.WriteUnauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if validator == nil {
				apierror.WriteUnauthorized(w, r, "Authentication not configured")
				return
			}
			p, err := validator.Validate(token)
			if err != nil {
				apierror.WriteUnauthorized(w, r, "Invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// DisabledMiddleware authenticates every request as a fixed development
// principal. It backs AUTH_DISABLED.
func DisabledMiddleware(p Principal) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := p
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), &principal)))
		})
	}
}

type requestIDKey struct{}

// RequestIDMiddleware injects X-Request-ID into the context and response,
// reusing the client's value when present.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// GetRequestID extracts the request id from ctx.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
