package middleware

import (
	"net/http"
	"strings"

	"github.com/kiranshivaraju/matchflow/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

const (
	keyPrefixLen = 8
	actorHeader  = "X-Actor"
)

// Auth checks the bearer API key against a bcrypt hash. Without a
// configured hash every request is let through.
type Auth struct {
	keyHash []byte
}

// NewAuth creates a new Auth middleware. An empty hash disables authentication.
func NewAuth(keyHash string) *Auth {
	a := &Auth{}
	if keyHash != "" {
		a.keyHash = []byte(keyHash)
	}
	return a
}

// Enabled reports whether requests must carry an API key.
func (a *Auth) Enabled() bool { return a.keyHash != nil }

// Authenticate validates the Bearer token and sets the key prefix and the
// actor in the request context. The actor is taken from X-Actor when
// present, otherwise from the key prefix.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get(actorHeader))

		if !a.Enabled() {
			next.ServeHTTP(w, r.WithContext(SetActor(r.Context(), actor)))
			return
		}

		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if len(rawKey) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key format", nil)
			return
		}

		if bcrypt.CompareHashAndPassword(a.keyHash, []byte(rawKey)) != nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}

		prefix := rawKey[:keyPrefixLen]
		if actor == "" {
			actor = "key:" + prefix
		}
		ctx := setKeyPrefix(r.Context(), prefix)
		ctx = SetActor(ctx, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
