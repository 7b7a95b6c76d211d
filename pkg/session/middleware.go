package session

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Middleware authenticates requests carrying "Authorization: Bearer <token>"
// and stores the session in the request context. Requests without a valid
// token are rejected with 401.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if !ok {
			unauthorized(w)
			return
		}
		sess, err := m.Validate(r.Context(), token)
		if err != nil {
			unauthorized(w)
			return
		}
		defer sess.Close()
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
	})
}

// BearerToken extracts the bearer token from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(auth[len(prefix):])
	return token, token != ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="plansync"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": ErrAuthenticationRequired.Error()})
}
