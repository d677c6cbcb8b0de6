package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AdminAuth guards admin routes with a bcrypt-hashed password sent as
// "Authorization: Bearer <password>". An empty hash disables the routes.
func AdminAuth(passwordHash string) func(http.Handler) http.Handler {
	hash := []byte(strings.TrimSpace(passwordHash))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if len(hash) == 0 {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"error":"admin api disabled"}`))
				return
			}

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="kozy-admin"`)
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"missing credentials"}`))
				return
			}
			if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
				slog.Warn("admin auth rejected", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"invalid credentials"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
