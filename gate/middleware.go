package gate

import (
	"encoding/json"
	"net/http"
)

// Require returns middleware that runs g before the wrapped handler. sessionOf
// extracts the request's session; a nil session is denied. Denials answer
// 403 with a JSON body and call onDeny, if set, first.
func Require(g Gate, sessionOf func(*http.Request) Session, onDeny func(*http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := sessionOf(r)
			if sess == nil || Check(r.Context(), g, sess) != nil {
				if onDeny != nil {
					onDeny(r)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": ErrForbidden.Error()})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
