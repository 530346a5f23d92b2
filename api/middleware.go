package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/tollgate/gate"
	"github.com/jmcleod/tollgate/internal/util"
	"github.com/jmcleod/tollgate/principal"
	"github.com/jmcleod/tollgate/session"
)

type contextKey int

const sessionKey contextKey = iota

const (
	sessionCookieName = "tollgate_session"
	sessionIDBytes    = 32
)

// SessionMiddleware binds a session.Handle to the request. A missing or
// malformed cookie gets a handle on a fresh id that is only ever sent to the
// browser by startSession.
func (a *API) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ""
		if c, err := r.Cookie(sessionCookieName); err == nil && validSessionID(c.Value) {
			id = c.Value
		}
		if id == "" {
			fresh, err := util.RandomToken(sessionIDBytes)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			id = fresh
		}

		h := a.newHandle(id)
		if h.Exists() {
			h.Touch()
		}
		ctx := context.WithValue(r.Context(), sessionKey, h)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PrincipalMiddleware rebuilds the principal from the session and attaches
// the current roles layer.
func (a *API) PrincipalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principal.Anonymous()
		if h := sessionFromContext(r.Context()); h != nil {
			p = a.augmenter.Augment(r.Context(), principal.FromSession(h))
		}
		next.ServeHTTP(w, r.WithContext(principal.WithPrincipal(r.Context(), p)))
	})
}

// RequireAuth rejects requests without a signed-in principal.
func (a *API) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !principal.FromContext(r.Context()).IsAuthenticated() {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// gateSession adapts the request session for gate.Require. The nil check
// keeps a nil *session.Handle from becoming a non-nil interface.
func (a *API) gateSession(r *http.Request) gate.Session {
	h := sessionFromContext(r.Context())
	if h == nil {
		return nil
	}
	return h
}

func (a *API) onAdminDenied(r *http.Request) {
	userID := ""
	if id, ok := principal.FromContext(r.Context()).UserID(); ok {
		userID = id.String()
	}
	a.audit.logEvent(AuditAdminDenied, r, userID,
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)
}

func (a *API) newHandle(id string) *session.Handle {
	return session.NewHandle(id, a.store,
		session.WithHandleClock(a.now),
		session.WithLifetime(a.sessionLifetime),
	)
}

// startSession discards the request's current session and issues a new id
// with fresh session and CSRF cookies. Every sign-in step goes through here
// so a session id is never reused across an authentication boundary.
func (a *API) startSession(w http.ResponseWriter, r *http.Request) (*session.Handle, error) {
	if old := sessionFromContext(r.Context()); old != nil {
		old.Destroy()
	}
	id, err := util.RandomToken(sessionIDBytes)
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}
	writeSessionCookie(w, r, id, a.now().Add(a.sessionLifetime))
	writeCSRFCookie(w, r)
	return a.newHandle(id), nil
}

// endSession destroys the session and expires both cookies.
func (a *API) endSession(w http.ResponseWriter, r *http.Request) {
	if h := sessionFromContext(r.Context()); h != nil {
		h.Destroy()
	}
	clearSessionCookie(w, r)
	clearCSRFCookie(w, r)
}

func sessionFromContext(ctx context.Context) *session.Handle {
	h, _ := ctx.Value(sessionKey).(*session.Handle)
	return h
}

func validSessionID(v string) bool {
	if v == "" || len(v) > 128 {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(v)
	return err == nil
}

func writeSessionCookie(w http.ResponseWriter, r *http.Request, id string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
