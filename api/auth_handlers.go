package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmcleod/tollgate/gate"
	"github.com/jmcleod/tollgate/identity"
	"github.com/jmcleod/tollgate/internal/util"
	"github.com/jmcleod/tollgate/principal"
	"github.com/jmcleod/tollgate/token"
)

const (
	loginStatusOK       = "ok"
	loginStatus2FA      = "2fa_required"
	msgInvalidLogin     = "invalid credentials"
	msgRegistrationFail = "registration failed"
	msgLoginRateLimited = "too many failed login attempts; try again later"
	msgRateLimited      = "too many requests; try again later"
)

// backendUnavailable reports whether err is a transport failure or a 5xx,
// which must not count against the caller's rate limits.
func backendUnavailable(err error) bool {
	status := identity.StatusOf(err)
	return status == 0 || status >= 500
}

// Register handles POST /auth/register.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	clientIP := a.clientIP(r)
	if blocked, retryAfter := a.regGlobal.check(); blocked {
		a.audit.logFailure(AuditRegisterRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter, msgRateLimited)
		return
	}
	if blocked, retryAfter := a.regIP.check(clientIP); blocked {
		a.audit.logFailure(AuditRegisterRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter, msgRateLimited)
		return
	}

	req, ok := decodeJSON[RegisterRequest](w, r)
	if !ok {
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	if req.ConfirmPassword != "" && req.ConfirmPassword != req.Password {
		writeError(w, http.StatusBadRequest, "passwords do not match")
		return
	}

	a.regIP.record(clientIP)
	a.regGlobal.record()

	tokens, err := a.backend.Register(r.Context(), email, req.Password)
	if err != nil {
		if backendUnavailable(err) {
			mapError(w, err)
			return
		}
		a.audit.logFailure(AuditRegister, r, "backend rejected registration",
			slog.Int("status", identity.StatusOf(err)))
		// Validation details are safe to show; anything else (such as a
		// duplicate account) is collapsed so registration does not reveal
		// which emails exist.
		msg := msgRegistrationFail
		if identity.StatusOf(err) == http.StatusBadRequest {
			msg = err.Error()
		}
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	p, ok := a.signIn(w, r, tokens, email)
	if !ok {
		return
	}
	a.audit.logEvent(AuditRegister, r, principalUserID(p))
	writeJSON(w, http.StatusCreated, LoginResponse{Status: loginStatusOK})
}

// Login handles POST /auth/login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginRequest](w, r)
	if !ok {
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	account := util.NormalizeEmail(email)
	clientIP := a.clientIP(r)
	if blocked, retryAfter := a.login.check(account, clientIP); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "rate limited",
			slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter, msgLoginRateLimited)
		return
	}

	res, err := a.backend.Login(r.Context(), email, req.Password)
	if err != nil {
		if backendUnavailable(err) {
			a.logger.Error("login: identity backend unavailable", "error", err)
			mapError(w, err)
			return
		}
		a.login.failure(account, clientIP)
		a.audit.logFailure(AuditLoginFailure, r, "backend rejected credentials",
			slog.Int("status", identity.StatusOf(err)))
		writeError(w, http.StatusUnauthorized, msgInvalidLogin)
		return
	}

	if res.RequiresTwoFactor() {
		h, err := a.startSession(w, r)
		if err != nil {
			mapError(w, err)
			return
		}
		h.SetChallenge(res.ChallengeToken, email)
		a.audit.logFailure(AuditTwoFactorRequired, r, "second factor required")
		writeJSON(w, http.StatusOK, LoginResponse{Status: loginStatus2FA, Redirect: a.twoFactorPath()})
		return
	}

	p, ok := a.signIn(w, r, *res.Tokens, email)
	if !ok {
		return
	}
	a.login.success(account, clientIP)
	a.audit.logEvent(AuditLoginSuccess, r, principalUserID(p))
	writeJSON(w, http.StatusOK, LoginResponse{Status: loginStatusOK})
}

// TwoFactorPending handles GET /auth/login/2fa.
func (a *API) TwoFactorPending(w http.ResponseWriter, r *http.Request) {
	h := sessionFromContext(r.Context())
	ch, ok := h.Challenge()
	if !ok {
		a.redirectToLogin(w, identity.ErrChallengeMissing)
		return
	}
	if h.IsChallengeExpired(a.challengeMaxAge) {
		h.ClearChallenge()
		a.audit.logFailure(AuditTwoFactorExpired, r, "challenge expired")
		a.redirectToLogin(w, identity.ErrChallengeExpired)
		return
	}
	writeJSON(w, http.StatusOK, TwoFactorPendingResponse{Pending: true, Email: ch.Email})
}

// CompleteTwoFactor handles POST /auth/login/2fa. The challenge age is
// checked before the backend is contacted.
func (a *API) CompleteTwoFactor(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[TwoFactorCodeRequest](w, r)
	if !ok {
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	h := sessionFromContext(r.Context())
	ch, ok := h.Challenge()
	if !ok {
		a.audit.logFailure(AuditTwoFactorFailure, r, "no pending challenge")
		a.redirectToLogin(w, identity.ErrChallengeMissing)
		return
	}
	if h.IsChallengeExpired(a.challengeMaxAge) {
		h.ClearChallenge()
		a.audit.logFailure(AuditTwoFactorExpired, r, "challenge expired")
		a.redirectToLogin(w, identity.ErrChallengeExpired)
		return
	}

	if blocked, retryAfter := a.twoFactor.check(h.ID()); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "2fa rate limited")
		writeRateLimited(w, retryAfter, msgLoginRateLimited)
		return
	}

	tokens, err := a.backend.CompleteTwoFactor(r.Context(), ch.Token, code)
	if err != nil {
		if backendUnavailable(err) {
			mapError(w, err)
			return
		}
		a.twoFactor.record(h.ID())
		a.audit.logFailure(AuditTwoFactorFailure, r, "backend rejected code",
			slog.Int("status", identity.StatusOf(err)))
		writeError(w, http.StatusUnauthorized, "invalid verification code")
		return
	}
	a.twoFactor.reset(h.ID())

	p, ok := a.signIn(w, r, tokens, ch.Email)
	if !ok {
		return
	}
	a.login.success(util.NormalizeEmail(ch.Email), a.clientIP(r))
	a.audit.logEvent(AuditTwoFactorSuccess, r, principalUserID(p))
	writeJSON(w, http.StatusOK, LoginResponse{Status: loginStatusOK})
}

// ExternalLogin handles POST /auth/external-login: an identity asserted by
// an external provider is exchanged with the backend, and the returned
// access token is validated before the session is signed in.
func (a *API) ExternalLogin(w http.ResponseWriter, r *http.Request) {
	if a.external == nil {
		writeError(w, http.StatusNotFound, "external login is not enabled")
		return
	}
	req, ok := decodeJSON[ExternalLoginRequest](w, r)
	if !ok {
		return
	}
	if req.Provider == "" || req.ProviderUserID == "" {
		writeError(w, http.StatusBadRequest, "provider and providerUserId are required")
		return
	}

	clientIP := a.clientIP(r)
	if blocked, retryAfter := a.login.ip.check(clientIP); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter, msgLoginRateLimited)
		return
	}

	h, err := a.startSession(w, r)
	if err != nil {
		mapError(w, err)
		return
	}
	p, err := a.external.SignIn(r.Context(), h, req.Provider, req.ProviderUserID, req.Email)
	if err != nil {
		h.Destroy()
		clearSessionCookie(w, r)
		clearCSRFCookie(w, r)

		provider := slog.String("provider", req.Provider)
		switch {
		case errors.Is(err, principal.ErrAccountDisabled):
			a.audit.logFailure(AuditExternalLoginFailure, r, "account disabled", provider)
			writeError(w, http.StatusForbidden, "This account has been disabled.")
		case errors.Is(err, token.ErrInvalidToken),
			errors.Is(err, token.ErrMissingSubject),
			errors.Is(err, principal.ErrUnknownAccount),
			errors.Is(err, principal.ErrEmailUnresolved):
			a.login.ip.record(clientIP)
			a.audit.logFailure(AuditExternalLoginFailure, r, err.Error(), provider)
			writeError(w, http.StatusUnauthorized, "external sign-in failed")
		case !backendUnavailable(err):
			// Unlinked or rejected identity; not distinguished to the caller.
			a.login.ip.record(clientIP)
			a.audit.logFailure(AuditExternalLoginFailure, r, "backend rejected exchange", provider,
				slog.Int("status", identity.StatusOf(err)))
			writeError(w, http.StatusUnauthorized, "external sign-in failed")
		default:
			a.logger.Error("external login failed", "provider", req.Provider, "error", err)
			mapError(w, err)
		}
		return
	}

	a.audit.logEvent(AuditExternalLoginSuccess, r, principalUserID(p),
		slog.String("provider", req.Provider))
	writeJSON(w, http.StatusOK, LoginResponse{Status: loginStatusOK})
}

// Logout handles POST /auth/logout. Backend revocation is best-effort; the
// local session is always destroyed.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	h := sessionFromContext(r.Context())
	userID := principalUserID(principal.FromContext(r.Context()))
	a.backend.Logout(r.Context(), h.RefreshToken())
	a.endSession(w, r)
	if userID != "" {
		a.audit.logEvent(AuditLogout, r, userID)
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: loginStatusOK})
}

// Session handles GET /auth/session. It reads only local state and the role
// cache.
func (a *API) Session(w http.ResponseWriter, r *http.Request) {
	p := principal.FromContext(r.Context())
	resp := SessionResponse{
		Authenticated: p.IsAuthenticated(),
		Roles:         p.Roles(),
	}
	if resp.Roles == nil {
		resp.Roles = []string{}
	}
	if resp.Authenticated {
		resp.UserID = principalUserID(p)
		resp.Email = p.Email()
		resp.IsAdmin = gate.Check(r.Context(), a.gate, sessionFromContext(r.Context())) == nil
	}
	writeJSON(w, http.StatusOK, resp)
}

// Me handles GET /auth/me, refreshing the access token when needed.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	h := sessionFromContext(r.Context())
	profile, err := a.backend.MeWithRefresh(r.Context(), h)
	if err != nil {
		if identity.IsNotAuthenticated(err) {
			a.audit.logFailure(AuditRefreshFailed, r, err.Error())
		}
		mapError(w, err)
		return
	}
	roles := principal.FromContext(r.Context()).Roles()
	if roles == nil {
		roles = []string{}
	}
	writeJSON(w, http.StatusOK, MeResponse{
		ID:          profile.ID,
		Email:       profile.Email,
		CreatedAt:   profile.CreatedAt,
		LastLoginAt: profile.LastLoginAt,
		Roles:       roles,
	})
}

// signIn rotates the session and signs it in with a freshly issued pair.
// On failure the new session is discarded and the response written.
func (a *API) signIn(w http.ResponseWriter, r *http.Request, tokens identity.AuthTokens, loginEmail string) (*principal.Principal, bool) {
	h, err := a.startSession(w, r)
	if err != nil {
		mapError(w, err)
		return nil, false
	}
	p, err := principal.SignInFromTokens(r.Context(), h, a.backend, tokens, loginEmail)
	if err != nil {
		h.Destroy()
		clearSessionCookie(w, r)
		clearCSRFCookie(w, r)
		a.logger.Error("sign-in: resolving user failed", "error", err)
		mapError(w, err)
		return nil, false
	}
	return p, true
}

func (a *API) twoFactorPath() string {
	return strings.TrimSuffix(a.loginPath, "/") + "/2fa"
}

// redirectToLogin answers 303 towards the login page with a JSON body for
// clients that do not follow redirects.
func (a *API) redirectToLogin(w http.ResponseWriter, err error) {
	w.Header().Set("Location", a.loginPath)
	writeJSON(w, http.StatusSeeOther, RedirectResponse{Error: err.Error(), Redirect: a.loginPath})
}

func principalUserID(p *principal.Principal) string {
	if id, ok := p.UserID(); ok {
		return id.String()
	}
	return ""
}
