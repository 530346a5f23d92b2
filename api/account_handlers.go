package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/jmcleod/tollgate/identity"
	"github.com/jmcleod/tollgate/principal"
)

// ChangePassword handles POST /auth/password/change.
func (a *API) ChangePassword(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ChangePasswordRequest](w, r)
	if !ok {
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "current_password and new_password are required")
		return
	}

	h := sessionFromContext(r.Context())
	err := a.backend.CallWithRefresh(r.Context(), h, func(access string) error {
		return a.backend.ChangePassword(r.Context(), access, req.CurrentPassword, req.NewPassword)
	})
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditPasswordChanged, r, principalUserID(principal.FromContext(r.Context())))
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// ForgotPassword handles POST /auth/password/forgot. The answer is the same
// whether or not the email belongs to an account.
func (a *API) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ForgotPasswordRequest](w, r)
	if !ok {
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	if err := a.backend.ForgotPassword(r.Context(), email); err != nil && backendUnavailable(err) {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StatusResponse{Status: "ok"})
}

// ResetPassword handles POST /auth/password/reset.
func (a *API) ResetPassword(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ResetPasswordRequest](w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Token == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "email, token and new_password are required")
		return
	}
	if err := a.backend.ResetPassword(r.Context(), strings.TrimSpace(req.Email), req.Token, req.NewPassword); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// ConfirmEmail handles POST /auth/email/confirm.
func (a *API) ConfirmEmail(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ConfirmEmailRequest](w, r)
	if !ok {
		return
	}
	if req.UserID == uuid.Nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "user_id and token are required")
		return
	}
	if err := a.backend.ConfirmEmail(r.Context(), req.UserID, req.Token); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// SetupTwoFactor handles POST /auth/2fa/setup.
func (a *API) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	var setup identity.TwoFactorSetup
	h := sessionFromContext(r.Context())
	err := a.backend.CallWithRefresh(r.Context(), h, func(access string) error {
		var err error
		setup, err = a.backend.SetupTwoFactor(r.Context(), access)
		return err
	})
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TwoFactorSetupResponse{
		Secret:     setup.SecretBase32,
		OtpAuthURI: setup.OtpAuthURI,
	})
}

// EnableTwoFactor handles POST /auth/2fa/enable.
func (a *API) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	a.toggleTwoFactor(w, r, true)
}

// DisableTwoFactor handles POST /auth/2fa/disable.
func (a *API) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	a.toggleTwoFactor(w, r, false)
}

func (a *API) toggleTwoFactor(w http.ResponseWriter, r *http.Request, enable bool) {
	req, ok := decodeJSON[TwoFactorCodeRequest](w, r)
	if !ok {
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	call, event := a.backend.DisableTwoFactor, AuditTwoFactorDisabled
	if enable {
		call, event = a.backend.EnableTwoFactor, AuditTwoFactorEnabled
	}
	h := sessionFromContext(r.Context())
	err := a.backend.CallWithRefresh(r.Context(), h, func(access string) error {
		return call(r.Context(), access, code)
	})
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(event, r, principalUserID(principal.FromContext(r.Context())))
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}
