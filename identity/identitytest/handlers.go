package identitytest

import (
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jmcleod/tollgate/internal/util"
)

func (b *Backend) bearer(next func(http.ResponseWriter, *http.Request, *User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		b.mu.Lock()
		id, live := b.access[tok]
		u := b.users[id]
		b.mu.Unlock()
		if !ok || !live || u == nil {
			problem(w, http.StatusUnauthorized, "Access token is invalid or expired.")
			return
		}
		next(w, r, u)
	}
}

func (b *Backend) requireService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+ServiceToken {
			problem(w, http.StatusUnauthorized, "Service token required.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) withUser(next func(http.ResponseWriter, *http.Request, *User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		b.mu.Lock()
		u := b.users[id]
		b.mu.Unlock()
		if err != nil || u == nil {
			problem(w, http.StatusNotFound, "User not found.")
			return
		}
		next(w, r, u)
	}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (b *Backend) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decode(w, r, &req) {
		return
	}
	if req.Email == "" || len(req.Password) < 8 {
		problem(w, http.StatusBadRequest, "Email and a password of at least 8 characters are required.")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.findByEmailLocked(req.Email) != nil {
		problem(w, http.StatusConflict, "Registration failed.")
		return
	}
	u := b.addUserLocked(req.Email, req.Password)
	writeJSON(w, http.StatusOK, b.issueLocked(u))
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decode(w, r, &req) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	u := b.findByEmailLocked(req.Email)
	if u == nil || u.Password != req.Password || u.Disabled || (u.LockoutEnd != nil && u.LockoutEnd.After(b.now())) {
		problem(w, http.StatusUnauthorized, "Invalid credentials.")
		return
	}
	if u.TwoFactorCode != "" {
		tok, _ := util.RandomToken(24)
		b.challenges[tok] = challenge{userID: u.ID}
		writeJSON(w, http.StatusOK, map[string]any{"requiresTwoFactor": true, "challengeToken": tok})
		return
	}
	writeJSON(w, http.StatusOK, b.issueLocked(u))
}

func (b *Backend) handleLogin2FA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChallengeToken string `json:"challengeToken"`
		Code           string `json:"code"`
	}
	if !decode(w, r, &req) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.challenges[req.ChallengeToken]
	if !ok {
		problem(w, http.StatusUnauthorized, "Challenge is invalid or expired.")
		return
	}
	u := b.users[ch.userID]
	if u == nil || req.Code != u.TwoFactorCode {
		problem(w, http.StatusUnauthorized, "Invalid two-factor code.")
		return
	}
	delete(b.challenges, req.ChallengeToken)
	writeJSON(w, http.StatusOK, b.issueLocked(u))
}

func (b *Backend) handleExternalLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider       string `json:"provider"`
		ProviderUserID string `json:"providerUserId"`
		Email          string `json:"email"`
	}
	if !decode(w, r, &req) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	u := b.users[b.links[linkKey(req.Provider, req.ProviderUserID)]]
	if u == nil {
		problem(w, http.StatusUnauthorized, "External login not linked.")
		return
	}
	// Disabled accounts still get tokens here; the caller checks the account.
	writeJSON(w, http.StatusOK, b.issueLocked(u))
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decode(w, r, &req) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.refresh[req.RefreshToken]
	u := b.users[id]
	if !ok || u == nil || u.Disabled {
		problem(w, http.StatusUnauthorized, "Refresh token is invalid or expired.")
		return
	}
	delete(b.refresh, req.RefreshToken)
	writeJSON(w, http.StatusOK, b.issueLocked(u))
}

func (b *Backend) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decode(w, r, &req) {
		return
	}
	b.mu.Lock()
	delete(b.refresh, req.RefreshToken)
	b.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (b *Backend) handleMe(w http.ResponseWriter, _ *http.Request, u *User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          u.ID,
		"email":       u.Email,
		"createdAt":   u.CreatedAt,
		"lastLoginAt": u.LastLoginAt,
	})
}

func (b *Backend) handleChangePassword(w http.ResponseWriter, r *http.Request, u *User) {
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if !decode(w, r, &req) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if req.CurrentPassword != u.Password {
		problem(w, http.StatusBadRequest, "Current password is incorrect.")
		return
	}
	u.Password = req.NewPassword
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &req) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if u := b.findByEmailLocked(req.Email); u != nil {
		tok, _ := util.RandomToken(16)
		b.issued["password-reset:"+u.ID.String()] = tok
	}
	w.WriteHeader(http.StatusAccepted)
}

func (b *Backend) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if !decode(w, r, &req) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	u := b.findByEmailLocked(req.Email)
	key := ""
	if u != nil {
		key = "password-reset:" + u.ID.String()
	}
	if u == nil || req.Token == "" || b.issued[key] != req.Token {
		problem(w, http.StatusBadRequest, "Invalid or expired reset token.")
		return
	}
	delete(b.issued, key)
	u.Password = req.NewPassword
	b.revokeLocked(u.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleConfirmEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID uuid.UUID `json:"userId"`
		Token  string    `json:"token"`
	}
	if !decode(w, r, &req) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := "email-confirmation:" + req.UserID.String()
	u := b.users[req.UserID]
	if u == nil || req.Token == "" || b.issued[key] != req.Token {
		problem(w, http.StatusBadRequest, "Invalid confirmation token.")
		return
	}
	delete(b.issued, key)
	u.EmailConfirmed = true
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleSetup2FA(w http.ResponseWriter, _ *http.Request, u *User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.issued["2fa-setup:"+u.ID.String()] = "123456"
	writeJSON(w, http.StatusOK, map[string]string{
		"secretBase32": "JBSWY3DPEHPK3PXP",
		"otpAuthUri":   "otpauth://totp/identitytest:" + u.Email + "?secret=JBSWY3DPEHPK3PXP",
	})
}

func (b *Backend) handleEnable2FA(w http.ResponseWriter, r *http.Request, u *User) {
	var req struct {
		Code string `json:"code"`
	}
	if !decode(w, r, &req) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := "2fa-setup:" + u.ID.String()
	pending, ok := b.issued[key]
	if !ok || req.Code != pending {
		problem(w, http.StatusBadRequest, "Invalid two-factor code.")
		return
	}
	delete(b.issued, key)
	u.TwoFactorCode = pending
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleDisable2FA(w http.ResponseWriter, r *http.Request, u *User) {
	var req struct {
		Code string `json:"code"`
	}
	if !decode(w, r, &req) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if u.TwoFactorCode == "" || req.Code != u.TwoFactorCode {
		problem(w, http.StatusBadRequest, "Invalid two-factor code.")
		return
	}
	u.TwoFactorCode = ""
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleListUsers(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]any, 0, len(b.users))
	for _, u := range b.users {
		out = append(out, userView(u))
	}
	slices.SortFunc(out, func(a, c map[string]any) int {
		return strings.Compare(a["email"].(string), c["email"].(string))
	})
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email          string `json:"email"`
		Password       string `json:"password"`
		EmailConfirmed bool   `json:"emailConfirmed"`
	}
	if !decode(w, r, &req) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.findByEmailLocked(req.Email) != nil {
		problem(w, http.StatusConflict, "A user with that email already exists.")
		return
	}
	u := b.addUserLocked(req.Email, req.Password)
	u.EmailConfirmed = req.EmailConfirmed
	writeJSON(w, http.StatusCreated, userView(u))
}

func (b *Backend) handleUserByEmail(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u := b.findByEmailLocked(r.URL.Query().Get("email"))
	if u == nil {
		problem(w, http.StatusNotFound, "User not found.")
		return
	}
	writeJSON(w, http.StatusOK, userView(u))
}

func (b *Backend) handleGetUser(w http.ResponseWriter, _ *http.Request, u *User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	writeJSON(w, http.StatusOK, userView(u))
}

func (b *Backend) handleUserRoles(w http.ResponseWriter, _ *http.Request, u *User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	writeJSON(w, http.StatusOK, sortedRoles(u.Roles))
}

func (b *Backend) handleAssignRole(w http.ResponseWriter, r *http.Request, u *User) {
	var req struct {
		Role string `json:"role"`
	}
	if !decode(w, r, &req) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.roles[req.Role] {
		problem(w, http.StatusBadRequest, "Role does not exist.")
		return
	}
	u.Roles[req.Role] = true
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleRemoveRole(w http.ResponseWriter, r *http.Request, u *User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(u.Roles, chi.URLParam(r, "role"))
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleDisable(w http.ResponseWriter, _ *http.Request, u *User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u.Disabled = true
	b.revokeLocked(u.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleEnable(w http.ResponseWriter, _ *http.Request, u *User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u.Disabled = false
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleRevoke(w http.ResponseWriter, _ *http.Request, u *User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revokeLocked(u.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleSetPassword(w http.ResponseWriter, r *http.Request, u *User) {
	var req struct {
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	u.Password = req.Password
	b.revokeLocked(u.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleIssueToken(w http.ResponseWriter, r *http.Request, u *User) {
	kind := chi.URLParam(r, "kind")
	tok, _ := util.RandomToken(16)
	b.mu.Lock()
	b.issued[kind+":"+u.ID.String()] = tok
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"token": tok})
}

func (b *Backend) handleListRoles(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	writeJSON(w, http.StatusOK, sortedRoles(b.roles))
}

func (b *Backend) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decode(w, r, &req) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if strings.TrimSpace(req.Name) == "" {
		problem(w, http.StatusBadRequest, "Role name is required.")
		return
	}
	if b.roles[req.Name] {
		problem(w, http.StatusConflict, "Role already exists.")
		return
	}
	b.roles[req.Name] = true
	w.WriteHeader(http.StatusCreated)
}

func (b *Backend) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.roles[name] {
		problem(w, http.StatusNotFound, "Role not found.")
		return
	}
	delete(b.roles, name)
	for _, u := range b.users {
		delete(u.Roles, name)
	}
	w.WriteHeader(http.StatusNoContent)
}
