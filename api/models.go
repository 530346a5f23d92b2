package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/tollgate/identity"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// RedirectResponse accompanies a 303 that sends the browser back to the
// login page.
type RedirectResponse struct {
	Error    string `json:"error"`
	Redirect string `json:"redirect"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type RegisterRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse reports either a completed sign-in ("ok") or a pending
// second factor ("2fa_required") together with where the client should go.
type LoginResponse struct {
	Status   string `json:"status"`
	Redirect string `json:"redirect,omitempty"`
}

type TwoFactorCodeRequest struct {
	Code string `json:"code"`
}

type TwoFactorPendingResponse struct {
	Pending bool   `json:"pending"`
	Email   string `json:"email,omitempty"`
}

type ExternalLoginRequest struct {
	Provider       string `json:"provider"`
	ProviderUserID string `json:"providerUserId"`
	Email          string `json:"email,omitempty"`
}

type SessionResponse struct {
	Authenticated bool     `json:"authenticated"`
	UserID        string   `json:"user_id,omitempty"`
	Email         string   `json:"email,omitempty"`
	Roles         []string `json:"roles"`
	IsAdmin       bool     `json:"is_admin"`
}

type MeResponse struct {
	ID          uuid.UUID  `json:"id"`
	Email       string     `json:"email"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	Roles       []string   `json:"roles"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

type ResetPasswordRequest struct {
	Email       string `json:"email"`
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type ConfirmEmailRequest struct {
	UserID uuid.UUID `json:"user_id"`
	Token  string    `json:"token"`
}

type TwoFactorSetupResponse struct {
	Secret     string `json:"secret"`
	OtpAuthURI string `json:"otpauth_uri"`
}

type UserResponse struct {
	ID               uuid.UUID  `json:"id"`
	Email            string     `json:"email"`
	Disabled         bool       `json:"disabled"`
	LockoutEnd       *time.Time `json:"lockout_end,omitempty"`
	EmailConfirmed   bool       `json:"email_confirmed"`
	TwoFactorEnabled bool       `json:"two_factor_enabled"`
	CreatedAt        time.Time  `json:"created_at"`
	LastLoginAt      *time.Time `json:"last_login_at,omitempty"`
}

func userResponse(u identity.User) UserResponse {
	return UserResponse{
		ID:               u.ID,
		Email:            u.Email,
		Disabled:         u.IsDisabled,
		LockoutEnd:       u.LockoutEnd,
		EmailConfirmed:   u.EmailConfirmed,
		TwoFactorEnabled: u.TwoFactorEnabled,
		CreatedAt:        u.CreatedAt,
		LastLoginAt:      u.LastLoginAt,
	}
}

type ListUsersResponse struct {
	Users []UserResponse `json:"users"`
	PaginationMeta
}

type UserRolesResponse struct {
	UserID uuid.UUID `json:"user_id"`
	Roles  []string  `json:"roles"`
}

type RoleRequest struct {
	Role string `json:"role"`
}

type CreateRoleRequest struct {
	Name string `json:"name"`
}

type ListRolesResponse struct {
	Roles []string `json:"roles"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SetPasswordRequest struct {
	Password string `json:"password"`
	Reason   string `json:"reason,omitempty"`
}

type IssueTokenResponse struct {
	Token string `json:"token"`
}

type LoginDiagnosticsRequest struct {
	Email string `json:"email"`
}

type LoginDiagnosticsResponse struct {
	Message string `json:"message"`
}

type AuditEntryResponse struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	ActorID   string    `json:"actor_id"`
	TargetID  string    `json:"target_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type ListAuditResponse struct {
	Entries []AuditEntryResponse `json:"entries"`
	PaginationMeta
}

type HealthResponse struct {
	Status string `json:"status"`
}
