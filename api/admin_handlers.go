package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jmcleod/tollgate/identity"
	"github.com/jmcleod/tollgate/principal"
)

const msgNoRestriction = "No sign-in restriction applies to this account."

// ListUsers handles GET /admin/users. An email query narrows the result to
// that account.
func (a *API) ListUsers(w http.ResponseWriter, r *http.Request) {
	var users []identity.User
	if email := strings.TrimSpace(r.URL.Query().Get("email")); email != "" {
		u, err := a.backend.FindUserByEmail(r.Context(), email)
		switch {
		case errors.Is(err, identity.ErrUserNotFound):
		case err != nil:
			mapError(w, err)
			return
		default:
			users = append(users, u)
		}
	} else {
		var err error
		if users, err = a.backend.ListUsers(r.Context()); err != nil {
			mapError(w, err)
			return
		}
	}

	page, meta := paginate(r, users)
	resp := ListUsersResponse{Users: make([]UserResponse, 0, len(page)), PaginationMeta: meta}
	for _, u := range page {
		resp.Users = append(resp.Users, userResponse(u))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetUser handles GET /admin/users/{userID}.
func (a *API) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	u, err := a.backend.GetUser(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse(u))
}

// GetUserRoles handles GET /admin/users/{userID}/roles. It reads the
// backend directly rather than the role cache.
func (a *API) GetUserRoles(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	roles, err := a.backend.UserRoles(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	if roles == nil {
		roles = []string{}
	}
	writeJSON(w, http.StatusOK, UserRolesResponse{UserID: id, Roles: roles})
}

// AssignRole handles POST /admin/users/{userID}/roles.
func (a *API) AssignRole(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSON[RoleRequest](w, r)
	if !ok {
		return
	}
	role := strings.TrimSpace(req.Role)
	if role == "" {
		writeError(w, http.StatusBadRequest, "role is required")
		return
	}
	if err := a.backend.AssignRole(r.Context(), id, role); err != nil {
		mapError(w, err)
		return
	}
	a.afterRoleChange(r, id, "role assigned: "+role)
	a.recordAdmin(r, AuditRoleAssigned, id.String(), role)
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// RemoveRole handles DELETE /admin/users/{userID}/roles/{role}.
func (a *API) RemoveRole(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	role, ok := pathParam(w, r, "role")
	if !ok {
		return
	}
	if err := a.backend.RemoveRole(r.Context(), id, role); err != nil {
		mapError(w, err)
		return
	}
	a.afterRoleChange(r, id, "role removed: "+role)
	a.recordAdmin(r, AuditRoleRemoved, id.String(), role)
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// afterRoleChange evicts the cached roles and revokes the user's refresh
// tokens so other sessions pick up the change. Revocation failure is logged
// only: the role change itself has already been applied.
func (a *API) afterRoleChange(r *http.Request, id uuid.UUID, reason string) {
	a.roles.Invalidate(id)
	if err := a.backend.RevokeSessions(r.Context(), id, reason); err != nil {
		a.logger.Warn("revoking sessions after role change failed", "user_id", id, "error", err)
	}
}

// DisableUser handles POST /admin/users/{userID}/disable.
func (a *API) DisableUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	req, ok := decodeOptionalJSON[ReasonRequest](w, r)
	if !ok {
		return
	}
	if err := a.backend.DisableUser(r.Context(), id, req.Reason); err != nil {
		mapError(w, err)
		return
	}
	a.roles.Invalidate(id)
	a.recordAdmin(r, AuditUserDisabled, id.String(), req.Reason)
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// EnableUser handles POST /admin/users/{userID}/enable.
func (a *API) EnableUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	if err := a.backend.EnableUser(r.Context(), id); err != nil {
		mapError(w, err)
		return
	}
	a.roles.Invalidate(id)
	a.recordAdmin(r, AuditUserEnabled, id.String(), "")
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// RevokeSessions handles POST /admin/users/{userID}/sessions/revoke.
func (a *API) RevokeSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	req, ok := decodeOptionalJSON[ReasonRequest](w, r)
	if !ok {
		return
	}
	if err := a.backend.RevokeSessions(r.Context(), id, req.Reason); err != nil {
		mapError(w, err)
		return
	}
	a.recordAdmin(r, AuditSessionsRevoked, id.String(), req.Reason)
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// SetUserPassword handles POST /admin/users/{userID}/password.
func (a *API) SetUserPassword(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSON[SetPasswordRequest](w, r)
	if !ok {
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "password is required")
		return
	}
	if err := a.backend.SetPassword(r.Context(), id, req.Password, req.Reason); err != nil {
		mapError(w, err)
		return
	}
	a.roles.Invalidate(id)
	a.recordAdmin(r, AuditPasswordSet, id.String(), req.Reason)
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// IssueToken handles POST /admin/users/{userID}/tokens/{kind}.
func (a *API) IssueToken(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	kind := identity.TokenKind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown token kind")
		return
	}
	tok, err := a.backend.IssueToken(r.Context(), id, kind)
	if err != nil {
		mapError(w, err)
		return
	}
	a.recordAdmin(r, AuditTokenIssued, id.String(), string(kind))
	writeJSON(w, http.StatusOK, IssueTokenResponse{Token: tok})
}

// ListRoles handles GET /admin/roles.
func (a *API) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.backend.ListRoles(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	if roles == nil {
		roles = []string{}
	}
	writeJSON(w, http.StatusOK, ListRolesResponse{Roles: roles})
}

// CreateRole handles POST /admin/roles. Creating an existing role succeeds.
func (a *API) CreateRole(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CreateRoleRequest](w, r)
	if !ok {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := a.backend.CreateRole(r.Context(), name); err != nil {
		mapError(w, err)
		return
	}
	a.recordAdmin(r, AuditRoleCreated, "", name)
	writeJSON(w, http.StatusCreated, StatusResponse{Status: "ok"})
}

// DeleteRole handles DELETE /admin/roles/{role}. Every cached role set is
// dropped since any user may have held it.
func (a *API) DeleteRole(w http.ResponseWriter, r *http.Request) {
	name, ok := pathParam(w, r, "role")
	if !ok {
		return
	}
	if err := a.backend.DeleteRole(r.Context(), name); err != nil {
		mapError(w, err)
		return
	}
	a.roles.InvalidateAll()
	a.recordAdmin(r, AuditRoleDeleted, "", name)
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// LoginDiagnostics handles POST /admin/login-diagnostics: it explains why
// an account cannot sign in when the account is disabled or locked out.
func (a *API) LoginDiagnostics(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginDiagnosticsRequest](w, r)
	if !ok {
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	writeJSON(w, http.StatusOK, LoginDiagnosticsResponse{
		Message: a.backend.EnrichLoginError(r.Context(), email, msgNoRestriction),
	})
}

// ListAudit handles GET /admin/audit. A user_id query restricts entries to
// actions on that user.
func (a *API) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := a.trail.list(r.URL.Query().Get("user_id"))
	if err != nil {
		mapError(w, err)
		return
	}
	page, meta := paginate(r, entries)
	resp := ListAuditResponse{Entries: make([]AuditEntryResponse, 0, len(page)), PaginationMeta: meta}
	for _, e := range page {
		resp.Entries = append(resp.Entries, AuditEntryResponse{
			ID:        e.ID,
			Event:     string(e.Event),
			ActorID:   e.ActorID,
			TargetID:  e.TargetID,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ExportAudit handles GET /admin/audit/export.
func (a *API) ExportAudit(w http.ResponseWriter, r *http.Request) {
	export, err := a.trail.export()
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

// recordAdmin logs an administrative action and appends it to the trail.
func (a *API) recordAdmin(r *http.Request, event AuditEvent, targetID, detail string) {
	actor := principalUserID(principal.FromContext(r.Context()))
	a.audit.logEvent(event, r, actor,
		slog.String("target_id", targetID),
		slog.String("detail", detail),
	)
	if err := a.trail.append(event, actor, targetID, detail); err != nil {
		a.logger.Error("persisting admin audit entry failed", "event", event, "error", err)
	}
}

func userIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil || id == uuid.Nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return uuid.Nil, false
	}
	return id, true
}

func pathParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v, err := url.PathUnescape(chi.URLParam(r, name))
	if err != nil || strings.TrimSpace(v) == "" {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return v, true
}
