package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess         AuditEvent = "login_success"
	AuditLoginFailure         AuditEvent = "login_failure"
	AuditLoginRateLimited     AuditEvent = "login_rate_limited"
	AuditTwoFactorRequired    AuditEvent = "2fa_required"
	AuditTwoFactorSuccess     AuditEvent = "2fa_success"
	AuditTwoFactorFailure     AuditEvent = "2fa_failure"
	AuditTwoFactorExpired     AuditEvent = "2fa_expired"
	AuditTwoFactorEnabled     AuditEvent = "2fa_enabled"
	AuditTwoFactorDisabled    AuditEvent = "2fa_disabled"
	AuditRegister             AuditEvent = "register"
	AuditRegisterRateLimited  AuditEvent = "register_rate_limited"
	AuditExternalLoginSuccess AuditEvent = "external_login_success"
	AuditExternalLoginFailure AuditEvent = "external_login_failure"
	AuditLogout               AuditEvent = "logout"
	AuditRefreshFailed        AuditEvent = "refresh_failed"
	AuditPasswordChanged      AuditEvent = "password_changed"
	AuditAdminDenied          AuditEvent = "admin_denied"
	AuditRoleAssigned         AuditEvent = "role_assigned"
	AuditRoleRemoved          AuditEvent = "role_removed"
	AuditRoleCreated          AuditEvent = "role_created"
	AuditRoleDeleted          AuditEvent = "role_deleted"
	AuditUserDisabled         AuditEvent = "user_disabled"
	AuditUserEnabled          AuditEvent = "user_enabled"
	AuditSessionsRevoked      AuditEvent = "sessions_revoked"
	AuditPasswordSet          AuditEvent = "password_set"
	AuditTokenIssued          AuditEvent = "token_issued"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	prom    *Metrics
	webhook *auditWebhook
	now     func() time.Time
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
		now:    time.Now,
	}
}

// log writes a structured audit log entry and fans it out to the alerting
// window, the prometheus counters and the webhook when configured.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	ts := al.now().UTC()
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", ts.Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)

	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.prom != nil {
		al.prom.auditEvents.WithLabelValues(string(event)).Inc()
	}
	if al.webhook != nil {
		fields := make(map[string]string, len(attrs))
		for _, a := range attrs {
			fields[a.Key] = a.Value.String()
		}
		al.webhook.enqueue(webhookPayload{
			Event:      string(event),
			Timestamp:  ts.Format(time.RFC3339),
			RemoteAddr: r.RemoteAddr,
			Fields:     fields,
		})
	}
}

// logEvent is a convenience for events attributed to a user.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("user_id", userID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a failed authentication attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
