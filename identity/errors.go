package identity

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrNotAuthenticated means the session has no usable credential chain.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrChallengeExpired means the pending two-factor challenge is too old.
	ErrChallengeExpired = errors.New("two-factor challenge expired")
	// ErrChallengeMissing means no two-factor challenge is pending.
	ErrChallengeMissing = errors.New("no two-factor challenge pending")
	// ErrUserNotFound is returned by admin lookups that match no account.
	ErrUserNotFound = errors.New("user not found")
	// ErrServiceTokenMissing is returned by admin calls when no service
	// token is configured.
	ErrServiceTokenMissing = errors.New("identity backend service token not configured")
)

// BackendError is a failed call to the identity backend. Detail is the
// backend's user-facing message.
type BackendError struct {
	Status int
	Detail string
	Err    error
}

func (e *BackendError) Error() string {
	return e.Detail
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// StatusOf returns the HTTP status of a BackendError in err's chain, or 0.
func StatusOf(err error) int {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Status
	}
	return 0
}

// IsUnauthorized reports whether err is a backend 401.
func IsUnauthorized(err error) bool {
	return StatusOf(err) == http.StatusUnauthorized
}

type problemDetails struct {
	Detail *string `json:"detail"`
}

// parseError builds a BackendError from a non-2xx response. The body's
// "detail" string is used verbatim; otherwise the message falls back to the
// reason phrase.
func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var pd problemDetails
	if err := json.Unmarshal(body, &pd); err == nil && pd.Detail != nil && strings.TrimSpace(*pd.Detail) != "" {
		return &BackendError{Status: resp.StatusCode, Detail: *pd.Detail}
	}
	return &BackendError{Status: resp.StatusCode, Detail: "request failed: " + reasonPhrase(resp)}
}

func reasonPhrase(resp *http.Response) string {
	// resp.Status is "401 Unauthorized"; keep the text after the code.
	if _, reason, ok := strings.Cut(resp.Status, " "); ok && reason != "" {
		return reason
	}
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return "error"
}
