package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func newTestWebhook(url string, headers map[string]string) *auditWebhook {
	wh := newAuditWebhook(url, headers, nil)
	wh.retryDelay = 10 * time.Millisecond
	return wh
}

func TestWebhook_SuccessfulDelivery(t *testing.T) {
	var received webhookPayload
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, nil)
	wh.enqueue(webhookPayload{
		Event:      "role_assigned",
		RemoteAddr: "127.0.0.1:1234",
		Timestamp:  "2026-01-01T00:00:00Z",
		Fields:     map[string]string{"role": "Admin"},
	})
	wh.close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "role_assigned", received.Event)
	assert.Equal(t, "127.0.0.1:1234", received.RemoteAddr)
	assert.Equal(t, "Admin", received.Fields["role"])
}

func TestWebhook_RetryOn500(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, nil)
	wh.enqueue(webhookPayload{Event: "test_event", Timestamp: "2026-01-01T00:00:00Z"})
	wh.close()

	assert.Equal(t, int32(2), attempts.Load(), "should have retried once after 500")
}

func TestWebhook_NoRetryOn400(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, nil)
	wh.enqueue(webhookPayload{Event: "test_event", Timestamp: "2026-01-01T00:00:00Z"})
	wh.close()

	assert.Equal(t, int32(1), attempts.Load(), "should not retry on 4xx")
}

func TestWebhook_Headers(t *testing.T) {
	var gotAuth, gotContentType string
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, map[string]string{"Authorization": "Bearer my-token-123"})
	wh.enqueue(webhookPayload{Event: "test_event", Timestamp: "2026-01-01T00:00:00Z"})
	wh.close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer my-token-123", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
}

func TestWebhook_QueueFullNonBlocking(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	wh := newTestWebhook(srv.URL, nil)
	wh.events = make(chan webhookPayload, 2)

	for range 10 {
		wh.enqueue(webhookPayload{Event: "flood", Timestamp: "2026-01-01T00:00:00Z"})
	}
	// Reaching this point means enqueue never blocked.
}

func TestWebhook_GracefulShutdownDrains(t *testing.T) {
	var count atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, nil)
	for range 5 {
		wh.enqueue(webhookPayload{Event: "drain_test", Timestamp: "2026-01-01T00:00:00Z"})
	}
	wh.close()

	assert.Equal(t, int32(5), count.Load(), "all queued events should be delivered on close")
}

func TestWebhook_AuditLoggerForwards(t *testing.T) {
	var body []byte
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		body, _ = io.ReadAll(r.Body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	al := newAuditLogger(discardLogger())
	al.now = func() time.Time { return time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC) }
	al.webhook = newTestWebhook(srv.URL, nil)

	req := httptest.NewRequest(http.MethodPost, "/admin/users/x/roles", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	al.logEvent(AuditRoleAssigned, req, "user-42")
	al.webhook.close()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, body)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.Equal(t, "role_assigned", parsed["event"])
	assert.Equal(t, "10.0.0.1:5555", parsed["remote_addr"])
	assert.Equal(t, "2026-06-15T12:00:00Z", parsed["timestamp"])
	fields, ok := parsed["fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user-42", fields["user_id"])
}
