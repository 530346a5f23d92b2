package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// webhookQueueSize is the bounded channel capacity for outbound audit events.
const webhookQueueSize = 1024

// webhookPayload is the JSON body POSTed to the external endpoint.
type webhookPayload struct {
	Event      string            `json:"event"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// auditWebhook forwards audit events to an external HTTP endpoint. Events
// are queued without blocking and sent by one background goroutine; a full
// queue drops the event.
type auditWebhook struct {
	url        string
	headers    map[string]string
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
	events     chan webhookPayload
	wg         sync.WaitGroup
}

func newAuditWebhook(url string, headers map[string]string, logger *slog.Logger) *auditWebhook {
	if logger == nil {
		logger = slog.Default()
	}
	w := &auditWebhook{
		url:        url,
		headers:    headers,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "audit_webhook"),
		retryDelay: time.Second,
		events:     make(chan webhookPayload, webhookQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// enqueue never blocks.
func (w *auditWebhook) enqueue(evt webhookPayload) {
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("queue full, dropping event", "event", evt.Event)
	}
}

// close drains the queue and waits for the sender to exit.
func (w *auditWebhook) close() {
	close(w.events)
	w.wg.Wait()
}

func (w *auditWebhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(evt)
	}
}

// send POSTs evt with one retry on transport errors and 5xx.
func (w *auditWebhook) send(evt webhookPayload) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	for attempt := range 2 {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}

		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "tollgate-audit-webhook/1.0")
		for k, v := range w.headers {
			req.Header.Set(k, v)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			w.logger.Warn("server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		default:
			w.logger.Warn("client error", "status", resp.StatusCode)
			return
		}
	}
}
