package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/workorder/internal/channel"
)

// ReceivedWebhook is one request accepted by the receiver.
type ReceivedWebhook struct {
	Headers    http.Header
	Payload    channel.WebhookPayload
	RawBody    []byte
	ReceivedAt time.Time
}

// WebhookReceiver is an HTTP test server standing in for a notification
// endpoint. Responses are scripted per call; once the script runs out every
// request gets 200.
type WebhookReceiver struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	script   []int
	attempts int
	received []ReceivedWebhook
}

func newWebhookReceiver(t *testing.T) *WebhookReceiver {
	t.Helper()
	wr := &WebhookReceiver{t: t}
	wr.server = httptest.NewServer(http.HandlerFunc(wr.handle))
	t.Cleanup(wr.server.Close)
	return wr
}

func (wr *WebhookReceiver) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	wr.mu.Lock()
	wr.attempts++
	status := http.StatusOK
	if len(wr.script) > 0 {
		status = wr.script[0]
		wr.script = wr.script[1:]
	}
	if status < 300 {
		var payload channel.WebhookPayload
		_ = json.Unmarshal(body, &payload)
		wr.received = append(wr.received, ReceivedWebhook{
			Headers:    r.Header.Clone(),
			Payload:    payload,
			RawBody:    body,
			ReceivedAt: time.Now(),
		})
	}
	wr.mu.Unlock()

	w.WriteHeader(status)
}

// URL returns the receiver's base URL.
func (wr *WebhookReceiver) URL() string { return wr.server.URL }

// RespondWith queues status codes for the next requests.
func (wr *WebhookReceiver) RespondWith(statuses ...int) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	wr.script = append(wr.script, statuses...)
}

// Attempts returns how many requests arrived, accepted or not.
func (wr *WebhookReceiver) Attempts() int {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	return wr.attempts
}

// Received returns the accepted requests in arrival order.
func (wr *WebhookReceiver) Received() []ReceivedWebhook {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	return append([]ReceivedWebhook(nil), wr.received...)
}
