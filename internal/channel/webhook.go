package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pitabwire/workorder/model"
)

// Webhook signature headers.
const (
	HeaderWebhookTimestamp = "X-Webhook-Timestamp"
	HeaderWebhookSignature = "X-Webhook-Signature"
	HeaderWebhookID        = "X-Webhook-Id"
)

// WebhookSender posts a JSON envelope to the URL configured on the
// notification rule. With a signing secret every request carries an
// HMAC-SHA256 signature over "timestamp.body".
type WebhookSender struct {
	secret string
	client *http.Client
	now    func() time.Time
}

// NewWebhookSender creates a webhook sender. An empty secret disables
// signing.
func NewWebhookSender(secret string, timeout time.Duration) *WebhookSender {
	return &WebhookSender{
		secret: secret,
		client: newHTTPClient(timeout),
		now:    time.Now,
	}
}

// Channel implements Sender.
func (s *WebhookSender) Channel() model.Channel { return model.ChannelWebhook }

// WebhookPayload is the JSON body delivered to webhook endpoints.
type WebhookPayload struct {
	ID             string          `json:"id"`
	NotificationID string          `json:"notification_id"`
	InstanceID     string          `json:"instance_id,omitempty"`
	EventType      model.EventType `json:"event_type,omitempty"`
	RecipientID    string          `json:"recipient_id,omitempty"`
	Subject        string          `json:"subject,omitempty"`
	Content        string          `json:"content"`
	SentAt         time.Time       `json:"sent_at"`
}

// Send implements Sender.
func (s *WebhookSender) Send(ctx context.Context, msg Message) error {
	if msg.WebhookURL == "" {
		return ErrNoAddress
	}
	u, err := url.Parse(msg.WebhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Fatalf("webhook: invalid url %q", msg.WebhookURL)
	}

	now := s.now()
	body, err := json.Marshal(WebhookPayload{
		ID:             msg.ID,
		NotificationID: msg.NotificationID,
		InstanceID:     msg.InstanceID,
		EventType:      msg.EventType,
		RecipientID:    msg.RecipientID,
		Subject:        msg.Subject,
		Content:        msg.Content,
		SentAt:         now.UTC(),
	})
	if err != nil {
		return Fatalf("webhook: encode payload: %w", err)
	}

	headers := http.Header{}
	for k, v := range msg.WebhookHeaders {
		headers.Set(k, v)
	}
	headers.Set(HeaderWebhookID, msg.ID)
	if s.secret != "" {
		ts := strconv.FormatInt(now.Unix(), 10)
		headers.Set(HeaderWebhookTimestamp, ts)
		headers.Set(HeaderWebhookSignature, "sha256="+WebhookSignature(s.secret, ts, body))
	}

	_, err = postJSON(ctx, s.client, "webhook", u.String(), headers, body)
	return err
}

// WebhookSignature returns the hex HMAC-SHA256 of "timestamp.body".
func WebhookSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks a signature header produced by
// WebhookSignature.
func VerifyWebhookSignature(secret, timestamp, header string, body []byte) bool {
	want := "sha256=" + WebhookSignature(secret, timestamp, body)
	return hmac.Equal([]byte(want), []byte(header))
}
