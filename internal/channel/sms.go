package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/pitabwire/workorder/internal/config"
	"github.com/pitabwire/workorder/model"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{6,15}$`)

// SMSSender posts text messages to an HTTP SMS gateway authenticated with a
// bearer API key.
type SMSSender struct {
	endpoint string
	apiKey   string
	signName string
	client   *http.Client
}

// NewSMSSender creates a gateway sender.
func NewSMSSender(cfg config.SMSConfig, apiKey string, timeout time.Duration) (*SMSSender, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("sms: endpoint is required")
	}
	return &SMSSender{
		endpoint: cfg.Endpoint,
		apiKey:   apiKey,
		signName: cfg.SignName,
		client:   newHTTPClient(timeout),
	}, nil
}

// Channel implements Sender.
func (s *SMSSender) Channel() model.Channel { return model.ChannelSMS }

type smsRequest struct {
	Phone     string `json:"phone"`
	SignName  string `json:"sign_name,omitempty"`
	Content   string `json:"content"`
	RequestID string `json:"request_id,omitempty"`
}

// Send implements Sender. The request id lets the gateway drop duplicates
// of a retried attempt.
func (s *SMSSender) Send(ctx context.Context, msg Message) error {
	phone := strings.ReplaceAll(strings.TrimSpace(msg.Address), " ", "")
	if phone == "" {
		return ErrNoAddress
	}
	if !phonePattern.MatchString(phone) {
		return Fatalf("sms: invalid phone number %q", msg.Address)
	}

	content := msg.Content
	if msg.Subject != "" {
		content = msg.Subject + ": " + content
	}
	body, err := json.Marshal(smsRequest{
		Phone:     phone,
		SignName:  s.signName,
		Content:   content,
		RequestID: msg.ID,
	})
	if err != nil {
		return Fatalf("sms: encode request: %w", err)
	}

	headers := http.Header{}
	if s.apiKey != "" {
		headers.Set("Authorization", "Bearer "+s.apiKey)
	}
	_, err = postJSON(ctx, s.client, "sms gateway", s.endpoint, headers, body)
	return err
}
