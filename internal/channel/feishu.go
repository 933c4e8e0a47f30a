package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/workorder/model"
)

// Feishu bot response codes that are worth retrying.
var feishuRetryableCodes = map[int]bool{
	9499:  true, // too many requests
	11232: true, // frequency limited
}

// FeishuSender posts text messages to a Feishu custom bot. The recipient
// address is the user's open id; the message mentions them in the bot's chat.
type FeishuSender struct {
	webhookURL string
	secret     string
	client     *http.Client
	now        func() time.Time
}

// NewFeishuSender creates a bot sender. secret enables signed requests and
// may be empty when the bot has no signature check.
func NewFeishuSender(webhookURL, secret string, timeout time.Duration) (*FeishuSender, error) {
	if webhookURL == "" {
		return nil, errors.New("feishu: webhook_url is required")
	}
	return &FeishuSender{
		webhookURL: webhookURL,
		secret:     secret,
		client:     newHTTPClient(timeout),
		now:        time.Now,
	}, nil
}

// Channel implements Sender.
func (s *FeishuSender) Channel() model.Channel { return model.ChannelFeishu }

type feishuRequest struct {
	Timestamp string        `json:"timestamp,omitempty"`
	Sign      string        `json:"sign,omitempty"`
	MsgType   string        `json:"msg_type"`
	Content   feishuContent `json:"content"`
}

type feishuContent struct {
	Text string `json:"text"`
}

type feishuResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Send implements Sender.
func (s *FeishuSender) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.Address) == "" {
		return ErrNoAddress
	}

	text := msg.Content
	if msg.Subject != "" {
		text = msg.Subject + "\n" + text
	}
	payload := feishuRequest{
		MsgType: "text",
		Content: feishuContent{Text: fmt.Sprintf(`<at user_id="%s"></at> %s`, msg.Address, text)},
	}
	if s.secret != "" {
		ts := s.now().Unix()
		sign, err := FeishuSign(s.secret, ts)
		if err != nil {
			return Fatalf("feishu: sign request: %w", err)
		}
		payload.Timestamp = strconv.FormatInt(ts, 10)
		payload.Sign = sign
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Fatalf("feishu: encode request: %w", err)
	}

	respBody, err := postJSON(ctx, s.client, "feishu", s.webhookURL, nil, body)
	if err != nil {
		return err
	}
	var resp feishuResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("feishu: decode response: %w", err)
	}
	if resp.Code != 0 {
		failure := fmt.Errorf("feishu: code %d: %s", resp.Code, resp.Msg)
		if feishuRetryableCodes[resp.Code] {
			return failure
		}
		return Fatal(failure)
	}
	return nil
}

// FeishuSign computes the bot signature: the HMAC-SHA256 of an empty message
// keyed by "timestamp\nsecret", base64 encoded.
func FeishuSign(secret string, timestamp int64) (string, error) {
	key := strconv.FormatInt(timestamp, 10) + "\n" + secret
	mac := hmac.New(sha256.New, []byte(key))
	if _, err := mac.Write(nil); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
