// Package channel delivers rendered notifications over email, Feishu, SMS
// and generic webhooks, and classifies delivery failures as retryable or
// fatal.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/pitabwire/workorder/model"
)

// Message is one rendered notification addressed to one recipient.
type Message struct {
	ID             string
	NotificationID string
	InstanceID     string
	EventType      model.EventType
	Channel        model.Channel
	RecipientID    string
	Address        string
	Subject        string
	Content        string
	WebhookURL     string
	WebhookHeaders map[string]string
}

// FromQueueItem builds the message carried by a queue item.
func FromQueueItem(item *model.QueueItem) Message {
	return Message{
		ID:             item.ID,
		NotificationID: item.NotificationID,
		InstanceID:     item.InstanceID,
		EventType:      item.EventType,
		Channel:        item.Channel,
		RecipientID:    item.RecipientID,
		Address:        item.RecipientAddr,
		Subject:        item.Subject,
		Content:        item.Content,
		WebhookURL:     item.WebhookURL,
		WebhookHeaders: item.WebhookHeaders,
	}
}

// Sender delivers messages over one channel. A returned error is retryable
// unless it is, or wraps, a *FatalError.
type Sender interface {
	Channel() model.Channel
	Send(ctx context.Context, msg Message) error
}

// Senders indexes senders by channel.
type Senders map[model.Channel]Sender

// NewSenders indexes the given senders. Nil entries are skipped so callers
// can pass optional senders unconditionally.
func NewSenders(senders ...Sender) Senders {
	out := make(Senders, len(senders))
	for _, s := range senders {
		if s != nil {
			out[s.Channel()] = s
		}
	}
	return out
}

// Get returns the sender for ch.
func (s Senders) Get(ch model.Channel) (Sender, bool) {
	sender, ok := s[ch]
	return sender, ok
}

// ErrNoAddress is returned when a message has nowhere to go.
var ErrNoAddress = Fatal(errors.New("recipient has no address on this channel"))

// FatalError marks a failure that retrying cannot fix.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a fatal delivery failure. Fatal(nil) is nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// Fatalf formats a fatal delivery failure.
func Fatalf(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// Outcome is the delivery classification of an error.
type Outcome int

const (
	// Delivered means the attempt succeeded.
	Delivered Outcome = iota
	// Retryable means a later attempt may succeed.
	Retryable
	// Permanent means the item must not be retried.
	Permanent
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "success"
	case Retryable:
		return "retryable"
	case Permanent:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify reports how the dispatcher should treat err.
func Classify(err error) Outcome {
	if err == nil {
		return Delivered
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return Permanent
	}
	return Retryable
}

// StatusError is returned for a non-2xx provider response.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s responded %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s responded %d: %s", e.Provider, e.StatusCode, e.Body)
}

// statusFailure wraps a provider status as a retryable or fatal error.
// Server errors, 408 and 429 are worth retrying; other client errors are not.
func statusFailure(provider string, code int, body string) error {
	err := &StatusError{Provider: provider, StatusCode: code, Body: body}
	switch {
	case code >= 500, code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return err
	case code >= 400:
		return Fatal(err)
	}
	return err
}

// transportFailure keeps network errors and timeouts retryable and names
// the provider.
func transportFailure(provider string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s timed out: %w", provider, err)
	}
	return fmt.Errorf("%s request failed: %w", provider, err)
}
