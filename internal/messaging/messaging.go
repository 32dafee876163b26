// Package messaging delivers Coo's replies to parents over SMS or WhatsApp,
// either directly or through the durable outbox.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/BTreeMap/Coo/internal/models"
	"github.com/BTreeMap/Coo/internal/store"
)

// Channel names the network a message travels on.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

// ErrNoSender is returned when no sender is configured for a channel.
var ErrNoSender = errors.New("no sender configured for channel")

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Transport delivers one reply.
type Transport interface {
	Deliver(ctx context.Context, to, body string) (models.Delivery, error)
}

// Sender performs a single provider send and returns the provider message ID.
// twiliosms.Client and whatsapp.Client implement it.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
}

type ctxKey int

const (
	channelKey ctxKey = iota
	dedupeKey
)

// WithChannel records the channel replies in ctx should use.
func WithChannel(ctx context.Context, ch Channel) context.Context {
	return context.WithValue(ctx, channelKey, ch)
}

// ChannelFrom returns the channel stored in ctx, defaulting to SMS.
func ChannelFrom(ctx context.Context) Channel {
	if ch, ok := ctx.Value(channelKey).(Channel); ok && ch != "" {
		return ch
	}
	return ChannelSMS
}

// WithDedupeKey marks the reply in ctx so a redelivered inbound message does
// not queue a second copy.
func WithDedupeKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, dedupeKey, key)
}

func dedupeKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(dedupeKey).(string)
	return key
}

// CanonicalizePhone strips everything but digits and returns "+<digits>".
// At least 6 digits are required.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("%w: recipient cannot be empty", models.ErrValidation)
	}
	digits := phoneNumberRegex.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", fmt.Errorf("%w: no digits found in recipient %q", models.ErrValidation, recipient)
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("%w: %q is too short (minimum 6 digits required)", models.ErrValidation, digits)
	}
	canonical := "+" + digits
	if canonical != recipient {
		slog.Debug("messaging canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Senders maps each channel to its provider.
type Senders map[Channel]Sender

// Send delivers body over ch.
func (s Senders) Send(ctx context.Context, ch Channel, to, body string) (string, error) {
	sender, ok := s[ch]
	if !ok || sender == nil {
		return "", fmt.Errorf("%w: %s", ErrNoSender, ch)
	}
	return sender.SendMessage(ctx, to, body)
}

// OutboxSendFunc adapts s for store.OutboxSender. The outbox kind is the channel.
func (s Senders) OutboxSendFunc() store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		id, err := s.Send(ctx, Channel(msg.Kind), msg.Recipient, msg.Body)
		if err != nil {
			return err
		}
		slog.Debug("Outbox message delivered", "outboxID", msg.ID, "providerID", id, "channel", msg.Kind)
		return nil
	}
}
