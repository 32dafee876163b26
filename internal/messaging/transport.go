package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/Coo/internal/models"
	"github.com/BTreeMap/Coo/internal/store"
)

// DirectTransport sends immediately through the provider. A failed send is
// reported to the caller and not retried.
type DirectTransport struct {
	senders Senders
}

var _ Transport = (*DirectTransport)(nil)

func NewDirectTransport(senders Senders) *DirectTransport {
	return &DirectTransport{senders: senders}
}

func (t *DirectTransport) Deliver(ctx context.Context, to, body string) (models.Delivery, error) {
	canonical, err := CanonicalizePhone(to)
	if err != nil {
		return models.Delivery{To: to, Status: models.MessageStatusFailed}, err
	}
	ch := ChannelFrom(ctx)
	id, err := t.senders.Send(ctx, ch, canonical, body)
	if err != nil {
		slog.Error("DirectTransport Deliver failed", "error", err, "to", canonical, "channel", ch)
		return models.Delivery{To: canonical, Status: models.MessageStatusFailed}, err
	}
	slog.Debug("DirectTransport Deliver succeeded", "to", canonical, "channel", ch, "providerID", id)
	return models.Delivery{To: canonical, Status: models.MessageStatusSent, ProviderID: id}, nil
}

// OutboxTransport queues replies in the durable outbox. A store.OutboxSender
// running Senders.OutboxSendFunc performs the sends with backoff.
type OutboxTransport struct {
	repo store.OutboxRepo
}

var _ Transport = (*OutboxTransport)(nil)

func NewOutboxTransport(repo store.OutboxRepo) *OutboxTransport {
	return &OutboxTransport{repo: repo}
}

func (t *OutboxTransport) Deliver(ctx context.Context, to, body string) (models.Delivery, error) {
	canonical, err := CanonicalizePhone(to)
	if err != nil {
		return models.Delivery{To: to, Status: models.MessageStatusFailed}, err
	}
	ch := ChannelFrom(ctx)
	id, err := t.repo.EnqueueOutboxMessage(ctx, canonical, string(ch), body, dedupeKeyFrom(ctx))
	if err != nil {
		slog.Error("OutboxTransport Deliver enqueue failed", "error", err, "to", canonical)
		return models.Delivery{To: canonical, Status: models.MessageStatusFailed}, err
	}
	slog.Debug("OutboxTransport Deliver queued", "to", canonical, "channel", ch, "outboxID", id)
	return models.Delivery{To: canonical, Status: models.MessageStatusQueued, ProviderID: id}, nil
}
