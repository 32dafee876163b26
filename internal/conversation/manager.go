// Package conversation keeps the bounded, per-sender conversation history and
// the typed metadata that multi-turn flows rely on.
package conversation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/Coo/internal/models"
	"github.com/BTreeMap/Coo/internal/store"
	"github.com/m-mizutani/goerr/v2"
)

const (
	// DefaultMaxMessages bounds the stored history per conversation.
	DefaultMaxMessages = 50
	// DefaultTimeout is the inactivity window after which a conversation is reset.
	DefaultTimeout = 24 * time.Hour
)

// Manager reads and mutates conversation contexts through a store.ContextRepo.
// Every mutation is a single atomic UpdateContext call.
type Manager struct {
	repo        store.ContextRepo
	maxMessages int
	timeout     time.Duration
	now         func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxMessages sets the history bound.
func WithMaxMessages(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxMessages = n
		}
	}
}

// WithTimeout sets the inactivity window.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a Manager backed by repo.
func NewManager(repo store.ContextRepo, opts ...Option) *Manager {
	m := &Manager{
		repo:        repo,
		maxMessages: DefaultMaxMessages,
		timeout:     DefaultTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaxMessages returns the configured history bound.
func (m *Manager) MaxMessages() int { return m.maxMessages }

// prepare returns the context to work on: a new one when none is stored, a reset
// one when the stored context expired, or a copy of the stored one. The bool is
// true when the returned context differs from storage.
func (m *Manager) prepare(current *models.ConversationContext, key models.ContextKey, now time.Time) (*models.ConversationContext, bool) {
	if current == nil {
		return models.NewConversationContext(key, now), true
	}
	if now.Sub(current.UpdatedAt) > m.timeout {
		slog.Info("ConversationManager resetting expired context", "key", key.String(), "lastUpdate", current.UpdatedAt)
		current.Reset(now)
		return current, true
	}
	return current, false
}

// mutate runs fn on the prepared context and persists the result atomically.
func (m *Manager) mutate(ctx context.Context, key models.ContextKey, op string, fn func(c *models.ConversationContext, now time.Time) error) (*models.ConversationContext, error) {
	c, err := m.repo.UpdateContext(ctx, key, func(current *models.ConversationContext) (*models.ConversationContext, error) {
		now := m.now()
		c, _ := m.prepare(current, key, now)
		if err := fn(c, now); err != nil {
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		slog.Error("ConversationManager "+op+" failed", "error", err, "key", key.String())
		return nil, goerr.Wrap(err, "conversation "+op+" failed", goerr.V("key", key.String()))
	}
	return c, nil
}

// GetOrCreate returns the conversation for (accountID, phone), creating it when
// missing and resetting it when it has been inactive longer than the timeout.
// Creation and reset are persisted; an unchanged context is not rewritten.
func (m *Manager) GetOrCreate(ctx context.Context, accountID, phone string) (*models.ConversationContext, error) {
	key := models.ContextKey{AccountID: accountID, Phone: phone}
	c, err := m.repo.UpdateContext(ctx, key, func(current *models.ConversationContext) (*models.ConversationContext, error) {
		c, changed := m.prepare(current, key, m.now())
		if !changed {
			return nil, nil
		}
		return c, nil
	})
	if err != nil {
		slog.Error("ConversationManager GetOrCreate failed", "error", err, "key", key.String())
		return nil, goerr.Wrap(err, "conversation get failed", goerr.V("key", key.String()))
	}
	return c, nil
}

// AppendMessage adds a message and trims the history to the configured bound.
func (m *Manager) AppendMessage(ctx context.Context, accountID, phone string, role models.Role, content string, metadata *models.MessageMetadata) (*models.ConversationContext, error) {
	key := models.ContextKey{AccountID: accountID, Phone: phone}
	c, err := m.mutate(ctx, key, "AppendMessage", func(c *models.ConversationContext, now time.Time) error {
		c.Append(models.ConversationMessage{
			Role:      role,
			Content:   content,
			Timestamp: now,
			Metadata:  metadata,
		}, m.maxMessages)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("ConversationManager AppendMessage succeeded", "key", key.String(), "role", role, "messages", c.MessageCount)
	return c, nil
}

// RecentHistory returns up to lastN of the most recent messages, oldest first.
// It goes through GetOrCreate so an expired conversation is never read.
func (m *Manager) RecentHistory(ctx context.Context, accountID, phone string, lastN int) ([]models.ConversationMessage, error) {
	c, err := m.GetOrCreate(ctx, accountID, phone)
	if err != nil {
		return nil, err
	}
	return lastMessages(c.Messages, lastN), nil
}

func lastMessages(msgs []models.ConversationMessage, n int) []models.ConversationMessage {
	if n <= 0 || len(msgs) == 0 {
		return []models.ConversationMessage{}
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return append([]models.ConversationMessage(nil), msgs...)
}

// FormatHistory renders the last lastExchanges user/assistant pairs for a prompt.
// It returns "" when there is no history.
func (m *Manager) FormatHistory(ctx context.Context, accountID, phone string, lastExchanges int) (string, error) {
	msgs, err := m.RecentHistory(ctx, accountID, phone, lastExchanges*2)
	if err != nil {
		return "", err
	}
	return FormatMessages(msgs), nil
}

// FormatMessages renders messages as "Previous conversation:" followed by one
// "Parent: ..." or "Coo: ..." line per message.
func FormatMessages(msgs []models.ConversationMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, msg := range msgs {
		speaker := "Coo"
		if msg.Role == models.RoleUser {
			speaker = "Parent"
		}
		b.WriteString(speaker)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// GetMetadataField returns the typed value stored under key, or nil.
func (m *Manager) GetMetadataField(ctx context.Context, accountID, phone string, key models.MetadataKey) (interface{}, error) {
	c, err := m.GetOrCreate(ctx, accountID, phone)
	if err != nil {
		return nil, err
	}
	return c.Metadata.Get(key)
}

// SetMetadataField stores value under key. The value type must match the key.
func (m *Manager) SetMetadataField(ctx context.Context, accountID, phone string, key models.MetadataKey, value interface{}) error {
	_, err := m.mutate(ctx, models.ContextKey{AccountID: accountID, Phone: phone}, "SetMetadataField", func(c *models.ConversationContext, now time.Time) error {
		if err := c.Metadata.Set(key, value); err != nil {
			return err
		}
		c.UpdatedAt = now
		return nil
	})
	return err
}

// ClearMetadataField removes the value stored under key.
func (m *Manager) ClearMetadataField(ctx context.Context, accountID, phone string, key models.MetadataKey) error {
	_, err := m.mutate(ctx, models.ContextKey{AccountID: accountID, Phone: phone}, "ClearMetadataField", func(c *models.ConversationContext, now time.Time) error {
		if err := c.Metadata.Clear(key); err != nil {
			return err
		}
		c.UpdatedAt = now
		return nil
	})
	return err
}

// ActiveEntity returns the entity the conversation is currently about, or nil.
func (m *Manager) ActiveEntity(ctx context.Context, accountID, phone string) (*models.ActiveEntity, error) {
	c, err := m.GetOrCreate(ctx, accountID, phone)
	if err != nil {
		return nil, err
	}
	return c.Metadata.ActiveEntity, nil
}

// SetActiveEntity records which entity the conversation is about.
func (m *Manager) SetActiveEntity(ctx context.Context, accountID, phone string, entity *models.ActiveEntity) error {
	return m.SetMetadataField(ctx, accountID, phone, models.MetadataActiveEntity, entity)
}

// ConversationState returns the active flow tag and its data.
func (m *Manager) ConversationState(ctx context.Context, accountID, phone string) (models.ConversationStateTag, *models.RegistrationStateData, error) {
	c, err := m.GetOrCreate(ctx, accountID, phone)
	if err != nil {
		return models.StateNone, nil, err
	}
	return c.Metadata.State, c.Metadata.StateData, nil
}

// SetConversationState replaces the flow tag and its data in one write.
// StateNone clears both.
func (m *Manager) SetConversationState(ctx context.Context, accountID, phone string, tag models.ConversationStateTag, data *models.RegistrationStateData) error {
	_, err := m.mutate(ctx, models.ContextKey{AccountID: accountID, Phone: phone}, "SetConversationState", func(c *models.ConversationContext, now time.Time) error {
		c.Metadata.State = tag
		c.Metadata.StateData = data
		if tag == models.StateNone {
			c.Metadata.StateData = nil
		}
		c.UpdatedAt = now
		return nil
	})
	if err == nil {
		slog.Debug("ConversationManager SetConversationState succeeded", "accountID", accountID, "phone", phone, "state", tag)
	}
	return err
}

// ClearConversationState ends any active flow.
func (m *Manager) ClearConversationState(ctx context.Context, accountID, phone string) error {
	return m.SetConversationState(ctx, accountID, phone, models.StateNone, nil)
}

// ClearAll removes the stored conversation entirely.
func (m *Manager) ClearAll(ctx context.Context, accountID, phone string) error {
	key := models.ContextKey{AccountID: accountID, Phone: phone}
	if err := m.repo.DeleteContext(ctx, key); err != nil {
		slog.Error("ConversationManager ClearAll failed", "error", err, "key", key.String())
		return goerr.Wrap(err, "conversation clear failed", goerr.V("key", key.String()))
	}
	slog.Info("ConversationManager ClearAll succeeded", "key", key.String())
	return nil
}
