package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/Coo/internal/models"
	"github.com/BTreeMap/Coo/internal/util"
)

// InMemoryStore keeps everything in process memory. It is used for tests and
// for running without a database.
type InMemoryStore struct {
	mu       sync.RWMutex
	contexts map[models.ContextKey]*models.ConversationContext
	accounts map[string]models.Account
	phones   map[string]string // phone -> account ID
	entities map[string][]models.TrackedEntity
	dedup    map[string]DedupRecord
	outbox   map[string]*OutboxMessage

	keyLocksMu sync.Mutex
	keyLocks   map[models.ContextKey]*keyLock
}

// keyLock is a reference-counted mutex so idle keys can be dropped.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		contexts: make(map[models.ContextKey]*models.ConversationContext),
		accounts: make(map[string]models.Account),
		phones:   make(map[string]string),
		entities: make(map[string][]models.TrackedEntity),
		dedup:    make(map[string]DedupRecord),
		outbox:   make(map[string]*OutboxMessage),
		keyLocks: make(map[models.ContextKey]*keyLock),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func (s *InMemoryStore) lockKey(key models.ContextKey) func() {
	s.keyLocksMu.Lock()
	kl, ok := s.keyLocks[key]
	if !ok {
		kl = &keyLock{}
		s.keyLocks[key] = kl
	}
	kl.refs++
	s.keyLocksMu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		s.keyLocksMu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(s.keyLocks, key)
		}
		s.keyLocksMu.Unlock()
	}
}

func (s *InMemoryStore) LoadContext(ctx context.Context, key models.ContextKey) (*models.ConversationContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[key]
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

func (s *InMemoryStore) SaveContext(ctx context.Context, c *models.ConversationContext) error {
	if c == nil {
		return fmt.Errorf("%w: nil context", models.ErrStorage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[c.Key] = c.Clone()
	slog.Debug("InMemoryStore SaveContext succeeded", "key", c.Key.String(), "messages", c.MessageCount)
	return nil
}

func (s *InMemoryStore) UpdateContext(ctx context.Context, key models.ContextKey, fn UpdateFunc) (*models.ConversationContext, error) {
	unlock := s.lockKey(key)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, models.StorageError("update context", err)
	}

	current, _ := s.LoadContext(ctx, key)
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}
	next.Key = key
	if err := s.SaveContext(ctx, next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (s *InMemoryStore) DeleteContext(ctx context.Context, key models.ContextKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, key)
	return nil
}

func (s *InMemoryStore) ResolveAccountByPhone(ctx context.Context, phone string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accountID, ok := s.phones[phone]
	if !ok {
		return nil, nil
	}
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, nil
	}
	return &account, nil
}

func (s *InMemoryStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	return &account, nil
}

func (s *InMemoryStore) CreateAccount(ctx context.Context, account models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[account.ID]; exists {
		return fmt.Errorf("%w: account %s already exists", models.ErrValidation, account.ID)
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	s.accounts[account.ID] = account
	return nil
}

func (s *InMemoryStore) LinkPhone(ctx context.Context, accountID, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return fmt.Errorf("%w: account %s", models.ErrNotFound, accountID)
	}
	s.phones[phone] = accountID
	return nil
}

func (s *InMemoryStore) ListTrackedEntities(ctx context.Context, accountID string) ([]models.TrackedEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entities := append([]models.TrackedEntity(nil), s.entities[accountID]...)
	sort.SliceStable(entities, func(i, j int) bool {
		return entities[i].CreatedAt.Before(entities[j].CreatedAt)
	})
	return entities, nil
}

func (s *InMemoryStore) CountTrackedEntities(ctx context.Context, accountID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities[accountID]), nil
}

func (s *InMemoryStore) CreateTrackedEntity(ctx context.Context, entity models.TrackedEntity, limit int) (models.TrackedEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entities[entity.AccountID]) >= limit {
		return models.TrackedEntity{}, fmt.Errorf("%w: account %s holds %d of %d", models.ErrCapacityExceeded, entity.AccountID, len(s.entities[entity.AccountID]), limit)
	}
	if entity.ID == "" {
		entity.ID = newEntityID()
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = time.Now()
	}
	s.entities[entity.AccountID] = append(s.entities[entity.AccountID], entity)
	return entity, nil
}

func (s *InMemoryStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, sender string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, Sender: sender, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.dedup[messageID] = rec
	return nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(ctx context.Context, recipient, kind, body, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusCanceled {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	id := util.GenerateOutboxID()
	s.outbox[id] = &OutboxMessage{
		ID:        id,
		Recipient: recipient,
		Kind:      kind,
		Body:      body,
		Status:    OutboxStatusQueued,
		DedupeKey: dedupeKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
	})
}

func (s *InMemoryStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &nextAttemptAt
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) AbandonOutboxMessage(ctx context.Context, id string, errMsg string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusFailed
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

// OutboxMessage returns a copy of the outbox record with id, for inspection.
func (s *InMemoryStore) OutboxMessage(id string) (OutboxMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.outbox[id]
	if !ok {
		return OutboxMessage{}, false
	}
	return *m, true
}

func (s *InMemoryStore) updateOutbox(id string, fn func(m *OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("%w: outbox message %s", models.ErrNotFound, id)
	}
	fn(m)
	m.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) PruneInbound(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.dedup {
		if rec.ReceivedAt.Before(before) {
			delete(s.dedup, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) PruneOutbox(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.outbox {
		terminal := m.Status == OutboxStatusSent || m.Status == OutboxStatusFailed || m.Status == OutboxStatusCanceled
		if terminal && m.UpdatedAt.Before(before) {
			delete(s.outbox, id)
			n++
		}
	}
	return n, nil
}
