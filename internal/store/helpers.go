package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/BTreeMap/Coo/internal/models"
	"github.com/google/uuid"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// newEntityID returns a fresh tracked entity ID.
func newEntityID() string {
	return uuid.NewString()
}

// nilIfZeroTime returns nil for a nil pointer, otherwise the time value.
func nilIfZeroTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanOutboxMessage scans an OutboxMessage from a row.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.Recipient, &m.Kind, &m.Body, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

// scanContext scans a conversation context row (account_id, phone, context_data,
// created_at, updated_at, last_context_reset).
func scanContext(row rowScanner) (*models.ConversationContext, error) {
	var c models.ConversationContext
	var data string
	var lastReset sql.NullTime
	if err := row.Scan(&c.Key.AccountID, &c.Key.Phone, &data, &c.CreatedAt, &c.UpdatedAt, &lastReset); err != nil {
		return nil, err
	}
	if err := models.DecodeContextData(data, &c); err != nil {
		return nil, err
	}
	if lastReset.Valid {
		t := lastReset.Time
		c.LastContextReset = &t
	}
	return &c, nil
}

// scanTrackedEntity scans a tracked entity row (id, account_id, name, birth_date,
// due_date, is_pending, created_at).
func scanTrackedEntity(row rowScanner) (models.TrackedEntity, error) {
	var e models.TrackedEntity
	var birth, due sql.NullTime
	if err := row.Scan(&e.ID, &e.AccountID, &e.Name, &birth, &due, &e.IsPending, &e.CreatedAt); err != nil {
		return e, fmt.Errorf("scan tracked entity failed: %w", err)
	}
	if birth.Valid {
		t := birth.Time
		e.BirthDate = &t
	}
	if due.Valid {
		t := due.Time
		e.DueDate = &t
	}
	return e, nil
}
