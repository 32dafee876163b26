// Package store provides storage backends for Coo.
//
// It persists conversation contexts, the account directory (accounts, phones
// and tracked entities), inbound deduplication records and the outbound
// message outbox. In-memory, SQLite and PostgreSQL implementations are provided.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/Coo/internal/models"
)

// Opts holds configuration options for SQL-backed stores.
type Opts struct {
	DSN string // database connection string or file path
}

// Option defines a configuration option for stores.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// UpdateFunc receives the stored context (nil when none exists) and returns the
// context to persist. Returning nil leaves storage untouched.
type UpdateFunc func(current *models.ConversationContext) (*models.ConversationContext, error)

// ContextRepo persists conversation contexts keyed by (account, phone).
type ContextRepo interface {
	// LoadContext returns the stored context or nil when none exists.
	LoadContext(ctx context.Context, key models.ContextKey) (*models.ConversationContext, error)

	// SaveContext overwrites the stored context.
	SaveContext(ctx context.Context, c *models.ConversationContext) error

	// UpdateContext runs fn as an atomic read-modify-write for key. Updates for
	// different keys never wait on each other beyond what the backend requires.
	UpdateContext(ctx context.Context, key models.ContextKey, fn UpdateFunc) (*models.ConversationContext, error)

	// DeleteContext removes the stored context. Deleting a missing key is not an error.
	DeleteContext(ctx context.Context, key models.ContextKey) error
}

// Directory resolves senders to accounts and manages tracked entities.
type Directory interface {
	// ResolveAccountByPhone returns the account linked to phone, or nil when unknown.
	ResolveAccountByPhone(ctx context.Context, phone string) (*models.Account, error)

	// GetAccount returns the account with id, or nil when unknown.
	GetAccount(ctx context.Context, id string) (*models.Account, error)

	// CreateAccount inserts a new account.
	CreateAccount(ctx context.Context, account models.Account) error

	// LinkPhone associates phone with an account, replacing any previous link.
	LinkPhone(ctx context.Context, accountID, phone string) error

	// ListTrackedEntities returns the account's entities ordered by creation time.
	ListTrackedEntities(ctx context.Context, accountID string) ([]models.TrackedEntity, error)

	// CountTrackedEntities returns how many entities the account has.
	CountTrackedEntities(ctx context.Context, accountID string) (int, error)

	// CreateTrackedEntity inserts entity unless the account already holds limit
	// entities, in which case it fails with models.ErrCapacityExceeded.
	CreateTrackedEntity(ctx context.Context, entity models.TrackedEntity, limit int) (models.TrackedEntity, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	ContextRepo
	Directory
	DedupRepo
	OutboxRepo
	Pruner
	Close() error
}

// Pruner deletes bookkeeping records that are no longer needed.
type Pruner interface {
	// PruneInbound deletes dedup records received before the cutoff.
	PruneInbound(ctx context.Context, before time.Time) (int, error)

	// PruneOutbox deletes outbox messages in a terminal status that were last
	// updated before the cutoff. Queued and sending messages are never pruned.
	PruneOutbox(ctx context.Context, before time.Time) (int, error)
}
