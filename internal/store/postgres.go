// This file implements a PostgreSQL-backed store for conversation contexts and the account directory.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/Coo/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists all service state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

const postgresSelectContext = `SELECT account_id, phone, context_data, created_at, updated_at, last_context_reset
	FROM conversation_contexts WHERE account_id = $1 AND phone = $2`

func (s *PostgresStore) LoadContext(ctx context.Context, key models.ContextKey) (*models.ConversationContext, error) {
	c, err := scanContext(s.db.QueryRowContext(ctx, postgresSelectContext, key.AccountID, key.Phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LoadContext failed", "error", err, "key", key.String())
		return nil, models.StorageError("load context", err)
	}
	return c, nil
}

func (s *PostgresStore) SaveContext(ctx context.Context, c *models.ConversationContext) error {
	if err := postgresWriteContext(ctx, s.db, c); err != nil {
		slog.Error("PostgresStore SaveContext failed", "error", err, "key", c.Key.String())
		return models.StorageError("save context", err)
	}
	slog.Debug("PostgresStore SaveContext succeeded", "key", c.Key.String(), "messages", c.MessageCount)
	return nil
}

func postgresWriteContext(ctx context.Context, ex execer, c *models.ConversationContext) error {
	data, err := models.EncodeContextData(c)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO conversation_contexts
		 (account_id, phone, context_data, message_count, created_at, updated_at, last_context_reset)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (account_id, phone) DO UPDATE SET
		   context_data = EXCLUDED.context_data,
		   message_count = EXCLUDED.message_count,
		   updated_at = EXCLUDED.updated_at,
		   last_context_reset = EXCLUDED.last_context_reset`,
		c.Key.AccountID, c.Key.Phone, data, c.MessageCount, c.CreatedAt, c.UpdatedAt, nilIfZeroTime(c.LastContextReset),
	)
	return err
}

// UpdateContext serializes writers per key with a transaction-scoped advisory lock,
// which also covers the first write for a key that has no row yet.
func (s *PostgresStore) UpdateContext(ctx context.Context, key models.ContextKey, fn UpdateFunc) (*models.ConversationContext, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, models.StorageError("begin context update", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key.String()); err != nil {
		slog.Error("PostgresStore UpdateContext lock failed", "error", err, "key", key.String())
		return nil, models.StorageError("lock context", err)
	}

	current, err := scanContext(tx.QueryRowContext(ctx, postgresSelectContext, key.AccountID, key.Phone))
	if errors.Is(err, sql.ErrNoRows) {
		current, err = nil, nil
	}
	if err != nil {
		return nil, models.StorageError("load context", err)
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}
	next.Key = key
	if err := postgresWriteContext(ctx, tx, next); err != nil {
		slog.Error("PostgresStore UpdateContext write failed", "error", err, "key", key.String())
		return nil, models.StorageError("write context", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, models.StorageError("commit context update", err)
	}
	slog.Debug("PostgresStore UpdateContext succeeded", "key", key.String(), "messages", next.MessageCount)
	return next, nil
}

func (s *PostgresStore) DeleteContext(ctx context.Context, key models.ContextKey) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversation_contexts WHERE account_id = $1 AND phone = $2`, key.AccountID, key.Phone)
	if err != nil {
		slog.Error("PostgresStore DeleteContext failed", "error", err, "key", key.String())
		return models.StorageError("delete context", err)
	}
	return nil
}

func (s *PostgresStore) ResolveAccountByPhone(ctx context.Context, phone string) (*models.Account, error) {
	var a models.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT a.id, a.name, a.tier, a.created_at FROM accounts a
		 JOIN account_phones p ON p.account_id = a.id WHERE p.phone = $1`, phone,
	).Scan(&a.ID, &a.Name, &a.Tier, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore ResolveAccountByPhone failed", "error", err, "phone", phone)
		return nil, models.StorageError("resolve account", err)
	}
	return &a, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var a models.Account
	err := s.db.QueryRowContext(ctx, `SELECT id, name, tier, created_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.Tier, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, models.StorageError("get account", err)
	}
	return &a, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, account models.Account) error {
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO accounts (id, name, tier, created_at) VALUES ($1, $2, $3, $4)`,
		account.ID, account.Name, account.Tier, account.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateAccount failed", "error", err, "accountID", account.ID)
		return models.StorageError("create account", err)
	}
	return nil
}

func (s *PostgresStore) LinkPhone(ctx context.Context, accountID, phone string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_phones (phone, account_id) VALUES ($1, $2)
		 ON CONFLICT (phone) DO UPDATE SET account_id = EXCLUDED.account_id`, phone, accountID)
	if err != nil {
		return models.StorageError("link phone", err)
	}
	return nil
}

func (s *PostgresStore) ListTrackedEntities(ctx context.Context, accountID string) ([]models.TrackedEntity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, name, birth_date, due_date, is_pending, created_at
		 FROM tracked_entities WHERE account_id = $1 ORDER BY created_at ASC`, accountID)
	if err != nil {
		slog.Error("PostgresStore ListTrackedEntities query failed", "error", err, "accountID", accountID)
		return nil, models.StorageError("list tracked entities", err)
	}
	defer rows.Close()

	var entities []models.TrackedEntity
	for rows.Next() {
		e, err := scanTrackedEntity(rows)
		if err != nil {
			return nil, models.StorageError("list tracked entities", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageError("iterate tracked entities", err)
	}
	return entities, nil
}

func (s *PostgresStore) CountTrackedEntities(ctx context.Context, accountID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracked_entities WHERE account_id = $1`, accountID).Scan(&n); err != nil {
		return 0, models.StorageError("count tracked entities", err)
	}
	return n, nil
}

func (s *PostgresStore) CreateTrackedEntity(ctx context.Context, entity models.TrackedEntity, limit int) (models.TrackedEntity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.TrackedEntity{}, models.StorageError("begin create tracked entity", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "entities|"+entity.AccountID); err != nil {
		return models.TrackedEntity{}, models.StorageError("lock account entities", err)
	}

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracked_entities WHERE account_id = $1`, entity.AccountID).Scan(&n); err != nil {
		return models.TrackedEntity{}, models.StorageError("count tracked entities", err)
	}
	if n >= limit {
		return models.TrackedEntity{}, fmt.Errorf("%w: account %s holds %d of %d", models.ErrCapacityExceeded, entity.AccountID, n, limit)
	}

	if entity.ID == "" {
		entity.ID = newEntityID()
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = time.Now()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tracked_entities (id, account_id, name, birth_date, due_date, is_pending, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entity.ID, entity.AccountID, entity.Name, nilIfZeroTime(entity.BirthDate), nilIfZeroTime(entity.DueDate), entity.IsPending, entity.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateTrackedEntity insert failed", "error", err, "accountID", entity.AccountID)
		return models.TrackedEntity{}, models.StorageError("insert tracked entity", err)
	}
	if err := tx.Commit(); err != nil {
		return models.TrackedEntity{}, models.StorageError("commit tracked entity", err)
	}
	slog.Debug("PostgresStore CreateTrackedEntity succeeded", "accountID", entity.AccountID, "entityID", entity.ID)
	return entity, nil
}
