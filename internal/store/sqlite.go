// This file implements an SQLite-backed store for conversation contexts and the account directory.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/Coo/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	// sqliteDSNParams makes every transaction take the write lock up front and
	// waits on a busy database instead of failing immediately.
	sqliteDSNParams = "_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists all service state in a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.Index(path, "?"); idx >= 0 {
		path = path[:idx]
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", withSQLiteParams(dsn))
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", path)

	return &SQLiteStore{db: db}, nil
}

func withSQLiteParams(dsn string) string {
	if strings.Contains(dsn, "_txlock") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + sqliteDSNParams
	}
	return dsn + "?" + sqliteDSNParams
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteSelectContext = `SELECT account_id, phone, context_data, created_at, updated_at, last_context_reset
	FROM conversation_contexts WHERE account_id = ? AND phone = ?`

func (s *SQLiteStore) LoadContext(ctx context.Context, key models.ContextKey) (*models.ConversationContext, error) {
	c, err := scanContext(s.db.QueryRowContext(ctx, sqliteSelectContext, key.AccountID, key.Phone))
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("SQLiteStore LoadContext not found", "key", key.String())
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore LoadContext failed", "error", err, "key", key.String())
		return nil, models.StorageError("load context", err)
	}
	return c, nil
}

func (s *SQLiteStore) SaveContext(ctx context.Context, c *models.ConversationContext) error {
	if err := sqliteWriteContext(ctx, s.db, c); err != nil {
		slog.Error("SQLiteStore SaveContext failed", "error", err, "key", c.Key.String())
		return models.StorageError("save context", err)
	}
	slog.Debug("SQLiteStore SaveContext succeeded", "key", c.Key.String(), "messages", c.MessageCount)
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func sqliteWriteContext(ctx context.Context, ex execer, c *models.ConversationContext) error {
	data, err := models.EncodeContextData(c)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx,
		`INSERT OR REPLACE INTO conversation_contexts
		 (account_id, phone, context_data, message_count, created_at, updated_at, last_context_reset)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Key.AccountID, c.Key.Phone, data, c.MessageCount, c.CreatedAt, c.UpdatedAt, nilIfZeroTime(c.LastContextReset),
	)
	return err
}

func (s *SQLiteStore) UpdateContext(ctx context.Context, key models.ContextKey, fn UpdateFunc) (*models.ConversationContext, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("SQLiteStore UpdateContext begin failed", "error", err, "key", key.String())
		return nil, models.StorageError("begin context update", err)
	}
	defer tx.Rollback()

	current, err := scanContext(tx.QueryRowContext(ctx, sqliteSelectContext, key.AccountID, key.Phone))
	if errors.Is(err, sql.ErrNoRows) {
		current, err = nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore UpdateContext load failed", "error", err, "key", key.String())
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
	if err := sqliteWriteContext(ctx, tx, next); err != nil {
		slog.Error("SQLiteStore UpdateContext write failed", "error", err, "key", key.String())
		return nil, models.StorageError("write context", err)
	}
	if err := tx.Commit(); err != nil {
		slog.Error("SQLiteStore UpdateContext commit failed", "error", err, "key", key.String())
		return nil, models.StorageError("commit context update", err)
	}
	slog.Debug("SQLiteStore UpdateContext succeeded", "key", key.String(), "messages", next.MessageCount)
	return next, nil
}

func (s *SQLiteStore) DeleteContext(ctx context.Context, key models.ContextKey) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversation_contexts WHERE account_id = ? AND phone = ?`, key.AccountID, key.Phone)
	if err != nil {
		slog.Error("SQLiteStore DeleteContext failed", "error", err, "key", key.String())
		return models.StorageError("delete context", err)
	}
	slog.Debug("SQLiteStore DeleteContext succeeded", "key", key.String())
	return nil
}

func (s *SQLiteStore) ResolveAccountByPhone(ctx context.Context, phone string) (*models.Account, error) {
	var a models.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT a.id, a.name, a.tier, a.created_at FROM accounts a
		 JOIN account_phones p ON p.account_id = a.id WHERE p.phone = ?`, phone,
	).Scan(&a.ID, &a.Name, &a.Tier, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore ResolveAccountByPhone failed", "error", err, "phone", phone)
		return nil, models.StorageError("resolve account", err)
	}
	return &a, nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var a models.Account
	err := s.db.QueryRowContext(ctx, `SELECT id, name, tier, created_at FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &a.Tier, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetAccount failed", "error", err, "accountID", id)
		return nil, models.StorageError("get account", err)
	}
	return &a, nil
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, account models.Account) error {
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO accounts (id, name, tier, created_at) VALUES (?, ?, ?, ?)`,
		account.ID, account.Name, account.Tier, account.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateAccount failed", "error", err, "accountID", account.ID)
		return models.StorageError("create account", err)
	}
	slog.Debug("SQLiteStore CreateAccount succeeded", "accountID", account.ID, "tier", account.Tier)
	return nil
}

func (s *SQLiteStore) LinkPhone(ctx context.Context, accountID, phone string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO account_phones (phone, account_id) VALUES (?, ?)`, phone, accountID)
	if err != nil {
		slog.Error("SQLiteStore LinkPhone failed", "error", err, "accountID", accountID)
		return models.StorageError("link phone", err)
	}
	return nil
}

func (s *SQLiteStore) ListTrackedEntities(ctx context.Context, accountID string) ([]models.TrackedEntity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, name, birth_date, due_date, is_pending, created_at
		 FROM tracked_entities WHERE account_id = ? ORDER BY created_at ASC`, accountID)
	if err != nil {
		slog.Error("SQLiteStore ListTrackedEntities query failed", "error", err, "accountID", accountID)
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

func (s *SQLiteStore) CountTrackedEntities(ctx context.Context, accountID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracked_entities WHERE account_id = ?`, accountID).Scan(&n); err != nil {
		slog.Error("SQLiteStore CountTrackedEntities failed", "error", err, "accountID", accountID)
		return 0, models.StorageError("count tracked entities", err)
	}
	return n, nil
}

func (s *SQLiteStore) CreateTrackedEntity(ctx context.Context, entity models.TrackedEntity, limit int) (models.TrackedEntity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.TrackedEntity{}, models.StorageError("begin create tracked entity", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracked_entities WHERE account_id = ?`, entity.AccountID).Scan(&n); err != nil {
		return models.TrackedEntity{}, models.StorageError("count tracked entities", err)
	}
	if n >= limit {
		slog.Debug("SQLiteStore CreateTrackedEntity capacity reached", "accountID", entity.AccountID, "count", n, "limit", limit)
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
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entity.ID, entity.AccountID, entity.Name, nilIfZeroTime(entity.BirthDate), nilIfZeroTime(entity.DueDate), entity.IsPending, entity.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateTrackedEntity insert failed", "error", err, "accountID", entity.AccountID)
		return models.TrackedEntity{}, models.StorageError("insert tracked entity", err)
	}
	if err := tx.Commit(); err != nil {
		return models.TrackedEntity{}, models.StorageError("commit tracked entity", err)
	}
	slog.Debug("SQLiteStore CreateTrackedEntity succeeded", "accountID", entity.AccountID, "entityID", entity.ID)
	return entity, nil
}
