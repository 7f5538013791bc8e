package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"   // postgres driver
	_ "modernc.org/sqlite" // pure Go sqlite driver

	"github.com/ttexan1/klavis-sub000/internal/backoff"
	"github.com/ttexan1/klavis-sub000/pkg/models"
)

// SQLConfig configures the SQL-backed stores.
type SQLConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string
	DSN    string

	// DailyLimit is the per-user turn quota. Non-positive disables it.
	DailyLimit int

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration

	// MaxAttempts bounds write retries.
	MaxAttempts int
	Retry       backoff.Policy
	Logger      *slog.Logger
}

// DefaultSQLConfig returns default connection pool settings.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		Driver:          "sqlite",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
		MaxAttempts:     3,
		Retry:           backoff.Policy{Initial: 100 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: 0.1},
	}
}

// SQLStore persists messages and usage counters in postgres or sqlite.
type SQLStore struct {
	db     *sql.DB
	driver string
	config SQLConfig
	logger *slog.Logger
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS chat_messages_conversation_idx ON chat_messages (conversation_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS usage_counters (
		user_key TEXT NOT NULL,
		day TEXT NOT NULL,
		count INTEGER NOT NULL,
		PRIMARY KEY (user_key, day)
	)`,
}

// OpenSQLStore opens the database, checks connectivity and creates the
// tables if needed.
func OpenSQLStore(ctx context.Context, config SQLConfig) (*SQLStore, error) {
	if strings.TrimSpace(config.DSN) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	defaults := DefaultSQLConfig()
	if config.Driver == "" {
		config.Driver = defaults.Driver
	}
	if config.Driver != "postgres" && config.Driver != "sqlite" {
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}

	db, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := NewSQLStore(db, config)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, config SQLConfig) *SQLStore {
	defaults := DefaultSQLConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.Retry.Initial <= 0 {
		config.Retry = defaults.Retry
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &SQLStore{db: db, driver: config.Driver, config: config, logger: config.Logger}
}

// Migrate creates the tables the store uses.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites $n placeholders for drivers that use '?'.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "sqlite" {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// StoreNewMessages inserts msgs in one transaction, retrying transient
// failures. Messages already stored are skipped.
func (s *SQLStore) StoreNewMessages(ctx context.Context, conversationID string, msgs []*models.ChatMessage) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if len(msgs) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(msgs))
	for _, msg := range msgs {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", msg.ID, err)
		}
		rows = append(rows, []any{msg.ID, conversationID, string(msg.Role), string(payload), msg.CreatedAt.UTC()})
	}

	insert := s.rebind(`INSERT INTO chat_messages (id, conversation_id, role, payload, created_at)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`)

	err := backoff.Do(ctx, s.config.Retry, s.config.MaxAttempts, isTransient, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if _, err := tx.ExecContext(ctx, insert, row...); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("store messages: %w", err)
	}
	return nil
}

// History returns up to limit of the most recent messages, oldest first.
// A non-positive limit returns the whole conversation.
func (s *SQLStore) History(ctx context.Context, conversationID string, limit int) ([]*models.ChatMessage, error) {
	query := `SELECT payload FROM chat_messages WHERE conversation_id = $1 ORDER BY created_at DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var msgs []*models.ChatMessage
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var msg models.ChatMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			s.logger.Warn("skipping undecodable stored message", "conversation_id", conversationID, "error", err)
			continue
		}
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// CheckAndUpdateUsageLimit counts a turn against today's quota. The upsert
// only increments while under the limit, so a refused turn returns no row.
func (s *SQLStore) CheckAndUpdateUsageLimit(ctx context.Context, tc TurnContext) (bool, error) {
	limit := s.config.DailyLimit
	if limit <= 0 {
		return true, nil
	}

	query := s.rebind(`INSERT INTO usage_counters (user_key, day, count) VALUES ($1, $2, 1)
		ON CONFLICT (user_key, day) DO UPDATE SET count = usage_counters.count + 1
		WHERE usage_counters.count < $3
		RETURNING count`)

	var count int
	err := s.db.QueryRowContext(ctx, query, usageKey(tc), dayOf(time.Now()), limit).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update usage: %w", err)
	}
	return count <= limit, nil
}

// isTransient reports whether a write error is worth retrying.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection", "database is locked", "busy", "timeout", "deadlock", "40001"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// NewSQLStoreSet builds a StoreSet whose messages and quota live in SQL.
func NewSQLStoreSet(store *SQLStore, verifier Verifier, servers ServerSource) StoreSet {
	return StoreSet{
		Verifier: verifier,
		Servers:  servers,
		Usage:    store,
		Messages: store,
		closer:   store.Close,
	}
}

// NewMemoryStoreSet builds a StoreSet kept entirely in process memory.
func NewMemoryStoreSet(verifier Verifier, servers ServerSource, dailyLimit int) StoreSet {
	return StoreSet{
		Verifier: verifier,
		Servers:  servers,
		Usage:    NewMemoryUsageLimiter(dailyLimit),
		Messages: NewMemoryMessageStore(),
	}
}

