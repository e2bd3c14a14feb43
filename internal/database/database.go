package database

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/lib/pq"

	"github.com/livechat/internal/retry"
)

// ErrEmptyURL is returned when no connection string is configured
var ErrEmptyURL = errors.New("database url is empty")

//go:embed schema.sql
var schemaSQL string

// Schema returns the DDL applied by Migrate
func Schema() string { return schemaSQL }

// Options tunes the connection pool
type Options struct {
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	StatementTimeout time.Duration
}

// NewDB opens a lib/pq connection pool and verifies it with a ping
func NewDB(ctx context.Context, dbURL string, opts Options) (*sql.DB, error) {
	if strings.TrimSpace(dbURL) == "" {
		return nil, ErrEmptyURL
	}

	dsn, err := WithStatementTimeout(dbURL, opts.StatementTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare database url: %w", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return db, nil
}

// ConnectRetryConfig returns the backoff used while waiting for the database at startup
func ConnectRetryConfig() retry.RetryConfig {
	cfg := retry.DefaultRetryConfig()
	cfg.Operation = "database_connect"
	cfg.MaxRetries = 5
	return cfg
}

// Connect is NewDB retried with backoff, for databases that start alongside the server.
// Configuration errors are not retried.
func Connect(ctx context.Context, dbURL string, opts Options, cfg retry.RetryConfig) (*sql.DB, error) {
	var db *sql.DB
	result := retry.RetryIf(ctx, cfg, func() error {
		var err error
		db, err = NewDB(ctx, dbURL, opts)
		return err
	}, func(err error) bool { return !errors.Is(err, ErrEmptyURL) })

	if !result.Success {
		return nil, fmt.Errorf("database unavailable after %d attempts: %w", result.Attempts, result.LastError)
	}
	return db, nil
}

// WithStatementTimeout adds a server-side statement_timeout to dbURL.
// Both URL and key=value connection strings are accepted; an explicit setting wins.
func WithStatementTimeout(dbURL string, timeout time.Duration) (string, error) {
	if timeout <= 0 || strings.Contains(dbURL, "statement_timeout") {
		return dbURL, nil
	}
	ms := strconv.FormatInt(timeout.Milliseconds(), 10)

	if strings.HasPrefix(dbURL, "postgres://") || strings.HasPrefix(dbURL, "postgresql://") {
		u, err := url.Parse(dbURL)
		if err != nil {
			return "", err
		}
		q := u.Query()
		q.Set("statement_timeout", ms)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	return strings.TrimSpace(dbURL) + " statement_timeout=" + ms, nil
}

// Migrate applies the embedded schema over a dedicated pgx connection.
// The schema has no parameters, so pgx sends it with the simple protocol and
// the multi-statement script runs as one implicit transaction.
func Migrate(ctx context.Context, dbURL string) error {
	return MigrateWithRetry(ctx, dbURL, retry.RetryConfig{})
}

// MigrateWithRetry is Migrate with the initial connection retried under cfg
func MigrateWithRetry(ctx context.Context, dbURL string, cfg retry.RetryConfig) error {
	if strings.TrimSpace(dbURL) == "" {
		return ErrEmptyURL
	}

	var conn *pgx.Conn
	result := retry.RetryWithBackoff(ctx, cfg, func() error {
		var err error
		conn, err = pgx.Connect(ctx, dbURL)
		return err
	})
	if !result.Success {
		return fmt.Errorf("failed to connect for migration: %w", result.LastError)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// CheckSchema reports an error when the chat tables are missing
func CheckSchema(ctx context.Context, db *sql.DB) error {
	var missing []string
	for _, table := range []string{"conversations", "messages"} {
		var found sql.NullString
		if err := db.QueryRowContext(ctx, `SELECT to_regclass($1)::text`, table).Scan(&found); err != nil {
			return fmt.Errorf("failed to inspect schema: %w", err)
		}
		if !found.Valid {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing tables %s; run the migrate command", strings.Join(missing, ", "))
	}
	return nil
}
