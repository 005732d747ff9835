// Package sqlstore implements corrections.Store and corrections.TxRunner
// against a PostgreSQL backend via database/sql and lib/pq.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/nucleus/correlate/internal/corrections"
)

// Client wraps the database connection pool and provides transaction
// support for the corrections store.
type Client struct {
	db *sql.DB
}

// NewClient creates a new database client connected to the given
// PostgreSQL URL.
func NewClient(ctx context.Context, databaseURL string) (*Client, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// DB returns the underlying *sql.DB for migrations and health checks.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Close closes the database connection.
func (c *Client) Close() error {
	return c.db.Close()
}

// Migrate runs database migrations from the given path.
func (c *Client) Migrate(migrationsPath string) error {
	driver, err := postgres.WithInstance(c.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		"file://"+migrationsPath,
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

// WithTx implements corrections.TxRunner: it begins a transaction, runs fn
// against a Store scoped to that transaction, and commits or rolls back
// depending on the returned error. All of C6's writes land in the same
// transaction this way.
func (c *Client) WithTx(ctx context.Context, fn func(ctx context.Context, s corrections.Store) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	store := &txStore{q: tx}
	if err := fn(ctx, store); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	return tx.Commit()
}

// ReadStore returns a non-transactional Store suitable for the read-only
// query layer (C8), which does not need applyCorrection's atomicity.
func (c *Client) ReadStore() corrections.Store {
	return &txStore{q: c.db}
}
