// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/fabric-testbed/credmgr/pkg/logger"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// tokenColumns is the SELECT column list shared by Get and Query.
const tokenColumns = `token_id, user_id, user_email, project_id, token_hash,
	state, created_at, expires_at, created_from, comment`

// PostgresStore implements Store on a Postgres database.
type PostgresStore struct {
	db *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

// PostgresConfig configures the Postgres store connection.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// DSN renders the lib/pq connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Database)
}

// NewPostgresStore connects to Postgres and applies pending migrations.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := runMigrations(ctx, db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// runMigrations applies all pending database migrations using goose.
func runMigrations(ctx context.Context, db *sql.DB) error {
	// The embedded filesystem has files under "migrations/"; strip the
	// prefix to get a flat filesystem of .sql files.
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectPostgres, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		logger.Debugf("Applied migration %s", r.Source.Path)
	}
	return nil
}

// Add inserts a record. Duplicate hashes surface as ErrAlreadyExists.
func (s *PostgresStore) Add(ctx context.Context, record *Record) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tokens (
			user_id, user_email, project_id, token_hash,
			state, created_at, expires_at, created_from, comment
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING token_id`,
		record.UserID,
		record.UserEmail,
		record.ProjectID,
		record.TokenHash,
		int(record.State),
		record.CreatedAt,
		record.ExpiresAt,
		record.CreatedFrom,
		record.Comment,
	).Scan(&record.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting token: %w", err)
	}
	return nil
}

// UpdateState sets the state of an existing record inside a
// transaction; failures roll back.
func (s *PostgresStore) UpdateState(ctx context.Context, tokenHash string, state State) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	result, err := tx.ExecContext(ctx,
		`UPDATE tokens SET state = $1 WHERE token_hash = $2`,
		int(state), tokenHash,
	)
	if err != nil {
		return fmt.Errorf("updating token state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Get returns the record with the given hash.
func (s *PostgresStore) Get(ctx context.Context, tokenHash string) (*Record, error) {
	var record Record
	err := s.db.GetContext(ctx, &record,
		`SELECT `+tokenColumns+` FROM tokens WHERE token_hash = $1`, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting token: %w", err)
	}
	return &record, nil
}

// Remove hard-deletes a record; absent hashes are a no-op.
func (s *PostgresStore) Remove(ctx context.Context, tokenHash string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tokens WHERE token_hash = $1`, tokenHash); err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	return nil
}

// RemoveForUser hard-deletes every record owned by the given email.
func (s *PostgresStore) RemoveForUser(ctx context.Context, userEmail string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM tokens WHERE lower(user_email) = lower($1)`, userEmail)
	if err != nil {
		return 0, fmt.Errorf("deleting tokens: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting affected rows: %w", err)
	}
	return int(affected), nil
}

// RemoveExpired hard-deletes records expiring before the given time.
func (s *PostgresStore) RemoveExpired(ctx context.Context, userEmail string, before time.Time) (int, error) {
	query := `DELETE FROM tokens WHERE expires_at < $1`
	args := []any{before}
	if userEmail != "" {
		query += ` AND lower(user_email) = lower($2)`
		args = append(args, userEmail)
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting expired tokens: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting affected rows: %w", err)
	}
	return int(affected), nil
}

// Query returns matching records ordered by expires_at descending.
func (s *PostgresStore) Query(ctx context.Context, filter Filter) ([]*Record, error) {
	var (
		clauses []string
		args    []any
	)
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UserID != "" {
		clauses = append(clauses, "user_id = "+arg(filter.UserID))
	}
	if filter.UserEmail != "" {
		clauses = append(clauses, "lower(user_email) = lower("+arg(filter.UserEmail)+")")
	}
	if filter.ProjectID != "" {
		clauses = append(clauses, "project_id = "+arg(filter.ProjectID))
	}
	if filter.TokenHash != "" {
		clauses = append(clauses, "token_hash = "+arg(filter.TokenHash))
	}
	if !filter.ExpiresBefore.IsZero() {
		clauses = append(clauses, "expires_at < "+arg(filter.ExpiresBefore))
	}
	if len(filter.States) > 0 {
		states := make([]int64, 0, len(filter.States))
		for _, s := range filter.States {
			states = append(states, int64(s))
		}
		clauses = append(clauses, "state = ANY("+arg(pq.Array(states))+")")
	}

	query := `SELECT ` + tokenColumns + ` FROM tokens`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY expires_at DESC, token_id DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	records := []*Record{}
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("selecting tokens: %w", err)
	}
	return records, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// rollback rolls back a transaction, logging any error other than the
// transaction having already completed.
func rollback(tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.Warnf("Failed to rollback transaction: %v", err)
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
