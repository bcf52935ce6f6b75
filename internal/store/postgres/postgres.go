// internal/store/postgres/postgres.go

// Package postgres is the production store. Every per-title transaction locks
// the title row with SELECT ... FOR UPDATE; serialization failures and
// deadlocks are retried with exponential backoff.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/libranexus/circulation/internal/catalog"
	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/store"
)

//go:embed schema.sql
var schema string

const (
	defaultMaxTries        = 5
	defaultInitialInterval = 20 * time.Millisecond
	defaultMaxOpenConns    = 16
	defaultMaxIdleConns    = 4
	defaultConnMaxLifetime = time.Hour
	defaultConnMaxIdleTime = 5 * time.Minute
)

// Store implements circulation.Store and catalog.Repository on PostgreSQL.
type Store struct {
	db       *sqlx.DB
	dialect  goqu.DialectWrapper
	logger   *slog.Logger
	tracer   trace.Tracer
	maxTries uint
	interval time.Duration
}

var (
	_ circulation.Store  = (*Store)(nil)
	_ catalog.Repository = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger used for retries and slow paths.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithRetry sets how many times a transaction is attempted and the first
// backoff interval.
func WithRetry(maxTries uint, initial time.Duration) Option {
	return func(s *Store) {
		s.maxTries = maxTries
		s.interval = initial
	}
}

// Open connects to PostgreSQL through driver, which is "postgres" (lib/pq)
// or "pgx" (pgx stdlib), and verifies the connection.
func Open(ctx context.Context, driver, url string) (*sqlx.DB, error) {
	db, err := sqlx.Open(driver, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// New creates a Store on an open connection pool.
func New(db *sqlx.DB, options ...Option) *Store {
	s := &Store{
		db:       db,
		dialect:  goqu.Dialect("postgres"),
		logger:   slog.Default(),
		tracer:   otel.Tracer("libranexus/store"),
		maxTries: defaultMaxTries,
		interval: defaultInitialInterval,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// DB exposes the pool to read-model packages sharing the connection.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) WithinTitle(ctx context.Context, titleID uuid.UUID, fn func(ctx context.Context, tx circulation.Tx, title *catalog.Title) error) error {
	ctx, span := s.tracer.Start(ctx, "store.WithinTitle", trace.WithAttributes(
		attribute.String("title.id", titleID.String()),
	))
	defer span.End()

	err := s.transact(ctx, func(sqlTx *sqlx.Tx) error {
		var title catalog.Title
		err := sqlTx.GetContext(ctx, &title, `
			SELECT id, isbn, name, author, total_copies, available_copies, created_at, updated_at
			FROM titles
			WHERE id = $1
			FOR UPDATE
		`, titleID)
		if err != nil {
			return notFound(err)
		}
		return fn(ctx, &tx{tx: sqlTx}, &title)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Store) Within(ctx context.Context, fn func(ctx context.Context, tx circulation.Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "store.Within")
	defer span.End()

	err := s.transact(ctx, func(sqlTx *sqlx.Tx) error {
		return fn(ctx, &tx{tx: sqlTx})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// transact runs fn in a READ COMMITTED transaction, retrying the whole
// attempt when PostgreSQL reports a serialization failure or deadlock.
func (s *Store) transact(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		err := s.attempt(ctx, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		s.logger.WarnContext(ctx, "retrying transaction", "attempt", attempt, "err", err)
		return struct{}{}, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.interval
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(s.maxTries),
	)
	return err
}

func (s *Store) attempt(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) InsertTitle(ctx context.Context, title *catalog.Title) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO titles (id, isbn, name, author, total_copies, available_copies, created_at, updated_at)
		VALUES (:id, :isbn, :name, :author, :total_copies, :available_copies, :created_at, :updated_at)
	`, title)
	if err != nil {
		return duplicate(err)
	}
	return nil
}

func (s *Store) GetTitle(ctx context.Context, id uuid.UUID) (*catalog.Title, error) {
	var title catalog.Title
	err := s.db.GetContext(ctx, &title, `
		SELECT id, isbn, name, author, total_copies, available_copies, created_at, updated_at
		FROM titles
		WHERE id = $1
	`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &title, nil
}

func (s *Store) UpdateTitle(ctx context.Context, id uuid.UUID, fn func(t *catalog.Title) error) (*catalog.Title, error) {
	var updated *catalog.Title
	err := s.WithinTitle(ctx, id, func(ctx context.Context, tx circulation.Tx, title *catalog.Title) error {
		if err := fn(title); err != nil {
			return err
		}
		updated = title
		return tx.SaveTitle(ctx, title)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// notFound maps sql.ErrNoRows to store.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}
