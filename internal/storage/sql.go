package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const migrationsTable = "cart_slots_schema_migrations"

// SQLSlot keeps one row per slot key in the cart_slots table.
type SQLSlot struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLSlot(db *sql.DB, dialect Dialect) *SQLSlot {
	return &SQLSlot{db: db, dialect: dialect}
}

// OpenSQLite opens (or creates) a sqlite database file.
func OpenSQLite(path string) (*SQLSlot, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	return NewSQLSlot(db, DialectSQLite), nil
}

func OpenPostgres(dsn string) (*SQLSlot, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	return NewSQLSlot(db, DialectPostgres), nil
}

func (s *SQLSlot) RunMigrations() error {
	var (
		driver database.Driver
		err    error
	)
	switch s.dialect {
	case DialectSQLite:
		driver, err = sqlite.WithInstance(s.db, &sqlite.Config{MigrationsTable: migrationsTable})
	case DialectPostgres:
		driver, err = postgres.WithInstance(s.db, &postgres.Config{MigrationsTable: migrationsTable})
	default:
		return fmt.Errorf("unsupported dialect %q", s.dialect)
	}
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations/"+string(s.dialect))
	if err != nil {
		return fmt.Errorf("could not open migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(s.dialect), driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	return nil
}

func (s *SQLSlot) Load(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM cart_slots WHERE slot_key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSlotEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load slot: %w", err)
	}
	return value, nil
}

func (s *SQLSlot) Save(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO cart_slots (slot_key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (slot_key) DO UPDATE
		SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save slot: %w", err)
	}
	return nil
}

func (s *SQLSlot) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cart_slots WHERE slot_key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete slot: %w", err)
	}
	return nil
}

func (s *SQLSlot) Close() error {
	return s.db.Close()
}
