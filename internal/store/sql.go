package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/shehryarbajwa/uiregress/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

type dialect struct {
	lookup string
	put    string
}

var (
	sqliteDialect = dialect{
		lookup: `SELECT name, test_script FROM tests WHERE id = ?`,
		put: `INSERT INTO tests (id, name, test_script) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, test_script = excluded.test_script`,
	}
	postgresDialect = dialect{
		lookup: `SELECT '' AS name, test_script FROM tests WHERE id = $1`,
		put: `INSERT INTO tests (id, name, test_script) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, test_script = EXCLUDED.test_script`,
	}
)

// SQL is a database/sql backed store
type SQL struct {
	db      *sql.DB
	dialect dialect
}

// OpenSQLite opens or creates a SQLite database and applies the schema
func OpenSQLite(path string) (*SQL, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQL{db: db, dialect: sqliteDialect}, nil
}

// OpenPostgres connects to an existing database holding a tests table
func OpenPostgres(dsn string) (*SQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &SQL{db: db, dialect: postgresDialect}, nil
}

// Lookup returns the stored test for id
func (s *SQL) Lookup(ctx context.Context, id string) (models.Test, error) {
	t := models.Test{ID: id}
	err := s.db.QueryRowContext(ctx, s.dialect.lookup, id).Scan(&t.Name, &t.Script)
	if errors.Is(err, sql.ErrNoRows) || isInvalidID(err) {
		return models.Test{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.Test{}, fmt.Errorf("failed to query test %s: %w", id, err)
	}
	return t, nil
}

// Put inserts or replaces a test
func (s *SQL) Put(ctx context.Context, t models.Test) error {
	if t.ID == "" {
		return errors.New("test id is required")
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.put, t.ID, t.Name, t.Script); err != nil {
		return fmt.Errorf("failed to store test %s: %w", t.ID, err)
	}
	return nil
}

// Close closes the database
func (s *SQL) Close() error {
	return s.db.Close()
}

// isInvalidID reports a postgres cast failure, e.g. "abc" against an integer id column
func isInvalidID(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}
