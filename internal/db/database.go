package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Database is the sqlite-backed Backend. Every namespace lives in the same
// records table, partitioned by the namespace column.
type Database struct {
	db *sql.DB
}

func New(dbPath string, log logrus.FieldLogger) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	log.WithField("path", dbPath).Info("database initialized")
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (namespace, key)
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Namespace(name string) Store {
	return &sqliteStore{db: d.db, namespace: name}
}

func (d *Database) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT namespace), COUNT(*) FROM records",
	).Scan(&stats.Namespaces, &stats.Records)
	return stats, err
}

type sqliteStore struct {
	db        *sql.DB
	namespace string
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM records WHERE namespace = ? AND key = ?",
		s.namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *sqliteStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (namespace, key, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, s.namespace, key, value)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM records WHERE namespace = ? AND key = ?",
		s.namespace, key,
	)
	return err
}

func (s *sqliteStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM records WHERE namespace = ? AND key >= ? ORDER BY key ASC",
		s.namespace, prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, err
		}
		if !strings.HasPrefix(e.Key, prefix) {
			break
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *sqliteStore) DeleteAll(ctx context.Context, prefix string) error {
	end := prefixEnd(prefix)
	if end == "" {
		_, err := s.db.ExecContext(ctx,
			"DELETE FROM records WHERE namespace = ? AND key >= ?",
			s.namespace, prefix,
		)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM records WHERE namespace = ? AND key >= ? AND key < ?",
		s.namespace, prefix, end,
	)
	return err
}
