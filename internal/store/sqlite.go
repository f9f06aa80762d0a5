package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists items in a SQLite database. Vectors are stored as
// JSON and ranked in process.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) store.db in dataDir.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "store.db")
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		vector TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	CREATE INDEX IF NOT EXISTS idx_items_updated ON items(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, namespace []string, key string) (*Item, error) {
	ns, err := joinNamespace(namespace)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT namespace, key, value, vector, created_at, updated_at FROM items WHERE namespace = ? AND key = ?`, ns, key)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	return item, err
}

func (s *SQLiteStore) Put(ctx context.Context, namespace []string, key string, value map[string]any, vector []float64) error {
	ns, err := joinNamespace(namespace)
	if err != nil {
		return err
	}
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	var vectorJSON sql.NullString
	if len(vector) > 0 {
		data, err := json.Marshal(vector)
		if err != nil {
			return fmt.Errorf("failed to encode vector: %w", err)
		}
		vectorJSON = sql.NullString{String: string(data), Valid: true}
	}

	now := time.Now().UnixNano()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO items (namespace, key, value, vector, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			vector = excluded.vector,
			updated_at = excluded.updated_at`,
		ns, key, string(valueJSON), vectorJSON, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert item: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, namespace []string, key string) error {
	ns, err := joinNamespace(namespace)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE namespace = ? AND key = ?`, ns, key)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, prefix []string, limit int) ([]*Item, error) {
	return s.query(ctx, prefix, false, limit)
}

func (s *SQLiteStore) Search(ctx context.Context, prefix []string, query []float64, limit int) ([]*Item, error) {
	items, err := s.query(ctx, prefix, true, 0)
	if err != nil {
		return nil, err
	}
	return rank(items, query, limit), nil
}

func (s *SQLiteStore) query(ctx context.Context, prefix []string, withVector bool, limit int) ([]*Item, error) {
	q := `SELECT namespace, key, value, vector, created_at, updated_at FROM items WHERE 1 = 1`
	var args []any
	if len(prefix) > 0 {
		ns, err := joinNamespace(prefix)
		if err != nil {
			return nil, err
		}
		q += ` AND (namespace = ? OR substr(namespace, 1, ?) = ?)`
		args = append(args, ns, len(ns)+len(namespaceSep), ns+namespaceSep)
	}
	if withVector {
		q += ` AND vector IS NOT NULL`
	}
	q += ` ORDER BY updated_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*Item, error) {
	var (
		item                 Item
		ns, value            string
		vector               sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&ns, &item.Key, &value, &vector, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	item.Namespace = splitNamespace(ns)
	item.CreatedAt = time.Unix(0, createdAt)
	item.UpdatedAt = time.Unix(0, updatedAt)
	if err := json.Unmarshal([]byte(value), &item.Value); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	if vector.Valid {
		if err := json.Unmarshal([]byte(vector.String), &item.Vector); err != nil {
			return nil, fmt.Errorf("failed to decode vector: %w", err)
		}
	}
	return &item, nil
}
