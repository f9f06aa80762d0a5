package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/HyphaGroup/crewflow/internal/state"
	_ "modernc.org/sqlite"
)

// SQLiteSaver stores checkpoints in a SQLite database.
type SQLiteSaver struct {
	db *sql.DB
}

// NewSQLiteSaver opens (or creates) checkpoints.db in dataDir.
func NewSQLiteSaver(dataDir string) (*SQLiteSaver, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "checkpoints.db")
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	saver := &SQLiteSaver{db: db}
	if err := saver.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return saver, nil
}

func (s *SQLiteSaver) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		thread_id TEXT NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		step INTEGER NOT NULL,
		next_node TEXT NOT NULL,
		interrupted INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, seq);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteSaver) Close() error {
	return s.db.Close()
}

func (s *SQLiteSaver) Put(ctx context.Context, cp *Checkpoint) error {
	prepare(cp)
	data, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, thread_id, run_id, step, next_node, interrupted, reason, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.ThreadID, cp.RunID, cp.Step, cp.Next, cp.Interrupted, cp.Reason, string(data), cp.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, thread_id, run_id, step, next_node, interrupted, reason, state, created_at FROM checkpoints`

func (s *SQLiteSaver) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`, threadID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCheckpointNotFound
	}
	return cp, err
}

func (s *SQLiteSaver) List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE thread_id = ? ORDER BY seq DESC LIMIT ?`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	return result, rows.Err()
}

func (s *SQLiteSaver) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

func (s *SQLiteSaver) Prune(ctx context.Context, cutoff time.Time, keepPerThread int) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE created_at < ?
		  AND seq NOT IN (
			SELECT seq FROM (
				SELECT seq, ROW_NUMBER() OVER (PARTITION BY thread_id ORDER BY seq DESC) AS rn
				FROM checkpoints
			) WHERE rn <= ?
		  )`,
		cutoff.UnixNano(), keepPerThread,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (*Checkpoint, error) {
	var cp Checkpoint
	var data string
	var createdAt int64
	if err := row.Scan(&cp.ID, &cp.ThreadID, &cp.RunID, &cp.Step, &cp.Next, &cp.Interrupted, &cp.Reason, &data, &createdAt); err != nil {
		return nil, err
	}
	cp.CreatedAt = time.Unix(0, createdAt)
	cp.State = &state.State{}
	if err := json.Unmarshal([]byte(data), cp.State); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	return &cp, nil
}
