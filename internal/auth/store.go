package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// TokenPrefix marks crewflow API tokens.
const TokenPrefix = "cfw_"

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrInvalidToken  = errors.New("invalid token format")
	ErrInvalidScope  = errors.New("invalid scope")
)

// Store handles token persistence
type Store struct {
	db *sql.DB
	wg sync.WaitGroup
}

// NewStore creates a new auth store with SQLite backend
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "auth.db")
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		scope TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used_at DATETIME,
		expires_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_tokens_scope ON tokens(scope);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close waits for pending last-used updates and closes the database
func (s *Store) Close() error {
	s.wg.Wait()
	return s.db.Close()
}

// CreateToken creates a new API token
func (s *Store) CreateToken(name, scope string, expiresAt *time.Time) (*Token, string, error) {
	if !ValidScope(scope) {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}
	tokenID := TokenPrefix + hex.EncodeToString(tokenBytes)

	token := &Token{
		ID:        tokenID,
		Name:      name,
		Scope:     scope,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}

	_, err := s.db.Exec(
		`INSERT INTO tokens (id, name, scope, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		token.ID, token.Name, token.Scope, token.CreatedAt, token.ExpiresAt,
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to insert token: %w", err)
	}

	return token, tokenID, nil
}

// ImportToken registers a token whose value is already known, such as one
// declared in the config file. Importing an existing token updates its name
// and scope.
func (s *Store) ImportToken(tokenID, name, scope string) (*Token, error) {
	if !strings.HasPrefix(tokenID, TokenPrefix) || len(tokenID) == len(TokenPrefix) {
		return nil, ErrInvalidToken
	}
	if scope == "" {
		scope = ScopeAdmin
	}
	if !ValidScope(scope) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	if name == "" {
		name = "config"
	}

	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO tokens (id, name, scope, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, scope = excluded.scope`,
		tokenID, name, scope, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to import token: %w", err)
	}
	return &Token{ID: tokenID, Name: name, Scope: scope, CreatedAt: now}, nil
}

// ValidateToken validates a token and returns its details
func (s *Store) ValidateToken(tokenID string) (*Token, error) {
	token, err := s.lookup(tokenID)
	if err != nil {
		return nil, err
	}
	if token.ExpiresAt != nil && time.Now().After(*token.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	s.wg.Add(1)
	go s.updateLastUsed(tokenID)

	return token, nil
}

func (s *Store) lookup(tokenID string) (*Token, error) {
	if !strings.HasPrefix(tokenID, TokenPrefix) {
		return nil, ErrInvalidToken
	}

	row := s.db.QueryRow(
		`SELECT id, name, scope, created_at, last_used_at, expires_at FROM tokens WHERE id = ?`,
		tokenID,
	)
	token, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query token: %w", err)
	}
	return token, nil
}

func (s *Store) updateLastUsed(tokenID string) {
	defer s.wg.Done()
	_, _ = s.db.Exec(`UPDATE tokens SET last_used_at = ? WHERE id = ?`, time.Now(), tokenID)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanToken(row scanner) (*Token, error) {
	var token Token
	var lastUsedAt, expiresAt sql.NullTime
	if err := row.Scan(&token.ID, &token.Name, &token.Scope, &token.CreatedAt, &lastUsedAt, &expiresAt); err != nil {
		return nil, err
	}
	if lastUsedAt.Valid {
		token.LastUsedAt = &lastUsedAt.Time
	}
	if expiresAt.Valid {
		token.ExpiresAt = &expiresAt.Time
	}
	return &token, nil
}

// ListTokens returns all tokens, newest first
func (s *Store) ListTokens() ([]*Token, error) {
	rows, err := s.db.Query(
		`SELECT id, name, scope, created_at, last_used_at, expires_at FROM tokens ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []*Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tokens = append(tokens, token)
	}

	return tokens, rows.Err()
}

// RevokeToken deletes a token
func (s *Store) RevokeToken(tokenID string) error {
	result, err := s.db.Exec(`DELETE FROM tokens WHERE id = ?`, tokenID)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTokenNotFound
	}

	return nil
}

// GetToken returns a token by ID without checking expiry
func (s *Store) GetToken(tokenID string) (*Token, error) {
	return s.lookup(tokenID)
}

// MaskToken shortens a token for logs and listings
func MaskToken(tokenID string) string {
	if len(tokenID) <= 12 {
		return "***"
	}
	return tokenID[:8] + "..." + tokenID[len(tokenID)-4:]
}
