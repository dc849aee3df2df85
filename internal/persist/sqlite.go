package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a SQLite-backed store at the given path.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		architecture TEXT NOT NULL,
		profile_ref TEXT NOT NULL,
		options_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transcripts (
		session_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		transcript TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, conversation_id)
	);

	CREATE TABLE IF NOT EXISTS workspace_files (
		session_id TEXT NOT NULL,
		path TEXT NOT NULL,
		content BLOB,
		deleted INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, path)
	);
	CREATE INDEX IF NOT EXISTS idx_workspace_files_session ON workspace_files(session_id) WHERE deleted = 0;
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// UpdateSessionRecord creates or updates a session row.
func (s *SQLiteStore) UpdateSessionRecord(ctx context.Context, rec *SessionRecord) error {
	var optionsJSON any
	if rec.Options != nil {
		data, err := json.Marshal(rec.Options)
		if err != nil {
			return fmt.Errorf("marshal session options: %w", err)
		}
		optionsJSON = string(data)
	}

	now := time.Now().Unix()
	createdAt := rec.CreatedAt.Unix()
	if rec.CreatedAt.IsZero() {
		createdAt = now
	}

	query := `
	INSERT INTO sessions (session_id, architecture, profile_ref, options_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		architecture = COALESCE(NULLIF(excluded.architecture, ''), sessions.architecture),
		profile_ref = COALESCE(NULLIF(excluded.profile_ref, ''), sessions.profile_ref),
		options_json = COALESCE(excluded.options_json, sessions.options_json),
		updated_at = excluded.updated_at`

	if _, err := s.withRetry(ctx, query, rec.SessionID, rec.Architecture, rec.ProfileRef, optionsJSON, createdAt, now); err != nil {
		return fmt.Errorf("upsert session record: %w", err)
	}
	return nil
}

// SaveTranscript stores the raw transcript of one conversation.
func (s *SQLiteStore) SaveTranscript(ctx context.Context, sessionID, conversationID, transcript string) error {
	query := `
	INSERT INTO transcripts (session_id, conversation_id, transcript, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_id, conversation_id) DO UPDATE SET
		transcript = excluded.transcript,
		updated_at = excluded.updated_at`

	if _, err := s.withRetry(ctx, query, sessionID, conversationID, transcript, time.Now().Unix()); err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

// SaveWorkspaceFile stores one workspace file.
func (s *SQLiteStore) SaveWorkspaceFile(ctx context.Context, sessionID, path string, content []byte) error {
	query := `
	INSERT INTO workspace_files (session_id, path, content, deleted, updated_at)
	VALUES (?, ?, ?, 0, ?)
	ON CONFLICT(session_id, path) DO UPDATE SET
		content = excluded.content,
		deleted = 0,
		updated_at = excluded.updated_at`

	if _, err := s.withRetry(ctx, query, sessionID, path, content, time.Now().Unix()); err != nil {
		return fmt.Errorf("save workspace file: %w", err)
	}
	return nil
}

// DeleteSessionFile tombstones one workspace file.
func (s *SQLiteStore) DeleteSessionFile(ctx context.Context, sessionID, path string) error {
	query := `
	INSERT INTO workspace_files (session_id, path, content, deleted, updated_at)
	VALUES (?, ?, NULL, 1, ?)
	ON CONFLICT(session_id, path) DO UPDATE SET
		content = NULL,
		deleted = 1,
		updated_at = excluded.updated_at`

	if _, err := s.withRetry(ctx, query, sessionID, path, time.Now().Unix()); err != nil {
		return fmt.Errorf("delete session file: %w", err)
	}
	return nil
}

// GetSession returns the session record, or nil when absent.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	query := `
	SELECT session_id, architecture, profile_ref, options_json, created_at, updated_at
	FROM sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)
	rec, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return rec, nil
}

// ListSessions returns all session records, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*SessionRecord, error) {
	query := `
	SELECT session_id, architecture, profile_ref, options_json, created_at, updated_at
	FROM sessions ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer closeRows(rows, "sessions")

	var records []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return records, nil
}

func scanSession(scan func(dest ...any) error) (*SessionRecord, error) {
	var rec SessionRecord
	var optionsJSON sql.NullString
	var createdAt, updatedAt int64

	if err := scan(&rec.SessionID, &rec.Architecture, &rec.ProfileRef, &optionsJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if optionsJSON.Valid && optionsJSON.String != "" {
		if err := json.Unmarshal([]byte(optionsJSON.String), &rec.Options); err != nil {
			slog.Warn("Ignoring undecodable session options", "session_id", rec.SessionID, "error", err)
		}
	}
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

// GetTranscripts returns all stored transcripts for the session, main first.
func (s *SQLiteStore) GetTranscripts(ctx context.Context, sessionID string) ([]TranscriptRow, error) {
	query := `
	SELECT conversation_id, transcript FROM transcripts
	WHERE session_id = ?
	ORDER BY CASE WHEN conversation_id = 'main' THEN 0 ELSE 1 END, conversation_id`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer closeRows(rows, "transcripts")

	var out []TranscriptRow
	for rows.Next() {
		var row TranscriptRow
		if err := rows.Scan(&row.ConversationID, &row.Transcript); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcripts: %w", err)
	}
	return out, nil
}

// GetWorkspaceFiles returns all live workspace files for the session.
func (s *SQLiteStore) GetWorkspaceFiles(ctx context.Context, sessionID string) ([]WorkspaceFile, error) {
	query := `SELECT path, content FROM workspace_files WHERE session_id = ? AND deleted = 0 ORDER BY path`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query workspace files: %w", err)
	}
	defer closeRows(rows, "workspace files")

	var out []WorkspaceFile
	for rows.Next() {
		var file WorkspaceFile
		if err := rows.Scan(&file.Path, &file.Content); err != nil {
			return nil, fmt.Errorf("scan workspace file row: %w", err)
		}
		out = append(out, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspace files: %w", err)
	}
	return out, nil
}

// DeleteSession removes the session and everything belonging to it.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	for _, query := range []string{
		`DELETE FROM workspace_files WHERE session_id = ?`,
		`DELETE FROM transcripts WHERE session_id = ?`,
		`DELETE FROM sessions WHERE session_id = ?`,
	} {
		if _, err := s.withRetry(ctx, query, sessionID); err != nil {
			return fmt.Errorf("delete session %s: %w", sessionID, err)
		}
	}
	return nil
}

// withRetry executes a write with exponential backoff on SQLITE_BUSY.
func (s *SQLiteStore) withRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !isSQLiteConflict(err) {
			return nil, err
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("Write failed with SQLITE_BUSY, retrying", "attempt", i+1, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", maxRetries, lastErr)
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("Failed to close rows", "query", what, "error", err)
	}
}
