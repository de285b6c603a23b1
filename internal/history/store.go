// Package history persists chat transcripts to a local SQLite database so a
// session can be resumed across restarts.
package history

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db *sql.DB
}

// Entry is one persisted transcript turn.
type Entry struct {
	ID         int64
	SessionKey string
	Role       string
	Content    string
	RunID      string
	CreatedAt  time.Time
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}

	return nil
}

func (s *Store) Append(e Entry) error {
	_, err := s.db.Exec(
		"INSERT INTO messages (session_key, role, content, run_id, created_at) VALUES (?, ?, ?, ?, ?)",
		e.SessionKey, e.Role, e.Content, e.RunID, e.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Record adapts Append to the chat session's persistence hook.
func (s *Store) Record(sessionKey, role, content, runID string, at time.Time) error {
	return s.Append(Entry{
		SessionKey: sessionKey,
		Role:       role,
		Content:    content,
		RunID:      runID,
		CreatedAt:  at,
	})
}

// Recent returns the last limit entries for a session in chronological
// order.
func (s *Store) Recent(sessionKey string, limit int) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT id, session_key, role, content, run_id, created_at
		 FROM (SELECT * FROM messages WHERE session_key = ? ORDER BY id DESC LIMIT ?)
		 ORDER BY id ASC`,
		sessionKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.SessionKey, &e.Role, &e.Content, &e.RunID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Clear deletes all persisted entries for a session.
func (s *Store) Clear(sessionKey string) error {
	_, err := s.db.Exec("DELETE FROM messages WHERE session_key = ?", sessionKey)
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
