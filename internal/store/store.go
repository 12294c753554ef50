// Package store archives conversation transcripts in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/tutorchat/internal/conversation"
	"github.com/pavelanni/tutorchat/internal/model"

	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned when a session has no archived records.
var ErrSessionNotFound = errors.New("session not found")

var _ conversation.Recorder = (*Store)(nil)

// Store is a write-mostly transcript archive. It is never read back into a
// live conversation.
type Store struct {
	db *sql.DB
}

// New opens (and creates, if needed) the archive at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		author_id TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		questions_title TEXT NOT NULL DEFAULT '',
		questions TEXT NOT NULL DEFAULT '[]',
		cited_paragraphs TEXT NOT NULL DEFAULT '[]',
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp);

	CREATE TABLE IF NOT EXISTS locked_answers (
		session_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		option_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		locked_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, question_id),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordMessage archives a committed message. Recording the same message id
// twice is a no-op.
func (s *Store) RecordMessage(ctx context.Context, m model.Message) error {
	if m.Metadata.SessionID == "" {
		return errors.New("message has no session id")
	}
	questions, err := json.Marshal(nonNil(m.Questions))
	if err != nil {
		return fmt.Errorf("encode questions: %w", err)
	}
	cited, err := json.Marshal(nonNil(m.CitedParagraphs))
	if err != nil {
		return fmt.Errorf("encode cited paragraphs: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ensureSession(ctx, tx, m.Metadata.SessionID, m.Metadata.Timestamp); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages
		 (message_id, session_id, role, author_id, text, timestamp, questions_title, questions, cited_paragraphs)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Metadata.MessageID, m.Metadata.SessionID, m.Metadata.Role, m.Metadata.AuthorID, m.Text,
		m.Metadata.Timestamp, m.QuestionsTitle, string(questions), string(cited),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

// RecordLocked archives newly locked answers. An answer that is already
// archived for the session keeps its original option.
func (s *Store) RecordLocked(ctx context.Context, sessionID string, answers []model.QuestionAnswer) error {
	if len(answers) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, started_at) VALUES (?, ?)`, sessionID, now,
	); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM locked_answers WHERE session_id = ?`, sessionID,
	).Scan(&seq); err != nil {
		return err
	}
	for _, a := range answers {
		seq++
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO locked_answers (session_id, question_id, option_id, seq, locked_at)
			 VALUES (?, ?, ?, ?, ?)`,
			sessionID, a.QuestionID, a.SelectedOptionID, seq, now,
		)
		if err != nil {
			return fmt.Errorf("insert locked answer %s: %w", a.QuestionID, err)
		}
	}
	return tx.Commit()
}

// ensureSession creates the session row, moving started_at back when an
// earlier message arrives.
func ensureSession(ctx context.Context, tx *sql.Tx, id string, startedAt int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, started_at) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET started_at = MIN(started_at, excluded.started_at)`,
		id, startedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// ListSessions returns a summary of every archived session, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]model.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.started_at,
			(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id),
			(SELECT COUNT(*) FROM locked_answers l WHERE l.session_id = s.id)
		FROM sessions s ORDER BY s.started_at DESC, s.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []model.SessionSummary
	for rows.Next() {
		var sum model.SessionSummary
		var started int64
		if err := rows.Scan(&sum.SessionID, &started, &sum.Messages, &sum.Locked); err != nil {
			return nil, err
		}
		sum.StartedAt = time.UnixMilli(started).UTC()
		sessions = append(sessions, sum)
	}
	return sessions, rows.Err()
}

// Messages returns a session's archived messages in timestamp order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, session_id, role, author_id, text, timestamp, questions_title, questions, cited_paragraphs
		 FROM messages WHERE session_id = ? ORDER BY timestamp, id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var messages []model.Message
	for rows.Next() {
		var m model.Message
		var questions, cited string
		if err := rows.Scan(&m.Metadata.MessageID, &m.Metadata.SessionID, &m.Metadata.Role, &m.Metadata.AuthorID,
			&m.Text, &m.Metadata.Timestamp, &m.QuestionsTitle, &questions, &cited); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(questions), &m.Questions); err != nil {
			return nil, fmt.Errorf("decode questions of %s: %w", m.Metadata.MessageID, err)
		}
		if err := json.Unmarshal([]byte(cited), &m.CitedParagraphs); err != nil {
			return nil, fmt.Errorf("decode cited paragraphs of %s: %w", m.Metadata.MessageID, err)
		}
		if len(m.Questions) == 0 {
			m.Questions = nil
		}
		if len(m.CitedParagraphs) == 0 {
			m.CitedParagraphs = nil
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// LockedAnswers returns a session's locked answers in lock order.
func (s *Store) LockedAnswers(ctx context.Context, sessionID string) ([]model.QuestionAnswer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question_id, option_id FROM locked_answers WHERE session_id = ? ORDER BY seq`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var answers []model.QuestionAnswer
	for rows.Next() {
		var a model.QuestionAnswer
		if err := rows.Scan(&a.QuestionID, &a.SelectedOptionID); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
