package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/tutorchat/internal/conversation"
	"github.com/pavelanni/tutorchat/internal/model"
)

// ExportSession builds the transcript of one archived session.
func (s *Store) ExportSession(ctx context.Context, sessionID string) (model.SessionTranscript, error) {
	var started int64
	err := s.db.QueryRowContext(ctx, `SELECT started_at FROM sessions WHERE id = ?`, sessionID).Scan(&started)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SessionTranscript{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return model.SessionTranscript{}, err
	}

	messages, err := s.Messages(ctx, sessionID)
	if err != nil {
		return model.SessionTranscript{}, fmt.Errorf("messages: %w", err)
	}
	locked, err := s.LockedAnswers(ctx, sessionID)
	if err != nil {
		return model.SessionTranscript{}, fmt.Errorf("locked answers: %w", err)
	}

	return model.SessionTranscript{
		SessionID: sessionID,
		StartedAt: time.UnixMilli(started).UTC(),
		Messages:  messages,
		Locked:    locked,
		Score:     conversation.Score(conversation.NewIndex(messages).Questions(), locked),
	}, nil
}

// ExportAllSessions builds transcripts for every archived session.
func (s *Store) ExportAllSessions(ctx context.Context) (*model.TranscriptExport, error) {
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	export := &model.TranscriptExport{
		ExportedAt: time.Now().UTC(),
		Sessions:   make([]model.SessionTranscript, 0, len(sessions)),
	}
	for _, sum := range sessions {
		tr, err := s.ExportSession(ctx, sum.SessionID)
		if err != nil {
			return nil, fmt.Errorf("export session %s: %w", sum.SessionID, err)
		}
		export.Sessions = append(export.Sessions, tr)
	}
	return export, nil
}
