package model

import "time"

// TranscriptExport is the top-level JSON structure for transcript export.
type TranscriptExport struct {
	ExportedAt time.Time           `json:"exported_at"`
	Sessions   []SessionTranscript `json:"sessions"`
}

// SessionTranscript holds one archived session.
type SessionTranscript struct {
	SessionID string           `json:"session_id"`
	StartedAt time.Time        `json:"started_at"`
	Messages  []Message        `json:"messages"`
	Locked    []QuestionAnswer `json:"locked_answers"`
	Score     ScoreSummary     `json:"score"`
}

// ScoreSummary counts correct locked answers over the questions a session saw.
type ScoreSummary struct {
	Answered int `json:"answered"`
	Correct  int `json:"correct"`
	Total    int `json:"total"`
}

// SessionSummary is one row of the archive's session list.
type SessionSummary struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	Messages  int       `json:"messages"`
	Locked    int       `json:"locked_answers"`
}
