package model

import (
	"strings"
	"time"
)

// Role identifies who authored a conversation turn.
type Role string

const (
	RoleRequester Role = "requester"
	RoleTutor     Role = "tutor"
)

// Metadata identifies a message within a session.
type Metadata struct {
	Timestamp int64  `json:"timestamp"` // ms since epoch
	AuthorID  string `json:"authorId"`
	Role      Role   `json:"role"`
	MessageID string `json:"messageId"`
	SessionID string `json:"sessionId"`
}

// Message is one turn in the conversation. Messages are never mutated after
// they are appended to a conversation.
type Message struct {
	Text            string     `json:"text"`
	Metadata        Metadata   `json:"metadata"`
	Questions       []Question `json:"questions,omitempty"`
	QuestionsTitle  string     `json:"questionsTitle,omitempty"`
	CitedParagraphs []string   `json:"citedParagraphs,omitempty"`
}

// Time returns the message timestamp as a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Metadata.Timestamp)
}

// Option is one choice of a multiple-choice question.
type Option struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	IsCorrect bool   `json:"isCorrect"`
}

// Question is a multiple-choice item attached to a tutor message.
type Question struct {
	ID          string   `json:"id"`
	Prompt      string   `json:"question"`
	Options     []Option `json:"options"`
	Explanation string   `json:"explanation,omitempty"`
}

// CorrectOption returns the first option flagged as correct.
func (q Question) CorrectOption() (Option, bool) {
	for _, o := range q.Options {
		if o.IsCorrect {
			return o, true
		}
	}
	return Option{}, false
}

// Option looks up an option by id, ignoring case.
func (q Question) Option(id string) (Option, bool) {
	for _, o := range q.Options {
		if strings.EqualFold(o.ID, id) {
			return o, true
		}
	}
	return Option{}, false
}

// QuestionAnswer is a student's selection for one question.
type QuestionAnswer struct {
	QuestionID       string `json:"questionId"`
	SelectedOptionID string `json:"selectedOptionId"`
}

// TutorRequest is the payload sent to the tutor service. An empty Question
// means the request only carries answers.
type TutorRequest struct {
	Question        string           `json:"question"`
	Context         string           `json:"context,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	SessionID       string           `json:"sessionId"`
	QuestionAnswers []QuestionAnswer `json:"questionAnswers,omitempty"`
}

// AnswersOnly reports whether the request is an answer submission without a
// new student message.
func (r TutorRequest) AnswersOnly() bool {
	return r.Question == ""
}

// TutorResponse is the tutor service reply.
type TutorResponse struct {
	Answer          string     `json:"answer"`
	ModelUsed       string     `json:"modelUsed"`
	TokensUsed      *int       `json:"tokensUsed,omitempty"`
	Questions       []Question `json:"questions,omitempty"`
	QuestionsTitle  string     `json:"questionsTitle,omitempty"`
	CitedParagraphs []string   `json:"citedParagraphs,omitempty"`
}

// Health is the tutor service health report.
type Health struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	ModelLoaded bool   `json:"modelLoaded"`
}

// ModelInfo describes a model offered by the tutor service.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// StalePolicy decides what happens to a response whose dispatch has been
// superseded by a newer one.
type StalePolicy string

const (
	StaleDiscard StalePolicy = "discard"
	StaleApply   StalePolicy = "apply"
)

// ClientConfig holds runtime client parameters set via CLI flags.
type ClientConfig struct {
	Backend     string // "http" or "openai"
	URL         string // tutor REST base URL
	APIPrefix   string // e.g. "/api/v1"
	APIKey      string
	Timeout     time.Duration
	LLMURL      string
	LLMKey      string
	LLMModel    string
	Temperature *float64 // nil means backend default
	Context     string
	Lang        string
	ArchivePath string // empty disables the archive
	Stale       StalePolicy
	AuthorID    string
}
