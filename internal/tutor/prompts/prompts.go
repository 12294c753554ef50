package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

const (
	maxMessageRunes = 2000
	maxContextRunes = 5000
)

var (
	studentMessageRegex     = regexp.MustCompile(`(?i)</?\s*student-message\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// Templates holds the built-in prompt templates.
//
//go:embed templates/*.txt
var Templates embed.FS

var (
	loadOnce   sync.Once
	loadErr    error
	systemTmpl *template.Template
	turnTmpl   *template.Template
)

// SystemData holds template data for the system prompt.
type SystemData struct {
	NextQuestionNumber int
	Context            string
}

// NextQuestionID is the id the model should give its next question.
func (d SystemData) NextQuestionID() string {
	return fmt.Sprintf("q%d", d.NextQuestionNumber)
}

// NextNumber is the numeric part of NextQuestionID.
func (d SystemData) NextNumber() int { return d.NextQuestionNumber }

// AfterNext is the number following NextNumber.
func (d SystemData) AfterNext() int { return d.NextQuestionNumber + 1 }

// AnswerLine is one submitted answer rendered into a turn.
type AnswerLine struct {
	QuestionID string
	OptionID   string
	Known      bool // the question was issued in this session
	Correct    bool
	CorrectID  string
}

// TurnData holds template data for one student turn.
type TurnData struct {
	Message string
	Answers []AnswerLine
}

// Load parses the prompt templates from fsys. Templates are loaded once.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		systemTmpl, loadErr = parse(fsys, "templates/system.txt")
		if loadErr != nil {
			return
		}
		turnTmpl, loadErr = parse(fsys, "templates/turn.txt")
	})
	return loadErr
}

func parse(fsys fs.FS, name string) (*template.Template, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, errors.New("failed to read prompt file " + name + ": " + err.Error())
	}
	tmpl, err := template.New(name).Parse(string(content))
	if err != nil {
		return nil, errors.New("failed to parse prompt template " + name + ": " + err.Error())
	}
	return tmpl, nil
}

// BuildSystemPrompt renders the system prompt.
func BuildSystemPrompt(data SystemData) (string, error) {
	if systemTmpl == nil {
		return "", errors.New("templates not initialized: call Load first")
	}
	data.Context = truncate(strings.TrimSpace(data.Context), maxContextRunes)
	if data.NextQuestionNumber < 1 {
		data.NextQuestionNumber = 1
	}
	var buf bytes.Buffer
	if err := systemTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// BuildTurn renders one student turn.
func BuildTurn(data TurnData) (string, error) {
	if turnTmpl == nil {
		return "", errors.New("templates not initialized: call Load first")
	}
	data.Message = sanitizeMessage(data.Message)
	var buf bytes.Buffer
	if err := turnTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sanitizeMessage(msg string) string {
	msg = studentMessageRegex.ReplaceAllString(msg, "")
	msg = systemInstructionsRegex.ReplaceAllString(msg, "")
	return truncate(strings.TrimSpace(msg), maxMessageRunes)
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "\n\n[truncated due to length]"
}
