package conversation

import (
	"regexp"

	"github.com/pavelanni/tutorchat/internal/model"
)

var questionRefRegex = regexp.MustCompile(`\[(q\d+)\]`)

// AllQuestions returns every question carried by messages, in message order
// and then in attachment order. Duplicated ids are kept as they are.
func AllQuestions(messages []model.Message) []model.Question {
	var out []model.Question
	for _, m := range messages {
		out = append(out, m.Questions...)
	}
	return out
}

// Index is a lookup view over the questions of a message sequence. It is
// rebuilt from the messages and never edited on its own.
type Index struct {
	questions []model.Question
	byID      map[string]int
}

// NewIndex projects messages into an Index. When an id repeats, Lookup
// returns its first occurrence.
func NewIndex(messages []model.Message) *Index {
	qs := AllQuestions(messages)
	byID := make(map[string]int, len(qs))
	for i, q := range qs {
		if _, ok := byID[q.ID]; !ok {
			byID[q.ID] = i
		}
	}
	return &Index{questions: qs, byID: byID}
}

// Questions returns the flattened question sequence.
func (ix *Index) Questions() []model.Question {
	return ix.questions
}

// Len returns the number of questions, duplicates included.
func (ix *Index) Len() int {
	return len(ix.questions)
}

// Lookup returns the question with the given id.
func (ix *Index) Lookup(id string) (model.Question, bool) {
	i, ok := ix.byID[id]
	if !ok {
		return model.Question{}, false
	}
	return ix.questions[i], true
}

// Resolve returns the known questions referenced as "[qN]" in text.
func (ix *Index) Resolve(text string) []model.Question {
	var out []model.Question
	for _, id := range referencedIDs(text) {
		if q, ok := ix.Lookup(id); ok {
			out = append(out, q)
		}
	}
	return out
}

// referencedIDs extracts "[qN]" question ids from text in order of first
// appearance.
func referencedIDs(text string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, m := range questionRefRegex.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			ids = append(ids, m[1])
		}
	}
	return ids
}
