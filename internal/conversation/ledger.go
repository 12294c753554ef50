package conversation

import (
	"slices"

	"github.com/pavelanni/tutorchat/internal/model"
)

// Ledger holds the pending (editable) and locked (submitted) answer sets.
// A question id is in at most one of the two sets, and once locked it never
// leaves the locked set. Ledger is a value: every operation returns a new one
// and never aliases the receiver's slices.
type Ledger struct {
	pending []model.QuestionAnswer
	locked  []model.QuestionAnswer
}

// SetPending replaces the pending set with answers. Later entries for the same
// question win, and answers for already locked questions are dropped.
func (l Ledger) SetPending(answers []model.QuestionAnswer) Ledger {
	pending := make([]model.QuestionAnswer, 0, len(answers))
	for _, a := range answers {
		if a.QuestionID == "" || l.IsLocked(a.QuestionID) {
			continue
		}
		if i := indexOf(pending, a.QuestionID); i >= 0 {
			pending[i] = a
			continue
		}
		pending = append(pending, a)
	}
	return Ledger{pending: pending, locked: l.locked}
}

// LockAll moves every pending answer into the locked set and empties pending.
func (l Ledger) LockAll() Ledger {
	return l.Lock(l.pending)
}

// Lock appends answers to the locked set and removes their questions from
// pending. Answers for questions that are already locked are ignored.
func (l Ledger) Lock(answers []model.QuestionAnswer) Ledger {
	locked := slices.Clone(l.locked)
	for _, a := range answers {
		if a.QuestionID == "" || indexOf(locked, a.QuestionID) >= 0 {
			continue
		}
		locked = append(locked, a)
	}
	pending := make([]model.QuestionAnswer, 0, len(l.pending))
	for _, a := range l.pending {
		if indexOf(locked, a.QuestionID) < 0 {
			pending = append(pending, a)
		}
	}
	return Ledger{pending: pending, locked: locked}
}

// SnapshotPending returns a copy of the pending answers.
func (l Ledger) SnapshotPending() []model.QuestionAnswer {
	return slices.Clone(l.pending)
}

// Locked returns a copy of the locked answers in lock order.
func (l Ledger) Locked() []model.QuestionAnswer {
	return slices.Clone(l.locked)
}

// IsLocked reports whether the question has a submitted answer.
func (l Ledger) IsLocked(questionID string) bool {
	return indexOf(l.locked, questionID) >= 0
}

// LockedAnswer returns the submitted answer for a question.
func (l Ledger) LockedAnswer(questionID string) (model.QuestionAnswer, bool) {
	if i := indexOf(l.locked, questionID); i >= 0 {
		return l.locked[i], true
	}
	return model.QuestionAnswer{}, false
}

// PendingAnswer returns the editable answer for a question.
func (l Ledger) PendingAnswer(questionID string) (model.QuestionAnswer, bool) {
	if i := indexOf(l.pending, questionID); i >= 0 {
		return l.pending[i], true
	}
	return model.QuestionAnswer{}, false
}

// HasPending reports whether any answer is waiting to be submitted.
func (l Ledger) HasPending() bool {
	return len(l.pending) > 0
}

func indexOf(answers []model.QuestionAnswer, questionID string) int {
	return slices.IndexFunc(answers, func(a model.QuestionAnswer) bool {
		return a.QuestionID == questionID
	})
}
