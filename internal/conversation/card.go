package conversation

import "github.com/pavelanni/tutorchat/internal/model"

// OptionState is how an option of a locked question is revealed.
type OptionState string

const (
	OptionNeutral       OptionState = "neutral"
	OptionCorrect       OptionState = "correct"
	OptionIncorrectPick OptionState = "incorrect_pick"
)

// Card is what a question widget needs to render one question set.
type Card struct {
	MessageID string
	Title     string
	Questions []model.Question
	Existing  []model.QuestionAnswer // pending answers for these questions
	Locked    []model.QuestionAnswer // submitted answers for these questions
	Disabled  bool
}

// Cards returns one card per message carrying questions.
func (s *State) Cards() []Card {
	var cards []Card
	for _, m := range s.Messages {
		if len(m.Questions) == 0 {
			continue
		}
		card := Card{
			MessageID: m.Metadata.MessageID,
			Title:     m.QuestionsTitle,
			Questions: m.Questions,
			Disabled:  s.IsLoading,
		}
		for _, q := range m.Questions {
			if a, ok := s.Answers.LockedAnswer(q.ID); ok {
				card.Locked = append(card.Locked, a)
			} else if a, ok := s.Answers.PendingAnswer(q.ID); ok {
				card.Existing = append(card.Existing, a)
			}
		}
		cards = append(cards, card)
	}
	return cards
}

// Select returns the pending set after choosing optionID for questionID, or
// ok=false when the question is already locked.
func (s *State) Select(questionID, optionID string) (answers []model.QuestionAnswer, ok bool) {
	if s.Answers.IsLocked(questionID) {
		return nil, false
	}
	answers = s.Pending()
	if i := indexOf(answers, questionID); i >= 0 {
		answers[i].SelectedOptionID = optionID
		return answers, true
	}
	return append(answers, model.QuestionAnswer{QuestionID: questionID, SelectedOptionID: optionID}), true
}

// EditableAnswers drops answers whose question is present in locked.
func EditableAnswers(answers, locked []model.QuestionAnswer) []model.QuestionAnswer {
	out := make([]model.QuestionAnswer, 0, len(answers))
	for _, a := range answers {
		if indexOf(locked, a.QuestionID) < 0 {
			out = append(out, a)
		}
	}
	return out
}

// Reveal maps each option of q to its display state given the locked answer:
// the correct option is highlighted and so is the student's pick when it is
// wrong. It also reports whether the pick was correct.
func Reveal(q model.Question, locked model.QuestionAnswer) (map[string]OptionState, bool) {
	states := make(map[string]OptionState, len(q.Options))
	right := false
	for _, o := range q.Options {
		switch {
		case o.IsCorrect:
			states[o.ID] = OptionCorrect
			if o.ID == locked.SelectedOptionID {
				right = true
			}
		case o.ID == locked.SelectedOptionID:
			states[o.ID] = OptionIncorrectPick
		default:
			states[o.ID] = OptionNeutral
		}
	}
	return states, right
}

// Score counts locked answers and correct ones over questions.
func Score(questions []model.Question, locked []model.QuestionAnswer) model.ScoreSummary {
	sum := model.ScoreSummary{Total: len(questions)}
	for _, q := range questions {
		i := indexOf(locked, q.ID)
		if i < 0 {
			continue
		}
		sum.Answered++
		if _, right := Reveal(q, locked[i]); right {
			sum.Correct++
		}
	}
	return sum
}
