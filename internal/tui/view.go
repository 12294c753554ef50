package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/pavelanni/tutorchat/internal/conversation"
	"github.com/pavelanni/tutorchat/internal/i18n"
	"github.com/pavelanni/tutorchat/internal/model"
)

func (m Model) View() string {
	st := m.ctrl.Store().Snapshot()

	var b strings.Builder
	b.WriteString(titleStyle.Render(i18n.T(m.ctx, "AppTitle")))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	if st.Error != "" {
		b.WriteString(errorStyle.Render(st.Error))
	}
	b.WriteString("\n")
	b.WriteString(statusBarStyle.Render(m.status(st)))
	b.WriteString("\n")
	if st.IsLoading {
		b.WriteString(m.spinner.View() + " " + mutedStyle.Render(i18n.T(m.ctx, "Thinking")))
	} else {
		b.WriteString(m.input.View())
	}
	b.WriteString("\n")
	b.WriteString(footerStyle.Render(i18n.T(m.ctx, "HelpLine")))
	return b.String()
}

func (m Model) status(st *conversation.State) string {
	parts := []string{}
	if n := len(st.Pending()); n > 0 {
		parts = append(parts, i18n.Tp(m.ctx, "PendingAnswers", n))
	}
	questions := st.Questions().Questions()
	if len(st.Locked()) > 0 {
		sum := conversation.Score(questions, st.Locked())
		parts = append(parts, i18n.Td(m.ctx, "ScoreLine", map[string]any{
			"Correct":  sum.Correct,
			"Answered": sum.Answered,
			"Total":    sum.Total,
		}))
	}
	if len(parts) == 0 && st.Questions().Len() == 0 {
		parts = append(parts, i18n.T(m.ctx, "NoQuestions"))
	}
	return strings.Join(parts, " · ")
}

func (m Model) renderTranscript(st *conversation.State) string {
	cards := make(map[string]conversation.Card)
	for _, c := range st.Cards() {
		cards[c.MessageID] = c
	}
	width := max(m.width-2, 20)
	text := lipgloss.NewStyle().Width(width)

	var b strings.Builder
	for _, msg := range st.Messages {
		if msg.Metadata.Role == model.RoleRequester {
			b.WriteString(userStyle.Render(i18n.T(m.ctx, "You")))
		} else {
			b.WriteString(tutorStyle.Render(i18n.T(m.ctx, "Tutor")))
		}
		b.WriteString(mutedStyle.Render(" · " + msg.Time().Format("15:04")))
		b.WriteString("\n")
		if msg.Text != "" {
			b.WriteString(text.Render(msg.Text))
			b.WriteString("\n")
		}
		if refs := st.Questions().Resolve(msg.Text); len(refs) > 0 {
			b.WriteString(mutedStyle.Render(m.references(refs)))
			b.WriteString("\n")
		}
		if card, ok := cards[msg.Metadata.MessageID]; ok {
			b.WriteString(m.renderCard(card, width))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// references lists the questions a message points at with "[qN]".
func (m Model) references(questions []model.Question) string {
	parts := make([]string, 0, len(questions))
	for _, q := range questions {
		parts = append(parts, fmt.Sprintf("%s (%s)", q.ID, q.Prompt))
	}
	return i18n.Td(m.ctx, "References", map[string]any{"Questions": strings.Join(parts, ", ")})
}

func (m Model) renderCard(card conversation.Card, width int) string {
	var b strings.Builder
	if card.Title != "" {
		b.WriteString(lipgloss.NewStyle().Bold(true).Render(card.Title))
		b.WriteString("\n")
	}
	focused := false
	for i, q := range card.Questions {
		if i > 0 {
			b.WriteString("\n")
		}
		isFocus := m.focus == focusQuiz && q.ID == m.focusID
		focused = focused || isFocus
		b.WriteString(m.renderQuestion(q, card, isFocus))
	}
	style := cardStyle
	if focused {
		style = focusCardStyle
	}
	return style.Width(max(width-2, 10)).Render(strings.TrimRight(b.String(), "\n"))
}

func (m Model) renderQuestion(q model.Question, card conversation.Card, isFocus bool) string {
	var b strings.Builder
	header := i18n.Td(m.ctx, "QuestionN", map[string]any{"ID": q.ID})
	fmt.Fprintf(&b, "%s: %s\n", mutedStyle.Render(header), q.Prompt)

	if locked, ok := findAnswer(card.Locked, q.ID); ok {
		states, right := conversation.Reveal(q, locked)
		for _, o := range q.Options {
			line := fmt.Sprintf("  %s. %s", o.ID, o.Text)
			switch states[o.ID] {
			case conversation.OptionCorrect:
				b.WriteString(correctStyle.Render("✓" + line))
			case conversation.OptionIncorrectPick:
				b.WriteString(incorrectStyle.Render("✗" + line))
			default:
				b.WriteString(mutedStyle.Render(" " + line))
			}
			b.WriteString("\n")
		}
		verdict := incorrectStyle.Render(i18n.T(m.ctx, "Incorrect"))
		if right {
			verdict = correctStyle.Render(i18n.T(m.ctx, "Correct"))
		}
		fmt.Fprintf(&b, "%s · %s\n", mutedStyle.Render(i18n.T(m.ctx, "Locked")), verdict)
		if q.Explanation != "" {
			b.WriteString(mutedStyle.Render(i18n.Td(m.ctx, "Explanation", map[string]any{"Text": q.Explanation})))
			b.WriteString("\n")
		}
		return b.String()
	}

	pending, hasPending := findAnswer(card.Existing, q.ID)
	for i, o := range q.Options {
		pointer := " "
		if isFocus && i == m.cursor {
			pointer = ">"
		}
		mark := "( )"
		if hasPending && pending.SelectedOptionID == o.ID {
			mark = "(•)"
		}
		line := fmt.Sprintf("%s %s %s. %s", pointer, mark, o.ID, o.Text)
		if card.Disabled {
			line = mutedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func findAnswer(answers []model.QuestionAnswer, questionID string) (model.QuestionAnswer, bool) {
	for _, a := range answers {
		if a.QuestionID == questionID {
			return a, true
		}
	}
	return model.QuestionAnswer{}, false
}
