package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/pavelanni/tutorchat/internal/conversation"
	"github.com/pavelanni/tutorchat/internal/i18n"
	"github.com/pavelanni/tutorchat/internal/model"
)

type scriptedTutor struct {
	mu      sync.Mutex
	replies []*model.TutorResponse
	err     error
	reqs    []model.TutorRequest
}

func (s *scriptedTutor) Ask(_ context.Context, req model.TutorRequest) (*model.TutorResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	resp := s.replies[0]
	s.replies = s.replies[1:]
	return resp, nil
}

func newTestModel(t *testing.T, tutor conversation.Tutor) (Model, *conversation.Controller) {
	t.Helper()
	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	ctx := i18n.WithLanguage(context.Background(), "en")
	ctrl := conversation.NewController(conversation.NewStore("sess-1"), tutor)
	m := New(ctx, ctrl)
	m = apply(t, m, tea.WindowSizeMsg{Width: 100, Height: 40})
	return m, ctrl
}

func apply(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	got, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T, want Model", next)
	}
	return got
}

func press(t *testing.T, m Model, k tea.KeyType) Model {
	t.Helper()
	return apply(t, m, tea.KeyMsg{Type: k})
}

func typeText(t *testing.T, m Model, s string) Model {
	t.Helper()
	return apply(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)})
}

// finish runs the in-flight dispatch and feeds its result back.
func finish(t *testing.T, m Model) Model {
	t.Helper()
	if m.inflight == nil {
		t.Fatal("no dispatch in flight")
	}
	return apply(t, m, m.await(m.inflight)())
}

func quizResponse() *model.TutorResponse {
	return &model.TutorResponse{
		Answer:         "Let's check, start with [q2].",
		ModelUsed:      "m",
		QuestionsTitle: "Warm-up",
		Questions: []model.Question{
			{ID: "q1", Prompt: "2+2?", Explanation: "Basic sum.", Options: []model.Option{
				{ID: "a", Text: "3"}, {ID: "b", Text: "4", IsCorrect: true},
			}},
			{ID: "q2", Prompt: "3+3?", Options: []model.Option{
				{ID: "a", Text: "6", IsCorrect: true}, {ID: "b", Text: "7"},
			}},
		},
	}
}

func TestSendAndReceive(t *testing.T) {
	tutor := &scriptedTutor{replies: []*model.TutorResponse{quizResponse()}}
	m, ctrl := newTestModel(t, tutor)

	m = typeText(t, m, "quiz me")
	m = press(t, m, tea.KeyEnter)

	st := ctrl.Store().Snapshot()
	if !st.IsLoading || len(st.Messages) != 1 || st.Messages[0].Text != "quiz me" {
		t.Fatalf("optimistic commit missing: %+v", st)
	}
	if m.input.Value() != "" {
		t.Errorf("input should be cleared, got %q", m.input.Value())
	}
	if !strings.Contains(m.View(), "Tutor is thinking...") {
		t.Error("view should show the loading indicator")
	}

	// Input is disabled while loading.
	m = typeText(t, m, "more")
	if m.input.Value() != "" {
		t.Errorf("typing while loading should be ignored, got %q", m.input.Value())
	}

	m = finish(t, m)
	st = ctrl.Store().Snapshot()
	if st.IsLoading || len(st.Messages) != 2 {
		t.Fatalf("reply not applied: %+v", st)
	}
	view := m.View()
	for _, want := range []string{"Let's check, start with [q2].", "Refers to q2 (3+3?)", "Warm-up", "Question q1", "2+2?", "( ) b. 4"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestBlankInputIsIgnored(t *testing.T) {
	m, ctrl := newTestModel(t, &scriptedTutor{})

	m = typeText(t, m, "   ")
	m = press(t, m, tea.KeyEnter)
	if m.inflight != nil || ctrl.Store().Snapshot().Version != 0 {
		t.Error("blank input must not dispatch")
	}
}

func TestSelectAndSubmitAnswers(t *testing.T) {
	tutor := &scriptedTutor{replies: []*model.TutorResponse{
		quizResponse(),
		{Answer: "One right, one wrong.", ModelUsed: "m"},
	}}
	m, ctrl := newTestModel(t, tutor)
	m = typeText(t, m, "quiz me")
	m = press(t, m, tea.KeyEnter)
	m = finish(t, m)

	// q1: move to option b and select it.
	m = press(t, m, tea.KeyTab)
	if m.focus != focusQuiz || m.focusID != "q1" {
		t.Fatalf("tab should focus q1, got focus=%v id=%q", m.focus, m.focusID)
	}
	m = press(t, m, tea.KeyDown)
	m = press(t, m, tea.KeySpace)

	// q2: pick option b (wrong).
	m = press(t, m, tea.KeyTab)
	m = press(t, m, tea.KeyDown)
	m = press(t, m, tea.KeySpace)

	pending := ctrl.Store().Snapshot().Pending()
	want := []model.QuestionAnswer{{QuestionID: "q1", SelectedOptionID: "b"}, {QuestionID: "q2", SelectedOptionID: "b"}}
	if len(pending) != 2 || pending[0] != want[0] || pending[1] != want[1] {
		t.Fatalf("pending = %v, want %v", pending, want)
	}
	if !strings.Contains(m.View(), "2 answers ready to submit") {
		t.Error("status should count pending answers")
	}

	sent := len(tutor.reqs)
	m = press(t, m, tea.KeyCtrlS)
	st := ctrl.Store().Snapshot()
	if len(st.Pending()) != 0 || len(st.Locked()) != 2 || len(st.Messages) != 2 {
		t.Fatalf("submit should lock answers without a new message: %+v", st)
	}
	if len(tutor.reqs) != sent {
		t.Fatalf("tutor called before the dispatch was awaited: %d requests, want %d", len(tutor.reqs), sent)
	}
	m = finish(t, m)
	if len(tutor.reqs) != sent+1 {
		t.Fatalf("requests = %d, want %d", len(tutor.reqs), sent+1)
	}
	if req := tutor.reqs[len(tutor.reqs)-1]; req.Question != "" || len(req.QuestionAnswers) != 2 {
		t.Errorf("unexpected answers-only request: %+v", req)
	}

	// Locked questions no longer accept selections.
	m = press(t, m, tea.KeyUp)
	m = press(t, m, tea.KeySpace)
	if n := len(ctrl.Store().Snapshot().Pending()); n != 0 {
		t.Errorf("locked question accepted a selection, pending = %d", n)
	}

	view := m.View()
	for _, want := range []string{"One right, one wrong.", "✓  b. 4", "✗  b. 7", "Explanation: Basic sum.", "Score: 1 of 2 answered correctly (2 questions)"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}

	// Empty pending: ctrl+s is a no-op.
	before := ctrl.Store().Snapshot()
	m = press(t, m, tea.KeyCtrlS)
	if ctrl.Store().Snapshot() != before || m.inflight != nil {
		t.Error("submitting with nothing pending must not change state")
	}
}

func TestFocusCycling(t *testing.T) {
	m, _ := newTestModel(t, &scriptedTutor{replies: []*model.TutorResponse{quizResponse()}})

	m = press(t, m, tea.KeyTab)
	if m.focus != focusInput {
		t.Error("tab without questions should keep focus on the input")
	}

	m = typeText(t, m, "quiz")
	m = press(t, m, tea.KeyEnter)
	m = finish(t, m)

	m = press(t, m, tea.KeyShiftTab)
	if m.focusID != "q2" {
		t.Errorf("shift+tab should focus the last question, got %q", m.focusID)
	}
	m = press(t, m, tea.KeyTab)
	if m.focus != focusInput {
		t.Error("tab past the last question should return to the input")
	}
	m = press(t, m, tea.KeyTab)
	m = press(t, m, tea.KeyEsc)
	if m.focus != focusInput || !m.input.Focused() {
		t.Error("esc should return focus to the input")
	}
}

func TestErrorBanner(t *testing.T) {
	m, ctrl := newTestModel(t, &scriptedTutor{err: errors.New("tutor service unreachable")})

	m = typeText(t, m, "hello")
	m = press(t, m, tea.KeyEnter)
	m = finish(t, m)

	st := ctrl.Store().Snapshot()
	if st.IsLoading || st.Error == "" {
		t.Fatalf("failure should clear loading and set error: %+v", st)
	}
	if !strings.Contains(m.View(), "tutor service unreachable") {
		t.Error("view should show the error banner")
	}
	if len(st.Messages) != 1 {
		t.Error("the sent message stays in the transcript")
	}
}

func TestQuitKeys(t *testing.T) {
	m, _ := newTestModel(t, &scriptedTutor{})

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("ctrl+c should return a command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("ctrl+c should quit")
	}
}
