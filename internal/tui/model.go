// Package tui is a terminal front end for a conversation.
package tui

import (
	"context"
	"errors"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/pavelanni/tutorchat/internal/conversation"
	"github.com/pavelanni/tutorchat/internal/i18n"
	"github.com/pavelanni/tutorchat/internal/model"
)

type focusArea int

const (
	focusInput focusArea = iota
	focusQuiz
)

// chrome is the number of lines around the transcript viewport.
const chrome = 7

// replyMsg carries the outcome of one dispatch.
type replyMsg struct {
	seq   uint64
	reply *model.Message
}

// Model is the bubbletea model of the chat screen.
type Model struct {
	ctx  context.Context
	ctrl *conversation.Controller

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model

	width  int
	height int

	focus    focusArea
	focusID  string // focused question
	cursor   int    // option cursor within the focused question
	inflight *conversation.Dispatch
}

// New creates the chat screen for ctrl. Strings are localized with the
// localizer carried by ctx.
func New(ctx context.Context, ctrl *conversation.Controller) Model {
	inp := textinput.New()
	inp.Placeholder = i18n.T(ctx, "InputPlaceholder")
	inp.Prompt = "> "
	inp.CharLimit = 2000
	inp.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := Model{
		ctx:      ctx,
		ctrl:     ctrl,
		input:    inp,
		viewport: viewport.New(80, 20),
		spinner:  sp,
		width:    80,
		height:   20 + chrome,
	}
	m.refresh()
	return m
}

// Run shows the chat screen until the user quits.
func Run(ctx context.Context, ctrl *conversation.Controller, opts ...tea.ProgramOption) error {
	opts = append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)
	_, err := tea.NewProgram(New(ctx, ctrl), opts...).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-chrome, 3)
		m.input.Width = max(msg.Width-4, 10)
	case replyMsg:
		if m.inflight != nil && m.inflight.Seq == msg.seq {
			m.inflight = nil
		}
	case spinner.TickMsg:
		if m.ctrl.Store().Snapshot().IsLoading {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	case tea.KeyMsg:
		next, cmd, handled := m.handleKey(msg)
		if handled {
			next.refresh()
			return next, cmd
		}
		m = next
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	m.refresh()
	return m, tea.Batch(cmds...)
}

// handleKey applies one key press. handled is false when the key should
// also reach the viewport.
func (m Model) handleKey(msg tea.KeyMsg) (Model, tea.Cmd, bool) {
	st := m.ctrl.Store().Snapshot()
	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit, true
	case key.Matches(msg, keys.Submit):
		return m.submitAnswers()
	case key.Matches(msg, keys.Next):
		m.moveFocus(st, 1)
		return m, nil, true
	case key.Matches(msg, keys.Prev):
		m.moveFocus(st, -1)
		return m, nil, true
	case key.Matches(msg, keys.ScrollUp, keys.ScrollDn):
		return m, nil, false
	}

	if m.focus == focusQuiz {
		switch {
		case key.Matches(msg, keys.Back):
			m.focus = focusInput
			m.input.Focus()
		case key.Matches(msg, keys.Up):
			m.moveCursor(st, -1)
		case key.Matches(msg, keys.Down):
			m.moveCursor(st, 1)
		case key.Matches(msg, keys.Select):
			m.selectOption(st)
		}
		return m, nil, true
	}

	switch {
	case key.Matches(msg, keys.Back):
		return m, tea.Quit, true
	case key.Matches(msg, keys.Send):
		return m.sendMessage()
	}
	if st.IsLoading {
		return m, nil, true
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd, true
}

func (m Model) sendMessage() (Model, tea.Cmd, bool) {
	d, err := m.ctrl.TrySendMessage(m.input.Value())
	if err != nil {
		// blank input or busy
		return m, nil, true
	}
	m.input.Reset()
	m.inflight = d
	return m, tea.Batch(m.await(d), m.spinner.Tick), true
}

func (m Model) submitAnswers() (Model, tea.Cmd, bool) {
	d, err := m.ctrl.TrySubmitAnswers()
	if err != nil || d == nil {
		return m, nil, true
	}
	m.inflight = d
	return m, tea.Batch(m.await(d), m.spinner.Tick), true
}

func (m Model) await(d *conversation.Dispatch) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return replyMsg{seq: d.Seq, reply: d.Await(ctx)}
	}
}

// moveFocus cycles the focused question by step. Leaving the last question
// returns focus to the input.
func (m *Model) moveFocus(st *conversation.State, step int) {
	questions := st.Questions().Questions()
	if len(questions) == 0 {
		return
	}
	i := -1
	if m.focus == focusQuiz {
		for j, q := range questions {
			if q.ID == m.focusID {
				i = j
				break
			}
		}
	}
	switch {
	case i < 0 && step > 0:
		i = 0
	case i < 0:
		i = len(questions) - 1
	default:
		i += step
	}
	if i < 0 || i >= len(questions) {
		m.focus = focusInput
		m.focusID = ""
		m.input.Focus()
		return
	}
	m.focus = focusQuiz
	m.input.Blur()
	m.focusID = questions[i].ID
	m.cursor = 0
	if a, ok := st.Answers.PendingAnswer(m.focusID); ok {
		m.cursor = optionIndex(questions[i], a.SelectedOptionID)
	} else if a, ok := st.Answers.LockedAnswer(m.focusID); ok {
		m.cursor = optionIndex(questions[i], a.SelectedOptionID)
	}
}

func (m *Model) moveCursor(st *conversation.State, step int) {
	q, ok := st.Questions().Lookup(m.focusID)
	if !ok || len(q.Options) == 0 {
		return
	}
	m.cursor = (m.cursor + step + len(q.Options)) % len(q.Options)
}

func (m *Model) selectOption(st *conversation.State) {
	if st.IsLoading {
		return
	}
	q, ok := st.Questions().Lookup(m.focusID)
	if !ok || m.cursor >= len(q.Options) {
		return
	}
	answers, ok := st.Select(q.ID, q.Options[m.cursor].ID)
	if !ok {
		return
	}
	m.ctrl.SetPending(answers)
}

func optionIndex(q model.Question, optionID string) int {
	for i, o := range q.Options {
		if o.ID == optionID {
			return i
		}
	}
	return 0
}

// refresh re-renders the transcript into the viewport.
func (m *Model) refresh() {
	st := m.ctrl.Store().Snapshot()
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderTranscript(st))
	if atBottom || st.IsLoading {
		m.viewport.GotoBottom()
	}
}
