package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/tutorchat/internal/model"
)

// fakeTutor answers with respond, or with resp/err when respond is nil.
type fakeTutor struct {
	mu       sync.Mutex
	requests []model.TutorRequest
	resp     *model.TutorResponse
	err      error
	respond  func(model.TutorRequest) (*model.TutorResponse, error)
}

func (f *fakeTutor) Ask(_ context.Context, req model.TutorRequest) (*model.TutorResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.respond != nil {
		return f.respond(req)
	}
	return f.resp, f.err
}

func (f *fakeTutor) lastRequest(t *testing.T) model.TutorRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("tutor was never called")
	}
	return f.requests[len(f.requests)-1]
}

type fakeRecorder struct {
	messages []model.Message
	locked   [][]model.QuestionAnswer
}

func (r *fakeRecorder) RecordMessage(_ context.Context, m model.Message) error {
	r.messages = append(r.messages, m)
	return nil
}

func (r *fakeRecorder) RecordLocked(_ context.Context, _ string, answers []model.QuestionAnswer) error {
	r.locked = append(r.locked, answers)
	return nil
}

func newTestController(t *testing.T, tutor Tutor, opts ...Option) *Controller {
	t.Helper()
	n := 0
	base := time.UnixMilli(1_700_000_000_000)
	defaults := []Option{
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("m%d", n)
		}),
		WithClock(func() time.Time {
			return base.Add(time.Duration(n) * time.Second)
		}),
	}
	return NewController(NewStore("sess-1"), tutor, append(defaults, opts...)...)
}

func assertInvariants(t *testing.T, st *State, prevLocked []model.QuestionAnswer) {
	t.Helper()
	assertDisjoint(t, st.Answers)
	for _, a := range prevLocked {
		got, ok := st.Answers.LockedAnswer(a.QuestionID)
		if !ok || got != a {
			t.Fatalf("locked answer %v disappeared or changed", a)
		}
	}
	for i := 1; i < len(st.Messages); i++ {
		if st.Messages[i].Metadata.Timestamp < st.Messages[i-1].Metadata.Timestamp {
			t.Fatalf("message %d timestamp went backwards", i)
		}
	}
}

// Scenario 1: plain message, no answers.
func TestSendMessageWithoutAnswers(t *testing.T) {
	tutor := &fakeTutor{resp: &model.TutorResponse{Answer: "Gravity is...", ModelUsed: "x"}}
	c := newTestController(t, tutor)

	d, err := c.SendMessage("What is gravity?")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	st := c.Store().Snapshot()
	if len(st.Messages) != 1 {
		t.Fatalf("expected 1 message before the reply, got %d", len(st.Messages))
	}
	if m := st.Messages[0]; m.Metadata.Role != model.RoleRequester || m.Text != "What is gravity?" {
		t.Errorf("unexpected requester message: %+v", m)
	}
	if !st.IsLoading {
		t.Error("expected isLoading while awaiting response")
	}

	reply := d.Await(context.Background())
	if reply == nil {
		t.Fatal("expected a tutor reply")
	}

	st = c.Store().Snapshot()
	if len(st.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(st.Messages))
	}
	if m := st.Messages[1]; m.Metadata.Role != model.RoleTutor || m.Text != "Gravity is..." {
		t.Errorf("unexpected tutor message: %+v", m)
	}
	if st.IsLoading {
		t.Error("expected isLoading to be false after the reply")
	}
	if len(st.Locked()) != 0 || len(st.Pending()) != 0 {
		t.Errorf("answers changed: pending=%v locked=%v", st.Pending(), st.Locked())
	}

	req := tutor.lastRequest(t)
	if req.Question != "What is gravity?" || req.SessionID != "sess-1" {
		t.Errorf("unexpected request: %+v", req)
	}
	if req.QuestionAnswers != nil {
		t.Errorf("expected answers to be omitted, got %v", req.QuestionAnswers)
	}
}

// Scenario 2: pending answers are locked before the network call resolves.
func TestSendMessageLocksPending(t *testing.T) {
	tutor := &fakeTutor{resp: &model.TutorResponse{Answer: "ok"}}
	c := newTestController(t, tutor)
	c.SetPending([]model.QuestionAnswer{qa("q1", "a")})

	d, err := c.SendMessage("continue")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	st := c.Store().Snapshot()
	if got := st.Locked(); len(got) != 1 || got[0] != qa("q1", "a") {
		t.Errorf("Locked() = %v, want [q1:a]", got)
	}
	if len(st.Pending()) != 0 {
		t.Errorf("expected pending to be empty, got %v", st.Pending())
	}
	if len(st.Messages) != 1 {
		t.Errorf("expected requester message to be appended, got %d messages", len(st.Messages))
	}
	if got := d.Request.QuestionAnswers; len(got) != 1 || got[0] != qa("q1", "a") {
		t.Errorf("request answers = %v, want [q1:a]", got)
	}

	d.Await(context.Background())
	if got := tutor.lastRequest(t).QuestionAnswers; len(got) != 1 {
		t.Errorf("tutor received answers %v", got)
	}
}

// Scenario 3: failures keep the optimistic commit.
func TestSendMessageFailureKeepsIntent(t *testing.T) {
	tutor := &fakeTutor{err: errors.New("network down")}
	c := newTestController(t, tutor)
	c.SetPending([]model.QuestionAnswer{qa("q1", "a")})

	reply, err := c.Send(context.Background(), "continue")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply != nil {
		t.Errorf("expected no reply, got %+v", reply)
	}

	st := c.Store().Snapshot()
	if st.Error != "network down" {
		t.Errorf("Error = %q, want %q", st.Error, "network down")
	}
	if st.IsLoading {
		t.Error("expected isLoading to be false after failure")
	}
	if len(st.Messages) != 1 || st.Messages[0].Text != "continue" {
		t.Errorf("requester message was rolled back: %+v", st.Messages)
	}
	if !st.Answers.IsLocked("q1") {
		t.Error("q1 lock was rolled back")
	}
}

// Scenario 4: answers-only submit with nothing pending changes nothing.
func TestSubmitAnswersOnlyNoop(t *testing.T) {
	tutor := &fakeTutor{resp: &model.TutorResponse{Answer: "unused"}}
	c := newTestController(t, tutor)
	before := c.Store().Snapshot()

	if d := c.SubmitAnswers(); d != nil {
		t.Fatalf("expected nil dispatch, got %+v", d)
	}
	if reply := c.SubmitAnswersOnly(context.Background()); reply != nil {
		t.Errorf("expected nil reply, got %+v", reply)
	}

	if after := c.Store().Snapshot(); after != before {
		t.Errorf("state changed: version %d -> %d", before.Version, after.Version)
	}
	if len(tutor.requests) != 0 {
		t.Errorf("tutor should not be called, got %d requests", len(tutor.requests))
	}
}

// Scenario 5: answers-only submit after selecting an option on a card.
func TestSubmitAnswersOnly(t *testing.T) {
	tutor := &fakeTutor{}
	tutor.respond = func(req model.TutorRequest) (*model.TutorResponse, error) {
		if req.AnswersOnly() {
			return &model.TutorResponse{Answer: "Correct, well done."}, nil
		}
		return &model.TutorResponse{
			Answer:         "Try this one.",
			Questions:      []model.Question{question("q1", "b", "a", "b", "c")},
			QuestionsTitle: "Warm-up",
		}, nil
	}
	c := newTestController(t, tutor)

	if _, err := c.Send(context.Background(), "quiz me"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	st := c.Store().Snapshot()
	answers, ok := st.Select("q1", "b")
	if !ok {
		t.Fatal("Select(q1, b) rejected an unlocked question")
	}
	c.SetPending(answers)

	d := c.SubmitAnswers()
	if d == nil {
		t.Fatal("expected a dispatch")
	}
	if d.Message != nil {
		t.Error("answers-only dispatch should not carry a requester message")
	}
	if d.Request.Question != "" {
		t.Errorf("expected empty question sentinel, got %q", d.Request.Question)
	}
	if n := len(c.Store().Snapshot().Messages); n != 2 {
		t.Errorf("expected no new message before the reply, got %d messages", n)
	}

	d.Await(context.Background())
	st = c.Store().Snapshot()
	if got := st.Locked(); len(got) != 1 || got[0] != qa("q1", "b") {
		t.Errorf("Locked() = %v, want [q1:b]", got)
	}
	if len(st.Pending()) != 0 {
		t.Errorf("expected pending to be empty, got %v", st.Pending())
	}
	if len(st.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(st.Messages))
	}
	for _, m := range st.Messages[1:] {
		if m.Metadata.Role != model.RoleTutor {
			t.Errorf("unexpected requester message after answers-only submit: %+v", m)
		}
	}
	if _, ok := st.Select("q1", "a"); ok {
		t.Error("Select should refuse a locked question")
	}
}

func TestSendMessageRejectsBlank(t *testing.T) {
	c := newTestController(t, &fakeTutor{})
	before := c.Store().Snapshot()
	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := c.SendMessage(text); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("SendMessage(%q) error = %v, want ErrEmptyMessage", text, err)
		}
	}
	if c.Store().Snapshot() != before {
		t.Error("blank message changed the state")
	}
}

func TestErrorFallbackAndReplacement(t *testing.T) {
	tests := []struct {
		name string
		resp *model.TutorResponse
		err  error
		want string
	}{
		{"error message", nil, errors.New("HTTP 503: model unavailable"), "HTTP 503: model unavailable"},
		{"blank error", nil, errors.New("  "), "fallback"},
		{"nil response", nil, nil, "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tutor := &fakeTutor{resp: tt.resp, err: tt.err}
			c := newTestController(t, tutor, WithFallbackError("fallback"))

			c.Send(context.Background(), "first")
			if got := c.Store().Snapshot().Error; got != tt.want {
				t.Errorf("Error = %q, want %q", got, tt.want)
			}

			// A new dispatch clears the previous error before the call.
			tutor.err = errors.New("second failure")
			d, _ := c.SendMessage("second")
			if got := c.Store().Snapshot().Error; got != "" {
				t.Errorf("expected error to be cleared on new dispatch, got %q", got)
			}
			d.Await(context.Background())
			if got := c.Store().Snapshot().Error; got != "second failure" {
				t.Errorf("Error = %q, want %q", got, "second failure")
			}
		})
	}
}

func TestTutorReplyCarriesResponseFields(t *testing.T) {
	tokens := 42
	tutor := &fakeTutor{resp: &model.TutorResponse{
		Answer:          "See [q1].",
		ModelUsed:       "gemini",
		TokensUsed:      &tokens,
		Questions:       []model.Question{question("q1", "a", "a", "b")},
		QuestionsTitle:  "Practice",
		CitedParagraphs: []string{"p1", "p2"},
	}}
	c := newTestController(t, tutor)

	reply, err := c.Send(context.Background(), "help")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.QuestionsTitle != "Practice" || len(reply.Questions) != 1 || len(reply.CitedParagraphs) != 2 {
		t.Errorf("reply lost response fields: %+v", reply)
	}
	if reply.Metadata.AuthorID != "gemini" || reply.Metadata.SessionID != "sess-1" || reply.Metadata.MessageID == "" {
		t.Errorf("unexpected metadata: %+v", reply.Metadata)
	}
	if got := c.Store().Snapshot().Questions().Resolve(reply.Text); len(got) != 1 {
		t.Errorf("expected [q1] to resolve through the index, got %v", got)
	}
}

func TestStaleResponses(t *testing.T) {
	tests := []struct {
		name         string
		policy       model.StalePolicy
		wantMessages int
	}{
		{"discard", model.StaleDiscard, 3},
		{"apply", model.StaleApply, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tutor := &fakeTutor{}
			tutor.respond = func(req model.TutorRequest) (*model.TutorResponse, error) {
				return &model.TutorResponse{Answer: "re: " + req.Question}, nil
			}
			c := newTestController(t, tutor, WithStalePolicy(tt.policy))

			first, _ := c.SendMessage("first")
			second, _ := c.SendMessage("second")

			// The older dispatch resolves late.
			firstReply := first.Await(context.Background())
			if tt.policy == model.StaleDiscard {
				if firstReply != nil {
					t.Error("stale reply should be discarded")
				}
				if !c.Store().Snapshot().IsLoading {
					t.Error("stale response must not end the newer dispatch's loading state")
				}
			}
			second.Await(context.Background())

			st := c.Store().Snapshot()
			if len(st.Messages) != tt.wantMessages {
				t.Errorf("expected %d messages, got %d", tt.wantMessages, len(st.Messages))
			}
			if st.IsLoading {
				t.Error("expected isLoading to be false once the latest dispatch resolved")
			}
			last, _ := st.LastMessage()
			if last.Text != "re: second" && tt.policy == model.StaleDiscard {
				t.Errorf("last message = %q, want reply to second", last.Text)
			}
		})
	}
}

func TestAwaitTwice(t *testing.T) {
	tutor := &fakeTutor{resp: &model.TutorResponse{Answer: "once"}}
	c := newTestController(t, tutor)
	d, _ := c.SendMessage("hi")

	r1 := d.Await(context.Background())
	r2 := d.Await(context.Background())
	if r1 != r2 {
		t.Error("second Await returned a different result")
	}
	if len(tutor.requests) != 1 {
		t.Errorf("expected 1 tutor call, got %d", len(tutor.requests))
	}
	if n := len(c.Store().Snapshot().Messages); n != 2 {
		t.Errorf("expected 2 messages, got %d", n)
	}
}

func TestRecorderSeesCommits(t *testing.T) {
	rec := &fakeRecorder{}
	tutor := &fakeTutor{resp: &model.TutorResponse{Answer: "ok"}}
	c := newTestController(t, tutor, WithRecorder(rec))
	c.SetPending([]model.QuestionAnswer{qa("q1", "a")})

	c.Send(context.Background(), "hello")

	if len(rec.messages) != 2 {
		t.Fatalf("expected 2 recorded messages, got %d", len(rec.messages))
	}
	if rec.messages[0].Metadata.Role != model.RoleRequester || rec.messages[1].Metadata.Role != model.RoleTutor {
		t.Errorf("unexpected recorded roles: %v, %v", rec.messages[0].Metadata.Role, rec.messages[1].Metadata.Role)
	}
	if len(rec.locked) != 1 || rec.locked[0][0] != qa("q1", "a") {
		t.Errorf("unexpected recorded locks: %v", rec.locked)
	}
}

func TestInvariantsAcrossSession(t *testing.T) {
	tutor := &fakeTutor{}
	round := 0
	tutor.respond = func(req model.TutorRequest) (*model.TutorResponse, error) {
		round++
		if round%3 == 0 {
			return nil, errors.New("flaky")
		}
		id := fmt.Sprintf("q%d", round)
		return &model.TutorResponse{Answer: "next", Questions: []model.Question{question(id, "a", "a", "b")}}, nil
	}

	// The clock runs backwards to exercise timestamp ordering.
	now := time.UnixMilli(2_000_000_000_000)
	c := newTestController(t, tutor, WithClock(func() time.Time {
		now = now.Add(-time.Second)
		return now
	}))

	var locked []model.QuestionAnswer
	for i := 0; i < 8; i++ {
		st := c.Store().Snapshot()
		// Try to answer every question, locked ones included.
		var answers []model.QuestionAnswer
		for _, q := range st.Questions().Questions() {
			answers = append(answers, qa(q.ID, "b"))
		}
		st = c.SetPending(answers)
		assertInvariants(t, st, locked)

		if i%2 == 0 {
			c.Send(context.Background(), fmt.Sprintf("turn %d", i))
		} else {
			c.SubmitAnswersOnly(context.Background())
		}
		st = c.Store().Snapshot()
		assertInvariants(t, st, locked)
		locked = st.Locked()
	}
	if len(locked) == 0 {
		t.Error("expected some answers to be locked over the session")
	}
}

func TestTryMethodsRejectWhileLoading(t *testing.T) {
	tutor := &fakeTutor{resp: &model.TutorResponse{Answer: "ok"}}
	c := newTestController(t, tutor)

	if d, err := c.TrySubmitAnswers(); d != nil || err != nil {
		t.Fatalf("TrySubmitAnswers with nothing pending = %v, %v; want nil, nil", d, err)
	}
	if _, err := c.TrySendMessage("  "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("TrySendMessage blank: err = %v, want ErrEmptyMessage", err)
	}

	d, err := c.TrySendMessage("first")
	if err != nil {
		t.Fatalf("TrySendMessage: %v", err)
	}
	c.SetPending([]model.QuestionAnswer{qa("q1", "a")})
	loading := c.Store().Snapshot()

	if _, err := c.TrySendMessage("second"); !errors.Is(err, ErrBusy) {
		t.Errorf("TrySendMessage while loading: err = %v, want ErrBusy", err)
	}
	if _, err := c.TrySubmitAnswers(); !errors.Is(err, ErrBusy) {
		t.Errorf("TrySubmitAnswers while loading: err = %v, want ErrBusy", err)
	}
	if after := c.Store().Snapshot(); after != loading {
		t.Errorf("rejected dispatches changed state: version %d -> %d", loading.Version, after.Version)
	}

	d.Await(context.Background())
	next, err := c.TrySubmitAnswers()
	if err != nil || next == nil {
		t.Fatalf("TrySubmitAnswers after reply = %v, %v", next, err)
	}
	if !next.Request.AnswersOnly() || len(next.Request.QuestionAnswers) != 1 {
		t.Errorf("unexpected request: %+v", next.Request)
	}
	if !c.Store().Snapshot().Answers.IsLocked("q1") {
		t.Error("q1 should be locked by the optimistic commit")
	}
}

func TestConcurrentTrySendStartsOneDispatch(t *testing.T) {
	c := newTestController(t, &fakeTutor{})

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	started := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := c.TrySendMessage(fmt.Sprintf("m%d", i)); err == nil {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if started != 1 {
		t.Errorf("started = %d dispatches, want 1", started)
	}
	if got := len(c.Store().Snapshot().Messages); got != 1 {
		t.Errorf("messages = %d, want 1", got)
	}
}
