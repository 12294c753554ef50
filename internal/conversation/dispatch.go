package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/tutorchat/internal/model"
)

var (
	// ErrEmptyMessage is returned when a message to send is blank.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrBusy is returned by the Try methods while a dispatch is loading.
	ErrBusy = errors.New("a request is already in flight")
)

// DefaultErrorMessage is surfaced when a failure carries no message.
const DefaultErrorMessage = "Something went wrong. Please try again."

const tutorAuthorID = "tutor"

// Tutor is the external tutoring service.
type Tutor interface {
	Ask(ctx context.Context, req model.TutorRequest) (*model.TutorResponse, error)
}

// Recorder receives messages and answer locks after they are committed.
type Recorder interface {
	RecordMessage(ctx context.Context, m model.Message) error
	RecordLocked(ctx context.Context, sessionID string, answers []model.QuestionAnswer) error
}

// Controller is the only writer of a Store. It runs the optimistic commit of
// every dispatch and reconciles the tutor's response or failure afterwards.
type Controller struct {
	store  *Store
	tutor  Tutor
	logger *slog.Logger

	now         func() time.Time
	newID       func() string
	recorder    Recorder
	stale       model.StalePolicy
	fallback    string
	authorID    string
	context     string
	temperature *float64

	mu  sync.Mutex
	seq atomic.Uint64
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. A nil logger means slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithIDGenerator overrides message id generation.
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) { c.newID = fn }
}

// WithRecorder sets a recorder for committed messages and locks.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithStalePolicy decides what to do with responses of superseded dispatches.
func WithStalePolicy(p model.StalePolicy) Option {
	return func(c *Controller) { c.stale = p }
}

// WithFallbackError sets the error shown when a failure has no message.
func WithFallbackError(msg string) Option {
	return func(c *Controller) {
		if msg != "" {
			c.fallback = msg
		}
	}
}

// WithAuthor sets the author id stamped on requester messages.
func WithAuthor(id string) Option {
	return func(c *Controller) {
		if id != "" {
			c.authorID = id
		}
	}
}

// WithRequestDefaults sets the optional context and temperature sent with
// every request.
func WithRequestDefaults(context string, temperature *float64) Option {
	return func(c *Controller) {
		c.context = context
		c.temperature = temperature
	}
}

// NewController creates a controller that owns store and talks to t.
func NewController(store *Store, t Tutor, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		tutor:    t,
		logger:   slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
		stale:    model.StaleDiscard,
		fallback: DefaultErrorMessage,
		authorID: "student",
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Store returns the conversation store for reading.
func (c *Controller) Store() *Store {
	return c.store
}

// SetPending replaces the editable answers. Answers for locked questions are
// dropped.
func (c *Controller) SetPending(answers []model.QuestionAnswer) *State {
	if answers == nil {
		answers = []model.QuestionAnswer{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Apply(MutateAnswers(answers, nil))
}

// SendMessage appends a requester message, locks whatever is pending and
// returns the in-flight dispatch. The tutor is not called until Await.
func (c *Controller) SendMessage(text string) (*Dispatch, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	return c.begin(text, true, false)
}

// TrySendMessage is SendMessage, except that it returns ErrBusy and changes
// nothing while the conversation is loading. The check and the commit happen
// under one lock.
func (c *Controller) TrySendMessage(text string) (*Dispatch, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	return c.begin(text, true, true)
}

// SubmitAnswers locks the pending answers and returns the in-flight dispatch
// without appending a requester message. It returns nil and changes nothing
// when no answer is pending.
func (c *Controller) SubmitAnswers() *Dispatch {
	d, _ := c.begin("", false, false)
	return d
}

// TrySubmitAnswers is SubmitAnswers, except that it returns ErrBusy and
// changes nothing while the conversation is loading. With nothing pending it
// returns a nil dispatch and a nil error.
func (c *Controller) TrySubmitAnswers() (*Dispatch, error) {
	return c.begin("", false, true)
}

// Send runs a full send-message dispatch and returns the tutor's reply, or
// nil when the dispatch failed or was superseded.
func (c *Controller) Send(ctx context.Context, text string) (*model.Message, error) {
	d, err := c.SendMessage(text)
	if err != nil {
		return nil, err
	}
	return d.Await(ctx), nil
}

// SubmitAnswersOnly runs a full answers-only dispatch. It is a no-op when no
// answer is pending.
func (c *Controller) SubmitAnswersOnly(ctx context.Context) *model.Message {
	d := c.SubmitAnswers()
	if d == nil {
		return nil
	}
	return d.Await(ctx)
}

func (c *Controller) begin(question string, withMessage, ifIdle bool) (*Dispatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.store.Snapshot()
	if ifIdle && prev.IsLoading {
		return nil, ErrBusy
	}
	if !withMessage && !prev.Answers.HasPending() {
		return nil, nil
	}
	answers := prev.Pending()

	var muts []Mutation
	if withMessage {
		muts = append(muts, AppendMessage(c.newMessage(question, model.RoleRequester, c.authorID)))
	}
	muts = append(muts,
		SetLoading(true),
		SetError(""),
		LockPending(),
	)
	st := c.store.Apply(muts...)

	d := &Dispatch{
		Seq: c.seq.Add(1),
		Request: model.TutorRequest{
			Question:    question,
			Context:     c.context,
			Temperature: c.temperature,
			SessionID:   st.SessionID,
		},
		c: c,
	}
	if len(answers) > 0 {
		d.Request.QuestionAnswers = answers
	}
	if withMessage {
		m, _ := st.LastMessage()
		d.Message = &m
		c.record(func(ctx context.Context) error { return c.recorder.RecordMessage(ctx, m) })
	}
	if len(answers) > 0 {
		c.record(func(ctx context.Context) error { return c.recorder.RecordLocked(ctx, st.SessionID, answers) })
	}

	c.logger.Debug("dispatch committed",
		"seq", d.Seq,
		"session_id", st.SessionID,
		"answers_only", d.Request.AnswersOnly(),
		"answers", len(answers),
	)
	return d, nil
}

func (c *Controller) resolve(d *Dispatch, resp *model.TutorResponse, err error) *model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	if latest := c.seq.Load(); c.stale != model.StaleApply && d.Seq != latest {
		c.logger.Warn("discarding stale tutor response", "seq", d.Seq, "latest", latest, "error", err)
		return nil
	}

	if err != nil || resp == nil {
		msg := c.fallback
		if err != nil {
			if text := strings.TrimSpace(err.Error()); text != "" {
				msg = text
			}
		}
		c.store.Apply(SetLoading(false), SetError(msg))
		c.logger.Warn("tutor request failed", "seq", d.Seq, "session_id", d.Request.SessionID, "error", msg)
		return nil
	}

	author := resp.ModelUsed
	if author == "" {
		author = tutorAuthorID
	}
	reply := c.newMessage(resp.Answer, model.RoleTutor, author)
	reply.Questions = resp.Questions
	reply.QuestionsTitle = resp.QuestionsTitle
	reply.CitedParagraphs = resp.CitedParagraphs

	st := c.store.Apply(AppendMessage(reply), SetLoading(false))
	reply, _ = st.LastMessage()
	c.record(func(ctx context.Context) error { return c.recorder.RecordMessage(ctx, reply) })

	attrs := []any{
		"seq", d.Seq,
		"session_id", st.SessionID,
		"message_id", reply.Metadata.MessageID,
		"model", resp.ModelUsed,
		"questions", len(resp.Questions),
	}
	if resp.TokensUsed != nil {
		attrs = append(attrs, "tokens", *resp.TokensUsed)
	}
	c.logger.Info("tutor replied", attrs...)
	return &reply
}

func (c *Controller) newMessage(text string, role model.Role, author string) model.Message {
	return model.Message{
		Text: text,
		Metadata: model.Metadata{
			Timestamp: c.now().UnixMilli(),
			AuthorID:  author,
			Role:      role,
			MessageID: c.newID(),
			SessionID: c.store.SessionID(),
		},
	}
}

func (c *Controller) record(fn func(context.Context) error) {
	if c.recorder == nil {
		return
	}
	if err := fn(context.Background()); err != nil {
		c.logger.Warn("failed to record conversation event", "error", err)
	}
}

// Dispatch is one request/response cycle whose optimistic commit has
// already happened.
type Dispatch struct {
	Seq     uint64
	Request model.TutorRequest
	Message *model.Message // requester message, nil for answers-only

	c     *Controller
	once  sync.Once
	reply *model.Message
}

// Await calls the tutor and applies the outcome to the store. It returns the
// appended tutor message, or nil when the call failed or the response was
// discarded as stale. Failures end up in the state's Error, never here.
// Calling Await more than once returns the first result.
func (d *Dispatch) Await(ctx context.Context) *model.Message {
	d.once.Do(func() {
		resp, err := d.c.tutor.Ask(ctx, d.Request)
		d.reply = d.c.resolve(d, resp, err)
	})
	return d.reply
}
