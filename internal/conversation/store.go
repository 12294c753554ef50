package conversation

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pavelanni/tutorchat/internal/model"
)

// State is an immutable snapshot of a conversation. Readers must treat every
// slice reachable from a State as read-only.
type State struct {
	Version   uint64
	SessionID string
	Messages  []model.Message
	IsLoading bool
	Error     string
	Answers   Ledger

	index *Index
}

// Pending returns the editable answers.
func (s *State) Pending() []model.QuestionAnswer {
	return s.Answers.SnapshotPending()
}

// Locked returns the submitted answers.
func (s *State) Locked() []model.QuestionAnswer {
	return s.Answers.Locked()
}

// Questions returns the question index derived from the messages.
func (s *State) Questions() *Index {
	return s.index
}

// LastMessage returns the most recent message.
func (s *State) LastMessage() (model.Message, bool) {
	if len(s.Messages) == 0 {
		return model.Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// Mutation is one state transition primitive. Mutations passed to a single
// Store.Apply call are committed as one snapshot.
type Mutation func(*State)

// AppendMessage pushes m to the end of the message sequence. The timestamp is
// raised to the previous message's timestamp if the clock went backwards.
func AppendMessage(m model.Message) Mutation {
	return func(st *State) {
		if last, ok := st.LastMessage(); ok && m.Metadata.Timestamp < last.Metadata.Timestamp {
			m.Metadata.Timestamp = last.Metadata.Timestamp
		}
		if m.Metadata.SessionID == "" {
			m.Metadata.SessionID = st.SessionID
		}
		st.Messages = append(slices.Clip(st.Messages), m)
		st.index = nil
	}
}

// SetLoading sets the loading flag.
func SetLoading(loading bool) Mutation {
	return func(st *State) { st.IsLoading = loading }
}

// SetError replaces the current error. An empty message clears it.
func SetError(msg string) Mutation {
	return func(st *State) { st.Error = msg }
}

// MutateAnswers locks lockedAppend and, when pendingUpdate is non-nil,
// replaces the pending set with it. A nil pendingUpdate leaves pending as is
// apart from questions that just became locked.
func MutateAnswers(pendingUpdate, lockedAppend []model.QuestionAnswer) Mutation {
	return func(st *State) {
		l := st.Answers.Lock(lockedAppend)
		if pendingUpdate != nil {
			l = l.SetPending(pendingUpdate)
		}
		st.Answers = l
	}
}

// LockPending moves every pending answer into the locked set.
func LockPending() Mutation {
	return func(st *State) { st.Answers = st.Answers.LockAll() }
}

// Store owns the conversation state. Writers are serialized; readers get the
// latest committed snapshot without locking.
type Store struct {
	mu        sync.Mutex
	current   atomic.Pointer[State]
	listeners []func(*State)
}

// NewStore creates an empty conversation for sessionID.
func NewStore(sessionID string) *Store {
	s := &Store{}
	s.current.Store(&State{SessionID: sessionID, index: NewIndex(nil)})
	return s
}

// Snapshot returns the latest committed state.
func (s *Store) Snapshot() *State {
	return s.current.Load()
}

// SessionID returns the session identifier, stable for the store's lifetime.
func (s *Store) SessionID() string {
	return s.Snapshot().SessionID
}

// Apply commits muts as a single new snapshot and notifies listeners. With
// no mutations it returns the current snapshot unchanged.
func (s *Store) Apply(muts ...Mutation) *State {
	if len(muts) == 0 {
		return s.Snapshot()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	next := *prev
	for _, m := range muts {
		m(&next)
	}
	if next.index == nil {
		next.index = NewIndex(next.Messages)
	}
	next.Version = prev.Version + 1
	s.current.Store(&next)

	for _, fn := range s.listeners {
		fn(&next)
	}
	return &next
}

// Subscribe registers fn to be called after every commit, in commit order.
// fn runs while the store is locked and must not call Apply.
func (s *Store) Subscribe(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
