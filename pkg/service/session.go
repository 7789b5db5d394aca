package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/choraleia/tutorchat/pkg/models"
)

// Dangerous actions
const (
	ActionDeleteAllFeedback = "delete_all_feedback"
	ActionDeleteAllData     = "delete_all_data"
)

// ConfirmPhrase must be typed to run an armed dangerous action.
const ConfirmPhrase = "DELETE"

type ratingKey struct {
	index      int
	ratingType string
}

// Session is one user's chat state: the active conversation, its memory,
// the model selection and the prompt settings. At most one model request
// runs per session.
type Session struct {
	ID      string
	Memory  *ConversationMemory
	Gateway *ModelGateway

	mu             sync.Mutex
	conversationID string
	subject        string
	difficulty     string
	mode           string
	savedPrompt    string
	rated          map[ratingKey]bool
	armed          string

	inFlight bool
	cancel   context.CancelFunc
	aborted  atomic.Bool
}

func newSession(id, conversationID string, memory *ConversationMemory, gateway *ModelGateway) *Session {
	return &Session{
		ID:             id,
		Memory:         memory,
		Gateway:        gateway,
		conversationID: conversationID,
		subject:        DefaultSubject,
		difficulty:     DefaultDifficulty,
		mode:           models.ModeTutor,
		rated:          make(map[ratingKey]bool),
	}
}

// ConversationID is the id new messages are stored under.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Settings returns the current selections.
func (s *Session) Settings() models.SessionSettings {
	name, temp := s.Gateway.Settings()
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionSettings{
		Model:       name,
		Temperature: temp,
		Subject:     s.subject,
		Difficulty:  s.difficulty,
		Mode:        s.mode,
		SavedPrompt: s.savedPrompt,
	}
}

// Info is the session as shown to clients.
func (s *Session) Info() models.SessionInfo {
	return models.SessionInfo{
		SessionID:      s.ID,
		ConversationID: s.ConversationID(),
		Settings:       s.Settings(),
		Messages:       s.Memory.Messages(),
	}
}

// InFlight reports whether a model request is running.
func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func (s *Session) beginRequest(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return nil, ErrRequestInFlight
	}
	reqCtx, cancel := context.WithCancel(ctx)
	s.inFlight = true
	s.cancel = cancel
	s.aborted.Store(false)
	return reqCtx, nil
}

func (s *Session) endRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = nil
	s.inFlight = false
}

// abort flags the running request and cancels its context. It returns false
// when nothing is running.
func (s *Session) abort() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inFlight {
		return false
	}
	s.aborted.Store(true)
	if s.cancel != nil {
		s.cancel()
	}
	return true
}

// switchConversation points the session at another conversation and drops
// per-message state. The caller replaces the memory contents.
func (s *Session) switchConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = id
	s.rated = make(map[ratingKey]bool)
}

func (s *Session) resetRatings() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rated = make(map[ratingKey]bool)
}

func (s *Session) claimRating(index int, ratingType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ratingKey{index: index, ratingType: ratingType}
	if s.rated[key] {
		return false
	}
	s.rated[key] = true
	return true
}

func (s *Session) releaseRating(index int, ratingType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rated, ratingKey{index: index, ratingType: ratingType})
}

func (s *Session) promptOptions() PromptOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PromptOptions{
		Mode:        s.mode,
		Subject:     s.subject,
		Difficulty:  s.difficulty,
		SavedPrompt: s.savedPrompt,
	}
}

func (s *Session) arm(action string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = action
}

func (s *Session) armedAction() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}
