// Chat Service - runs tutoring sessions on top of the store and the model gateway
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/choraleia/tutorchat/pkg/db"
	"github.com/choraleia/tutorchat/pkg/event"
	"github.com/choraleia/tutorchat/pkg/models"
	"github.com/choraleia/tutorchat/pkg/utils"
	"github.com/google/uuid"
)

// ChatOptions configure a ChatService.
type ChatOptions struct {
	EnableDangerousActions bool
	DebugCapacity          int
	Temperature            float32
	Emitter                *event.Emitter
	// Now stamps displayed message times; defaults to time.Now.
	Now func() time.Time
}

// ChatService handles chat sessions
type ChatService struct {
	store   *ChatStoreService
	models  *ModelService
	emitter *event.Emitter
	opts    ChatOptions
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewChatService creates a new chat service
func NewChatService(store *ChatStoreService, modelService *ModelService, opts ChatOptions) *ChatService {
	if opts.Emitter == nil {
		opts.Emitter = event.Global()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DebugCapacity <= 0 {
		opts.DebugCapacity = DefaultDebugCapacity
	}
	return &ChatService{
		store:    store,
		models:   modelService,
		emitter:  opts.Emitter,
		opts:     opts,
		logger:   utils.GetLogger(),
		sessions: make(map[string]*Session),
	}
}

// DangerousActionsEnabled reports whether wipe actions may be armed.
func (s *ChatService) DangerousActionsEnabled() bool {
	return s.opts.EnableDangerousActions
}

// AvailableModels lists the models a session may select.
func (s *ChatService) AvailableModels() []string {
	return s.models.AvailableModels()
}

// ========== Session Management ==========

// StartSession creates a session. With an empty conversationID a fresh
// conversation is started; otherwise its stored messages are loaded.
func (s *ChatService) StartSession(ctx context.Context, conversationID string) (*Session, error) {
	memory := NewConversationMemory(s.opts.DebugCapacity)
	if conversationID == "" {
		conversationID = uuid.New().String()
	} else {
		messages, err := s.loadStored(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		memory.Replace(messages)
	}

	sess := newSession(uuid.New().String(), conversationID, memory,
		s.models.NewGateway(s.models.DefaultModel(), s.opts.Temperature))

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.logger.Info("Session started", "session", sess.ID, "conversation", conversationID, "messages", memory.Len())
	return sess, nil
}

// Session looks up a running session.
func (s *ChatService) Session(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// EndSession aborts any running request and forgets the session.
func (s *ChatService) EndSession(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	sess.abort()
	s.logger.Info("Session ended", "session", id)
	return nil
}

func (s *ChatService) allSessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// ========== Turns ==========

// Send stores the user's message, asks the model with the whole history and
// stores the answer. With a nil onToken the answer is fetched in one call;
// otherwise every fragment is passed to onToken as it arrives.
//
// Model failures and aborts are reported in the result, not as an error.
// The returned error covers requests that were not run at all.
func (s *ChatService) Send(ctx context.Context, sess *Session, content string, onToken func(string)) (*models.TurnResult, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	return s.runTurn(ctx, sess, content, sess.promptOptions(), onToken)
}

// SendSync is Send without streaming.
func (s *ChatService) SendSync(ctx context.Context, sess *Session, content string) (*models.TurnResult, error) {
	return s.Send(ctx, sess, content, nil)
}

// GetTips asks for practice tips for the session's subject and level. The
// request is stored like a typed message and answered in coach mode.
func (s *ChatService) GetTips(ctx context.Context, sess *Session, onToken func(string)) (*models.TurnResult, error) {
	opts := sess.promptOptions()
	opts.Mode = models.ModeCoach
	return s.runTurn(ctx, sess, TipsRequest(opts.Subject, opts.Difficulty), opts, onToken)
}

// Abort stops the session's running request. It returns false when no
// request was running.
func (s *ChatService) Abort(sess *Session) bool {
	ok := sess.abort()
	if ok {
		s.logger.Info("Request aborted", "session", sess.ID)
	}
	return ok
}

func (s *ChatService) runTurn(ctx context.Context, sess *Session, content string, opts PromptOptions, onToken func(string)) (*models.TurnResult, error) {
	reqCtx, err := sess.beginRequest(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.endRequest()

	result := &models.TurnResult{ConversationID: sess.ConversationID()}
	system := s.systemPrompt(ctx, opts, result)

	user := s.appendMessage(ctx, sess, db.RoleUser, content, result)
	result.User = &user
	history := sess.Memory.History()

	var (
		text    string
		rec     *models.DebugRecord
		aborted bool
		failure *GatewayError
	)
	if onToken == nil {
		var callErr error
		text, rec, callErr = sess.Gateway.Invoke(reqCtx, history, system)
		if callErr != nil {
			if sess.aborted.Load() || ctx.Err() != nil {
				aborted = true
			} else if !errors.As(callErr, &failure) {
				failure = newGatewayError(callErr)
			}
		}
	} else {
		text, rec, aborted, failure = s.consume(sess, sess.Gateway.Stream(reqCtx, history, system), onToken)
	}

	if rec != nil {
		sess.Memory.RecordDebug(rec)
		summary := rec.Summary(sess.Gateway.CostPer1K())
		result.Debug = &summary
	}

	switch {
	case aborted:
		result.Aborted = true
		if text != "" {
			assistant := s.appendMessage(ctx, sess, db.RoleAssistant, text, result)
			result.Assistant = &assistant
		}
		s.logger.Info("Turn aborted", "session", sess.ID, "partial_chars", len(text))
	case failure != nil:
		result.Error = failure.UserMessage()
		result.ErrorKind = failure.Kind
	default:
		assistant := s.appendMessage(ctx, sess, db.RoleAssistant, text, result)
		result.Assistant = &assistant
	}
	return result, nil
}

// consume forwards token events until the stream finishes, fails or the
// session is aborted. Nothing is forwarded once the abort flag is set, and an
// aborted turn keeps only the text that was forwarded.
func (s *ChatService) consume(sess *Session, stream *ResponseStream, onToken func(string)) (string, *models.DebugRecord, bool, *GatewayError) {
	defer stream.Close()
	var forwarded strings.Builder
	for {
		if sess.aborted.Load() {
			return forwarded.String(), stream.Abandon(), true, nil
		}
		ev, ok := stream.Next()
		if !ok {
			return forwarded.String(), stream.Abandon(), true, nil
		}
		switch ev.Type {
		case models.StreamEventToken:
			if sess.aborted.Load() {
				return forwarded.String(), stream.Abandon(), true, nil
			}
			forwarded.WriteString(ev.Text)
			onToken(ev.Text)
		case models.StreamEventDone:
			return ev.Text, ev.Debug, false, nil
		case models.StreamEventError:
			return "", ev.Debug, false, &GatewayError{Kind: ev.ErrorKind, err: errors.New(ev.Error)}
		}
	}
}

// appendMessage adds the message to memory and then to the store. A store
// failure is logged and reported as a warning; memory keeps the message.
func (s *ChatService) appendMessage(ctx context.Context, sess *Session, role, content string, result *models.TurnResult) models.ChatMessage {
	msg := sess.Memory.Append(role, content, s.opts.Now().Format("15:04:05"))
	convID := sess.ConversationID()
	if err := s.store.SaveMessage(context.WithoutCancel(ctx), convID, role, content, msg.Timestamp); err != nil {
		s.logger.Error("Failed to persist message", "conversation", convID, "role", role, "error", err)
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s message was not saved: %v", role, err))
		return msg
	}
	s.emitter.Emit(event.MessageAppendedEvent{
		SessionID:      sess.ID,
		ConversationID: convID,
		Role:           role,
		Index:          sess.Memory.Len() - 1,
	})
	return msg
}

func (s *ChatService) systemPrompt(ctx context.Context, opts PromptOptions, result *models.TurnResult) string {
	if opts.SavedPrompt != "" {
		p, err := s.store.GetPrompt(ctx, opts.SavedPrompt)
		switch {
		case err == nil:
			opts.SavedPrompts = map[string]string{p.Name: p.Content}
		case errors.Is(err, ErrPromptNotFound):
			result.Warnings = append(result.Warnings, fmt.Sprintf("saved prompt %q not found, using the default instruction", opts.SavedPrompt))
		default:
			s.logger.Warn("Failed to load saved prompt", "name", opts.SavedPrompt, "error", err)
			result.Warnings = append(result.Warnings, "saved prompt could not be loaded: "+err.Error())
		}
	}

	summary, err := s.store.GetFeedbackSummary(ctx)
	if err != nil {
		s.logger.Warn("Failed to load feedback summary", "error", err)
		result.Warnings = append(result.Warnings, "feedback summary unavailable: "+err.Error())
	} else {
		opts.Feedback = &summary
	}
	return BuildSystemPrompt(opts)
}

// ========== Settings ==========

// UpdateSettings applies the present fields. Blank model names are ignored;
// the temperature is passed to the provider as given.
func (s *ChatService) UpdateSettings(sess *Session, req models.UpdateSettingsRequest) models.SessionSettings {
	sess.Gateway.UpdateSettings(req.Model, req.Temperature)

	sess.mu.Lock()
	if req.Subject != nil {
		sess.subject = strings.TrimSpace(*req.Subject)
	}
	if req.Difficulty != nil {
		sess.difficulty = strings.TrimSpace(*req.Difficulty)
	}
	if req.Mode != nil {
		sess.mode = NormalizeMode(*req.Mode)
	}
	if req.SavedPrompt != nil {
		sess.savedPrompt = strings.TrimSpace(*req.SavedPrompt)
	}
	sess.mu.Unlock()

	s.emitter.Emit(event.SettingsChangedEvent{SessionID: sess.ID})
	return sess.Settings()
}

// ========== Conversation Management ==========

// Clear deletes the active conversation's stored messages and empties the
// memory, debug records included.
func (s *ChatService) Clear(ctx context.Context, sess *Session) error {
	if sess.InFlight() {
		return ErrRequestInFlight
	}
	convID := sess.ConversationID()
	if err := s.store.DeleteMessages(ctx, convID); err != nil {
		return err
	}
	sess.Memory.ClearMessages()
	sess.Memory.ClearDebug()
	sess.resetRatings()
	s.emitter.Emit(event.ConversationClearedEvent{ConversationID: convID})
	return nil
}

// NewConversation switches the session to a fresh conversation id.
func (s *ChatService) NewConversation(sess *Session) (string, error) {
	if sess.InFlight() {
		return "", ErrRequestInFlight
	}
	id := uuid.New().String()
	sess.switchConversation(id)
	sess.Memory.ClearMessages()
	return id, nil
}

// LoadConversation makes a stored conversation the session's active one.
func (s *ChatService) LoadConversation(ctx context.Context, sess *Session, id string) ([]models.ChatMessage, error) {
	if sess.InFlight() {
		return nil, ErrRequestInFlight
	}
	messages, err := s.loadStored(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.switchConversation(id)
	sess.Memory.Replace(messages)
	return messages, nil
}

func (s *ChatService) loadStored(ctx context.Context, id string) ([]models.ChatMessage, error) {
	if _, err := s.store.GetConversation(ctx, id); err != nil {
		return nil, err
	}
	return s.store.LoadMessages(ctx, id)
}

// ListConversations returns stored conversations, most recently active first.
func (s *ChatService) ListConversations(ctx context.Context) ([]db.Conversation, error) {
	return s.store.GetAllConversations(ctx)
}

// DeleteConversation removes a conversation with its messages and feedback.
// Sessions showing it move on to a fresh conversation. It is refused while
// one of those sessions has a request running.
func (s *ChatService) DeleteConversation(ctx context.Context, id string) error {
	for _, sess := range s.allSessions() {
		if sess.ConversationID() == id && sess.InFlight() {
			return ErrRequestInFlight
		}
	}
	if err := s.store.DeleteConversation(ctx, id); err != nil {
		return err
	}
	for _, sess := range s.allSessions() {
		if sess.ConversationID() == id {
			sess.switchConversation(uuid.New().String())
			sess.Memory.ClearMessages()
		}
	}
	s.emitter.Emit(event.ConversationDeletedEvent{ConversationID: id})
	return nil
}

// ExportTranscript renders the session's messages as json or txt.
func (s *ChatService) ExportTranscript(sess *Session, format string) (string, error) {
	return sess.Memory.Transcript(format)
}

// LatestDebug summarizes the n most recent model calls, most recent last.
func (s *ChatService) LatestDebug(sess *Session, n int) []models.DebugSummary {
	rate := sess.Gateway.CostPer1K()
	records := sess.Memory.LatestDebug(n)
	out := make([]models.DebugSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Summary(rate))
	}
	return out
}

// ========== Feedback ==========

// RateRequest is one rating of a displayed message.
type RateRequest struct {
	MessageIndex int
	RatingType   string
	RatingValue  int
	Reason       string
}

// Rate stores a rating for a message of the active conversation. Each
// message takes at most one rating per type.
func (s *ChatService) Rate(ctx context.Context, sess *Session, req RateRequest) (*db.Feedback, error) {
	if err := ValidateRating(req.RatingType, req.RatingValue); err != nil {
		return nil, err
	}
	msg, ok := sess.Memory.At(req.MessageIndex)
	if !ok {
		return nil, ErrMessageIndexOutOfRange
	}
	if !sess.claimRating(req.MessageIndex, req.RatingType) {
		return nil, ErrAlreadyRated
	}

	convID := sess.ConversationID()
	fb, err := s.store.SaveFeedback(ctx, FeedbackInput{
		ConversationID: convID,
		MessageIndex:   req.MessageIndex,
		Role:           msg.Role,
		RatingType:     req.RatingType,
		RatingValue:    req.RatingValue,
		Reason:         strings.TrimSpace(req.Reason),
		MessageContent: msg.Content,
	})
	if err != nil {
		sess.releaseRating(req.MessageIndex, req.RatingType)
		return nil, err
	}

	s.emitter.Emit(event.FeedbackSavedEvent{ConversationID: convID, MessageIndex: req.MessageIndex, RatingType: req.RatingType})
	return fb, nil
}

func (s *ChatService) FeedbackSummary(ctx context.Context) (models.FeedbackSummary, error) {
	return s.store.GetFeedbackSummary(ctx)
}

func (s *ChatService) RecentFeedback(ctx context.Context, limit int) ([]db.Feedback, error) {
	return s.store.GetRecentFeedback(ctx, limit)
}

// ExportFeedback returns every stored rating as json or csv.
func (s *ChatService) ExportFeedback(ctx context.Context, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "json":
		return s.store.ExportFeedbackJSON(ctx)
	case "csv":
		return s.store.ExportFeedbackCSV(ctx)
	default:
		return nil, ErrUnknownFormat
	}
}

// ExportDatabase returns a consistent copy of the database file.
func (s *ChatService) ExportDatabase(ctx context.Context) ([]byte, error) {
	return s.store.ExportDatabase(ctx)
}

// ========== Saved Prompts ==========

// SavePrompt creates or replaces a named prompt.
func (s *ChatService) SavePrompt(ctx context.Context, name, content, description string) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.TrimSpace(content) == "" {
		return ErrInvalidPrompt
	}
	if err := s.store.SavePrompt(ctx, name, content, description); err != nil {
		return err
	}
	s.emitter.Emit(event.PromptSavedEvent{Name: name})
	return nil
}

func (s *ChatService) ListPrompts(ctx context.Context) ([]db.SavedPrompt, error) {
	return s.store.GetAllPrompts(ctx)
}

// DeletePrompt removes a named prompt. Sessions that selected it fall back
// to the composed instruction.
func (s *ChatService) DeletePrompt(ctx context.Context, name string) error {
	if err := s.store.DeletePrompt(ctx, name); err != nil {
		return err
	}
	for _, sess := range s.allSessions() {
		sess.mu.Lock()
		if sess.savedPrompt == name {
			sess.savedPrompt = ""
		}
		sess.mu.Unlock()
	}
	s.emitter.Emit(event.PromptDeletedEvent{Name: name})
	return nil
}

// ========== Dangerous Actions ==========

func validAction(action string) bool {
	return action == ActionDeleteAllFeedback || action == ActionDeleteAllData
}

// ArmDangerousAction is the first step of a wipe. Only one action is armed
// per session; arming another replaces it.
func (s *ChatService) ArmDangerousAction(sess *Session, action string) error {
	if !s.opts.EnableDangerousActions {
		return ErrDangerousActionsDisabled
	}
	if !validAction(action) {
		return ErrUnknownAction
	}
	sess.arm(action)
	return nil
}

// CancelDangerousAction disarms whatever was armed.
func (s *ChatService) CancelDangerousAction(sess *Session) {
	sess.arm("")
}

// ConfirmDangerousAction runs an armed action when phrase is exactly
// ConfirmPhrase. A wrong phrase leaves the action armed.
func (s *ChatService) ConfirmDangerousAction(ctx context.Context, sess *Session, action, phrase string) error {
	if !s.opts.EnableDangerousActions {
		return ErrDangerousActionsDisabled
	}
	if !validAction(action) {
		return ErrUnknownAction
	}
	if sess.armedAction() != action {
		return ErrConfirmationNotArmed
	}
	if phrase != ConfirmPhrase {
		return ErrConfirmationMismatch
	}

	switch action {
	case ActionDeleteAllFeedback:
		if err := s.store.DeleteAllFeedback(ctx); err != nil {
			return err
		}
		for _, other := range s.allSessions() {
			other.resetRatings()
		}
	case ActionDeleteAllData:
		if sess.InFlight() {
			return ErrRequestInFlight
		}
		if err := s.store.DeleteAllData(ctx); err != nil {
			return err
		}
		sess.switchConversation(uuid.New().String())
		sess.Memory.ClearMessages()
		sess.Memory.ClearDebug()
	}
	sess.arm("")

	s.logger.Warn("Dangerous action executed", "action", action, "session", sess.ID)
	s.emitter.Emit(event.DataWipedEvent{Action: action})
	return nil
}
