package models

// ChatMessage is one displayed turn of the active conversation.
type ChatMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// HistoryMessage is the role/content pair sent to the model.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Stream event types
const (
	StreamEventToken = "token"
	StreamEventDone  = "done"
	StreamEventError = "error"
)

// StreamEvent is one item of an incremental model response. Token events
// carry a text fragment; done carries the full text and the debug record;
// error carries the failure and the partial debug record.
type StreamEvent struct {
	Type      string       `json:"type"`
	Text      string       `json:"text,omitempty"`
	Debug     *DebugRecord `json:"debug,omitempty"`
	Error     string       `json:"error,omitempty"`
	ErrorKind string       `json:"error_kind,omitempty"`
}

// TurnResult is what one send/tips interaction hands back to the UI.
type TurnResult struct {
	ConversationID string        `json:"conversation_id"`
	User           *ChatMessage  `json:"user,omitempty"`
	Assistant      *ChatMessage  `json:"assistant,omitempty"`
	Aborted        bool          `json:"aborted"`
	Error          string        `json:"error,omitempty"`
	ErrorKind      string        `json:"error_kind,omitempty"`
	Warnings       []string      `json:"warnings,omitempty"`
	Debug          *DebugSummary `json:"debug,omitempty"`
}

// Chat modes
const (
	ModeTutor = "tutor"
	ModeCoach = "coach"
)

// SessionSettings are the per-session UI selections.
type SessionSettings struct {
	Model       string  `json:"model"`
	Temperature float32 `json:"temperature"`
	Subject     string  `json:"subject"`
	Difficulty  string  `json:"difficulty"`
	Mode        string  `json:"mode"`
	SavedPrompt string  `json:"saved_prompt,omitempty"`
}

// UpdateSettingsRequest changes only the fields that are present.
type UpdateSettingsRequest struct {
	Model       *string  `json:"model"`
	Temperature *float32 `json:"temperature"`
	Subject     *string  `json:"subject"`
	Difficulty  *string  `json:"difficulty"`
	Mode        *string  `json:"mode"`
	SavedPrompt *string  `json:"saved_prompt"`
}

type SendMessageRequest struct {
	Content string `json:"content" binding:"required"`
	Stream  bool   `json:"stream"`
}

type TipsRequest struct {
	Stream bool `json:"stream"`
}

type SessionInfo struct {
	SessionID      string          `json:"session_id"`
	ConversationID string          `json:"conversation_id"`
	Settings       SessionSettings `json:"settings"`
	Messages       []ChatMessage   `json:"messages"`
}

type ConfirmActionRequest struct {
	Phrase string `json:"phrase" binding:"required"`
}
