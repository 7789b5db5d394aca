package event

const (
	MessageAppended     = "message.appended"
	ConversationCleared = "conversation.cleared"
	ConversationDeleted = "conversation.deleted"
	FeedbackSaved       = "feedback.saved"
	PromptSaved         = "prompt.saved"
	PromptDeleted       = "prompt.deleted"
	SettingsChanged     = "session.settingsChanged"
	DataWiped           = "data.wiped"
)

// MessageAppendedEvent is emitted after a message was stored.
type MessageAppendedEvent struct {
	SessionID      string `json:"sessionId"`
	ConversationID string `json:"conversationId"`
	Role           string `json:"role"`
	Index          int    `json:"index"`
}

func (e MessageAppendedEvent) EventName() string { return MessageAppended }

// ConversationClearedEvent is emitted when a conversation's messages are removed.
type ConversationClearedEvent struct {
	ConversationID string `json:"conversationId"`
}

func (e ConversationClearedEvent) EventName() string { return ConversationCleared }

// ConversationDeletedEvent is emitted when a conversation is deleted with its
// messages and feedback.
type ConversationDeletedEvent struct {
	ConversationID string `json:"conversationId"`
}

func (e ConversationDeletedEvent) EventName() string { return ConversationDeleted }

type FeedbackSavedEvent struct {
	ConversationID string `json:"conversationId"`
	MessageIndex   int    `json:"messageIndex"`
	RatingType     string `json:"ratingType"`
}

func (e FeedbackSavedEvent) EventName() string { return FeedbackSaved }

type PromptSavedEvent struct {
	Name string `json:"name"`
}

func (e PromptSavedEvent) EventName() string { return PromptSaved }

type PromptDeletedEvent struct {
	Name string `json:"name"`
}

func (e PromptDeletedEvent) EventName() string { return PromptDeleted }

// SettingsChangedEvent is emitted when a session's model settings change.
type SettingsChangedEvent struct {
	SessionID string `json:"sessionId"`
}

func (e SettingsChangedEvent) EventName() string { return SettingsChanged }

// DataWipedEvent is emitted after a confirmed destructive action.
// Action is "delete_all_feedback" or "delete_all_data".
type DataWipedEvent struct {
	Action string `json:"action"`
}

func (e DataWipedEvent) EventName() string { return DataWiped }
