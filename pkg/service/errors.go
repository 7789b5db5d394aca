package service

import "errors"

var (
	ErrConversationNotFound     = errors.New("conversation not found")
	ErrPromptNotFound           = errors.New("saved prompt not found")
	ErrInvalidPrompt            = errors.New("prompt name and content are required")
	ErrInvalidRating            = errors.New("invalid rating")
	ErrUnknownFormat            = errors.New("unknown export format")
	ErrEmptyMessage             = errors.New("message is empty")
	ErrSessionNotFound          = errors.New("session not found")
	ErrRequestInFlight          = errors.New("a request is already running for this session")
	ErrAlreadyRated             = errors.New("message already rated")
	ErrMessageIndexOutOfRange   = errors.New("message index out of range")
	ErrDangerousActionsDisabled = errors.New("dangerous actions are disabled")
	ErrUnknownAction            = errors.New("unknown dangerous action")
	ErrConfirmationNotArmed     = errors.New("action was not armed")
	ErrConfirmationMismatch     = errors.New("confirmation phrase does not match")
)
