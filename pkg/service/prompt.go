package service

import (
	"fmt"
	"strings"

	"github.com/choraleia/tutorchat/pkg/models"
)

const (
	DefaultSubject    = "General"
	DefaultDifficulty = "Medium"
)

const (
	tutorPersona = "You are a pedagogical tutor. Give short, understandable explanations and 1-2 simple examples. Highlight the key concepts clearly."
	coachPersona = "You are a coach. Give 1-3 concrete exercises with clear steps. Add a brief feedback tip after each exercise."

	clarityClause = "Be extra clear and concrete, and avoid vague phrasing."
	retainClause  = "Retain the clear and helpful tone."
)

// PromptOptions are the inputs of BuildSystemPrompt.
type PromptOptions struct {
	Mode       string
	Subject    string
	Difficulty string
	// SavedPrompt names a saved prompt to use verbatim, if it exists in
	// SavedPrompts (name -> content).
	SavedPrompt  string
	SavedPrompts map[string]string
	Feedback     *models.FeedbackSummary
}

// BuildSystemPrompt resolves the system instruction for the next call. A
// selected saved prompt wins outright; otherwise the text is composed from
// subject, difficulty, the mode's persona and the feedback balance.
func BuildSystemPrompt(opts PromptOptions) string {
	if opts.SavedPrompt != "" {
		if content, ok := opts.SavedPrompts[opts.SavedPrompt]; ok {
			return content
		}
	}

	subject := strings.TrimSpace(opts.Subject)
	if subject == "" {
		subject = DefaultSubject
	}
	difficulty := strings.TrimSpace(opts.Difficulty)
	if difficulty == "" {
		difficulty = DefaultDifficulty
	}

	persona := tutorPersona
	if NormalizeMode(opts.Mode) == models.ModeCoach {
		persona = coachPersona
	}

	prompt := fmt.Sprintf("Subject: %s. Level: %s. Respond in the target language, stay concrete and helpful. %s",
		subject, difficulty, persona)

	if fb := opts.Feedback; fb != nil {
		switch {
		case fb.Down > fb.Up:
			prompt += " " + clarityClause
		case fb.Up > 0:
			prompt += " " + retainClause
		}
	}
	return prompt
}

// NormalizeMode maps an empty or unknown mode to tutor.
func NormalizeMode(mode string) string {
	if strings.EqualFold(strings.TrimSpace(mode), models.ModeCoach) {
		return models.ModeCoach
	}
	return models.ModeTutor
}

// TipsRequest is the user message sent by the "get tips" action.
func TipsRequest(subject, difficulty string) string {
	if strings.TrimSpace(subject) == "" {
		subject = DefaultSubject
	}
	if strings.TrimSpace(difficulty) == "" {
		difficulty = DefaultDifficulty
	}
	return fmt.Sprintf("Give me practice tips and exercises for %s at %s level.", subject, difficulty)
}
