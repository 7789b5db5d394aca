package models

// FeedbackSummary aggregates stored ratings. Stars maps a star count to how
// many ratings gave it.
type FeedbackSummary struct {
	Up    int         `json:"up"`
	Down  int         `json:"down"`
	Stars map[int]int `json:"stars"`
}

type RateMessageRequest struct {
	MessageIndex int     `json:"message_index"`
	RatingType   string  `json:"rating_type" binding:"required"`
	RatingValue  int     `json:"rating_value"`
	Reason       *string `json:"reason"`
}

type SavePromptRequest struct {
	Name        string `json:"name" binding:"required"`
	Content     string `json:"content" binding:"required"`
	Description string `json:"description"`
}
