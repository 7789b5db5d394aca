// Database models for conversations, messages, feedback and saved prompts
package db

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
)

// Conversation is one thread of messages.
type Conversation struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	CreatedAt Timestamp `json:"created_at" gorm:"autoCreateTime:false"`
	UpdatedAt Timestamp `json:"updated_at" gorm:"autoUpdateTime:false"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn. Timestamp is the client-displayed time, CreatedAt
// the persistence order key.
type Message struct {
	ID             int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Timestamp      string    `json:"timestamp"`
	CreatedAt      Timestamp `json:"created_at" gorm:"autoCreateTime:false"`
}

func (Message) TableName() string {
	return "messages"
}

// Rating types
const (
	RatingThumbs = "thumbs"
	RatingStars  = "stars"
)

// Feedback is an immutable rating of one displayed message. MessageContent is
// a copy of the rated text so the row stays readable after the message is gone.
type Feedback struct {
	ID             int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	ConversationID *string   `json:"conversation_id"`
	MessageIndex   int       `json:"message_index"`
	Role           string    `json:"role"`
	RatingType     string    `json:"rating_type"`
	RatingValue    int       `json:"rating_value"`
	Reason         *string   `json:"reason"`
	MessageContent *string   `json:"message_content"`
	CreatedAt      Timestamp `json:"created_at" gorm:"autoCreateTime:false"`
}

func (Feedback) TableName() string {
	return "feedback"
}

// SavedPrompt is a reusable system instruction, unique by name.
type SavedPrompt struct {
	ID          int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Name        string    `json:"name"`
	Content     string    `json:"content"`
	Description string    `json:"description"`
	CreatedAt   Timestamp `json:"created_at" gorm:"autoCreateTime:false"`
	UpdatedAt   Timestamp `json:"updated_at" gorm:"autoUpdateTime:false"`
}

func (SavedPrompt) TableName() string {
	return "saved_prompts"
}

// Timestamp is a UTC instant stored as fixed-width text, so ORDER BY on the
// column follows chronological order.
type Timestamp struct {
	time.Time
}

const timestampLayout = "2006-01-02 15:04:05.000000"

// accepted on read; rows written by older tools use ISO-8601 variants
var timestampLayouts = []string{
	timestampLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

// String renders the stored text form.
func (t Timestamp) String() string {
	return t.UTC().Format(timestampLayout)
}

func (t Timestamp) Value() (driver.Value, error) {
	return t.String(), nil
}

func (t *Timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v.UTC()
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (t *Timestamp) parse(s string) error {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}
