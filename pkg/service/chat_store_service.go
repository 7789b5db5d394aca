// Chat store service - durable conversations, messages, feedback and saved prompts
package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/choraleia/tutorchat/pkg/db"
	"github.com/choraleia/tutorchat/pkg/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FeedbackInput describes one rating to store. Empty optional strings are
// stored as NULL.
type FeedbackInput struct {
	ConversationID string
	MessageIndex   int
	Role           string
	RatingType     string
	RatingValue    int
	Reason         string
	MessageContent string
}

// FeedbackColumns is the fixed column order of feedback exports.
var FeedbackColumns = []string{
	"id", "conversation_id", "message_index", "role", "rating_type",
	"rating_value", "reason", "message_content", "created_at",
}

// ChatStoreService owns the durable rows. Errors from the database are
// returned as-is; nothing is retried.
type ChatStoreService struct {
	db  *gorm.DB
	now func() time.Time
}

type StoreOption func(*ChatStoreService)

// WithClock replaces the time source used for created_at/updated_at.
func WithClock(now func() time.Time) StoreOption {
	return func(s *ChatStoreService) { s.now = now }
}

func NewChatStoreService(gdb *gorm.DB, opts ...StoreOption) *ChatStoreService {
	s := &ChatStoreService{db: gdb, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize brings the schema up to date. Safe to call on every startup.
func (s *ChatStoreService) Initialize(ctx context.Context) error {
	return db.Migrate(ctx, s.db)
}

func (s *ChatStoreService) stamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// ========== Messages ==========

// SaveMessage touches the parent conversation (creating it if needed) and
// then appends the message. The conversation upsert comes first so a failure
// between the two statements never leaves an orphan message.
func (s *ChatStoreService) SaveMessage(ctx context.Context, conversationID, role, content, timestamp string) error {
	now := db.NewTimestamp(s.stamp())
	tx := s.db.WithContext(ctx)

	conv := &db.Conversation{ID: conversationID, CreatedAt: now, UpdatedAt: now}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"updated_at": now}),
	}).Create(conv).Error
	if err != nil {
		return err
	}

	msg := &db.Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      timestamp,
		CreatedAt:      now,
	}
	return tx.Create(msg).Error
}

// LoadMessages returns the conversation's messages oldest first.
func (s *ChatStoreService) LoadMessages(ctx context.Context, conversationID string) ([]models.ChatMessage, error) {
	var rows []db.Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	messages := make([]models.ChatMessage, 0, len(rows))
	for _, r := range rows {
		messages = append(messages, models.ChatMessage{Role: r.Role, Content: r.Content, Timestamp: r.Timestamp})
	}
	return messages, nil
}

// DeleteMessages removes every message of a conversation, keeping the
// conversation row and its feedback.
func (s *ChatStoreService) DeleteMessages(ctx context.Context, conversationID string) error {
	return s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Delete(&db.Message{}).Error
}

// ========== Conversations ==========

// GetAllConversations lists conversations, most recently updated first.
func (s *ChatStoreService) GetAllConversations(ctx context.Context) ([]db.Conversation, error) {
	var convs []db.Conversation
	if err := s.db.WithContext(ctx).Order("updated_at DESC, id ASC").Find(&convs).Error; err != nil {
		return nil, err
	}
	return convs, nil
}

func (s *ChatStoreService) GetConversation(ctx context.Context, id string) (*db.Conversation, error) {
	var conv db.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// DeleteConversation removes the conversation with its feedback and messages.
func (s *ChatStoreService) DeleteConversation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&db.Feedback{}).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&db.Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&db.Conversation{}, "id = ?", id).Error
	})
}

// ========== Feedback ==========

// ValidateRating checks that a rating type and value belong together:
// thumbs takes -1 or 1, stars takes 1 to 5.
func ValidateRating(ratingType string, value int) error {
	switch ratingType {
	case db.RatingThumbs:
		if value == 1 || value == -1 {
			return nil
		}
	case db.RatingStars:
		if value >= 1 && value <= 5 {
			return nil
		}
	default:
		return fmt.Errorf("%w: unknown rating type %q", ErrInvalidRating, ratingType)
	}
	return fmt.Errorf("%w: %d is not a valid %s value", ErrInvalidRating, value, ratingType)
}

// SaveFeedback inserts one rating stamped with the store clock.
func (s *ChatStoreService) SaveFeedback(ctx context.Context, in FeedbackInput) (*db.Feedback, error) {
	if err := ValidateRating(in.RatingType, in.RatingValue); err != nil {
		return nil, err
	}

	row := &db.Feedback{
		ConversationID: nullable(in.ConversationID),
		MessageIndex:   in.MessageIndex,
		Role:           in.Role,
		RatingType:     in.RatingType,
		RatingValue:    in.RatingValue,
		Reason:         nullable(in.Reason),
		MessageContent: nullable(in.MessageContent),
		CreatedAt:      db.NewTimestamp(s.stamp()),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

// GetFeedbackSummary counts thumbs up/down and each star value.
func (s *ChatStoreService) GetFeedbackSummary(ctx context.Context) (models.FeedbackSummary, error) {
	var rows []struct {
		RatingType  string
		RatingValue int
		Cnt         int
	}
	err := s.db.WithContext(ctx).Model(&db.Feedback{}).
		Select("rating_type, rating_value, COUNT(*) AS cnt").
		Group("rating_type, rating_value").
		Scan(&rows).Error
	if err != nil {
		return models.FeedbackSummary{}, err
	}

	summary := models.FeedbackSummary{Stars: map[int]int{}}
	for _, r := range rows {
		switch r.RatingType {
		case db.RatingThumbs:
			if r.RatingValue == 1 {
				summary.Up += r.Cnt
			} else if r.RatingValue == -1 {
				summary.Down += r.Cnt
			}
		case db.RatingStars:
			summary.Stars[r.RatingValue] += r.Cnt
		}
	}
	return summary, nil
}

// GetRecentFeedback returns at most limit ratings, newest first.
func (s *ChatStoreService) GetRecentFeedback(ctx context.Context, limit int) ([]db.Feedback, error) {
	var rows []db.Feedback
	if err := s.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *ChatStoreService) allFeedback(ctx context.Context) ([]db.Feedback, error) {
	rows := []db.Feedback{}
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []db.Feedback{}
	}
	return rows, nil
}

// ExportFeedbackJSON dumps all feedback in id order as an indented JSON array.
// Keys follow FeedbackColumns; absent optional values are null.
func (s *ChatStoreService) ExportFeedbackJSON(ctx context.Context) ([]byte, error) {
	rows, err := s.allFeedback(ctx)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(rows, "", "  ")
}

// ExportFeedbackCSV dumps all feedback in id order with a header row.
func (s *ChatStoreService) ExportFeedbackCSV(ctx context.Context) ([]byte, error) {
	rows, err := s.allFeedback(ctx)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(FeedbackColumns); err != nil {
		return nil, err
	}
	for _, r := range rows {
		record := []string{
			strconv.FormatInt(r.ID, 10),
			deref(r.ConversationID),
			strconv.Itoa(r.MessageIndex),
			r.Role,
			r.RatingType,
			strconv.Itoa(r.RatingValue),
			deref(r.Reason),
			deref(r.MessageContent),
			r.CreatedAt.Format(time.RFC3339Nano),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ========== Saved prompts ==========

// SavePrompt creates or overwrites the prompt called name. An overwrite keeps
// created_at and always moves updated_at forward.
func (s *ChatStoreService) SavePrompt(ctx context.Context, name, content, description string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.stamp()

		var existing db.SavedPrompt
		err := tx.Where("name = ?", name).Limit(1).Find(&existing).Error
		if err != nil {
			return err
		}
		if existing.ID != 0 && !now.After(existing.UpdatedAt.Time) {
			now = existing.UpdatedAt.Add(time.Microsecond)
		}

		row := &db.SavedPrompt{
			Name:        name,
			Content:     content,
			Description: description,
			CreatedAt:   db.NewTimestamp(now),
			UpdatedAt:   db.NewTimestamp(now),
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "description", "updated_at"}),
		}).Create(row).Error
	})
}

// GetAllPrompts lists saved prompts, most recently updated first.
func (s *ChatStoreService) GetAllPrompts(ctx context.Context) ([]db.SavedPrompt, error) {
	var prompts []db.SavedPrompt
	if err := s.db.WithContext(ctx).Order("updated_at DESC, id DESC").Find(&prompts).Error; err != nil {
		return nil, err
	}
	return prompts, nil
}

func (s *ChatStoreService) GetPrompt(ctx context.Context, name string) (*db.SavedPrompt, error) {
	var p db.SavedPrompt
	if err := s.db.WithContext(ctx).First(&p, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPromptNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *ChatStoreService) DeletePrompt(ctx context.Context, name string) error {
	res := s.db.WithContext(ctx).Where("name = ?", name).Delete(&db.SavedPrompt{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrPromptNotFound
	}
	return nil
}

// ========== Bulk wipes ==========
// These perform no confirmation; callers must gate them.

func (s *ChatStoreService) DeleteAllFeedback(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec("DELETE FROM feedback").Error
}

func (s *ChatStoreService) DeleteAllData(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, table := range []string{"feedback", "messages", "conversations", "saved_prompts"} {
			if err := tx.Exec("DELETE FROM " + table).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ExportDatabase returns a consistent copy of the database file.
func (s *ChatStoreService) ExportDatabase(ctx context.Context) ([]byte, error) {
	dir, err := os.MkdirTemp("", "tutorchat-export-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	target := filepath.Join(dir, "snapshot.db")
	if err := s.db.WithContext(ctx).Exec("VACUUM INTO ?", target).Error; err != nil {
		return nil, err
	}
	return os.ReadFile(target)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
