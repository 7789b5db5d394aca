package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/choraleia/tutorchat/pkg/db"
	"github.com/stretchr/testify/require"
)

// fakeClock returns a fixed instant until advanced.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts ...StoreOption) *ChatStoreService {
	t.Helper()
	gdb, err := db.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })

	store := NewChatStoreService(gdb, opts...)
	require.NoError(t, store.Initialize(context.Background()))
	return store
}

func TestChatStore_InitializeIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveMessage(ctx, "c1", "user", "hi", "10:00:00"))
	require.NoError(t, store.Initialize(ctx))

	msgs, err := store.LoadMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestChatStore_LoadMessagesKeepsInsertionOrder(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	// identical created_at for the first three rows
	contents := []string{"one", "two", "three", "four", "five"}
	for i, c := range contents {
		if i >= 3 {
			clock.Advance(time.Millisecond)
		}
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		require.NoError(t, store.SaveMessage(ctx, "conv", role, c, "12:00:00"))
	}
	require.NoError(t, store.SaveMessage(ctx, "other", "user", "elsewhere", "12:00:01"))

	msgs, err := store.LoadMessages(ctx, "conv")
	require.NoError(t, err)
	require.Len(t, msgs, len(contents))
	for i, m := range msgs {
		require.Equal(t, contents[i], m.Content)
		require.Equal(t, "12:00:00", m.Timestamp)
	}
	require.Equal(t, "assistant", msgs[1].Role)

	empty, err := store.LoadMessages(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestChatStore_SaveMessageTouchesConversation(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	created := clock.Now()
	require.NoError(t, store.SaveMessage(ctx, "c1", "user", "a", "t"))
	clock.Advance(time.Minute)
	require.NoError(t, store.SaveMessage(ctx, "c2", "user", "b", "t"))
	clock.Advance(time.Minute)
	require.NoError(t, store.SaveMessage(ctx, "c1", "assistant", "c", "t"))

	conv, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.True(t, conv.CreatedAt.Equal(created))
	require.True(t, conv.UpdatedAt.Equal(created.Add(2*time.Minute)))

	convs, err := store.GetAllConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	require.Equal(t, "c1", convs[0].ID)
	require.Equal(t, "c2", convs[1].ID)

	_, err = store.GetConversation(ctx, "nope")
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestChatStore_DeleteMessagesAndConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveMessage(ctx, "c1", "user", "a", "t"))
	require.NoError(t, store.SaveMessage(ctx, "c1", "assistant", "b", "t"))
	require.NoError(t, store.SaveMessage(ctx, "c2", "user", "x", "t"))
	_, err := store.SaveFeedback(ctx, FeedbackInput{ConversationID: "c1", MessageIndex: 1, Role: "assistant", RatingType: "thumbs", RatingValue: 1})
	require.NoError(t, err)
	_, err = store.SaveFeedback(ctx, FeedbackInput{ConversationID: "c2", MessageIndex: 0, Role: "user", RatingType: "stars", RatingValue: 4})
	require.NoError(t, err)

	require.NoError(t, store.DeleteMessages(ctx, "c2"))
	msgs, err := store.LoadMessages(ctx, "c2")
	require.NoError(t, err)
	require.Empty(t, msgs)
	_, err = store.GetConversation(ctx, "c2")
	require.NoError(t, err, "clearing messages keeps the conversation")

	require.NoError(t, store.DeleteConversation(ctx, "c1"))
	_, err = store.GetConversation(ctx, "c1")
	require.ErrorIs(t, err, ErrConversationNotFound)
	msgs, err = store.LoadMessages(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, msgs)

	recent, err := store.GetRecentFeedback(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "c2", *recent[0].ConversationID)
}

func TestChatStore_SaveFeedbackValidatesRating(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		ratingType string
		value      int
		wantErr    bool
	}{
		{"thumbs", 1, false},
		{"thumbs", -1, false},
		{"thumbs", 0, true},
		{"thumbs", 2, true},
		{"stars", 1, false},
		{"stars", 5, false},
		{"stars", 0, true},
		{"stars", 6, true},
		{"emoji", 1, true},
	}
	for _, tt := range tests {
		_, err := store.SaveFeedback(ctx, FeedbackInput{Role: "assistant", RatingType: tt.ratingType, RatingValue: tt.value})
		if tt.wantErr {
			require.ErrorIs(t, err, ErrInvalidRating, "%s/%d", tt.ratingType, tt.value)
		} else {
			require.NoError(t, err, "%s/%d", tt.ratingType, tt.value)
		}
	}

	rows, err := store.GetRecentFeedback(ctx, 100)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	for _, r := range rows {
		require.NoError(t, ValidateRating(r.RatingType, r.RatingValue))
	}
}

func TestChatStore_FeedbackSummaryAndRecent(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	inputs := []FeedbackInput{
		{RatingType: "thumbs", RatingValue: 1},
		{RatingType: "thumbs", RatingValue: -1},
		{RatingType: "thumbs", RatingValue: -1},
		{RatingType: "stars", RatingValue: 5},
		{RatingType: "stars", RatingValue: 5},
		{RatingType: "stars", RatingValue: 2, Reason: "too long"},
	}
	for _, in := range inputs {
		in.Role = "assistant"
		_, err := store.SaveFeedback(ctx, in)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	summary, err := store.GetFeedbackSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Up)
	require.Equal(t, 2, summary.Down)
	require.Equal(t, map[int]int{5: 2, 2: 1}, summary.Stars)

	recent, err := store.GetRecentFeedback(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "too long", *recent[0].Reason)
	require.Equal(t, 5, recent[1].RatingValue)
	require.Nil(t, recent[1].Reason)
}

func TestChatStore_SavePromptUpsert(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, store.SavePrompt(ctx, "socratic", "Ask questions.", "v1"))
	first, err := store.GetPrompt(ctx, "socratic")
	require.NoError(t, err)

	// clock does not move: updated_at must still increase
	require.NoError(t, store.SavePrompt(ctx, "socratic", "Ask more questions.", "v2"))
	second, err := store.GetPrompt(ctx, "socratic")
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.True(t, second.CreatedAt.Equal(first.CreatedAt.Time))
	require.True(t, second.UpdatedAt.After(first.UpdatedAt.Time))
	require.Equal(t, "Ask more questions.", second.Content)
	require.Equal(t, "v2", second.Description)

	clock.Advance(time.Hour)
	require.NoError(t, store.SavePrompt(ctx, "concise", "Be brief.", ""))

	prompts, err := store.GetAllPrompts(ctx)
	require.NoError(t, err)
	require.Len(t, prompts, 2)
	require.Equal(t, "concise", prompts[0].Name)
	require.Equal(t, "socratic", prompts[1].Name)

	require.NoError(t, store.DeletePrompt(ctx, "concise"))
	require.ErrorIs(t, store.DeletePrompt(ctx, "concise"), ErrPromptNotFound)
	_, err = store.GetPrompt(ctx, "concise")
	require.ErrorIs(t, err, ErrPromptNotFound)
}

func TestChatStore_ExportFeedback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.SaveFeedback(ctx, FeedbackInput{ConversationID: "c1", MessageIndex: 1, Role: "assistant", RatingType: "thumbs", RatingValue: 1, MessageContent: "4"})
	require.NoError(t, err)
	_, err = store.SaveFeedback(ctx, FeedbackInput{ConversationID: "c1", MessageIndex: 3, Role: "assistant", RatingType: "stars", RatingValue: 3, Reason: "ok, \"fine\""})
	require.NoError(t, err)

	js, err := store.ExportFeedbackJSON(ctx)
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(js, &decoded))
	require.Len(t, decoded, 2)
	require.Nil(t, decoded[0]["reason"])
	require.Equal(t, "4", decoded[0]["message_content"])
	require.Equal(t, float64(3), decoded[1]["rating_value"])

	// keys appear in column order
	first := string(js[:strings.Index(string(js), "}")])
	last := -1
	for _, col := range FeedbackColumns {
		idx := strings.Index(first, `"`+col+`"`)
		require.Greater(t, idx, last, col)
		last = idx
	}

	raw, err := store.ExportFeedbackCSV(ctx)
	require.NoError(t, err)
	records, err := csv.NewReader(strings.NewReader(string(raw))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, FeedbackColumns, records[0])
	require.Equal(t, "thumbs", records[1][4])
	require.Equal(t, "", records[1][6])
	require.Equal(t, `ok, "fine"`, records[2][6])
}

func TestChatStore_ExportFeedbackEmpty(t *testing.T) {
	store := newTestStore(t)
	js, err := store.ExportFeedbackJSON(context.Background())
	require.NoError(t, err)
	require.Equal(t, "[]", string(js))
}

func TestChatStore_DeleteAllDataIsUngatedAtStoreLevel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveMessage(ctx, "c1", "user", "a", "t"))
	require.NoError(t, store.SavePrompt(ctx, "p", "c", ""))
	_, err := store.SaveFeedback(ctx, FeedbackInput{Role: "assistant", RatingType: "thumbs", RatingValue: -1})
	require.NoError(t, err)

	require.NoError(t, store.DeleteAllFeedback(ctx))
	summary, err := store.GetFeedbackSummary(ctx)
	require.NoError(t, err)
	require.Zero(t, summary.Up+summary.Down)

	require.NoError(t, store.DeleteAllData(ctx))
	convs, err := store.GetAllConversations(ctx)
	require.NoError(t, err)
	require.Empty(t, convs)
	prompts, err := store.GetAllPrompts(ctx)
	require.NoError(t, err)
	require.Empty(t, prompts)
}

func TestChatStore_ExportDatabase(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveMessage(ctx, "c1", "user", "a", "t"))

	b, err := store.ExportDatabase(ctx)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(b), "SQLite format 3\x00"))
}

func TestChatStore_OrdersRowsFromOlderDatabases(t *testing.T) {
	ctx := context.Background()
	gdb, err := db.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })

	// an older database: ISO timestamps, schema at version 2
	require.NoError(t, db.Migrate(ctx, gdb))
	require.NoError(t, gdb.Exec(`INSERT INTO conversations (id, created_at, updated_at) VALUES
		('old', '2025-05-01T10:00:00.123456', '2025-05-01T10:00:01'),
		('older', '2025-04-30T08:00:00', '2025-05-01T11:00:00')`).Error)
	require.NoError(t, gdb.Exec(`INSERT INTO messages (conversation_id, role, content, timestamp, created_at) VALUES
		('old', 'user', 'first question', '10:00:00', '2025-05-01T10:00:00.123456'),
		('old', 'assistant', 'first answer', '10:00:01', '2025-05-01T10:00:01')`).Error)
	require.NoError(t, gdb.Exec("PRAGMA user_version = 2").Error)

	clock := newFakeClock() // 2025-05-01 12:00 UTC
	store := NewChatStoreService(gdb, WithClock(clock.Now))
	require.NoError(t, store.Initialize(ctx))
	require.NoError(t, store.SaveMessage(ctx, "old", "user", "new question", "12:00:00"))

	msgs, err := store.LoadMessages(ctx, "old")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "first question", msgs[0].Content)
	require.Equal(t, "first answer", msgs[1].Content)
	require.Equal(t, "new question", msgs[2].Content)

	convs, err := store.GetAllConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	require.Equal(t, "old", convs[0].ID)
	require.Equal(t, "older", convs[1].ID)
}
