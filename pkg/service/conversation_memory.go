package service

import (
	"bufio"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/choraleia/tutorchat/pkg/models"
)

// DefaultDebugCapacity is how many debug records a memory keeps.
const DefaultDebugCapacity = 50

// Transcript formats
const (
	TranscriptJSON = "json"
	TranscriptText = "txt"
)

const unknownTimestamp = "unknown time"

// ConversationMemory mirrors the active conversation's messages and keeps
// the most recent debug records. It is owned by a single session.
type ConversationMemory struct {
	mu       sync.RWMutex
	messages []models.ChatMessage
	debug    []*models.DebugRecord
	capacity int
	now      func() time.Time
}

func NewConversationMemory(capacity int) *ConversationMemory {
	if capacity <= 0 {
		capacity = DefaultDebugCapacity
	}
	return &ConversationMemory{capacity: capacity, now: time.Now}
}

// Append adds a message. Pairing it with a store write is the caller's job.
func (m *ConversationMemory) Append(role, content, timestamp string) models.ChatMessage {
	msg := models.ChatMessage{Role: role, Content: content, Timestamp: timestamp}
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
	return msg
}

// Replace swaps the message list, e.g. after loading a stored conversation.
func (m *ConversationMemory) Replace(messages []models.ChatMessage) {
	m.mu.Lock()
	m.messages = append([]models.ChatMessage(nil), messages...)
	m.mu.Unlock()
}

// Messages returns a copy of the message list.
func (m *ConversationMemory) Messages() []models.ChatMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.ChatMessage{}, m.messages...)
}

func (m *ConversationMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

// At returns the message at index i.
func (m *ConversationMemory) At(i int) (models.ChatMessage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.messages) {
		return models.ChatMessage{}, false
	}
	return m.messages[i], true
}

// History returns role/content pairs for a model call.
func (m *ConversationMemory) History() []models.HistoryMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.HistoryMessage, 0, len(m.messages))
	for _, msg := range m.messages {
		out = append(out, models.HistoryMessage{Role: msg.Role, Content: msg.Content})
	}
	return out
}

// RecordDebug stores a timestamped copy of rec, evicting the oldest record
// once capacity is exceeded.
func (m *ConversationMemory) RecordDebug(rec *models.DebugRecord) {
	if rec == nil {
		return
	}
	c := rec.Clone()
	c.RecordedAt = m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.debug = append(m.debug, c)
	if over := len(m.debug) - m.capacity; over > 0 {
		m.debug = append([]*models.DebugRecord(nil), m.debug[over:]...)
	}
}

// LatestDebug returns up to n most recent records, most recent last.
func (m *ConversationMemory) LatestDebug(n int) []*models.DebugRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || len(m.debug) == 0 {
		return nil
	}
	if n > len(m.debug) {
		n = len(m.debug)
	}
	out := make([]*models.DebugRecord, 0, n)
	for _, rec := range m.debug[len(m.debug)-n:] {
		out = append(out, rec.Clone())
	}
	return out
}

func (m *ConversationMemory) DebugLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.debug)
}

func (m *ConversationMemory) ClearMessages() {
	m.mu.Lock()
	m.messages = nil
	m.mu.Unlock()
}

func (m *ConversationMemory) ClearDebug() {
	m.mu.Lock()
	m.debug = nil
	m.mu.Unlock()
}

// Transcript renders the messages as "json" or "txt". Any other format is
// an error.
func (m *ConversationMemory) Transcript(format string) (string, error) {
	return RenderTranscript(m.Messages(), format)
}

// RenderTranscript renders messages as an indented JSON array or as
// "[timestamp] ROLE: content" lines.
func RenderTranscript(messages []models.ChatMessage, format string) (string, error) {
	switch format {
	case TranscriptJSON:
		if messages == nil {
			messages = []models.ChatMessage{}
		}
		b, err := json.MarshalIndent(messages, "", "  ")
		if err != nil {
			return "", err
		}
		return string(b), nil
	case TranscriptText:
		lines := make([]string, 0, len(messages))
		for _, msg := range messages {
			ts := msg.Timestamp
			if ts == "" {
				ts = unknownTimestamp
			}
			lines = append(lines, fmt.Sprintf("[%s] %s: %s", ts, strings.ToUpper(msg.Role), msg.Content))
		}
		return strings.Join(lines, "\n"), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

var transcriptLine = regexp.MustCompile(`^\[([^\]]*)\] (SYSTEM|USER|ASSISTANT): (.*)$`)

// ParseTranscript reads the "txt" transcript form back. A line that does
// not open a new entry continues the previous message's content.
func ParseTranscript(text string) ([]models.ChatMessage, error) {
	var out []models.ChatMessage
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if mm := transcriptLine.FindStringSubmatch(line); mm != nil {
			ts := mm[1]
			if ts == unknownTimestamp {
				ts = ""
			}
			out = append(out, models.ChatMessage{Role: strings.ToLower(mm[2]), Content: mm[3], Timestamp: ts})
			continue
		}
		if len(out) == 0 {
			if strings.TrimSpace(line) == "" {
				continue
			}
			return nil, fmt.Errorf("transcript line %q does not start an entry", line)
		}
		out[len(out)-1].Content += "\n" + line
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
