package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/choraleia/tutorchat/pkg/db"
	"github.com/choraleia/tutorchat/pkg/event"
	"github.com/choraleia/tutorchat/pkg/models"
	"github.com/choraleia/tutorchat/pkg/service"
	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedModel struct {
	chunks []string
}

func (m *scriptedModel) Generate(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.Message, error) {
	return schema.AssistantMessage(strings.Join(m.chunks, ""), nil), nil
}

func (m *scriptedModel) Stream(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	r, w := schema.Pipe[*schema.Message](len(m.chunks))
	for _, c := range m.chunks {
		w.Send(schema.AssistantMessage(c, nil), nil)
	}
	w.Close()
	return r, nil
}

func newTestRouter(t *testing.T, dangerous bool) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := db.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })
	store := service.NewChatStoreService(gdb)
	require.NoError(t, store.Initialize(context.Background()))

	fake := &scriptedModel{chunks: []string{"Hel", "lo"}}
	ms := service.NewModelService(service.ProviderConfig{Provider: "openai", Model: "gpt-4o-mini"},
		service.WithChatModelFactory(func(ctx context.Context, cfg service.ProviderConfig) (einoModel.BaseChatModel, error) {
			return fake, nil
		}))
	svc := service.NewChatService(store, ms, service.ChatOptions{
		EnableDangerousActions: dangerous,
		Temperature:            0.7,
		Emitter:                event.NewEmitter(),
	})

	r := gin.New()
	api := r.Group("/api")
	NewChatHandler(svc).RegisterRoutes(api)
	NewFeedbackHandler(svc).RegisterRoutes(api)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    T      `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Data
}

func createSession(t *testing.T, r http.Handler) models.SessionInfo {
	t.Helper()
	w := do(t, r, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	info := decode[models.SessionInfo](t, w)
	require.NotEmpty(t, info.SessionID)
	return info
}

func TestSendMessageSync(t *testing.T) {
	r := newTestRouter(t, false)
	info := createSession(t, r)

	w := do(t, r, http.MethodPost, "/api/sessions/"+info.SessionID+"/messages", gin.H{"content": "hi"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[models.TurnResult](t, w)
	require.NotNil(t, res.Assistant)
	assert.Equal(t, "Hello", res.Assistant.Content)

	w = do(t, r, http.MethodGet, "/api/sessions/"+info.SessionID+"/messages", nil)
	msgs := decode[[]models.ChatMessage](t, w)
	assert.Len(t, msgs, 2)
}

func TestSendMessageStream(t *testing.T) {
	r := newTestRouter(t, false)
	info := createSession(t, r)

	w := do(t, r, http.MethodPost, "/api/sessions/"+info.SessionID+"/messages", gin.H{"content": "hi", "stream": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, `data: {"type":"token","text":"Hel"}`)
	assert.Contains(t, body, `data: {"type":"token","text":"lo"}`)
	assert.Contains(t, body, `"type":"done"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestSendMessageErrors(t *testing.T) {
	r := newTestRouter(t, false)
	info := createSession(t, r)

	w := do(t, r, http.MethodPost, "/api/sessions/nope/messages", gin.H{"content": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodPost, "/api/sessions/"+info.SessionID+"/messages", gin.H{"content": "  ", "stream": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestFeedbackFlow(t *testing.T) {
	r := newTestRouter(t, false)
	info := createSession(t, r)
	base := "/api/sessions/" + info.SessionID
	do(t, r, http.MethodPost, base+"/messages", gin.H{"content": "hi"})

	w := do(t, r, http.MethodPost, base+"/feedback", gin.H{"message_index": 1, "rating_type": "thumbs", "rating_value": 1})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, r, http.MethodPost, base+"/feedback", gin.H{"message_index": 1, "rating_type": "thumbs", "rating_value": 1})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodPost, base+"/feedback", gin.H{"message_index": 1, "rating_type": "stars", "rating_value": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/api/feedback/summary", nil)
	summary := decode[models.FeedbackSummary](t, w)
	assert.Equal(t, 1, summary.Up)

	w = do(t, r, http.MethodGet, "/api/feedback/export?format=csv", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment; filename=feedback_")
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(w.Body.String()), "\n")+1)

	w = do(t, r, http.MethodGet, "/api/feedback/export?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPromptRoutes(t *testing.T) {
	r := newTestRouter(t, false)

	w := do(t, r, http.MethodPost, "/api/prompts", gin.H{"name": "strict", "content": "One word."})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, r, http.MethodPost, "/api/prompts", gin.H{"name": "  ", "content": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/api/prompts", nil)
	prompts := decode[[]db.SavedPrompt](t, w)
	require.Len(t, prompts, 1)
	assert.Equal(t, "strict", prompts[0].Name)

	w = do(t, r, http.MethodDelete, "/api/prompts/strict", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, r, http.MethodDelete, "/api/prompts/strict", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDangerRoutes(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		r := newTestRouter(t, false)
		info := createSession(t, r)
		w := do(t, r, http.MethodPost, "/api/sessions/"+info.SessionID+"/danger/delete_all_data/arm", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("enabled", func(t *testing.T) {
		r := newTestRouter(t, true)
		info := createSession(t, r)
		base := "/api/sessions/" + info.SessionID
		do(t, r, http.MethodPost, base+"/messages", gin.H{"content": "hi"})

		w := do(t, r, http.MethodPost, base+"/danger/delete_all_data/confirm", gin.H{"phrase": "DELETE"})
		assert.Equal(t, http.StatusForbidden, w.Code)

		w = do(t, r, http.MethodPost, base+"/danger/delete_all_data/arm", nil)
		require.Equal(t, http.StatusOK, w.Code)
		w = do(t, r, http.MethodPost, base+"/danger/delete_all_data/confirm", gin.H{"phrase": "DELETE"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		w = do(t, r, http.MethodGet, "/api/conversations", nil)
		assert.Empty(t, decode[[]db.Conversation](t, w))
	})
}

func TestExportTranscript(t *testing.T) {
	r := newTestRouter(t, false)
	info := createSession(t, r)
	base := "/api/sessions/" + info.SessionID
	do(t, r, http.MethodPost, base+"/messages", gin.H{"content": "hi"})

	w := do(t, r, http.MethodGet, base+"/export?format=txt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "USER: hi")
	assert.Contains(t, w.Body.String(), "ASSISTANT: Hello")

	w = do(t, r, http.MethodGet, base+"/export?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, base+"/debug?limit=1", nil)
	dbg := decode[[]models.DebugSummary](t, w)
	assert.Len(t, dbg, 1)
}
