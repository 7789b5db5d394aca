package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/choraleia/tutorchat/pkg/models"
	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"
)

func steppingClock(step time.Duration) func() time.Time {
	t := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(step)
		return t
	}
}

func TestModelGateway_InvokeSuccess(t *testing.T) {
	fake := &fakeChatModel{reply: "4", usage: &schema.TokenUsage{PromptTokens: 20, CompletionTokens: 1, TotalTokens: 21}}
	ms, _ := newFakeModelService(fake)
	g := ms.NewGateway("", 0.7)
	g.now = steppingClock(1500 * time.Millisecond)

	history := []models.HistoryMessage{{Role: "user", Content: "2+2?"}}
	text, rec, err := g.Invoke(context.Background(), history, "be brief")
	require.NoError(t, err)
	require.Equal(t, "4", text)

	require.True(t, rec.Success)
	require.Equal(t, "gpt-4o-mini", rec.Model)
	require.Equal(t, float32(0.7), rec.Temperature)
	require.Equal(t, 1, rec.MessageCount)
	require.Equal(t, 1500*time.Millisecond, time.Duration(rec.Latency))
	require.Equal(t, 21, *rec.Usage.TotalTokens)
	require.Contains(t, rec.RawResponse, `"content":"4"`)

	require.Len(t, rec.Payload.Messages, 2)
	require.Equal(t, models.HistoryMessage{Role: "system", Content: "be brief"}, rec.Payload.Messages[0])

	sent := fake.lastInput()
	require.Len(t, sent, 2)
	require.Equal(t, schema.System, sent[0].Role)
	require.Equal(t, schema.User, sent[1].Role)
	require.Equal(t, []float32{0.7}, fake.temperatures)
}

func TestModelGateway_InvokeWithoutSystemOrUsage(t *testing.T) {
	fake := &fakeChatModel{reply: "ok"}
	ms, _ := newFakeModelService(fake)
	g := ms.NewGateway("", 0.2)

	_, rec, err := g.Invoke(context.Background(), []models.HistoryMessage{{Role: "user", Content: "hi"}}, "")
	require.NoError(t, err)
	require.Len(t, fake.lastInput(), 1)
	require.False(t, rec.Usage.Known())
}

func TestModelGateway_InvokeFailure(t *testing.T) {
	providerErr := errors.New("error, status code: 429, message: Rate limit reached")
	fake := &fakeChatModel{err: providerErr}
	ms, _ := newFakeModelService(fake)
	g := ms.NewGateway("", 0.7)

	text, rec, err := g.Invoke(context.Background(), []models.HistoryMessage{{Role: "user", Content: "hi"}}, "")
	require.Error(t, err)
	require.Empty(t, text)
	require.ErrorIs(t, err, providerErr)
	require.Contains(t, err.Error(), "model call failed")
	require.Contains(t, err.Error(), "Rate limit reached")

	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	require.Equal(t, ErrorKindRateLimit, gerr.Kind)
	require.NotEmpty(t, gerr.UserMessage())

	require.False(t, rec.Success)
	require.Equal(t, ErrorKindRateLimit, rec.ErrorKind)
	require.Equal(t, providerErr.Error(), rec.Error)
}

func TestModelGateway_FactoryFailureIsGatewayError(t *testing.T) {
	ms := NewModelService(ProviderConfig{Provider: "openai", Model: "m"},
		WithChatModelFactory(func(ctx context.Context, cfg ProviderConfig) (einoModel.BaseChatModel, error) {
			return nil, errors.New("dial tcp: lookup api.example: no such host")
		}))
	g := ms.NewGateway("", 0.7)

	_, rec, err := g.Invoke(context.Background(), nil, "")
	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	require.Equal(t, ErrorKindNetwork, gerr.Kind)
	require.False(t, rec.Success)
}

func TestModelGateway_UpdateSettingsKeepsOmittedFields(t *testing.T) {
	fake := &fakeChatModel{reply: "x"}
	ms, built := newFakeModelService(fake)
	g := ms.NewGateway("gpt-4o-mini", 0.7)

	temp := float32(0.1)
	g.UpdateSettings(nil, &temp)
	name, got := g.Settings()
	require.Equal(t, "gpt-4o-mini", name)
	require.Equal(t, float32(0.1), got)

	model := "gpt-4o"
	g.UpdateSettings(&model, nil)
	name, got = g.Settings()
	require.Equal(t, "gpt-4o", name)
	require.Equal(t, float32(0.1), got)

	blank := "  "
	g.UpdateSettings(&blank, nil)
	name, _ = g.Settings()
	require.Equal(t, "gpt-4o", name)

	_, rec, err := g.Invoke(context.Background(), nil, "")
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", rec.Model)
	require.Equal(t, []string{"gpt-4o"}, *built)

	// cached per model name
	_, _, err = g.Invoke(context.Background(), nil, "")
	require.NoError(t, err)
	require.Len(t, *built, 1)
}

func collect(s *ResponseStream) []models.StreamEvent {
	var events []models.StreamEvent
	for {
		ev, ok := s.Next()
		if !ok {
			return events
		}
		events = append(events, ev)
	}
}

func TestModelGateway_StreamCompletes(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{"Hel", "", "lo", " world"}, usage: &schema.TokenUsage{TotalTokens: 9}}
	ms, _ := newFakeModelService(fake)
	g := ms.NewGateway("", 0.5)

	events := collect(g.Stream(context.Background(), []models.HistoryMessage{{Role: "user", Content: "greet"}}, "sys"))
	require.Len(t, events, 4)

	var text string
	for _, ev := range events[:3] {
		require.Equal(t, models.StreamEventToken, ev.Type)
		text += ev.Text
	}
	require.Equal(t, "Hello world", text)

	done := events[3]
	require.Equal(t, models.StreamEventDone, done.Type)
	require.Equal(t, "Hello world", done.Text)
	require.True(t, done.Debug.Success)
	require.Equal(t, 9, *done.Debug.Usage.TotalTokens)
}

func TestModelGateway_StreamErrorMidway(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{"par", "tial"}, streamErr: errors.New("read: connection reset by peer")}
	ms, _ := newFakeModelService(fake)
	g := ms.NewGateway("", 0.5)

	s := g.Stream(context.Background(), nil, "")
	events := collect(s)
	require.Len(t, events, 3)
	last := events[2]
	require.Equal(t, models.StreamEventError, last.Type)
	require.Equal(t, ErrorKindNetwork, last.ErrorKind)
	require.Contains(t, last.Error, "connection reset")
	require.False(t, last.Debug.Success)
	require.Equal(t, "partial", s.Text())

	_, ok := s.Next()
	require.False(t, ok)
}

func TestModelGateway_StreamOpenError(t *testing.T) {
	fake := &fakeChatModel{err: errors.New("401 Unauthorized: invalid_api_key")}
	ms, _ := newFakeModelService(fake)
	events := collect(ms.NewGateway("", 0.5).Stream(context.Background(), nil, ""))
	require.Len(t, events, 1)
	require.Equal(t, models.StreamEventError, events[0].Type)
	require.Equal(t, ErrorKindAuth, events[0].ErrorKind)
}

func TestModelGateway_StreamStopsOnCancel(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{"Hel", "lo"}}
	ms, _ := newFakeModelService(fake)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := ms.NewGateway("", 0.5).Stream(ctx, nil, "")
	ev, ok := s.Next()
	require.True(t, ok)
	require.Equal(t, "Hel", ev.Text)

	cancel()
	_, ok = s.Next()
	require.False(t, ok, "no further events after cancellation")
	require.Equal(t, "Hel", s.Text())
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{context.Canceled, ErrorKindCancelled},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), ErrorKindTimeout},
		{errors.New("Post \"https://x\": net/http: request canceled (Client.Timeout exceeded)"), ErrorKindTimeout},
		{errors.New("Rate limit exceeded"), ErrorKindRateLimit},
		{errors.New("You exceeded your current quota: insufficient_quota"), ErrorKindQuota},
		{errors.New("Incorrect API key provided: invalid_api_key"), ErrorKindAuth},
		{errors.New("The model `gpt-9` does not exist"), ErrorKindModelNotFound},
		{errors.New("dial tcp 127.0.0.1:443: connect: connection refused"), ErrorKindNetwork},
		{errors.New("something odd"), ErrorKindProvider},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ClassifyError(tt.err), tt.err.Error())
	}
	require.Empty(t, ClassifyError(nil))
}
