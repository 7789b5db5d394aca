package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/choraleia/tutorchat/pkg/models"
	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	pkgerrors "github.com/pkg/errors"
)

// Error kinds attached to failed calls.
const (
	ErrorKindCancelled     = "cancelled"
	ErrorKindTimeout       = "timeout"
	ErrorKindRateLimit     = "rate_limit"
	ErrorKindQuota         = "quota"
	ErrorKindAuth          = "auth"
	ErrorKindModelNotFound = "model_not_found"
	ErrorKindNetwork       = "network"
	ErrorKindProvider      = "provider"
)

// GatewayError is returned when a model call fails. The provider's message
// stays in the chain.
type GatewayError struct {
	Kind string
	err  error
}

func (e *GatewayError) Error() string { return e.err.Error() }
func (e *GatewayError) Unwrap() error { return e.err }

// UserMessage is a short explanation suitable for the chat window.
func (e *GatewayError) UserMessage() string {
	switch e.Kind {
	case ErrorKindCancelled:
		return "The request was cancelled."
	case ErrorKindTimeout:
		return "The request timed out. Please try again."
	case ErrorKindRateLimit:
		return "Rate limit exceeded. Please wait a moment and try again."
	case ErrorKindQuota:
		return "API quota exceeded. Please check your account balance."
	case ErrorKindAuth:
		return "Invalid API key. Please check that the key is correct."
	case ErrorKindModelNotFound:
		return "The selected model is not available. Please choose another model."
	case ErrorKindNetwork:
		return "Network error: please check your internet connection."
	default:
		return "Model call failed: " + e.err.Error()
	}
}

// ClassifyError maps a provider error to one of the ErrorKind values.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return ErrorKindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "context canceled"):
		return ErrorKindCancelled
	case strings.Contains(errStr, "context deadline exceeded"), strings.Contains(errStr, "timeout"):
		return ErrorKindTimeout
	case strings.Contains(errStr, "rate limit"), strings.Contains(errStr, "429"):
		return ErrorKindRateLimit
	case strings.Contains(errStr, "insufficient_quota"), strings.Contains(errStr, "quota"):
		return ErrorKindQuota
	case strings.Contains(errStr, "invalid_api_key"), strings.Contains(errStr, "invalid api key"),
		strings.Contains(errStr, "unauthorized"), strings.Contains(errStr, "401"):
		return ErrorKindAuth
	case strings.Contains(errStr, "model not found"), strings.Contains(errStr, "model_not_found"),
		strings.Contains(errStr, "does not exist"):
		return ErrorKindModelNotFound
	case strings.Contains(errStr, "connection refused"), strings.Contains(errStr, "no such host"),
		strings.Contains(errStr, "connection reset"), strings.Contains(errStr, "eof"):
		return ErrorKindNetwork
	default:
		return ErrorKindProvider
	}
}

func newGatewayError(err error) *GatewayError {
	return &GatewayError{Kind: ClassifyError(err), err: pkgerrors.Wrap(err, "model call failed")}
}

// ModelGateway calls the provider for one session. Model and temperature
// can be changed between calls.
type ModelGateway struct {
	models *ModelService
	now    func() time.Time
	logger *slog.Logger

	mu          sync.RWMutex
	modelName   string
	temperature float32
}

// Settings returns the model name and temperature used by the next call.
func (g *ModelGateway) Settings() (string, float32) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.modelName, g.temperature
}

// UpdateSettings changes the given fields; nil fields keep their value.
func (g *ModelGateway) UpdateSettings(modelName *string, temperature *float32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if modelName != nil && strings.TrimSpace(*modelName) != "" {
		g.modelName = strings.TrimSpace(*modelName)
	}
	if temperature != nil {
		g.temperature = *temperature
	}
}

// CostPer1K is the configured price used for debug estimates.
func (g *ModelGateway) CostPer1K() float64 {
	return g.models.CostPer1K()
}

func (g *ModelGateway) begin(history []models.HistoryMessage, system string) (*models.DebugRecord, []*schema.Message) {
	name, temp := g.Settings()

	payload := make([]models.HistoryMessage, 0, len(history)+1)
	if system != "" {
		payload = append(payload, models.HistoryMessage{Role: string(schema.System), Content: system})
	}
	payload = append(payload, history...)

	rec := &models.DebugRecord{
		Model:        name,
		Temperature:  temp,
		MessageCount: len(history),
		StartedAt:    g.now(),
		Payload:      models.DebugPayload{Model: name, Temperature: temp, Messages: payload},
	}
	return rec, toSchemaMessages(payload)
}

func (g *ModelGateway) finish(rec *models.DebugRecord, resp *schema.Message, err error) error {
	rec.Latency = models.Duration(g.now().Sub(rec.StartedAt))
	if err != nil {
		gerr := newGatewayError(err)
		rec.Success = false
		rec.Error = err.Error()
		rec.ErrorKind = gerr.Kind
		g.logger.Warn("Model call failed", "model", rec.Model, "kind", gerr.Kind, "error", err, "elapsed", time.Duration(rec.Latency))
		return gerr
	}
	rec.Success = true
	rec.Usage = usageOf(resp)
	rec.RawResponse = rawResponse(resp)
	g.logger.Debug("Model call completed", "model", rec.Model, "elapsed", time.Duration(rec.Latency))
	return nil
}

func (g *ModelGateway) options(rec *models.DebugRecord) []einoModel.Option {
	return []einoModel.Option{einoModel.WithModel(rec.Model), einoModel.WithTemperature(rec.Temperature)}
}

// Invoke sends the history (after an optional system message) and waits for
// the whole answer. On failure no text is returned and the record carries
// the error and its kind.
func (g *ModelGateway) Invoke(ctx context.Context, history []models.HistoryMessage, system string) (string, *models.DebugRecord, error) {
	rec, msgs := g.begin(history, system)

	chatModel, err := g.models.ChatModel(ctx, rec.Model)
	if err != nil {
		return "", rec, g.finish(rec, nil, err)
	}

	resp, err := chatModel.Generate(ctx, msgs, g.options(rec)...)
	if err != nil {
		return "", rec, g.finish(rec, nil, err)
	}
	if err := g.finish(rec, resp, nil); err != nil {
		return "", rec, err
	}
	return resp.Content, rec, nil
}

// Stream starts an incremental call. Cancelling ctx stops the stream at the
// next chunk boundary without a final event.
func (g *ModelGateway) Stream(ctx context.Context, history []models.HistoryMessage, system string) *ResponseStream {
	rec, msgs := g.begin(history, system)
	s := &ResponseStream{ctx: ctx, g: g, rec: rec}

	chatModel, err := g.models.ChatModel(ctx, rec.Model)
	if err != nil {
		s.openErr = err
		return s
	}
	reader, err := chatModel.Stream(ctx, msgs, g.options(rec)...)
	if err != nil {
		s.openErr = err
		return s
	}
	s.reader = reader
	return s
}

// ResponseStream yields token events followed by exactly one done or error
// event. It is single-use and not safe for concurrent Next calls.
type ResponseStream struct {
	ctx      context.Context
	g        *ModelGateway
	rec      *models.DebugRecord
	reader   *schema.StreamReader[*schema.Message]
	openErr  error
	chunks   []*schema.Message
	text     strings.Builder
	finished bool
	settled  bool
}

// Next returns the next event, or false once the stream is finished or ctx
// was cancelled.
func (s *ResponseStream) Next() (models.StreamEvent, bool) {
	if s.finished {
		return models.StreamEvent{}, false
	}
	if s.ctx.Err() != nil {
		s.Close()
		return models.StreamEvent{}, false
	}
	if s.openErr != nil {
		s.Close()
		return s.errorEvent(s.openErr), true
	}

	for {
		chunk, err := s.reader.Recv()
		if errors.Is(err, io.EOF) {
			s.Close()
			return s.doneEvent(), true
		}
		if err != nil {
			s.Close()
			if s.ctx.Err() != nil {
				return models.StreamEvent{}, false
			}
			return s.errorEvent(err), true
		}
		if chunk == nil {
			continue
		}
		s.chunks = append(s.chunks, chunk)
		if chunk.Content == "" {
			continue
		}
		s.text.WriteString(chunk.Content)
		return models.StreamEvent{Type: models.StreamEventToken, Text: chunk.Content}, true
	}
}

// Text is everything received so far.
func (s *ResponseStream) Text() string {
	return s.text.String()
}

// Debug returns the call's record as filled in so far.
func (s *ResponseStream) Debug() *models.DebugRecord {
	return s.rec
}

// Abandon stops the stream and, when no final event was produced, marks the
// record as cancelled.
func (s *ResponseStream) Abandon() *models.DebugRecord {
	s.Close()
	if !s.settled {
		s.settled = true
		_ = s.g.finish(s.rec, nil, context.Canceled)
	}
	return s.rec
}

// Close releases the provider stream. Safe to call more than once.
func (s *ResponseStream) Close() {
	s.finished = true
	if s.reader != nil {
		s.reader.Close()
		s.reader = nil
	}
}

func (s *ResponseStream) doneEvent() models.StreamEvent {
	final := &schema.Message{Role: schema.Assistant, Content: s.text.String()}
	if len(s.chunks) > 0 {
		if merged, err := schema.ConcatMessages(s.chunks); err == nil {
			final = merged
		}
	}
	s.settled = true
	_ = s.g.finish(s.rec, final, nil)
	return models.StreamEvent{Type: models.StreamEventDone, Text: s.text.String(), Debug: s.rec}
}

func (s *ResponseStream) errorEvent(err error) models.StreamEvent {
	s.settled = true
	gerr := s.g.finish(s.rec, nil, err).(*GatewayError)
	return models.StreamEvent{
		Type:      models.StreamEventError,
		Error:     gerr.Error(),
		ErrorKind: gerr.Kind,
		Debug:     s.rec,
	}
}

func toSchemaMessages(history []models.HistoryMessage) []*schema.Message {
	out := make([]*schema.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case "system":
			out = append(out, schema.SystemMessage(m.Content))
		case "assistant":
			out = append(out, schema.AssistantMessage(m.Content, nil))
		default:
			out = append(out, schema.UserMessage(m.Content))
		}
	}
	return out
}

func usageOf(resp *schema.Message) models.TokenUsage {
	if resp == nil || resp.ResponseMeta == nil || resp.ResponseMeta.Usage == nil {
		return models.TokenUsage{}
	}
	u := resp.ResponseMeta.Usage
	prompt, completion, total := u.PromptTokens, u.CompletionTokens, u.TotalTokens
	return models.TokenUsage{PromptTokens: &prompt, CompletionTokens: &completion, TotalTokens: &total}
}

func rawResponse(resp *schema.Message) string {
	if resp == nil {
		return ""
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return resp.Content
	}
	return string(b)
}
