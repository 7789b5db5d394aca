package models

import (
	"strconv"
	"time"

	"github.com/choraleia/tutorchat/pkg/utils"
)

// TokenUsage counts reported by the provider. A nil field means the provider
// did not report it.
type TokenUsage struct {
	PromptTokens     *int `json:"prompt_tokens,omitempty"`
	CompletionTokens *int `json:"completion_tokens,omitempty"`
	TotalTokens      *int `json:"total_tokens,omitempty"`
}

// Known reports whether any count is present.
func (u TokenUsage) Known() bool {
	return u.PromptTokens != nil || u.CompletionTokens != nil || u.TotalTokens != nil
}

// DebugPayload is the outbound request as sent to the provider.
type DebugPayload struct {
	Model       string           `json:"model"`
	Temperature float32          `json:"temperature"`
	Messages    []HistoryMessage `json:"messages"`
}

// DebugRecord describes one model call.
type DebugRecord struct {
	Model        string       `json:"model"`
	Temperature  float32      `json:"temperature"`
	MessageCount int          `json:"messages_count"`
	StartedAt    time.Time    `json:"started_at"`
	RecordedAt   time.Time    `json:"recorded_at"`
	Payload      DebugPayload `json:"payload"`
	Latency      Duration     `json:"latency"`
	Success      bool         `json:"success"`
	Usage        TokenUsage   `json:"token_usage"`
	RawResponse  string       `json:"raw_response,omitempty"`
	Error        string       `json:"error,omitempty"`
	ErrorKind    string       `json:"error_kind,omitempty"`
}

// Clone returns a deep copy.
func (r *DebugRecord) Clone() *DebugRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload.Messages = append([]HistoryMessage(nil), r.Payload.Messages...)
	c.Usage = TokenUsage{
		PromptTokens:     cloneInt(r.Usage.PromptTokens),
		CompletionTokens: cloneInt(r.Usage.CompletionTokens),
		TotalTokens:      cloneInt(r.Usage.TotalTokens),
	}
	return &c
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Duration marshals as fractional seconds.
type Duration time.Duration

func (d Duration) Seconds() float64 { return time.Duration(d).Seconds() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(formatFloat(d.Seconds())), nil
}

// Latency bands shown next to the response time.
const (
	LatencyFast     = "fast"
	LatencyModerate = "moderate"
	LatencySlow     = "slow"
)

const (
	rawPreviewLimit     = 1000
	payloadPreviewLimit = 200
)

// DebugSummary is the display form of a DebugRecord.
type DebugSummary struct {
	Model          string           `json:"model"`
	Temperature    float32          `json:"temperature"`
	MessageCount   int              `json:"messages_count"`
	RecordedAt     time.Time        `json:"recorded_at"`
	LatencySeconds float64          `json:"latency_seconds"`
	LatencyBand    string           `json:"latency_band"`
	Success        bool             `json:"success"`
	Error          string           `json:"error,omitempty"`
	ErrorKind      string           `json:"error_kind,omitempty"`
	Usage          TokenUsage       `json:"token_usage"`
	EstimatedCost  *float64         `json:"estimated_cost_usd,omitempty"`
	Payload        []HistoryMessage `json:"payload"`
	RawResponse    string           `json:"raw_response,omitempty"`
}

// Summary builds the display view. ratePer1K is the USD price per 1000 tokens.
func (r *DebugRecord) Summary(ratePer1K float64) DebugSummary {
	s := DebugSummary{
		Model:          r.Model,
		Temperature:    r.Temperature,
		MessageCount:   r.MessageCount,
		RecordedAt:     r.RecordedAt,
		LatencySeconds: r.Latency.Seconds(),
		LatencyBand:    LatencyBandFor(time.Duration(r.Latency)),
		Success:        r.Success,
		Error:          r.Error,
		ErrorKind:      r.ErrorKind,
		Usage:          r.Usage,
		RawResponse:    utils.Truncate(r.RawResponse, rawPreviewLimit, "\n... (truncated)"),
	}
	if r.Usage.TotalTokens != nil {
		cost := EstimateCost(*r.Usage.TotalTokens, ratePer1K)
		s.EstimatedCost = &cost
	}
	for _, m := range r.Payload.Messages {
		s.Payload = append(s.Payload, HistoryMessage{
			Role:    m.Role,
			Content: utils.Truncate(m.Content, payloadPreviewLimit, "..."),
		})
	}
	return s
}

// LatencyBandFor classifies a response time: under 2s fast, under 5s moderate.
func LatencyBandFor(d time.Duration) string {
	switch {
	case d < 2*time.Second:
		return LatencyFast
	case d < 5*time.Second:
		return LatencyModerate
	default:
		return LatencySlow
	}
}

// EstimateCost is informational only: tokens/1000 * rate.
func EstimateCost(totalTokens int, ratePer1K float64) float64 {
	return float64(totalTokens) / 1000 * ratePer1K
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
