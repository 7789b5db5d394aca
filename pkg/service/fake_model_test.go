package service

import (
	"context"
	"sync"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// fakeChatModel is a scripted eino chat model.
type fakeChatModel struct {
	mu sync.Mutex

	reply     string
	chunks    []string
	usage     *schema.TokenUsage
	err       error // returned before any output
	streamErr error // delivered after all chunks

	inputs       [][]*schema.Message
	temperatures []float32
}

func (f *fakeChatModel) record(input []*schema.Message, opts []einoModel.Option) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, input)
	o := einoModel.GetCommonOptions(nil, opts...)
	if o.Temperature != nil {
		f.temperatures = append(f.temperatures, *o.Temperature)
	}
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.Message, error) {
	f.record(input, opts)
	if f.err != nil {
		return nil, f.err
	}
	msg := schema.AssistantMessage(f.reply, nil)
	if f.usage != nil {
		msg.ResponseMeta = &schema.ResponseMeta{Usage: f.usage}
	}
	return msg, nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	f.record(input, opts)
	if f.err != nil {
		return nil, f.err
	}

	r, w := schema.Pipe[*schema.Message](len(f.chunks) + 2)
	for _, c := range f.chunks {
		w.Send(schema.AssistantMessage(c, nil), nil)
	}
	if f.usage != nil {
		w.Send(&schema.Message{Role: schema.Assistant, ResponseMeta: &schema.ResponseMeta{Usage: f.usage}}, nil)
	}
	if f.streamErr != nil {
		w.Send(nil, f.streamErr)
	}
	w.Close()
	return r, nil
}

func (f *fakeChatModel) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

func (f *fakeChatModel) lastInput() []*schema.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inputs) == 0 {
		return nil
	}
	return f.inputs[len(f.inputs)-1]
}

// newFakeModelService serves fake for every model name and records which
// names were requested.
func newFakeModelService(fake *fakeChatModel) (*ModelService, *[]string) {
	var built []string
	ms := NewModelService(ProviderConfig{Provider: "openai", Model: "gpt-4o-mini"},
		WithAvailableModels([]string{"gpt-4o-mini", "gpt-4o"}),
		WithCostRate(0.00015),
		WithChatModelFactory(func(ctx context.Context, cfg ProviderConfig) (einoModel.BaseChatModel, error) {
			built = append(built, cfg.Model)
			return fake, nil
		}),
	)
	return ms, &built
}
