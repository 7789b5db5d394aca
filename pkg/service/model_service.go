package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/choraleia/tutorchat/pkg/utils"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/deepseek"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino-ext/components/model/qianfan"
	"github.com/cloudwego/eino-ext/components/model/qwen"
	einoModel "github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"
)

// ProviderConfig selects and authenticates a chat model provider.
type ProviderConfig struct {
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
	Extra    map[string]any
}

// ChatModelFactory builds the provider model for one model name.
type ChatModelFactory func(ctx context.Context, cfg ProviderConfig) (einoModel.BaseChatModel, error)

// ModelService builds and caches provider models and hands out per-session
// gateways.
type ModelService struct {
	provider  ProviderConfig
	factory   ChatModelFactory
	available []string
	costPer1K float64
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]einoModel.BaseChatModel
}

type ModelServiceOption func(*ModelService)

// WithChatModelFactory replaces the provider switch, mainly for tests.
func WithChatModelFactory(f ChatModelFactory) ModelServiceOption {
	return func(m *ModelService) { m.factory = f }
}

func WithAvailableModels(names []string) ModelServiceOption {
	return func(m *ModelService) { m.available = append([]string(nil), names...) }
}

// WithCostRate sets the USD price per 1000 tokens used for estimates.
func WithCostRate(perK float64) ModelServiceOption {
	return func(m *ModelService) { m.costPer1K = perK }
}

func NewModelService(provider ProviderConfig, opts ...ModelServiceOption) *ModelService {
	m := &ModelService{
		provider: provider,
		factory: func(ctx context.Context, cfg ProviderConfig) (einoModel.BaseChatModel, error) {
			return CreateChatModel(ctx, cfg)
		},
		logger: utils.GetLogger(),
		cache:  make(map[string]einoModel.BaseChatModel),
	}
	for _, opt := range opts {
		opt(m)
	}
	if len(m.available) == 0 && provider.Model != "" {
		m.available = []string{provider.Model}
	}
	return m
}

// DefaultModel is the model new sessions start with.
func (m *ModelService) DefaultModel() string {
	return m.provider.Model
}

func (m *ModelService) AvailableModels() []string {
	return append([]string(nil), m.available...)
}

func (m *ModelService) CostPer1K() float64 {
	return m.costPer1K
}

// ChatModel returns the provider model for name, building it on first use.
func (m *ModelService) ChatModel(ctx context.Context, name string) (einoModel.BaseChatModel, error) {
	if name == "" {
		name = m.provider.Model
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cm, ok := m.cache[name]; ok {
		return cm, nil
	}

	cfg := m.provider
	cfg.Model = name
	cm, err := m.factory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	m.cache[name] = cm
	m.logger.Debug("Created chat model", "provider", cfg.Provider, "model", name)
	return cm, nil
}

// NewGateway returns a gateway with its own model/temperature selection.
func (m *ModelService) NewGateway(modelName string, temperature float32) *ModelGateway {
	if modelName == "" {
		modelName = m.provider.Model
	}
	return &ModelGateway{
		models:      m,
		modelName:   modelName,
		temperature: temperature,
		now:         time.Now,
		logger:      m.logger,
	}
}

// CreateChatModel creates an eino chat model from config
func CreateChatModel(ctx context.Context, config ProviderConfig) (einoModel.ToolCallingChatModel, error) {
	switch config.Provider {
	case "openai", "custom", "":
		chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: config.BaseURL,
			APIKey:  config.APIKey,
			Model:   config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI model: %w", err)
		}
		return chatModel, nil

	case "ark":
		timeout := time.Second * 600
		retries := 3
		region := ""
		if config.Extra != nil {
			if v, ok := config.Extra["region"]; ok {
				region, _ = v.(string)
			}
		}
		chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
			BaseURL:    config.BaseURL,
			Region:     region,
			Timeout:    &timeout,
			RetryTimes: &retries,
			APIKey:     config.APIKey,
			Model:      config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ark model: %w", err)
		}
		return chatModel, nil

	case "deepseek":
		chatModel, err := deepseek.NewChatModel(ctx, &deepseek.ChatModelConfig{
			BaseURL: config.BaseURL,
			APIKey:  config.APIKey,
			Model:   config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create DeepSeek model: %w", err)
		}
		return chatModel, nil

	case "anthropic":
		var baseURL *string
		if config.BaseURL != "" {
			baseURL = &config.BaseURL
		}
		chatModel, err := claude.NewChatModel(ctx, &claude.Config{
			BaseURL:   baseURL,
			APIKey:    config.APIKey,
			Model:     config.Model,
			MaxTokens: 8192,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Claude model: %w", err)
		}
		return chatModel, nil

	case "ollama":
		chatModel, err := ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: config.BaseURL,
			Model:   config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama model: %w", err)
		}
		return chatModel, nil

	case "google":
		genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  config.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
			Client: genaiClient,
			Model:  config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini model: %w", err)
		}
		return chatModel, nil

	case "qianfan":
		qianfanConfig := qianfan.GetQianfanSingletonConfig()
		qianfanConfig.BaseURL = config.BaseURL
		qianfanConfig.BearerToken = config.APIKey
		chatModel, err := qianfan.NewChatModel(ctx, &qianfan.ChatModelConfig{
			Model: config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Qianfan model: %w", err)
		}
		return chatModel, nil

	case "qwen":
		chatModel, err := qwen.NewChatModel(ctx, &qwen.ChatModelConfig{
			BaseURL: config.BaseURL,
			APIKey:  config.APIKey,
			Model:   config.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Qwen model: %w", err)
		}
		return chatModel, nil

	default:
		return nil, fmt.Errorf("unsupported model provider: %s", config.Provider)
	}
}
