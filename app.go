package main

import (
	"context"
	"fmt"

	"github.com/choraleia/tutorchat/pkg/config"
	"github.com/choraleia/tutorchat/pkg/db"
	"github.com/choraleia/tutorchat/pkg/event"
	"github.com/choraleia/tutorchat/pkg/service"
	"github.com/choraleia/tutorchat/pkg/utils"
	"gorm.io/gorm"
)

// app holds the wired services shared by all commands.
type app struct {
	cfg     *config.AppConfig
	gdb     *gorm.DB
	store   *service.ChatStoreService
	models  *service.ModelService
	chat    *service.ChatService
	emitter *event.Emitter
}

// loadConfig reads configuration and sets up logging.
func loadConfig() (*config.AppConfig, error) {
	if _, err := config.EnsureDefaultConfig(); err != nil {
		return nil, err
	}
	cfg, file, err := config.Load()
	if err != nil {
		return nil, err
	}
	utils.InitLogger(cfg.LogLevel(), cfg.LogFormat())
	utils.GetLogger().Debug("Configuration loaded", "file", file, "provider", cfg.Provider(),
		"model", cfg.ModelName(), "api_key", utils.MaskSensitiveString(cfg.APIKey()))
	return cfg, nil
}

// openStore opens and migrates the database.
func openStore(ctx context.Context, cfg *config.AppConfig) (*gorm.DB, *service.ChatStoreService, error) {
	gdb, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open database %s: %w", cfg.DBPath(), err)
	}
	store := service.NewChatStoreService(gdb)
	if err := store.Initialize(ctx); err != nil {
		_ = db.Close(gdb)
		return nil, nil, fmt.Errorf("initialize database: %w", err)
	}
	return gdb, store, nil
}

// newApp wires the chat stack. A missing API key aborts startup.
func newApp(ctx context.Context, cfg *config.AppConfig) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	gdb, store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	models := service.NewModelService(service.ProviderConfig{
		Provider: cfg.Provider(),
		Model:    cfg.ModelName(),
		BaseURL:  cfg.BaseURL(),
		APIKey:   cfg.APIKey(),
	},
		service.WithAvailableModels(cfg.AvailableModels()),
		service.WithCostRate(cfg.CostPer1K()),
	)

	emitter := event.Global()
	chat := service.NewChatService(store, models, service.ChatOptions{
		EnableDangerousActions: cfg.DangerousActionsEnabled(),
		DebugCapacity:          cfg.DebugMaxEntries(),
		Temperature:            float32(cfg.Temperature()),
		Emitter:                emitter,
	})

	return &app{cfg: cfg, gdb: gdb, store: store, models: models, chat: chat, emitter: emitter}, nil
}

func (a *app) Close() error {
	return db.Close(a.gdb)
}
