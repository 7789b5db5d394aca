package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppConfig is read from a YAML file under the user's home directory,
// then overlaid with a .env file and the process environment.
// All fields are optional; defaults are applied by the accessor methods.
//
// Example (~/.tutorchat/config.yaml):
//
// server:
//   host: 127.0.0.1
//   port: 8088
// model:
//   provider: openai
//   name: gpt-4o-mini
//   temperature: 0.7
// storage:
//   path: ~/.tutorchat/tutorchat.db
// safety:
//   enable_dangerous_actions: false
//
// Notes:
// - If the config file does not exist, Load returns defaults without error.
// - If the config file exists but cannot be parsed, Load returns an error.
// - The API key is normally supplied through OPENAI_API_KEY, not the file.

type AppConfig struct {
	Server  ServerConfig  `yaml:"server"`
	Model   ModelConfig   `yaml:"model"`
	Storage StorageConfig `yaml:"storage"`
	Safety  SafetyConfig  `yaml:"safety"`
	Debug   DebugConfig   `yaml:"debug"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Host *string `yaml:"host"`
	Port *int    `yaml:"port"`
}

type ModelConfig struct {
	Provider    *string  `yaml:"provider"`
	Name        *string  `yaml:"name"`
	BaseURL     *string  `yaml:"base_url"`
	APIKey      *string  `yaml:"api_key,omitempty"`
	Temperature *float64 `yaml:"temperature"`
	Available   []string `yaml:"available,omitempty"`
	// USD per 1000 tokens, used for the debug cost estimate.
	CostPer1K *float64 `yaml:"cost_per_1k_tokens,omitempty"`
}

type StorageConfig struct {
	Path *string `yaml:"path"`
}

type SafetyConfig struct {
	EnableDangerousActions *bool `yaml:"enable_dangerous_actions"`
}

type DebugConfig struct {
	MaxEntries *int `yaml:"max_entries"`
}

type LogConfig struct {
	Level  *string `yaml:"level"`
	Format *string `yaml:"format"`
}

const (
	DefaultHost        = "127.0.0.1"
	DefaultPort        = 8088
	DefaultProvider    = "openai"
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.7
	DefaultCostPer1K   = 0.00015
	DefaultDebugMax    = 50
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"
	DefaultDBFile      = "tutorchat.db"
)

// Environment variables consulted by Load.
const (
	EnvAPIKey           = "OPENAI_API_KEY"
	EnvGenericAPIKey    = "TUTORCHAT_API_KEY"
	EnvProvider         = "TUTORCHAT_PROVIDER"
	EnvModel            = "TUTORCHAT_MODEL"
	EnvBaseURL          = "TUTORCHAT_API_BASE_URL"
	EnvTemperature      = "TUTORCHAT_TEMPERATURE"
	EnvDBPath           = "TUTORCHAT_DB_PATH"
	EnvHost             = "TUTORCHAT_HOST"
	EnvPort             = "TUTORCHAT_PORT"
	EnvLogLevel         = "TUTORCHAT_LOG_LEVEL"
	EnvDangerousActions = "ENABLE_DANGEROUS_ACTIONS"
)

// ErrMissingAPIKey is returned by Validate when the selected provider needs
// a credential and none was configured.
var ErrMissingAPIKey = errors.New("API key is missing: set OPENAI_API_KEY in the environment or .env file")

// DotEnvFile is the .env file loaded by Load, relative to the working directory.
var DotEnvFile = ".env"

var defaultAvailableModels = []string{"gpt-4o-mini", "gpt-4o", "gpt-3.5-turbo", "gpt-4", "gpt-4-turbo"}

// providers that talk to a local endpoint and need no key
var keylessProviders = map[string]bool{"ollama": true}

// DefaultPaths returns the config dir and config file path.
func DefaultPaths() (configDir string, configFile string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("get user home dir: %w", err)
	}
	configDir = filepath.Join(home, ".tutorchat")
	configFile = filepath.Join(configDir, "config.yaml")
	return configDir, configFile, nil
}

// Load reads ~/.tutorchat/config.yaml, the .env file and the environment.
// If the file doesn't exist, defaults are used.
func Load() (*AppConfig, string, error) {
	_, configFile, err := DefaultPaths()
	if err != nil {
		return nil, "", err
	}

	cfg := &AppConfig{}

	b, err := os.ReadFile(configFile)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, "", fmt.Errorf("parse yaml config %s: %w", configFile, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, "", fmt.Errorf("read config file %s: %w", configFile, err)
	}

	// Existing process env wins over .env entries.
	if err := godotenv.Load(DotEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("load %s: %w", DotEnvFile, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, "", err
	}

	// Validate
	host := cfg.Host()
	if strings.TrimSpace(host) == "" {
		return nil, "", fmt.Errorf("invalid server.host (empty) in %s", configFile)
	}

	port := cfg.Port()
	if port < 1 || port > 65535 {
		return nil, "", fmt.Errorf("invalid server.port %d in %s", port, configFile)
	}

	if t := cfg.Temperature(); t < 0 || t > 2 {
		return nil, "", fmt.Errorf("invalid model.temperature %.2f (want 0..2)", t)
	}

	return cfg, configFile, nil
}

func (c *AppConfig) applyEnv() error {
	if v := firstEnv(EnvGenericAPIKey, EnvAPIKey); v != "" {
		c.Model.APIKey = ptr(v)
	}
	if v := os.Getenv(EnvProvider); v != "" {
		c.Model.Provider = ptr(v)
	}
	if v := os.Getenv(EnvModel); v != "" {
		c.Model.Name = ptr(v)
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.Model.BaseURL = ptr(v)
	}
	if v := os.Getenv(EnvTemperature); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvTemperature, v, err)
		}
		c.Model.Temperature = ptr(t)
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Storage.Path = ptr(v)
	}
	if v := os.Getenv(EnvHost); v != "" {
		c.Server.Host = ptr(v)
	}
	if v := os.Getenv(EnvPort); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		c.Server.Port = ptr(p)
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = ptr(v)
	}
	if v, ok := os.LookupEnv(EnvDangerousActions); ok {
		c.Safety.EnableDangerousActions = ptr(parseFlag(v))
	}
	return nil
}

// Validate checks the settings required to talk to a model provider.
func (c *AppConfig) Validate() error {
	if c.APIKey() == "" && !keylessProviders[c.Provider()] {
		return ErrMissingAPIKey
	}
	return nil
}

// EnsureDefaultConfig writes a default config file if it doesn't already exist.
// It is safe to call on startup.
func EnsureDefaultConfig() (string, error) {
	configDir, configFile, err := DefaultPaths()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(configFile); err == nil {
		return configFile, nil
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", configDir, err)
	}

	defaultCfg := AppConfig{
		Server: ServerConfig{Host: ptr(DefaultHost), Port: ptr(DefaultPort)},
		Model: ModelConfig{
			Provider:    ptr(DefaultProvider),
			Name:        ptr(DefaultModel),
			Temperature: ptr(DefaultTemperature),
		},
		Safety: SafetyConfig{EnableDangerousActions: ptr(false)},
	}
	b, err := yaml.Marshal(&defaultCfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	// Write with restrictive permissions.
	if err := os.WriteFile(configFile, b, 0o600); err != nil {
		return "", fmt.Errorf("write default config file %s: %w", configFile, err)
	}

	return configFile, nil
}

func (c *AppConfig) Host() string {
	if c == nil || c.Server.Host == nil {
		return DefaultHost
	}
	v := strings.TrimSpace(*c.Server.Host)
	if v == "" {
		return DefaultHost
	}
	return v
}

func (c *AppConfig) Port() int {
	if c == nil || c.Server.Port == nil {
		return DefaultPort
	}
	return *c.Server.Port
}

func (c *AppConfig) Provider() string {
	if c == nil {
		return DefaultProvider
	}
	return orDefault(c.Model.Provider, DefaultProvider)
}

func (c *AppConfig) ModelName() string {
	if c == nil {
		return DefaultModel
	}
	return orDefault(c.Model.Name, DefaultModel)
}

func (c *AppConfig) BaseURL() string {
	if c == nil {
		return ""
	}
	return orDefault(c.Model.BaseURL, "")
}

func (c *AppConfig) APIKey() string {
	if c == nil {
		return ""
	}
	return orDefault(c.Model.APIKey, "")
}

func (c *AppConfig) Temperature() float64 {
	if c == nil || c.Model.Temperature == nil {
		return DefaultTemperature
	}
	return *c.Model.Temperature
}

func (c *AppConfig) CostPer1K() float64 {
	if c == nil || c.Model.CostPer1K == nil {
		return DefaultCostPer1K
	}
	return *c.Model.CostPer1K
}

// AvailableModels lists the model names offered for selection. The
// configured model is always part of the list.
func (c *AppConfig) AvailableModels() []string {
	list := defaultAvailableModels
	if c != nil && len(c.Model.Available) > 0 {
		list = c.Model.Available
	}
	out := append([]string(nil), list...)
	current := c.ModelName()
	for _, m := range out {
		if m == current {
			return out
		}
	}
	return append([]string{current}, out...)
}

// DBPath returns the sqlite database file, expanding a leading "~/".
func (c *AppConfig) DBPath() string {
	if c != nil && c.Storage.Path != nil && strings.TrimSpace(*c.Storage.Path) != "" {
		return expandHome(strings.TrimSpace(*c.Storage.Path))
	}
	configDir, _, err := DefaultPaths()
	if err != nil {
		return DefaultDBFile
	}
	return filepath.Join(configDir, DefaultDBFile)
}

func (c *AppConfig) DangerousActionsEnabled() bool {
	if c == nil || c.Safety.EnableDangerousActions == nil {
		return false
	}
	return *c.Safety.EnableDangerousActions
}

func (c *AppConfig) DebugMaxEntries() int {
	if c == nil || c.Debug.MaxEntries == nil || *c.Debug.MaxEntries <= 0 {
		return DefaultDebugMax
	}
	return *c.Debug.MaxEntries
}

func (c *AppConfig) LogLevel() string {
	if c == nil {
		return DefaultLogLevel
	}
	return orDefault(c.Log.Level, DefaultLogLevel)
}

func (c *AppConfig) LogFormat() string {
	if c == nil {
		return DefaultLogFormat
	}
	return orDefault(c.Log.Format, DefaultLogFormat)
}

func orDefault(v *string, def string) string {
	if v == nil {
		return def
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return def
	}
	return s
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func parseFlag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

func ptr[T any](v T) *T { return &v }
