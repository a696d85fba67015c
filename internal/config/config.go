package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Trello    TrelloConfig    `yaml:"trello" mapstructure:"trello"`
	HubSpot   HubSpotConfig   `yaml:"hubspot" mapstructure:"hubspot"`
	Assistant AssistantConfig `yaml:"assistant" mapstructure:"assistant"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Jobs      JobsConfig      `yaml:"jobs" mapstructure:"jobs"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// TrelloConfig holds Trello API credentials and request tuning.
type TrelloConfig struct {
	Key         string  `yaml:"api_key" mapstructure:"api_key"`
	Token       string  `yaml:"api_token" mapstructure:"api_token"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
	BackoffSecs float64 `yaml:"backoff_secs" mapstructure:"backoff_secs"`
	MaxBackoff  float64 `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
}

// HubSpotConfig holds HubSpot private-app settings.
type HubSpotConfig struct {
	Token           string  `yaml:"token" mapstructure:"token"`
	BaseURL         string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs     int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts     int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffSecs     float64 `yaml:"backoff_secs" mapstructure:"backoff_secs"`
	MaxBackoff      float64 `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
	PageLimit       int     `yaml:"page_limit" mapstructure:"page_limit"`
	BatchSize       int     `yaml:"batch_size" mapstructure:"batch_size"`
	ReadRatePerSec  float64 `yaml:"read_rate_per_sec" mapstructure:"read_rate_per_sec"`
	ReadBurst       int     `yaml:"read_burst" mapstructure:"read_burst"`
	WriteRatePerSec float64 `yaml:"write_rate_per_sec" mapstructure:"write_rate_per_sec"`
	WriteBurst      int     `yaml:"write_burst" mapstructure:"write_burst"`
	// Association type ids for note→contact and note→deal. Zero means unset.
	NoteToContactTypeID int `yaml:"note_to_contact_type_id" mapstructure:"note_to_contact_type_id"`
	NoteToDealTypeID    int `yaml:"note_to_deal_type_id" mapstructure:"note_to_deal_type_id"`
}

// AssistantConfig holds the summarization assistant settings.
type AssistantConfig struct {
	Key              string  `yaml:"api_key" mapstructure:"api_key"`
	AssistantID      string  `yaml:"assistant_id" mapstructure:"assistant_id"`
	BaseURL          string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	PollIntervalSecs float64 `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	MaxPollSecs      int     `yaml:"max_poll_secs" mapstructure:"max_poll_secs"`
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	RatePerSec       float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst            int     `yaml:"burst" mapstructure:"burst"`
	Instruction      string  `yaml:"instruction" mapstructure:"instruction"`
}

// AnthropicConfig holds the note-rendering model settings.
type AnthropicConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	RenderModel string  `yaml:"render_model" mapstructure:"render_model"`
	MaxTokens   int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxAttempts int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	// CacheTTL is "5m", "1h" or "off".
	CacheTTL    string  `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// JobsConfig configures where job artifacts are persisted.
type JobsConfig struct {
	OutputDir      string `yaml:"output_dir" mapstructure:"output_dir"`
	ArtifactDriver string `yaml:"artifact_driver" mapstructure:"artifact_driver"`
	DatabaseURL    string `yaml:"database_url" mapstructure:"database_url"`
	EventIdleSecs  int    `yaml:"event_idle_secs" mapstructure:"event_idle_secs"`
	MaxUploadMB    int    `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	IndexTTLSecs   int      `yaml:"index_ttl_secs" mapstructure:"index_ttl_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Error reports configuration that is missing or invalid. It is never
// retried.
type Error struct {
	Component string
	Missing   []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s requires %s", e.Component, strings.Join(e.Missing, ", "))
}

// legacyEnv maps config keys to the unprefixed variable names used in .env files.
var legacyEnv = map[string]string{
	"trello.api_key":                  "TRELLO_API_KEY",
	"trello.api_token":                "TRELLO_API_TOKEN",
	"hubspot.token":                   "HUBSPOT_PRIVATE_APP_TOKEN",
	"hubspot.note_to_contact_type_id": "HS_ASSOC_NOTE_TO_CONTACT_TYPE_ID",
	"hubspot.note_to_deal_type_id":    "HS_ASSOC_NOTE_TO_DEAL_TYPE_ID",
	"assistant.api_key":               "OPENAI_API_KEY",
	"assistant.assistant_id":          "OPENAI_ASSISTANT_ID",
	"anthropic.key":                   "ANTHROPIC_API_KEY",
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CRMNOTES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := "CRMNOTES_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.index_ttl_secs", 30)
	v.SetDefault("trello.base_url", "https://api.trello.com/1")
	v.SetDefault("trello.timeout_secs", 30)
	v.SetDefault("trello.max_attempts", 8)
	v.SetDefault("trello.rate_per_sec", 5.0)
	v.SetDefault("trello.burst", 5)
	v.SetDefault("trello.backoff_secs", 0.8)
	v.SetDefault("trello.max_backoff_secs", 20.0)
	v.SetDefault("hubspot.base_url", "https://api.hubapi.com")
	v.SetDefault("hubspot.timeout_secs", 30)
	v.SetDefault("hubspot.max_attempts", 6)
	v.SetDefault("hubspot.backoff_secs", 0.8)
	v.SetDefault("hubspot.max_backoff_secs", 30.0)
	v.SetDefault("hubspot.page_limit", 500)
	v.SetDefault("hubspot.batch_size", 100)
	v.SetDefault("hubspot.read_rate_per_sec", 4.0)
	v.SetDefault("hubspot.read_burst", 4)
	v.SetDefault("hubspot.write_rate_per_sec", 2.0)
	v.SetDefault("hubspot.write_burst", 2)
	v.SetDefault("hubspot.note_to_contact_type_id", 0)
	v.SetDefault("hubspot.note_to_deal_type_id", 0)
	v.SetDefault("assistant.base_url", "https://api.openai.com/v1")
	v.SetDefault("assistant.timeout_secs", 60)
	v.SetDefault("assistant.poll_interval_secs", 1.0)
	v.SetDefault("assistant.max_poll_secs", 120)
	v.SetDefault("assistant.max_attempts", 4)
	v.SetDefault("assistant.rate_per_sec", 2.0)
	v.SetDefault("assistant.burst", 4)
	v.SetDefault("anthropic.render_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.temperature", 0.3)
	v.SetDefault("anthropic.max_attempts", 3)
	v.SetDefault("anthropic.cache_ttl", "5m")
	v.SetDefault("jobs.output_dir", "output")
	v.SetDefault("jobs.artifact_driver", "fs")
	v.SetDefault("jobs.event_idle_secs", 25)
	v.SetDefault("jobs.max_upload_mb", 32)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the settings a component depends on are present.
// Known components are "pipeline", "writeback", "assoc" and "server".
func (c *Config) Validate(component string) error {
	var missing []string
	need := func(ok bool, name string) {
		if !ok {
			missing = append(missing, name)
		}
	}

	switch component {
	case "pipeline", "server":
		need(c.Trello.Key != "", "trello.api_key")
		need(c.Trello.Token != "", "trello.api_token")
		need(c.HubSpot.Token != "", "hubspot.token")
		need(c.Assistant.Key != "", "assistant.api_key")
		need(c.Assistant.AssistantID != "", "assistant.assistant_id")
		need(c.Anthropic.Key != "", "anthropic.key")
		if component == "server" {
			need(c.Server.Port > 0, "server.port")
		}
	case "writeback":
		need(c.HubSpot.Token != "", "hubspot.token")
		need(c.HubSpot.NoteToContactTypeID > 0, "hubspot.note_to_contact_type_id")
		need(c.HubSpot.NoteToDealTypeID > 0, "hubspot.note_to_deal_type_id")
	case "assoc":
		need(c.HubSpot.Token != "", "hubspot.token")
	default:
		return eris.Errorf("config: unknown component %q", component)
	}

	switch c.Jobs.ArtifactDriver {
	case "fs", "sqlite":
	case "postgres":
		need(c.Jobs.DatabaseURL != "", "jobs.database_url")
	default:
		missing = append(missing, fmt.Sprintf("jobs.artifact_driver (fs|sqlite|postgres, got %q)", c.Jobs.ArtifactDriver))
	}

	if len(missing) > 0 {
		return &Error{Component: component, Missing: missing}
	}
	return nil
}

// YAML renders the configuration with credentials masked.
func (c *Config) YAML() ([]byte, error) {
	r := *c
	r.Trello.Key = mask(r.Trello.Key)
	r.Trello.Token = mask(r.Trello.Token)
	r.HubSpot.Token = mask(r.HubSpot.Token)
	r.Assistant.Key = mask(r.Assistant.Key)
	r.Anthropic.Key = mask(r.Anthropic.Key)
	r.Jobs.DatabaseURL = mask(r.Jobs.DatabaseURL)
	out, err := yaml.Marshal(&r)
	if err != nil {
		return nil, eris.Wrap(err, "config: marshal")
	}
	return out, nil
}

// mask keeps the last four characters of long secrets.
func mask(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "****"
	}
	return "****" + s[len(s)-4:]
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
