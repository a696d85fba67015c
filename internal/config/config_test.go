package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Server.IndexTTLSecs)
	assert.Equal(t, "https://api.trello.com/1", cfg.Trello.BaseURL)
	assert.Equal(t, 8, cfg.Trello.MaxAttempts)
	assert.InDelta(t, 5.0, cfg.Trello.RatePerSec, 0.001)
	assert.InDelta(t, 0.8, cfg.Trello.BackoffSecs, 0.001)
	assert.InDelta(t, 20.0, cfg.Trello.MaxBackoff, 0.001)
	assert.Equal(t, "https://api.hubapi.com", cfg.HubSpot.BaseURL)
	assert.Equal(t, 6, cfg.HubSpot.MaxAttempts)
	assert.InDelta(t, 0.8, cfg.HubSpot.BackoffSecs, 0.001)
	assert.Equal(t, 500, cfg.HubSpot.PageLimit)
	assert.Equal(t, 100, cfg.HubSpot.BatchSize)
	assert.Equal(t, 2, cfg.HubSpot.WriteBurst)
	assert.Equal(t, 0, cfg.HubSpot.NoteToContactTypeID)
	assert.Equal(t, 120, cfg.Assistant.MaxPollSecs)
	assert.Equal(t, 4, cfg.Assistant.MaxAttempts)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Anthropic.RenderModel)
	assert.InDelta(t, 0.3, cfg.Anthropic.Temperature, 0.001)
	assert.Equal(t, "5m", cfg.Anthropic.CacheTTL)
	assert.Equal(t, "fs", cfg.Jobs.ArtifactDriver)
	assert.Equal(t, 25, cfg.Jobs.EventIdleSecs)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
  format: console
server:
  port: 9090
hubspot:
  note_to_contact_type_id: 202
  note_to_deal_type_id: 214
jobs:
  artifact_driver: sqlite
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 202, cfg.HubSpot.NoteToContactTypeID)
	assert.Equal(t, 214, cfg.HubSpot.NoteToDealTypeID)
	assert.Equal(t, "sqlite", cfg.Jobs.ArtifactDriver)
	// Defaults still apply for unset values
	assert.Equal(t, 500, cfg.HubSpot.PageLimit)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server:\n  port: 9090\n"), 0644))
	t.Setenv("CRMNOTES_SERVER_PORT", "7070")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadLegacyEnvNames(t *testing.T) {
	chdirTemp(t)

	t.Setenv("TRELLO_API_KEY", "tk")
	t.Setenv("TRELLO_API_TOKEN", "tt")
	t.Setenv("HUBSPOT_PRIVATE_APP_TOKEN", "hs")
	t.Setenv("HS_ASSOC_NOTE_TO_CONTACT_TYPE_ID", "202")
	t.Setenv("HS_ASSOC_NOTE_TO_DEAL_TYPE_ID", "214")
	t.Setenv("OPENAI_ASSISTANT_ID", "asst_1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "tk", cfg.Trello.Key)
	assert.Equal(t, "tt", cfg.Trello.Token)
	assert.Equal(t, "hs", cfg.HubSpot.Token)
	assert.Equal(t, 202, cfg.HubSpot.NoteToContactTypeID)
	assert.Equal(t, 214, cfg.HubSpot.NoteToDealTypeID)
	assert.Equal(t, "asst_1", cfg.Assistant.AssistantID)
}

func TestLoadPrefixedEnvWinsOverLegacy(t *testing.T) {
	chdirTemp(t)

	t.Setenv("HUBSPOT_PRIVATE_APP_TOKEN", "legacy")
	t.Setenv("CRMNOTES_HUBSPOT_TOKEN", "prefixed")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "prefixed", cfg.HubSpot.Token)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server: [\n"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	full := Config{
		Trello:    TrelloConfig{Key: "k", Token: "t"},
		HubSpot:   HubSpotConfig{Token: "h", NoteToContactTypeID: 202, NoteToDealTypeID: 214},
		Assistant: AssistantConfig{Key: "o", AssistantID: "a"},
		Anthropic: AnthropicConfig{Key: "an"},
		Jobs:      JobsConfig{ArtifactDriver: "fs"},
		Server:    ServerConfig{Port: 8080},
	}

	tests := []struct {
		name      string
		mutate    func(c *Config)
		component string
		missing   []string
	}{
		{name: "pipeline ok", component: "pipeline"},
		{name: "server ok", component: "server"},
		{name: "writeback ok", component: "writeback"},
		{
			name:      "pipeline missing trello",
			component: "pipeline",
			mutate:    func(c *Config) { c.Trello.Key = ""; c.Trello.Token = "" },
			missing:   []string{"trello.api_key", "trello.api_token"},
		},
		{
			name:      "writeback zero type ids",
			component: "writeback",
			mutate:    func(c *Config) { c.HubSpot.NoteToContactTypeID = 0; c.HubSpot.NoteToDealTypeID = 0 },
			missing:   []string{"hubspot.note_to_contact_type_id", "hubspot.note_to_deal_type_id"},
		},
		{
			name:      "postgres without dsn",
			component: "assoc",
			mutate:    func(c *Config) { c.Jobs.ArtifactDriver = "postgres" },
			missing:   []string{"jobs.database_url"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := full
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			err := cfg.Validate(tt.component)
			if tt.missing == nil {
				assert.NoError(t, err)
				return
			}
			var cfgErr *Error
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.missing, cfgErr.Missing)
			assert.Equal(t, tt.component, cfgErr.Component)
		})
	}
}

func TestValidateUnknownComponent(t *testing.T) {
	cfg := Config{}
	assert.Error(t, cfg.Validate("nope"))
}

func TestYAMLMasksSecrets(t *testing.T) {
	cfg := &Config{
		Trello:    TrelloConfig{Key: "trello-key-123456", Token: "short"},
		HubSpot:   HubSpotConfig{Token: "pat-na1-abcdef", NoteToContactTypeID: 202},
		Anthropic: AnthropicConfig{RenderModel: "claude-sonnet-4-5-20250929"},
	}
	out, err := cfg.YAML()
	require.NoError(t, err)

	s := string(out)
	assert.NotContains(t, s, "trello-key-123456")
	assert.Contains(t, s, "api_key: '****3456'")
	assert.Contains(t, s, "api_token: '****'")
	assert.Contains(t, s, "note_to_contact_type_id: 202")
	assert.Contains(t, s, "render_model: claude-sonnet-4-5-20250929")
	assert.Equal(t, "trello-key-123456", cfg.Trello.Key, "receiver must not be modified")
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "loud", Format: "json"}))
}
