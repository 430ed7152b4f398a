package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menagerie-sh/menagerie/pkg/models"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MENAGERIE_HOME", home)
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, home, cfg.Home)
	assert.Equal(t, filepath.Join(home, "creatures"), cfg.CreaturesDir)
	assert.Equal(t, DefaultHTTPPort, cfg.HTTPPort)
	assert.Equal(t, "sk-test", cfg.AnthropicKey)
	assert.Equal(t, DefaultModel, cfg.DefaultModel)
	assert.Equal(t, models.BudgetActionSleep, cfg.GlobalBudget.Action)
	assert.Equal(t, 10.0, cfg.GlobalBudget.DailyCapUSD)
	assert.True(t, cfg.Narrator.Enabled)
	assert.Equal(t, 30, cfg.Narrator.IntervalMinutes)
	assert.Equal(t, 1.5, cfg.ContainerCPUs)
	assert.Equal(t, "2g", cfg.ContainerMemory)
}

func TestEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MENAGERIE_HOME", home)
	t.Setenv("MENAGERIE_PORT", "9999")
	t.Setenv("DEFAULT_MODEL", "gpt-5-mini")
	t.Setenv("CREATURES_DIR", "/srv/creatures")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.HTTPPort)
	assert.Equal(t, "gpt-5-mini", cfg.DefaultModel)
	assert.Equal(t, "/srv/creatures", cfg.CreaturesDir)
}

func TestYAMLOverlay(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MENAGERIE_HOME", home)

	yamlBody := `
budget:
  daily_cap_usd: 2.5
  action: warn
  creatures:
    alpha:
      daily_cap_usd: 0.5
      action: sleep
narrator:
  enabled: false
  interval_minutes: 60
container:
  cpus: 2
  memory: 4g
`
	require.NoError(t, os.WriteFile(filepath.Join(home, "menagerie.yaml"), []byte(yamlBody), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, models.Budget{DailyCapUSD: 2.5, Action: models.BudgetActionWarn}, cfg.GlobalBudget)
	assert.Equal(t, models.Budget{DailyCapUSD: 0.5, Action: models.BudgetActionSleep}, cfg.CreatureBudgets["alpha"])
	assert.False(t, cfg.Narrator.Enabled)
	assert.Equal(t, 60, cfg.Narrator.IntervalMinutes)
	assert.Equal(t, 2.0, cfg.ContainerCPUs)
	assert.Equal(t, "4g", cfg.ContainerMemory)
}

func TestMalformedYAMLIsFatal(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MENAGERIE_HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "menagerie.yaml"), []byte("budget: ["), 0o644))

	_, err := Load()
	assert.Error(t, err)
}

func TestDockerizedSelfRequiresHostDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MENAGERIE_HOME", home)
	t.Setenv("MENAGERIE_DOCKERIZED", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HOST_CREATURES_DIR")

	t.Setenv("HOST_CREATURES_DIR", "/host/creatures")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.DockerizedSelf)
	assert.Equal(t, "/host/creatures", cfg.HostCreaturesDir)
}

func TestDerivedURLs(t *testing.T) {
	cfg := &Config{CreaturesDir: "/data/creatures", HTTPPort: 8080}
	assert.Equal(t, "/data/creatures/alpha", cfg.CreatureDir("alpha"))
	assert.Equal(t, "http://host.docker.internal:8080", cfg.OrchestratorURL())
}
