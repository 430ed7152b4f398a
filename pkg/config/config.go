// Package config loads orchestrator configuration from the environment and
// an optional menagerie.yaml file. Environment wins over YAML, YAML wins
// over built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/menagerie-sh/menagerie/pkg/models"
)

// Default values applied when neither the environment nor the YAML file
// sets them.
const (
	DefaultModel       = "claude-sonnet-4-5"
	DefaultJaneePort   = 7777
	DefaultPricingURL  = "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json"
	DefaultHTTPPort    = 8844
	DefaultLLMBaseURL  = "https://api.anthropic.com"
	DefaultRespBaseURL = "https://api.openai.com"
)

// Config is the fully resolved orchestrator configuration.
type Config struct {
	// Home is the orchestrator's state directory (usage.json, pricing
	// cache, narration log, genomes).
	Home string
	// CreaturesDir holds one subdirectory per creature.
	CreaturesDir string

	HTTPPort int

	// AnthropicKey and OpenAIKey authenticate the two LLM upstreams.
	AnthropicKey string
	OpenAIKey    string

	// AnthropicBaseURL and OpenAIBaseURL override the upstream endpoints
	// (used by tests and self-hosted gateways).
	AnthropicBaseURL string
	OpenAIBaseURL    string

	JaneeHome string
	JaneePort int
	// RunnerKey overrides the generated janee shared key.
	RunnerKey string

	// DockerizedSelf is set when the orchestrator itself runs in a
	// container; bind-mount paths and the orchestrator URL handed to
	// creatures must then use the host's view.
	DockerizedSelf bool
	// HostCreaturesDir is the host-side path of CreaturesDir when
	// DockerizedSelf is set.
	HostCreaturesDir string

	DefaultModel string
	PricingURL   string

	// GlobalBudget and CreatureBudgets seed the budget plane; both remain
	// mutable at runtime through the API.
	GlobalBudget    models.Budget
	CreatureBudgets map[string]models.Budget

	Narrator models.NarratorConfig

	// Container resource caps applied to every creature sandbox.
	ContainerCPUs   float64
	ContainerMemory string
}

// yamlConfig mirrors the optional menagerie.yaml file.
type yamlConfig struct {
	Budget struct {
		DailyCapUSD float64               `yaml:"daily_cap_usd"`
		Action      string                `yaml:"action"`
		Creatures   map[string]budgetYAML `yaml:"creatures"`
	} `yaml:"budget"`
	Narrator struct {
		Enabled         *bool  `yaml:"enabled"`
		Model           string `yaml:"model"`
		IntervalMinutes int    `yaml:"interval_minutes"`
	} `yaml:"narrator"`
	Container struct {
		CPUs   float64 `yaml:"cpus"`
		Memory string  `yaml:"memory"`
	} `yaml:"container"`
}

type budgetYAML struct {
	DailyCapUSD float64 `yaml:"daily_cap_usd"`
	Action      string  `yaml:"action"`
}

// Load resolves the configuration. The YAML file is looked up at
// <home>/menagerie.yaml and is optional.
func Load() (*Config, error) {
	home := getEnv("MENAGERIE_HOME", "")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		home = filepath.Join(userHome, ".menagerie")
	}

	cfg := &Config{
		Home:             home,
		CreaturesDir:     getEnv("CREATURES_DIR", filepath.Join(home, "creatures")),
		HTTPPort:         getEnvInt("MENAGERIE_PORT", DefaultHTTPPort),
		AnthropicKey:     os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		AnthropicBaseURL: getEnv("ANTHROPIC_BASE_URL", DefaultLLMBaseURL),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", DefaultRespBaseURL),
		JaneeHome:        getEnv("JANEE_HOME", filepath.Join(home, "janee")),
		JaneePort:        getEnvInt("JANEE_PORT", DefaultJaneePort),
		RunnerKey:        os.Getenv("JANEE_RUNNER_KEY"),
		DockerizedSelf:   getEnvBool("MENAGERIE_DOCKERIZED", false),
		HostCreaturesDir: os.Getenv("HOST_CREATURES_DIR"),
		DefaultModel:     getEnv("DEFAULT_MODEL", DefaultModel),
		PricingURL:       getEnv("PRICING_URL", DefaultPricingURL),
		GlobalBudget:     models.Budget{DailyCapUSD: 10, Action: models.BudgetActionSleep},
		CreatureBudgets:  map[string]models.Budget{},
		Narrator: models.NarratorConfig{
			Enabled:         true,
			Model:           getEnv("DEFAULT_MODEL", DefaultModel),
			IntervalMinutes: 30,
		},
		ContainerCPUs:   1.5,
		ContainerMemory: "2g",
	}

	if err := cfg.applyYAML(filepath.Join(home, "menagerie.yaml")); err != nil {
		return nil, err
	}

	if cfg.DockerizedSelf && cfg.HostCreaturesDir == "" {
		return nil, fmt.Errorf("MENAGERIE_DOCKERIZED is set but HOST_CREATURES_DIR is empty")
	}
	return cfg, nil
}

// applyYAML overlays values from path onto cfg. A missing file is not an
// error; a malformed one is.
func (c *Config) applyYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if y.Budget.Action != "" {
		c.GlobalBudget = models.Budget{
			DailyCapUSD: y.Budget.DailyCapUSD,
			Action:      models.BudgetAction(y.Budget.Action),
		}
	}
	for name, b := range y.Budget.Creatures {
		c.CreatureBudgets[name] = models.Budget{
			DailyCapUSD: b.DailyCapUSD,
			Action:      models.BudgetAction(b.Action),
		}
	}
	if y.Narrator.Enabled != nil {
		c.Narrator.Enabled = *y.Narrator.Enabled
	}
	if y.Narrator.Model != "" {
		c.Narrator.Model = y.Narrator.Model
	}
	if y.Narrator.IntervalMinutes > 0 {
		c.Narrator.IntervalMinutes = y.Narrator.IntervalMinutes
	}
	if y.Container.CPUs > 0 {
		c.ContainerCPUs = y.Container.CPUs
	}
	if y.Container.Memory != "" {
		c.ContainerMemory = y.Container.Memory
	}
	return nil
}

// CreatureDir returns the directory owned by the named creature.
func (c *Config) CreatureDir(name string) string {
	return filepath.Join(c.CreaturesDir, name)
}

// OrchestratorURL is the address creatures use to reach the orchestrator.
// Inside containers localhost refers to the container itself, so the
// docker bridge alias is used instead.
func (c *Config) OrchestratorURL() string {
	return fmt.Sprintf("http://host.docker.internal:%d", c.HTTPPort)
}

// NarrationInterval returns the narrator tick interval as a duration.
func (c *Config) NarrationInterval() time.Duration {
	return time.Duration(c.Narrator.IntervalMinutes) * time.Minute
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
