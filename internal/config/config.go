// Package config loads OpsConductor's YAML configuration, applies
// environment-variable overrides, fills in defaults, and validates the
// result before the orchestrator wires up its stages.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP ingress (spec §6).
type ServerConfig struct {
	HTTPPort           string   `yaml:"http_port"`
	MetricsPort        string   `yaml:"metrics_port"`
	CacheAPIKey        string   `yaml:"cache_api_key"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// AssetServiceConfig controls the egress client to the external Asset
// service (spec §6) the Orchestrator hydrates AssetContext from.
type AssetServiceConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AutomationServiceConfig controls the egress client to the external
// Automation service Stage E dispatches plan steps to (spec §6).
type AutomationServiceConfig struct {
	BaseURL        string        `yaml:"base_url"`
	PerCallTimeout time.Duration `yaml:"per_call_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// LLMConfig controls the LLM Client (spec §4.2, §8).
type LLMConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	Model         string        `yaml:"model"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryCount    int           `yaml:"retry_count"`
	Provider      string        `yaml:"provider"`
	Temperature   float32       `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	ContextWindow int           `yaml:"context_window"`
	// AdmissionWait bounds how long a call waits for a free concurrency
	// slot before admission is rejected with Overloaded (spec §5 Backpressure).
	AdmissionWait time.Duration `yaml:"admission_wait"`
}

// RedisConfig controls the Cache Manager's L2 asset-context backing store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CacheConfig controls per-namespace TTLs and size limits (spec §4.3).
type CacheConfig struct {
	StageATTL  time.Duration `yaml:"stage_a_ttl"`
	StageBTTL  time.Duration `yaml:"stage_b_ttl"`
	StageCTTL  time.Duration `yaml:"stage_c_ttl"`
	AssetTTL   time.Duration `yaml:"asset_ttl"`
	ToolTTL    time.Duration `yaml:"tool_ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// StagesConfig controls per-stage deadlines and the rule-only fallback gate.
type StagesConfig struct {
	ClassifierTimeout           time.Duration `yaml:"classifier_timeout"`
	SelectorTimeout              time.Duration `yaml:"selector_timeout"`
	PlannerTimeout               time.Duration `yaml:"planner_timeout"`
	AnswererTimeout              time.Duration `yaml:"answerer_timeout"`
	ExecutorTimeout              time.Duration `yaml:"executor_timeout"`
	AllowRuleOnlyRiskOnLLMOutage bool          `yaml:"allow_rule_only_risk_on_llm_outage"`
	// EnableSelectorLLMJustification asks the LLM to narrate Stage B's
	// deterministic selection with justification text after scoring has
	// already decided which tools are in; it can enrich, never override.
	EnableSelectorLLMJustification bool `yaml:"enable_selector_llm_justification"`
}

// CatalogConfig controls the tool catalog's source file and hot-reload behavior.
type CatalogConfig struct {
	Path           string `yaml:"path"`
	ReloadOnChange bool   `yaml:"reload_on_change"`
}

// LoggingConfig controls logrus's level and formatter.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root configuration document.
type Config struct {
	Server      ServerConfig            `yaml:"server"`
	LLM         LLMConfig               `yaml:"llm"`
	Redis       RedisConfig             `yaml:"redis"`
	Cache       CacheConfig             `yaml:"cache"`
	Stages      StagesConfig            `yaml:"stages"`
	Catalog     CatalogConfig           `yaml:"catalog"`
	Logging     LoggingConfig           `yaml:"logging"`
	Assets      AssetServiceConfig      `yaml:"assets"`
	Automation  AutomationServiceConfig `yaml:"automation"`
}

// Load reads, parses, env-overrides, defaults, and validates the config at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(raw, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	applyDefaults(config)

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func applyDefaults(config *Config) {
	if config.Server.HTTPPort == "" {
		config.Server.HTTPPort = "8080"
	}
	if config.Server.MetricsPort == "" {
		config.Server.MetricsPort = "9090"
	}
	if config.LLM.Provider == "" {
		config.LLM.Provider = "openai-compatible"
	}
	if config.LLM.Endpoint == "" {
		config.LLM.Endpoint = "http://localhost:8080/v1"
	}
	if config.LLM.Timeout == 0 {
		config.LLM.Timeout = 30 * time.Second
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 500
	}
	if config.LLM.MaxConcurrent == 0 {
		config.LLM.MaxConcurrent = 5
	}
	if config.LLM.ContextWindow == 0 {
		config.LLM.ContextWindow = 8192
	}
	if config.LLM.AdmissionWait == 0 {
		config.LLM.AdmissionWait = 500 * time.Millisecond
	}
	if config.Redis.Addr == "" {
		config.Redis.Addr = "localhost:6379"
	}
	if config.Cache.StageATTL == 0 {
		config.Cache.StageATTL = 5 * time.Minute
	}
	if config.Cache.StageBTTL == 0 {
		config.Cache.StageBTTL = 5 * time.Minute
	}
	if config.Cache.StageCTTL == 0 {
		config.Cache.StageCTTL = 2 * time.Minute
	}
	if config.Cache.AssetTTL == 0 {
		config.Cache.AssetTTL = 60 * time.Second
	}
	if config.Cache.ToolTTL == 0 {
		config.Cache.ToolTTL = 10 * time.Minute
	}
	if config.Cache.MaxEntries == 0 {
		config.Cache.MaxEntries = 10000
	}
	if config.Stages.ClassifierTimeout == 0 {
		config.Stages.ClassifierTimeout = 5 * time.Second
	}
	if config.Stages.SelectorTimeout == 0 {
		config.Stages.SelectorTimeout = 5 * time.Second
	}
	if config.Stages.PlannerTimeout == 0 {
		config.Stages.PlannerTimeout = 15 * time.Second
	}
	if config.Stages.AnswererTimeout == 0 {
		config.Stages.AnswererTimeout = 10 * time.Second
	}
	if config.Stages.ExecutorTimeout == 0 {
		config.Stages.ExecutorTimeout = 60 * time.Second
	}
	if config.Catalog.Path == "" {
		config.Catalog.Path = "catalog.yaml"
	}
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "json"
	}
	if config.Assets.BaseURL == "" {
		config.Assets.BaseURL = "http://localhost:8081"
	}
	if config.Assets.Timeout == 0 {
		config.Assets.Timeout = 5 * time.Second
	}
	if config.Automation.BaseURL == "" {
		config.Automation.BaseURL = "http://localhost:8082"
	}
	if config.Automation.PerCallTimeout == 0 {
		config.Automation.PerCallTimeout = 10 * time.Second
	}
	if config.Automation.PollInterval == 0 {
		config.Automation.PollInterval = 500 * time.Millisecond
	}
}

func validate(config *Config) error {
	if config.LLM.Provider != "openai-compatible" {
		return fmt.Errorf("unsupported LLM provider %q: only \"openai-compatible\" is supported", config.LLM.Provider)
	}
	if config.LLM.Endpoint == "" {
		config.LLM.Endpoint = "http://localhost:8080/v1"
	}
	if config.LLM.Model == "" {
		return fmt.Errorf("LLM model is required for openai-compatible provider")
	}
	if config.LLM.Temperature < 0.0 || config.LLM.Temperature > 1.0 {
		return fmt.Errorf("LLM temperature must be between 0.0 and 1.0")
	}
	if config.LLM.MaxTokens <= 0 {
		return fmt.Errorf("LLM max tokens must be greater than 0")
	}
	if config.LLM.MaxConcurrent <= 0 {
		return fmt.Errorf("LLM max concurrent requests must be greater than 0")
	}
	if config.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache max entries must be greater than 0")
	}
	return nil
}

// loadFromEnv overrides config fields from well-known environment variables,
// leaving fields untouched when the corresponding variable is unset.
func loadFromEnv(config *Config) error {
	if v := os.Getenv("LLM_ENDPOINT"); v != "" {
		config.LLM.Endpoint = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		config.LLM.Model = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		config.LLM.Provider = v
	}
	if v := os.Getenv("LLM_ADMISSION_WAIT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LLM_ADMISSION_WAIT_MS: %w", err)
		}
		config.LLM.AdmissionWait = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		config.Server.HTTPPort = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		config.Server.MetricsPort = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Redis.Addr = v
	}
	if v := os.Getenv("ASSET_SERVICE_URL"); v != "" {
		config.Assets.BaseURL = v
	}
	if v := os.Getenv("AUTOMATION_SERVICE_URL"); v != "" {
		config.Automation.BaseURL = v
	}
	if v := os.Getenv("CACHE_API_KEY"); v != "" {
		config.Server.CacheAPIKey = v
	}
	if v := os.Getenv("ALLOW_RULE_ONLY_RISK_ON_LLM_OUTAGE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ALLOW_RULE_ONLY_RISK_ON_LLM_OUTAGE: %w", err)
		}
		config.Stages.AllowRuleOnlyRiskOnLLMOutage = b
	}
	if v := os.Getenv("ENABLE_SELECTOR_LLM_JUSTIFICATION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ENABLE_SELECTOR_LLM_JUSTIFICATION: %w", err)
		}
		config.Stages.EnableSelectorLLMJustification = b
	}
	return nil
}
