package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration of the agent.
type Config struct {
	LLM     LLMConfig     `mapstructure:"llm"`
	Memory  MemoryConfig  `mapstructure:"memory"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Browser BrowserConfig `mapstructure:"browser"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type LLMConfig struct {
	Provider          string        `mapstructure:"provider"`
	Model             string        `mapstructure:"model"`
	AnthropicAPIKey   string        `mapstructure:"anthropic_api_key"`
	AnthropicBaseURL  string        `mapstructure:"anthropic_base_url"`
	OpenAIAPIKey      string        `mapstructure:"openai_api_key"`
	OpenAIModel       string        `mapstructure:"openai_model"`
	OpenAIBaseURL     string        `mapstructure:"openai_base_url"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	Temperature       float64       `mapstructure:"temperature"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RateLimitBackoff  time.Duration `mapstructure:"rate_limit_backoff"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
}

type MemoryConfig struct {
	DBPath           string        `mapstructure:"db_path"`
	InsightCacheSize int           `mapstructure:"insight_cache_size"`
	InsightCacheTTL  time.Duration `mapstructure:"insight_cache_ttl"`
}

type AgentConfig struct {
	MaxSteps                 int           `mapstructure:"max_steps"`
	MinConfidenceToAct       int           `mapstructure:"min_confidence_to_act"`
	MaxConsecutiveRejections int           `mapstructure:"max_consecutive_rejections"`
	ActionDelayMin           time.Duration `mapstructure:"action_delay_min"`
	ActionDelayMax           time.Duration `mapstructure:"action_delay_max"`
	Parallel                 int           `mapstructure:"parallel"`
}

type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless"`
	PageLoadTimeout time.Duration `mapstructure:"page_load_timeout"`
	ViewportWidth   int           `mapstructure:"viewport_width"`
	ViewportHeight  int           `mapstructure:"viewport_height"`
	UserAgent       string        `mapstructure:"user_agent"`
	StoragePath     string        `mapstructure:"storage_path"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// legacyEnv maps config keys to the plain environment names older
// deployments already export.
var legacyEnv = map[string]string{
	"llm.provider":          "LLM_PROVIDER",
	"llm.model":             "ANTHROPIC_MODEL",
	"llm.anthropic_api_key": "ANTHROPIC_API_KEY",
	"llm.openai_api_key":    "OPENAI_API_KEY",
	"llm.openai_model":      "OPENAI_MODEL",
	"memory.db_path":        "MEMORY_DB_PATH",
	"browser.headless":      "AGENT_HEADLESS",
}

// Load reads .env, an optional config.yaml in the working directory and
// AGENT_* environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "AGENT_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, eris.Wrapf(err, "config: bind %s", key)
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	cfg.LLM.Model = strings.Trim(strings.TrimSpace(cfg.LLM.Model), "\"'")
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults must name every mapstructure key, empty or not. Unmarshal
// only consults the environment for keys viper already knows.
func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("llm.openai_model", "gpt-4o-mini")
	v.SetDefault("llm.anthropic_api_key", "")
	v.SetDefault("llm.anthropic_base_url", "")
	v.SetDefault("llm.openai_api_key", "")
	v.SetDefault("llm.openai_base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.max_tokens", 3000)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.rate_limit_backoff", 10*time.Second)
	v.SetDefault("llm.requests_per_minute", 30)

	v.SetDefault("memory.db_path", "results/agent_brain.db")
	v.SetDefault("memory.insight_cache_size", 256)
	v.SetDefault("memory.insight_cache_ttl", 5*time.Minute)

	v.SetDefault("agent.max_steps", 50)
	v.SetDefault("agent.min_confidence_to_act", 7)
	v.SetDefault("agent.max_consecutive_rejections", 3)
	v.SetDefault("agent.action_delay_min", 800*time.Millisecond)
	v.SetDefault("agent.action_delay_max", 2500*time.Millisecond)
	v.SetDefault("agent.parallel", 1)

	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.page_load_timeout", 30*time.Second)
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	v.SetDefault("browser.user_agent", defaultUserAgent)
	v.SetDefault("browser.storage_path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("metrics.addr", "")
}

// Validate rejects configurations the step loop cannot run with.
func (c *Config) Validate() error {
	if c.Agent.MaxSteps < 1 {
		return eris.Errorf("config: agent.max_steps must be >= 1, got %d", c.Agent.MaxSteps)
	}
	if c.Agent.MinConfidenceToAct < 0 || c.Agent.MinConfidenceToAct > 10 {
		return eris.Errorf("config: agent.min_confidence_to_act must be within 0..10, got %d", c.Agent.MinConfidenceToAct)
	}
	if c.Agent.ActionDelayMin > c.Agent.ActionDelayMax {
		return eris.Errorf("config: agent.action_delay_min %s exceeds action_delay_max %s", c.Agent.ActionDelayMin, c.Agent.ActionDelayMax)
	}
	if c.Agent.Parallel < 1 {
		c.Agent.Parallel = 1
	}
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return eris.Errorf("config: unknown llm.provider %q (use 'anthropic' or 'openai')", c.LLM.Provider)
	}
	return nil
}

// LogLevel parses Log.Level, falling back to info.
func (c *Config) LogLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.Log.Level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
