// Package config loads Fortress configuration from fortress.yaml with
// environment overrides. A missing config file yields defaults so the
// CLI works out of the box in development.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Environment selects operational defaults.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvStaging     Environment = "staging"
	EnvDevelopment Environment = "development"
)

// Config is the root configuration threaded through the verifier context.
type Config struct {
	Environment Environment `yaml:"environment"`
	LogLevel    string      `yaml:"log_level"`

	MarketData MarketDataConfig `yaml:"market_data"`
	Registry   RegistryConfig   `yaml:"registry"`
	TEE        TEEConfig        `yaml:"tee"`
	LLM        LLMConfig        `yaml:"llm"`
	Backtest   BacktestConfig   `yaml:"backtest"`
	Limits     LimitsConfig     `yaml:"limits"`
	Audit      AuditConfig      `yaml:"audit"`
	Monitor    MonitorConfig    `yaml:"monitor"`
}

// MarketDataConfig configures the OHLCV store (C1).
type MarketDataConfig struct {
	BaseURL  string  `yaml:"base_url"`  // day-archive upstream
	CacheDir string  `yaml:"cache_dir"` // symbol/interval/day CSV layout
	RedisURL string  `yaml:"redis_url"` // optional hot tier; empty disables
	RPS      float64 `yaml:"rps"`       // fetcher politeness
}

// RegistryConfig configures the approved-code registry (C2).
type RegistryConfig struct {
	Mode         string `yaml:"mode"` // "file" or "postgres"
	Path         string `yaml:"path"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	AutoDiscover bool   `yaml:"auto_discover"` // dev mode: register local images as pending
}

// TEEConfig configures attestation validation (C4).
type TEEConfig struct {
	RootCAPaths    []string      `yaml:"root_ca_paths"`
	SimulationMode bool          `yaml:"simulation_mode"`
	StrictArch     bool          `yaml:"strict_arch"`
	MaxClockSkew   time.Duration `yaml:"max_clock_skew"`
}

// LLMConfig configures the judge providers (C7).
type LLMConfig struct {
	PrimaryProvider  string        `yaml:"primary_provider"`  // anthropic|openai|local
	FallbackProvider string        `yaml:"fallback_provider"` // empty disables
	EnableEnsemble   bool          `yaml:"enable_ensemble"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxTokens        int           `yaml:"max_tokens"`
	Temperature      float64       `yaml:"temperature"`
	AnthropicAPIKey  string        `yaml:"-"` // env only, never persisted
	OpenAIAPIKey     string        `yaml:"-"`
	AnthropicBaseURL string        `yaml:"anthropic_base_url"`
	OpenAIBaseURL    string        `yaml:"openai_base_url"`
	LocalBaseURL     string        `yaml:"local_base_url"`
}

// BacktestConfig configures the container harness (C5).
type BacktestConfig struct {
	InitialCapital  float64       `yaml:"initial_capital"`
	Symbols         []string      `yaml:"symbols"`
	DefaultStart    string        `yaml:"default_start"` // YYYY-MM-DD
	DefaultEnd      string        `yaml:"default_end"`
	BacktestTimeout time.Duration `yaml:"backtest_timeout"` // BACKTEST_MODE hard cap
	RunTimeout      time.Duration `yaml:"run_timeout"`      // non-backtest cap
	MemoryBytes     int64         `yaml:"memory_bytes"`
	NanoCPUs        int64         `yaml:"nano_cpus"`
}

// LimitsConfig bounds batch concurrency per stage (C9).
type LimitsConfig struct {
	MaxConcurrentScans     int `yaml:"max_concurrent_scans"`
	MaxConcurrentTEE       int `yaml:"max_concurrent_tee"`
	MaxConcurrentBacktests int `yaml:"max_concurrent_backtests"`
	MaxConcurrentLLM       int `yaml:"max_concurrent_llm"`
}

// AuditConfig configures the append-only audit log (C10).
type AuditConfig struct {
	Dir string `yaml:"dir"`
}

// MonitorConfig configures the optional /health + /metrics listener.
type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the development-friendly configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".fortress")

	return &Config{
		Environment: EnvDevelopment,
		LogLevel:    "info",
		MarketData: MarketDataConfig{
			BaseURL:  "https://data.binance.vision",
			CacheDir: filepath.Join(base, "market_data"),
			RPS:      4.0,
		},
		Registry: RegistryConfig{
			Mode:         "file",
			Path:         filepath.Join(base, "registry.json"),
			AutoDiscover: true,
		},
		TEE: TEEConfig{
			SimulationMode: true,
			MaxClockSkew:   5 * time.Minute,
		},
		LLM: LLMConfig{
			PrimaryProvider:  "anthropic",
			FallbackProvider: "openai",
			EnableEnsemble:   false,
			Timeout:          30 * time.Second,
			MaxTokens:        2048,
			Temperature:      0.1,
			AnthropicBaseURL: "https://api.anthropic.com",
			OpenAIBaseURL:    "https://api.openai.com",
		},
		Backtest: BacktestConfig{
			InitialCapital:  100000.0,
			Symbols:         []string{"BTCUSDT", "ETHUSDT"},
			DefaultStart:    "2024-05-01",
			DefaultEnd:      "2024-05-07",
			BacktestTimeout: 30 * time.Second,
			RunTimeout:      300 * time.Second,
			MemoryBytes:     1 << 30,     // 1 GiB
			NanoCPUs:        500_000_000, // half a core
		},
		Limits: LimitsConfig{
			MaxConcurrentScans:     16,
			MaxConcurrentTEE:       10,
			MaxConcurrentBacktests: 8,
			MaxConcurrentLLM:       6,
		},
		Audit: AuditConfig{
			Dir: filepath.Join(base, "audit"),
		},
		Monitor: MonitorConfig{
			Addr: ":9090",
		},
	}
}

// Load reads the config file if present, applies .env discovery and
// environment overrides, and returns the merged configuration.
func Load(path string) (*Config, error) {
	// Best-effort .env for local development; ignore absence.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			log.Debug().Str("path", path).Msg("config file not found, using defaults")
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LLM.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	c.LLM.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")

	if v := os.Getenv("LLM_PRIMARY_PROVIDER"); v != "" {
		c.LLM.PrimaryProvider = v
	}
	if v := os.Getenv("LLM_FALLBACK_PROVIDER"); v != "" {
		c.LLM.FallbackProvider = v
	}
	if v := os.Getenv("LLM_ENABLE_ENSEMBLE"); v != "" {
		c.LLM.EnableEnsemble = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("LLM_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.LLM.Timeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("LLM_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.LLM.MaxTokens = n
		}
	}
	if v := os.Getenv("LOCAL_LLM_BASE_URL"); v != "" {
		c.LLM.LocalBaseURL = v
	}
	if v := os.Getenv("MARKET_DATA_BASE_URL"); v != "" {
		c.MarketData.BaseURL = v
	}
	if v := os.Getenv("TEE_SIMULATION_MODE"); v != "" {
		c.TEE.SimulationMode = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("TEE_ROOT_CA_PATHS"); v != "" {
		c.TEE.RootCAPaths = strings.Split(v, string(os.PathListSeparator))
	}
}

func (c *Config) validate() error {
	switch c.Registry.Mode {
	case "file", "postgres":
	default:
		return fmt.Errorf("config: unknown registry mode %q", c.Registry.Mode)
	}
	if c.Registry.Mode == "postgres" && c.Registry.PostgresDSN == "" {
		return fmt.Errorf("config: registry mode postgres requires postgres_dsn")
	}
	if c.Limits.MaxConcurrentBacktests <= 0 || c.Limits.MaxConcurrentScans <= 0 ||
		c.Limits.MaxConcurrentTEE <= 0 || c.Limits.MaxConcurrentLLM <= 0 {
		return fmt.Errorf("config: concurrency limits must be positive")
	}
	// The backtester indexes the symbol list for its pricing series.
	if len(c.Backtest.Symbols) == 0 {
		return fmt.Errorf("config: backtest requires at least one symbol")
	}
	return nil
}

// WriteDefault writes the default configuration for the given environment
// to path, creating parent directories. Used by `fortress init`.
func WriteDefault(path string, env Environment, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config %s already exists (use --force to overwrite)", path)
	}

	cfg := Default()
	cfg.Environment = env
	switch env {
	case EnvProduction:
		cfg.Registry.AutoDiscover = false
		cfg.TEE.SimulationMode = false
		cfg.TEE.StrictArch = true
	case EnvStaging:
		cfg.Registry.AutoDiscover = false
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
