package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds everything the service needs at startup. Stages receive the
// sub-structs explicitly; nothing below cmd/ reads the environment.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Images    ImagesConfig    `yaml:"images"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port            int      `yaml:"port"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LLMConfig selects the text generation backend.
type LLMConfig struct {
	Provider string   `yaml:"provider"` // mock, openai, anthropic, gemini, gemini-sdk
	APIKey   string   `yaml:"api_key"`
	Model    string   `yaml:"model"`
	BaseURL  string   `yaml:"base_url"`
	Timeout  Duration `yaml:"timeout"`
}

type ImagesConfig struct {
	Provider string   `yaml:"provider"` // none, openai
	APIKey   string   `yaml:"api_key"`
	Model    string   `yaml:"model"`
	Size     string   `yaml:"size"`
	BaseURL  string   `yaml:"base_url"`
	Timeout  Duration `yaml:"timeout"`
}

// PipelineConfig tunes the coordinator and picks stage implementations.
type PipelineConfig struct {
	StageTimeout   Duration `yaml:"stage_timeout"`
	MaxAttempts    int      `yaml:"max_attempts"`
	RetryBackoff   Duration `yaml:"retry_backoff"`
	LLMIntent      bool     `yaml:"llm_intent"`
	LLMReasoner    bool     `yaml:"llm_reasoner"`
	LLMWriter      bool     `yaml:"llm_writer"`
	StreamTokens   bool     `yaml:"stream_tokens"`
	PreviewMaxSize int      `yaml:"preview_max_bytes"`
}

type RetrievalConfig struct {
	ExchangeRateURL string   `yaml:"exchange_rate_url"`
	NewsURL         string   `yaml:"news_url"`
	ReportPaths     []string `yaml:"report_paths"`
	SummarizeNews   bool     `yaml:"summarize_news"`
	MaxParallel     int      `yaml:"max_parallel"`
	CacheTTL        Duration `yaml:"cache_ttl"`
	HTTPTimeout     Duration `yaml:"http_timeout"`
	MaxBodyBytes    int      `yaml:"max_body_bytes"`
	MaxReportPages  int      `yaml:"max_report_pages"`
}

type StorageConfig struct {
	ImagesDir   string `yaml:"images_dir"`
	ImagesURL   string `yaml:"images_url"`
	HistoryPath string `yaml:"history_path"` // empty disables history
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Duration accepts "45s" style strings in YAML.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// Default returns a config that runs fully offline with the mock LLM.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: Duration{10 * time.Second},
		},
		LLM: LLMConfig{
			Provider: "mock",
			Timeout:  Duration{45 * time.Second},
		},
		Images: ImagesConfig{
			Provider: "none",
			Model:    "dall-e-3",
			Size:     "1024x1024",
			Timeout:  Duration{60 * time.Second},
		},
		Pipeline: PipelineConfig{
			StageTimeout:   Duration{60 * time.Second},
			MaxAttempts:    1,
			RetryBackoff:   Duration{500 * time.Millisecond},
			PreviewMaxSize: 20000,
		},
		Retrieval: RetrievalConfig{
			MaxParallel:    4,
			CacheTTL:       Duration{time.Hour},
			HTTPTimeout:    Duration{10 * time.Second},
			MaxBodyBytes:   2 << 20,
			MaxReportPages: 20,
		},
		Storage: StorageConfig{
			ImagesDir:   "images",
			ImagesURL:   "/images",
			HistoryPath: "data/history.db",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads .env (if present), the YAML file at path (if non-empty) and then
// environment overrides, in that order.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	envErr := applyEnv(cfg, os.Getenv)

	if err := errors.Join(envErr, cfg.Validate()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables on cfg. Malformed values leave the
// field untouched and are reported together.
func applyEnv(cfg *Config, getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid boolean %q", key, v))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *Duration) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, v))
				return
			}
			dst.Duration = d
		}
	}

	integer("PORT", &cfg.Server.Port)
	integer("FIN_PORT", &cfg.Server.Port)

	str("LLM_PROVIDER", &cfg.LLM.Provider)
	str("LLM_MODEL", &cfg.LLM.Model)
	duration("FIN_LLM_TIMEOUT", &cfg.LLM.Timeout)
	if cfg.LLM.APIKey == "" {
		switch strings.ToLower(cfg.LLM.Provider) {
		case "openai":
			str("OPENAI_API_KEY", &cfg.LLM.APIKey)
			str("OPENAI_API_BASE", &cfg.LLM.BaseURL)
		case "anthropic":
			str("ANTHROPIC_API_KEY", &cfg.LLM.APIKey)
			str("ANTHROPIC_API_URL", &cfg.LLM.BaseURL)
		case "gemini", "gemini-sdk":
			str("GOOGLE_API_KEY", &cfg.LLM.APIKey)
			str("GEMINI_API_URL", &cfg.LLM.BaseURL)
		}
	}

	str("FIN_IMAGES_PROVIDER", &cfg.Images.Provider)
	if cfg.Images.APIKey == "" && strings.EqualFold(cfg.Images.Provider, "openai") {
		str("OPENAI_API_KEY", &cfg.Images.APIKey)
	}

	duration("FIN_STAGE_TIMEOUT", &cfg.Pipeline.StageTimeout)
	integer("FIN_MAX_ATTEMPTS", &cfg.Pipeline.MaxAttempts)
	boolean("FIN_LLM_INTENT", &cfg.Pipeline.LLMIntent)
	boolean("FIN_LLM_REASONER", &cfg.Pipeline.LLMReasoner)
	boolean("FIN_LLM_WRITER", &cfg.Pipeline.LLMWriter)
	boolean("FIN_STREAM_TOKENS", &cfg.Pipeline.StreamTokens)
	integer("PREVIEW_MAX_BYTES", &cfg.Pipeline.PreviewMaxSize)

	str("FIN_EXCHANGE_RATE_URL", &cfg.Retrieval.ExchangeRateURL)
	str("FIN_NEWS_URL", &cfg.Retrieval.NewsURL)
	if v := strings.TrimSpace(getenv("FIN_REPORT_PATHS")); v != "" {
		cfg.Retrieval.ReportPaths = splitList(v)
	}
	integer("HTTP_GET_MAX_BYTES", &cfg.Retrieval.MaxBodyBytes)
	integer("PDF_MAX_PAGES", &cfg.Retrieval.MaxReportPages)

	str("FIN_IMAGES_DIR", &cfg.Storage.ImagesDir)
	str("FIN_HISTORY_PATH", &cfg.Storage.HistoryPath)

	str("FIN_LOG_LEVEL", &cfg.Logging.Level)
	boolean("FIN_LOG_DEVELOPMENT", &cfg.Logging.Development)
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	switch strings.ToLower(c.LLM.Provider) {
	case "", "mock":
	case "openai", "anthropic", "gemini", "gemini-sdk":
		if c.LLM.APIKey == "" {
			errs = append(errs, fmt.Errorf("llm.api_key is required for provider %q", c.LLM.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown llm.provider %q", c.LLM.Provider))
	}

	switch strings.ToLower(c.Images.Provider) {
	case "", "none":
	case "openai":
		if c.Images.APIKey == "" {
			errs = append(errs, errors.New("images.api_key is required for provider \"openai\""))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown images.provider %q", c.Images.Provider))
	}

	if c.Pipeline.MaxAttempts < 1 {
		errs = append(errs, errors.New("pipeline.max_attempts must be at least 1"))
	}
	if c.Pipeline.StageTimeout.Duration < 0 {
		errs = append(errs, errors.New("pipeline.stage_timeout must not be negative"))
	}
	if c.Retrieval.MaxParallel < 1 {
		errs = append(errs, errors.New("retrieval.max_parallel must be at least 1"))
	}
	if c.Storage.ImagesDir == "" {
		errs = append(errs, errors.New("storage.images_dir is required"))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.level %q", c.Logging.Level))
	}
	return errors.Join(errs...)
}
