package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port string `yaml:"port"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	LLMProvider   string `yaml:"llmProvider"`
	GeminiAPIKey  string `yaml:"geminiApiKey"`
	GeminiModel   string `yaml:"geminiModel"`
	OpenAIAPIKey  string `yaml:"openaiApiKey"`
	OpenAIModel   string `yaml:"openaiModel"`
	OpenAIBaseURL string `yaml:"openaiBaseUrl"`

	ModelTimeout    time.Duration `yaml:"modelTimeout"`
	MaxImageBytes   int64         `yaml:"maxImageBytes"`
	DownloadTimeout time.Duration `yaml:"downloadTimeout"`

	RegionExpandPercent float64 `yaml:"regionExpandPercent"`
	CropExpandPercent   float64 `yaml:"cropExpandPercent"`

	MaxConcurrentSheets int           `yaml:"maxConcurrentSheets"`
	CallbackRetries     int           `yaml:"callbackRetries"`
	CallbackTimeout     time.Duration `yaml:"callbackTimeout"`

	DatabaseURL         string        `yaml:"databaseUrl"`
	RecognitionCacheTTL time.Duration `yaml:"recognitionCacheTtl"`

	TelegramBotToken    string `yaml:"telegramBotToken"`
	TelegramAlertChatID int64  `yaml:"telegramAlertChatId"`

	RateLimitEvery   time.Duration `yaml:"rateLimitEvery"`
	RateLimitBurst   int           `yaml:"rateLimitBurst"`
	MaxJSONBodyBytes int64         `yaml:"maxJsonBodyBytes"`

	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ReadTimeout       time.Duration `yaml:"readTimeout"`
	WriteTimeout      time.Duration `yaml:"writeTimeout"`
	IdleTimeout       time.Duration `yaml:"idleTimeout"`
}

func Default() *Config {
	return &Config{
		Port:      "8000",
		LogLevel:  "info",
		LogFormat: "json",

		LLMProvider:   "gemini",
		GeminiModel:   "gemini-2.5-flash",
		OpenAIModel:   "gpt-4o-mini",
		OpenAIBaseURL: "https://api.openai.com/v1",

		ModelTimeout:    180 * time.Second,
		MaxImageBytes:   10 << 20,
		DownloadTimeout: 30 * time.Second,

		RegionExpandPercent: 2,
		CropExpandPercent:   2,

		MaxConcurrentSheets: 5,
		CallbackRetries:     3,
		CallbackTimeout:     30 * time.Second,

		RecognitionCacheTTL: 7 * 24 * time.Hour,

		RateLimitEvery:   600 * time.Millisecond,
		RateLimitBurst:   20,
		MaxJSONBodyBytes: 4 << 20,

		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      300 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Load: значения по умолчанию, затем YAML из GRADER_CONFIG (если задан), затем переменные окружения.
func Load() (*Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("GRADER_CONFIG")); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadFile накладывает YAML-файл поверх текущих значений.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to unmarshal yaml: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envStr("PORT", c.Port)
	c.LogLevel = envStr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envStr("LOG_FORMAT", c.LogFormat)

	c.LLMProvider = envStr("LLM_PROVIDER", c.LLMProvider)
	c.GeminiAPIKey = envStr("GEMINI_API_KEY", c.GeminiAPIKey)
	c.GeminiModel = envStr("GEMINI_MODEL", c.GeminiModel)
	c.OpenAIAPIKey = envStr("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.OpenAIModel = envStr("OPENAI_MODEL", c.OpenAIModel)
	c.OpenAIBaseURL = envStr("OPENAI_BASE_URL", c.OpenAIBaseURL)

	c.ModelTimeout = envDur("MODEL_TIMEOUT", c.ModelTimeout)
	c.MaxImageBytes = int64(envInt("MAX_IMAGE_BYTES", int(c.MaxImageBytes), 1))
	c.DownloadTimeout = envDur("DOWNLOAD_TIMEOUT", c.DownloadTimeout)

	c.RegionExpandPercent = envFloat("REGION_EXPAND_PERCENT", c.RegionExpandPercent)
	c.CropExpandPercent = envFloat("CROP_EXPAND_PERCENT", c.CropExpandPercent)

	c.MaxConcurrentSheets = envInt("MAX_CONCURRENT_SHEETS", c.MaxConcurrentSheets, 1)
	c.CallbackRetries = envInt("CALLBACK_RETRIES", c.CallbackRetries, 0)
	c.CallbackTimeout = envDur("CALLBACK_TIMEOUT", c.CallbackTimeout)

	c.DatabaseURL = resolveDSN(c.DatabaseURL)
	c.RecognitionCacheTTL = envDur("RECOGNITION_CACHE_TTL", c.RecognitionCacheTTL)

	c.TelegramBotToken = envStr("TELEGRAM_BOT_TOKEN", c.TelegramBotToken)
	c.TelegramAlertChatID = envInt64("TELEGRAM_ALERT_CHAT_ID", c.TelegramAlertChatID)

	c.RateLimitEvery = envDur("RATE_LIMIT_EVERY", c.RateLimitEvery)
	c.RateLimitBurst = envInt("RATE_LIMIT_BURST", c.RateLimitBurst, 1)
	c.MaxJSONBodyBytes = int64(envInt("MAX_JSON_BODY_BYTES", int(c.MaxJSONBodyBytes), 1))

	c.ReadHeaderTimeout = envDur("READ_HEADER_TIMEOUT", c.ReadHeaderTimeout)
	c.ReadTimeout = envDur("READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = envDur("WRITE_TIMEOUT", c.WriteTimeout)
	c.IdleTimeout = envDur("IDLE_TIMEOUT", c.IdleTimeout)
}

func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.LLMProvider) {
	case "gemini", "google":
		if strings.TrimSpace(c.GeminiAPIKey) == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for LLM_PROVIDER=gemini"))
		}
	case "gpt", "openai":
		if strings.TrimSpace(c.OpenAIAPIKey) == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for LLM_PROVIDER=gpt"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LLM_PROVIDER %q; use 'gemini' or 'gpt'", c.LLMProvider))
	}
	if c.MaxImageBytes <= 0 {
		errs = append(errs, errors.New("MAX_IMAGE_BYTES must be positive"))
	}
	if c.MaxConcurrentSheets <= 0 {
		errs = append(errs, errors.New("MAX_CONCURRENT_SHEETS must be positive"))
	}
	if c.CallbackRetries < 0 {
		errs = append(errs, errors.New("CALLBACK_RETRIES must not be negative"))
	}
	if c.RegionExpandPercent < 0 || c.CropExpandPercent < 0 {
		errs = append(errs, errors.New("expand percents must not be negative"))
	}
	if (c.TelegramBotToken == "") != (c.TelegramAlertChatID == 0) {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_ALERT_CHAT_ID must be set together"))
	}
	return errors.Join(errs...)
}

// resolveDSN: DATABASE_URL, иначе сборка из POSTGRES_* / PG*, если задан PGHOST.
// Пустая строка — БД не используется.
func resolveDSN(current string) string {
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		return v
	}
	host := strings.TrimSpace(os.Getenv("PGHOST"))
	if host == "" {
		return current
	}
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(envStr("POSTGRES_USER", "grader"), os.Getenv("POSTGRES_PASSWORD")),
		Host:     net.JoinHostPort(host, envStr("PGPORT", "5432")),
		Path:     "/" + envStr("POSTGRES_DB", "grader"),
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// SafeDSNSummary — DSN без пароля, для логов.
func SafeDSNSummary(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "dsn: parse error"
	}
	user := u.User.Username()
	host := u.Host
	port := ""
	if h, p, err := net.SplitHostPort(u.Host); err == nil {
		host, port = h, p
	}
	db := strings.TrimPrefix(u.Path, "/")
	if port == "" {
		return fmt.Sprintf("host=%s db=%s user=%s", host, db, user)
	}
	return fmt.Sprintf("host=%s port=%s db=%s user=%s", host, port, db, user)
}

func envStr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback, minValue int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < minValue {
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return fallback
	}
	return f
}

func envDur(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
