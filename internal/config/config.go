package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/pauljones0/ticket-monitor/internal/validator"
)

const (
	BackendLocal     = "local"
	BackendFirestore = "firestore"

	ProxyModeRoundRobin = "round_robin"
	ProxyModeRandom     = "random"
)

type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	// Upstream ticketing API
	UpstreamBaseURL  string        `env:"UPSTREAM_BASE_URL" envDefault:"https://tickets.museivaticani.va" validate:"required,url"`
	VisitTag         string        `env:"VISIT_TAG" envDefault:"MV-Biglietti" validate:"required"`
	WhoID            string        `env:"WHO_ID" envDefault:"1" validate:"required"`
	VisitorNum       int           `env:"VISITOR_NUM" envDefault:"1" validate:"gte=1"`
	Lang             string        `env:"LANG_CODE" envDefault:"it" validate:"required"`
	ProductFilter    string        `env:"PRODUCT_FILTER"`
	ExcludedProducts []string      `env:"EXCLUDED_PRODUCTS" envDefault:"palazzo papale,castel gandolfo" envSeparator:","`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s" validate:"gt=0"`
	SearchDelayMin   time.Duration `env:"SEARCH_DELAY_MIN" envDefault:"1s" validate:"gte=0"`
	SearchDelayMax   time.Duration `env:"SEARCH_DELAY_MAX" envDefault:"3s" validate:"gtefield=SearchDelayMin"`
	RetryDelayMin    time.Duration `env:"RETRY_DELAY_MIN" envDefault:"2s" validate:"gte=0"`
	RetryDelayMax    time.Duration `env:"RETRY_DELAY_MAX" envDefault:"4s" validate:"gtefield=RetryDelayMin"`
	IdentityFile     string        `env:"IDENTITY_FILE"`

	// Proxies
	ProxyURLs      []string `env:"PROXY_URLS" envSeparator:","`
	ProxyMode      string   `env:"PROXY_MODE" envDefault:"round_robin" validate:"oneof=round_robin random"`
	WebshareAPIKey string   `env:"WEBSHARE_API_KEY"`

	// Scheduling
	CheckIntervalSeconds int           `env:"CHECK_INTERVAL_SECONDS" envDefault:"1800" validate:"gte=1"`
	SummaryInterval      time.Duration `env:"SUMMARY_INTERVAL" envDefault:"3h" validate:"gte=0"`
	CheckNowPerMinute    int           `env:"CHECK_NOW_PER_MINUTE" envDefault:"2" validate:"gte=1"`

	// Telegram
	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string `env:"TELEGRAM_CHAT_ID"`
	TelegramAPIURL   string `env:"TELEGRAM_API_URL" envDefault:"https://api.telegram.org" validate:"required,url"`

	// Storage
	StorageBackend string   `env:"STORAGE_BACKEND" envDefault:"local" validate:"oneof=local firestore"`
	DataDir        string   `env:"DATA_DIR" envDefault:"./data"`
	ProjectID      string   `env:"GOOGLE_CLOUD_PROJECT" validate:"required_if=StorageBackend firestore"`
	TargetDates    []string `env:"TARGET_DATES" envSeparator:","`

	// Logging
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"json" validate:"oneof=json text"`
	LogFile      string `env:"LOG_FILE"`
	LogMaxSizeMB int    `env:"LOG_MAX_SIZE_MB" envDefault:"10" validate:"gte=1"`
}

// CheckInterval is the scheduler period.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// TelegramConfigured reports whether both Telegram credentials are present.
func (c *Config) TelegramConfigured() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != ""
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path. A missing file is not an error.
func LoadFile(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	cfg.ExcludedProducts = cleanList(cfg.ExcludedProducts)
	cfg.ProxyURLs = cleanList(cfg.ProxyURLs)
	cfg.TargetDates = cleanList(cfg.TargetDates)
	cfg.ProductFilter = strings.TrimSpace(cfg.ProductFilter)

	if err := validator.New().ValidateStruct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if !cfg.TelegramConfigured() {
		slog.Warn("TELEGRAM_BOT_TOKEN or TELEGRAM_CHAT_ID not set, notifications will be skipped")
	}
	return &cfg, nil
}

func cleanList(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
