package config

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	RunModeOnce   = "once"
	RunModeServer = "server"

	DriverSQLite    = "sqlite"
	DriverBolt      = "bolt"
	DriverFirestore = "firestore"
)

type Config struct {
	RunMode      string `env:"RUN_MODE" envDefault:"once"`
	Port         string `env:"PORT" envDefault:"8080"`
	CronSchedule string `env:"CRON_SCHEDULE"`
	TimeZone     string `env:"TIME_ZONE" envDefault:"Asia/Shanghai"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"text"`
	Detail       bool   `env:"DETAIL" envDefault:"false"`

	FeedURLs     []string      `env:"FEED_URLS" envSeparator:"," envDefault:"https://faxian.smzdm.com/json_more?filter=h2s0t0f0c0&page=,https://faxian.smzdm.com/json_more?filter=h3s0t0f0c0&page="`
	MaxPageSize  int           `env:"MAX_PAGE_SIZE" envDefault:"20"`
	FetchTimeout time.Duration `env:"FETCH_TIMEOUT" envDefault:"10s"`
	FetchRPS     float64       `env:"FETCH_RPS" envDefault:"2"`

	MinVoted       int      `env:"MIN_VOTED" envDefault:"0"`
	MinComments    int      `env:"MIN_COMMENTS" envDefault:"0"`
	MinPushSize    int      `env:"MIN_PUSH_SIZE" envDefault:"0"`
	BatchSize      int      `env:"BATCH_SIZE" envDefault:"100"`
	BlackWordsFile string   `env:"BLACK_WORDS_FILE" envDefault:"./black_words.txt"`
	WhiteWordsFile string   `env:"WHITE_WORDS_FILE" envDefault:"./white_words.txt"`
	PriceMarkers   []string `env:"PRICE_EXCLUDE_MARKERS" envSeparator:"," envDefault:"前"`
	DigestSubject  string   `env:"DIGEST_SUBJECT" envDefault:"值得买优惠信息汇总"`

	StoreDriver    string `env:"STORE_DRIVER" envDefault:"sqlite"`
	StorePath      string `env:"STORE_PATH" envDefault:"./data/deals.db"`
	ProjectID      string `env:"GOOGLE_CLOUD_PROJECT"`
	MaxStoredDeals int    `env:"MAX_STORED_DEALS" envDefault:"0"`

	EmailHost     string `env:"EMAIL_HOST"`
	EmailPort     string `env:"EMAIL_PORT" envDefault:"465"`
	EmailAccount  string `env:"EMAIL_ACCOUNT"`
	EmailPassword string `env:"EMAIL_PASSWORD"`
	EmailTo       string `env:"EMAIL_TO"`

	WxPusherSPT string `env:"WXPUSHER_SPT"`
	WxPusherURL string `env:"WXPUSHER_URL" envDefault:"https://wxpusher.zjiecode.com/api/send/message/simple-push"`

	DiscordWebhookURL string `env:"DISCORD_WEBHOOK_URL"`

	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   int64  `env:"TELEGRAM_CHAT_ID"`

	// Loaded from BlackWordsFile and WhiteWordsFile.
	BlackWords []string
	WhiteWords []string

	loc *time.Location
}

// Load reads configuration from the environment, optionally seeded by a
// .env file in the working directory, and loads the keyword files.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environment()}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIME_ZONE %q: %w", cfg.TimeZone, err)
	}
	cfg.loc = loc

	cfg.BlackWords, err = LoadWordList(cfg.BlackWordsFile)
	if err != nil {
		return nil, err
	}
	cfg.WhiteWords, err = LoadWordList(cfg.WhiteWordsFile)
	if err != nil {
		return nil, err
	}

	cfg.FeedURLs = compact(cfg.FeedURLs)
	cfg.PriceMarkers = compact(cfg.PriceMarkers)
	if cfg.EmailTo == "" {
		cfg.EmailTo = cfg.EmailAccount
	}

	return &cfg, nil
}

// legacyKeys maps the variable names of older deployments to the current
// ones. A legacy value is used only when the current key is unset.
var legacyKeys = map[string]string{
	"emailHost":     "EMAIL_HOST",
	"emailPort":     "EMAIL_PORT",
	"emailAccount":  "EMAIL_ACCOUNT",
	"emailPassword": "EMAIL_PASSWORD",
	"spt":           "WXPUSHER_SPT",
	"maxPageSize":   "MAX_PAGE_SIZE",
	"minVoted":      "MIN_VOTED",
	"minComments":   "MIN_COMMENTS",
	"detail":        "DETAIL",
}

func environment() map[string]string {
	vars := env.ToMap(os.Environ())
	for legacy, key := range legacyKeys {
		v, ok := vars[legacy]
		if !ok {
			continue
		}
		if _, set := vars[key]; set {
			continue
		}
		slog.Warn("Using legacy environment variable", "name", legacy, "replacement", key)
		vars[key] = v
	}
	return vars
}

// Location is the time zone used for deal timestamps, digest subjects and
// the cron schedule. It falls back to UTC for hand-built configs.
func (c *Config) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

func (c *Config) validate() error {
	switch c.RunMode {
	case RunModeOnce, RunModeServer:
	default:
		return fmt.Errorf("invalid RUN_MODE %q: want %q or %q", c.RunMode, RunModeOnce, RunModeServer)
	}

	switch c.StoreDriver {
	case DriverSQLite, DriverBolt:
		if strings.TrimSpace(c.StorePath) == "" {
			return fmt.Errorf("STORE_PATH is required when STORE_DRIVER=%s", c.StoreDriver)
		}
	case DriverFirestore:
		if c.ProjectID == "" {
			return fmt.Errorf("GOOGLE_CLOUD_PROJECT is required when STORE_DRIVER=firestore")
		}
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q", c.StoreDriver)
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid BATCH_SIZE %d: must be positive", c.BatchSize)
	}
	if c.MaxPageSize < 0 {
		return fmt.Errorf("invalid MAX_PAGE_SIZE %d", c.MaxPageSize)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("invalid FETCH_TIMEOUT %s", c.FetchTimeout)
	}
	if c.FetchRPS <= 0 {
		return fmt.Errorf("invalid FETCH_RPS %v", c.FetchRPS)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

// LoadWordList reads one entry per line, trimming whitespace and dropping
// blank lines. A missing file yields an empty list.
func LoadWordList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("Keyword file not found, using empty list", "path", path)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open keyword file %s: %w", path, err)
	}
	defer f.Close()

	var words []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\ufeff"))
		if line == "" {
			continue
		}
		words = append(words, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read keyword file %s: %w", path, err)
	}
	return words, nil
}

func compact(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
