// Package config handles loading and validating the application configuration
// from YAML files with environment variable substitution.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	domain "github.com/avasylenko/pricewatch/pkg/types"
)

// Config is the top-level application configuration. Every knob the process
// reads lives here; defaults are stamped in applyDefaults and nowhere else.
type Config struct {
	Telegram TelegramConfig    `yaml:"telegram"`
	Rates    RatesConfig       `yaml:"rates"`
	Lyst     LystConfig        `yaml:"lyst"`
	OLX      ClassifiedsConfig `yaml:"olx"`
	Shafa    ClassifiedsConfig `yaml:"shafa"`
	Images   ImagesConfig      `yaml:"images"`
	Storage  StorageConfig     `yaml:"storage"`
	Server   ServerConfig      `yaml:"server"`
	Logging  LoggingConfig     `yaml:"logging"`
}

// TelegramConfig defines the chat platform credentials and routing.
type TelegramConfig struct {
	Token       string `yaml:"token"`
	ChatID      int64  `yaml:"chat_id"`
	AdminChatID int64  `yaml:"admin_chat_id"`
	LogPoll     bool   `yaml:"log_poll"` // poll getUpdates for the admin /log command
	APIBase     string `yaml:"api_base"`
}

// RatesConfig defines the currency-conversion feed.
type RatesConfig struct {
	APIKey    string        `yaml:"api_key"`
	URL       string        `yaml:"url"`
	CacheFile string        `yaml:"cache_file"`
	Reference string        `yaml:"reference"`
	Refresh   time.Duration `yaml:"refresh"`
}

// ScrollConfig defines the scroll-and-settle behaviour of the rendered fetch.
type ScrollConfig struct {
	Strategy     string        `yaml:"strategy"` // adaptive, settle
	StepPx       int           `yaml:"step_px"`
	Pause        time.Duration `yaml:"pause"`
	StableAfter  int           `yaml:"stable_after"` // K consecutive height-stable attempts
	MaxAttempts  int           `yaml:"max_attempts"`
	ExtraScrolls int           `yaml:"extra_scrolls"`
	ReadyRatio   float64       `yaml:"ready_ratio"` // images_ready/total_cards threshold
	SettlePasses int           `yaml:"settle_passes"`
}

// LystConfig defines the lyst cycle: cadence, concurrency, timeouts, regions
// and the query catalogue.
type LystConfig struct {
	CheckInterval     time.Duration   `yaml:"check_interval"`
	CheckJitter       time.Duration   `yaml:"check_jitter"`
	MaxBrowsers       int             `yaml:"max_browsers"`
	QueryConcurrency  int             `yaml:"query_concurrency"`
	RegionConcurrency int             `yaml:"region_concurrency"`
	HTTPOnly          bool            `yaml:"http_only"`
	PageTimeout       time.Duration   `yaml:"page_timeout"`
	URLTimeout        time.Duration   `yaml:"url_timeout"`
	StallTimeout      time.Duration   `yaml:"stall_timeout"`
	StaleBudget       time.Duration   `yaml:"stale_budget"`
	Regions           []domain.Region `yaml:"regions"` // priority order, first = home market
	MinGap            domain.Money    `yaml:"min_gap"`
	MinPrice          float64         `yaml:"min_price"`
	Scroll            ScrollConfig    `yaml:"scroll"`
	Queries           []domain.Query  `yaml:"queries"`
}

// ClassifiedsConfig defines one single-page classifieds source (olx, shafa).
type ClassifiedsConfig struct {
	IntervalMin   time.Duration  `yaml:"interval_min"`
	IntervalMax   time.Duration  `yaml:"interval_max"`
	Concurrency   int            `yaml:"concurrency"`
	RetentionDays int            `yaml:"retention_days"`
	DeltaAbs      float64        `yaml:"delta_abs"`
	DeltaRel      float64        `yaml:"delta_rel"` // fraction, e.g. 0.05
	MinPrice      float64        `yaml:"min_price"`
	Queries       []domain.Query `yaml:"queries"`
}

// ImagesConfig defines the notification image pipeline.
type ImagesConfig struct {
	Upscale        bool   `yaml:"upscale"`
	Method         string `yaml:"method"` // lanczos, edsr
	BlockResources bool   `yaml:"block_resources"`
}

// StorageConfig defines where the per-source databases and JSON state live.
type StorageConfig struct {
	Dir      string `yaml:"dir"`
	StateDir string `yaml:"state_dir"`
	LogFile  string `yaml:"log_file"`
}

// ServerConfig defines the optional debug listener. Empty addr disables it.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Heartbeat cadence is fixed; everything else is configurable.
const HeartbeatInterval = 5 * time.Minute

// Load reads and parses a YAML config file, performing environment variable
// substitution and validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // config path from trusted CLI flag
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the YAML content.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	stampQueries(cfg)

	return cfg, nil
}

// stampQueries fills the source tag and default chat on every query so
// downstream code never has to special-case them.
func stampQueries(cfg *Config) {
	fill := func(qs []domain.Query, src domain.Source) {
		for i := range qs {
			qs[i].Source = src
			if qs[i].ChatID == 0 {
				qs[i].ChatID = cfg.Telegram.ChatID
			}
		}
	}
	fill(cfg.Lyst.Queries, domain.SourceLyst)
	fill(cfg.OLX.Queries, domain.SourceOLX)
	fill(cfg.Shafa.Queries, domain.SourceShafa)
}

func applyDefaults(cfg *Config) {
	applyTelegramDefaults(&cfg.Telegram)
	applyRatesDefaults(&cfg.Rates)
	applyLystDefaults(&cfg.Lyst)
	applyClassifiedsDefaults(&cfg.OLX, 8*time.Hour, 16*time.Hour)
	applyClassifiedsDefaults(&cfg.Shafa, 10*time.Hour, 20*time.Hour)
	applyImagesDefaults(&cfg.Images)
	applyStorageDefaults(&cfg.Storage)
	applyLoggingDefaults(&cfg.Logging)
}

func applyTelegramDefaults(t *TelegramConfig) {
	if t.APIBase == "" {
		t.APIBase = "https://api.telegram.org"
	}
}

func applyRatesDefaults(r *RatesConfig) {
	if r.URL == "" {
		r.URL = "https://api.exchangerate.host/live"
	}
	if r.CacheFile == "" {
		r.CacheFile = "state/rates.json"
	}
	if r.Reference == "" {
		r.Reference = "EUR"
	}
	if r.Refresh == 0 {
		r.Refresh = 24 * time.Hour
	}
}

func applyLystDefaults(l *LystConfig) {
	if l.CheckInterval == 0 {
		l.CheckInterval = 4 * time.Hour
	}
	if l.CheckJitter == 0 {
		l.CheckJitter = 30 * time.Minute
	}
	if l.MaxBrowsers == 0 {
		l.MaxBrowsers = 3
	}
	if l.QueryConcurrency == 0 {
		l.QueryConcurrency = 2
	}
	if l.RegionConcurrency == 0 {
		l.RegionConcurrency = 2
	}
	if l.PageTimeout == 0 {
		l.PageTimeout = 90 * time.Second
	}
	if l.URLTimeout == 0 {
		l.URLTimeout = 3 * time.Minute
	}
	if l.StallTimeout == 0 {
		l.StallTimeout = 10 * time.Minute
	}
	if l.StaleBudget == 0 {
		l.StaleBudget = 12 * time.Hour
	}
	if len(l.Regions) == 0 {
		l.Regions = []domain.Region{"UA", "PL", "GB", "US"}
	}
	if l.MinGap.Amount == 0 {
		l.MinGap = domain.Money{Amount: 20, Currency: "EUR"}
	}
	if l.MinGap.Currency == "" {
		l.MinGap.Currency = "EUR"
	}
	if l.MinPrice == 0 {
		l.MinPrice = 10
	}
	applyScrollDefaults(&l.Scroll)
}

func applyScrollDefaults(s *ScrollConfig) {
	if s.Strategy == "" {
		s.Strategy = "adaptive"
	}
	if s.StepPx == 0 {
		s.StepPx = 1200
	}
	if s.Pause == 0 {
		s.Pause = 400 * time.Millisecond
	}
	if s.StableAfter == 0 {
		s.StableAfter = 3
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 40
	}
	if s.ExtraScrolls == 0 {
		s.ExtraScrolls = 6
	}
	if s.ReadyRatio == 0 {
		s.ReadyRatio = 0.6
	}
	if s.SettlePasses == 0 {
		s.SettlePasses = 4
	}
}

func applyClassifiedsDefaults(c *ClassifiedsConfig, minIv, maxIv time.Duration) {
	if c.IntervalMin == 0 {
		c.IntervalMin = minIv
	}
	if c.IntervalMax == 0 {
		c.IntervalMax = maxIv
	}
	if c.IntervalMax < c.IntervalMin {
		c.IntervalMax = c.IntervalMin
	}
	if c.Concurrency == 0 {
		c.Concurrency = 2
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 60
	}
	if c.DeltaAbs == 0 {
		c.DeltaAbs = 50
	}
	if c.DeltaRel == 0 {
		c.DeltaRel = 0.05
	}
}

func applyImagesDefaults(i *ImagesConfig) {
	if i.Method == "" {
		i.Method = "lanczos"
	}
}

func applyStorageDefaults(s *StorageConfig) {
	if s.Dir == "" {
		s.Dir = "data"
	}
	if s.StateDir == "" {
		s.StateDir = "state"
	}
	if s.LogFile == "" {
		s.LogFile = "pricewatch.log"
	}
}

func applyLoggingDefaults(l *LoggingConfig) {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "text"
	}
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.Telegram.Token == "" {
		errs = append(errs, fmt.Errorf("telegram.token is required"))
	}
	if cfg.Telegram.ChatID == 0 {
		errs = append(errs, fmt.Errorf("telegram.chat_id is required"))
	}
	if cfg.Rates.APIKey == "" {
		errs = append(errs, fmt.Errorf("rates.api_key is required"))
	}

	if len(cfg.Lyst.Queries)+len(cfg.OLX.Queries)+len(cfg.Shafa.Queries) == 0 {
		errs = append(errs, fmt.Errorf("at least one query must be configured"))
	}

	switch cfg.Lyst.Scroll.Strategy {
	case "adaptive", "settle":
	default:
		errs = append(errs, fmt.Errorf(
			"lyst.scroll.strategy must be one of: adaptive, settle (got %q)",
			cfg.Lyst.Scroll.Strategy,
		))
	}

	switch cfg.Images.Method {
	case "lanczos", "edsr":
	default:
		errs = append(errs, fmt.Errorf(
			"images.method must be one of: lanczos, edsr (got %q)",
			cfg.Images.Method,
		))
	}

	for _, q := range cfg.Lyst.Queries {
		if q.URL == "" || q.Label == "" {
			errs = append(errs, fmt.Errorf("lyst query %q: url and label are required", q.Label))
		}
	}

	return errors.Join(errs...)
}
