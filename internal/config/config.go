package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	State    StateConfig    `yaml:"state"`
	Feed     FeedConfig     `yaml:"feed"`
	History  HistoryConfig  `yaml:"history"`
	Telegram TelegramConfig `yaml:"telegram"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Pairs    []PairConfig   `yaml:"pairs"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type FeedConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type HistoryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	DSN       string `yaml:"dsn"`
	Schema    string `yaml:"schema"`
	QueueSize int    `yaml:"queue_size"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// PairConfig describes one traded pair. BuyPct is stored negative
// (distance below the last fill), SellPct positive (distance above).
type PairConfig struct {
	ID           int64         `yaml:"id"`
	Symbol       string        `yaml:"symbol"`
	Exchange     string        `yaml:"exchange"`
	Amount       float64       `yaml:"amount"`
	BuyPct       float64       `yaml:"buy_pct"`
	SellPct      float64       `yaml:"sell_pct"`
	TradingMode  string        `yaml:"trading_mode"`
	ProfitMode   string        `yaml:"profit_mode"`
	TickInterval time.Duration `yaml:"tick_interval"`
	Autostart    bool          `yaml:"autostart"`
}

// Base returns the base asset of the pair symbol.
func (p PairConfig) Base() string {
	base, _, _ := strings.Cut(p.Symbol, "/")
	return base
}

// Quote returns the quote asset of the pair symbol.
func (p PairConfig) Quote() string {
	_, quote, _ := strings.Cut(p.Symbol, "/")
	return quote
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/spot-grid-bot.db"
	}
	if cfg.Feed.URL == "" {
		cfg.Feed.URL = "wss://stream.binance.com:9443/ws"
	}
	if cfg.Feed.ReconnectDelay == 0 {
		cfg.Feed.ReconnectDelay = 3 * time.Second
	}
	if cfg.Feed.PingInterval == 0 {
		cfg.Feed.PingInterval = 30 * time.Second
	}
	if cfg.History.Schema == "" {
		cfg.History.Schema = "public"
	}
	if cfg.History.QueueSize == 0 {
		cfg.History.QueueSize = 1024
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	for i := range cfg.Pairs {
		p := &cfg.Pairs[i]
		if p.TickInterval == 0 {
			p.TickInterval = 5 * time.Second
		}
		if p.TradingMode == "" {
			p.TradingMode = "real"
		}
		if p.ProfitMode == "" {
			p.ProfitMode = "usdc"
		}
	}
}

func validate(cfg *Config) error {
	if len(cfg.Pairs) == 0 {
		return errors.New("at least one pair is required")
	}
	seen := make(map[int64]bool, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		if p.ID <= 0 {
			return fmt.Errorf("pair %q: id must be > 0", p.Symbol)
		}
		if seen[p.ID] {
			return fmt.Errorf("pair id %d used more than once", p.ID)
		}
		seen[p.ID] = true
		if !strings.Contains(p.Symbol, "/") {
			return fmt.Errorf("pair %d: symbol must be BASE/QUOTE, got %q", p.ID, p.Symbol)
		}
		if p.Exchange == "" {
			return fmt.Errorf("pair %q: exchange is required", p.Symbol)
		}
		if p.Amount <= 0 {
			return fmt.Errorf("pair %q: amount must be > 0", p.Symbol)
		}
		if p.BuyPct >= 0 {
			return fmt.Errorf("pair %q: buy_pct must be negative", p.Symbol)
		}
		if p.SellPct <= 0 {
			return fmt.Errorf("pair %q: sell_pct must be positive", p.Symbol)
		}
		switch p.TradingMode {
		case "testnet", "real":
		default:
			return fmt.Errorf("pair %q: trading_mode must be testnet or real", p.Symbol)
		}
		switch p.ProfitMode {
		case "usdc", "crypto":
		default:
			return fmt.Errorf("pair %q: profit_mode must be usdc or crypto", p.Symbol)
		}
	}
	if cfg.History.Enabled && cfg.History.DSN == "" {
		return errors.New("history.dsn is required when history is enabled")
	}
	return nil
}
