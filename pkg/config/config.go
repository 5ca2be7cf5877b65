// Package config loads daemon configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	Market MarketConfig `yaml:"market"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	DB     DBConfig     `yaml:"db"`
}

// MarketConfig describes the traded market.
type MarketConfig struct {
	AssetSymbol   string `yaml:"asset_symbol"`
	AssetDecimals uint8  `yaml:"asset_decimals"`
	IndexSymbol   string `yaml:"index_symbol"`
	IndexDecimals uint8  `yaml:"index_decimals"`
	BorrowRateBps int64  `yaml:"borrow_rate_bps"`
	FeedDecimals  uint8  `yaml:"feed_decimals"`

	// MaxPriceAgeSec rejects oracle answers older than this many seconds.
	// Zero disables the staleness check.
	MaxPriceAgeSec int64 `yaml:"max_price_age_sec"`
}

// ServerConfig holds the listen ports.
type ServerConfig struct {
	MetricsPort   int `yaml:"metrics_port"`
	WebSocketPort int `yaml:"websocket_port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DBConfig holds the persistence settings. Engine is "badgerdb" or
// "memory".
type DBConfig struct {
	Engine  string `yaml:"engine"`
	DataDir string `yaml:"data_dir"`
}

// Default returns a config suitable for local development.
func Default() Config {
	return Config{
		Market: MarketConfig{
			AssetSymbol:    "USDC",
			AssetDecimals:  6,
			IndexSymbol:    "WETH",
			IndexDecimals:  18,
			BorrowRateBps:  1000,
			FeedDecimals:   8,
			MaxPriceAgeSec: 300,
		},
		Server: ServerConfig{
			MetricsPort:   9090,
			WebSocketPort: 8081,
		},
		Log: LogConfig{
			Level: "info",
		},
		DB: DBConfig{
			Engine:  "badgerdb",
			DataDir: "./data",
		},
	}
}

// Load reads a YAML config file over the defaults, then applies environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Market.AssetSymbol == "" || c.Market.IndexSymbol == "" {
		return fmt.Errorf("market tokens must be set")
	}
	if c.Market.AssetSymbol == c.Market.IndexSymbol {
		return fmt.Errorf("asset and index tokens must differ")
	}
	if c.Market.BorrowRateBps < 0 {
		return fmt.Errorf("borrow rate must not be negative")
	}
	switch c.DB.Engine {
	case "badgerdb", "memory":
	default:
		return fmt.Errorf("unknown db engine %q", c.DB.Engine)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Market.AssetSymbol, "PERP_ASSET_SYMBOL")
	setString(&cfg.Market.IndexSymbol, "PERP_INDEX_SYMBOL")
	setInt64(&cfg.Market.BorrowRateBps, "PERP_BORROW_RATE_BPS")
	setInt(&cfg.Server.MetricsPort, "PERP_METRICS_PORT")
	setInt(&cfg.Server.WebSocketPort, "PERP_WEBSOCKET_PORT")
	setString(&cfg.Log.Level, "PERP_LOG_LEVEL")
	setString(&cfg.DB.Engine, "PERP_DB_ENGINE")
	setString(&cfg.DB.DataDir, "PERP_DATA_DIR")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
