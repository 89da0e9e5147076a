package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"papertrade/internal/feed"
	"papertrade/internal/ledger"
	"papertrade/internal/trader"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Engine         trader.Config `mapstructure:"engine"`
	Feed           Feed          `mapstructure:"feed"`
	Ledger         ledger.Policy `mapstructure:"ledger"`
	Signals        Signals       `mapstructure:"signals"`
	Logger         Logger        `mapstructure:"logger"`
	Server         Server        `mapstructure:"server"`
	Database       Database      `mapstructure:"database"`
	Webhook        Webhook       `mapstructure:"webhook"`
	Snapshot       Snapshot      `mapstructure:"snapshot"`
	GatewayTimeout time.Duration `mapstructure:"gateway_timeout"`
}

// Feed holds the configuration for the simulated price feed.
type Feed struct {
	TickInterval time.Duration      `mapstructure:"tick_interval"`
	Volatility   float64            `mapstructure:"volatility"`
	TrendBias    float64            `mapstructure:"trend_bias"`
	Symbols      map[string]float64 `mapstructure:"symbols"` // symbol -> initial price
}

// Signals holds the configuration for the synthetic signal source.
type Signals struct {
	Enabled        bool    `mapstructure:"enabled"`
	Strategy       string  `mapstructure:"strategy"`
	Schedule       string  `mapstructure:"schedule"`
	MinConfidence  float64 `mapstructure:"min_confidence"`
	MaxConfidence  float64 `mapstructure:"max_confidence"`
	StopDistance   float64 `mapstructure:"stop_distance"`
	TargetDistance float64 `mapstructure:"target_distance"`
}

// Server holds the configuration for the web server.
type Server struct {
	Port   int `mapstructure:"port"`
	UIPort int `mapstructure:"ui_port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Webhook holds the configuration for the HTTP persistence gateway.
type Webhook struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// Snapshot holds the location of the local state snapshot.
type Snapshot struct {
	Path string `mapstructure:"path"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate checks the sections that have no validation of their own.
func (c Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if err := feed.CheckInterval(c.Feed.TickInterval); err != nil {
		return fmt.Errorf("feed.tick_interval: %w", err)
	}
	if c.Feed.Volatility < 0 {
		return fmt.Errorf("feed.volatility must be >= 0, got %v", c.Feed.Volatility)
	}
	if err := c.Ledger.Validate(); err != nil {
		return err
	}
	for sym, price := range c.Feed.Symbols {
		if price <= 0 {
			return fmt.Errorf("feed.symbols.%s: initial price must be > 0, got %v", sym, price)
		}
	}
	if c.Signals.Enabled {
		s := c.Signals
		if s.MinConfidence < 0 || s.MaxConfidence > 100 || s.MinConfidence > s.MaxConfidence {
			return fmt.Errorf("signals: confidence range [%v,%v] is invalid", s.MinConfidence, s.MaxConfidence)
		}
		if s.StopDistance <= 0 || s.TargetDistance <= 0 {
			return fmt.Errorf("signals: stop and target distances must be > 0")
		}
	}
	if c.Webhook.Enabled && c.Webhook.URL == "" {
		return fmt.Errorf("webhook.url is required when the webhook is enabled")
	}
	return nil
}

// Loader reads configuration from a directory and the environment.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a Loader for config.yml in path.
func NewLoader(path string) *Loader {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	return &Loader{v: v}
}

func setDefaults(v *viper.Viper) {
	def := trader.DefaultConfig()
	v.SetDefault("engine.enabled", def.Enabled)
	v.SetDefault("engine.min_confidence", def.MinConfidence)
	v.SetDefault("engine.max_positions", def.MaxPositions)
	v.SetDefault("engine.position_size", def.PositionSize)
	v.SetDefault("engine.max_daily_trades", def.MaxDailyTrades)
	v.SetDefault("engine.time_limit", def.TimeLimit)
	v.SetDefault("engine.starting_balance", def.StartingBalance)
	v.SetDefault("engine.adaptive_confidence", def.AdaptiveConfidence)

	v.SetDefault("feed.tick_interval", 5*time.Second)
	v.SetDefault("feed.volatility", 0.001)
	v.SetDefault("feed.trend_bias", 0.0)

	v.SetDefault("ledger.bucket_width", ledger.DefaultPolicy.BucketWidth)
	v.SetDefault("ledger.min_samples", ledger.DefaultPolicy.MinSamples)
	v.SetDefault("ledger.max_adjustment", ledger.DefaultPolicy.MaxAdjustment)

	v.SetDefault("signals.enabled", false)
	v.SetDefault("signals.strategy", "random")
	v.SetDefault("signals.schedule", "@every 30s")
	v.SetDefault("signals.min_confidence", 60.0)
	v.SetDefault("signals.max_confidence", 95.0)
	v.SetDefault("signals.stop_distance", 0.005)
	v.SetDefault("signals.target_distance", 0.01)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.ui_port", 8081)
	v.SetDefault("database.dsn", "papertrade.db")

	v.SetDefault("webhook.enabled", false)
	v.SetDefault("webhook.rate_limit", 5)       // requests per second
	v.SetDefault("webhook.rate_limit_burst", 5) // burst size
	v.SetDefault("webhook.timeout", 5*time.Second)

	v.SetDefault("snapshot.path", "papertrade-state.yml")
	v.SetDefault("gateway_timeout", 10*time.Second)
}

// Load reads the config file and decodes it. A missing file is not an error;
// defaults and the environment still apply.
func (l *Loader) Load() (Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	// viper lower-cases map keys; symbols are upper case everywhere else.
	symbols := make(map[string]float64, len(cfg.Feed.Symbols))
	for sym, price := range cfg.Feed.Symbols {
		symbols[strings.ToUpper(sym)] = price
	}
	cfg.Feed.Symbols = symbols
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch calls fn with the freshly decoded config every time the config file
// changes. Decoding or validation failures are passed as err and the
// previous config should be kept.
func (l *Loader) Watch(fn func(cfg Config, err error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		fn(l.decode())
	})
	l.v.WatchConfig()
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (Config, error) {
	return NewLoader(path).Load()
}
