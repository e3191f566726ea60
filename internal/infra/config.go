package infra

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/casey/whim/internal/feed"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

// UserAgent identifies the recorder in the WebSocket handshake.
func UserAgent() string {
	return fmt.Sprintf("%s/%s (%s; %s)", AppName, Version, runtime.GOOS, runtime.GOARCH)
}

// SubscriptionConfig selects one channel for a set of products.
type SubscriptionConfig struct {
	Channel  string   `yaml:"channel"`
	Products []string `yaml:"products"`
}

// Config holds every setting of the recorder.
// LoadConfig reads the YAML file, then environment variables override it.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Feed struct {
		Sandbox       bool                 `yaml:"sandbox"`
		URL           string               `yaml:"url"`
		MaxPending    int                  `yaml:"max_pending"`
		SendBuffer    int                  `yaml:"send_buffer"`
		Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	} `yaml:"feed"`

	Storage struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"storage"`

	Snapshots struct {
		Enabled bool `yaml:"enabled"`
		Keep    int  `yaml:"keep"`
	} `yaml:"snapshots"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Kafka struct {
		Enabled bool     `yaml:"enabled"`
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// DefaultConfig returns the settings used when no file is present.
func DefaultConfig() *Config {
	var cfg Config
	cfg.App.Name = AppName
	cfg.App.Version = Version
	cfg.Feed.MaxPending = feed.DefaultMaxPending
	cfg.Feed.SendBuffer = 64
	cfg.Storage.Enabled = true
	cfg.Snapshots.Enabled = true
	cfg.Snapshots.Keep = 5
	cfg.Redis.Addr = "localhost:6379"
	cfg.Kafka.Brokers = []string{"127.0.0.1:9092"}
	cfg.Kafka.Topic = "gdax.feed"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return &cfg
}

// LoadConfig reads and parses the config file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadDefaultConfig is LoadConfig without a file: defaults plus environment.
func LoadDefaultConfig() (*Config, error) {
	cfg := DefaultConfig()
	overrideWithEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Feed.URL != "" && !hasPrefix(c.Feed.URL, "ws://") && !hasPrefix(c.Feed.URL, "wss://") {
		return fmt.Errorf("invalid feed URL: %s", c.Feed.URL)
	}
	if c.Feed.MaxPending < 0 {
		return fmt.Errorf("feed.max_pending must not be negative")
	}
	if c.Feed.SendBuffer <= 0 {
		return fmt.Errorf("feed.send_buffer must be positive")
	}
	if _, err := c.Subscriptions(); err != nil {
		return err
	}

	if c.Snapshots.Enabled && c.Snapshots.Keep <= 0 {
		return fmt.Errorf("snapshots.keep must be positive")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("at least one kafka broker is required")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required")
		}
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format: %s", c.Logging.Format)
	}
	return nil
}

// Subscriptions converts the configured subscriptions to feed types.
// An empty list means every channel for every product.
func (c *Config) Subscriptions() ([]feed.Subscription, error) {
	if len(c.Feed.Subscriptions) == 0 {
		var all []feed.Subscription
		for _, ch := range feed.AllChannels() {
			all = append(all, feed.Subscription{Name: ch, ProductIDs: feed.AllProducts()})
		}
		return all, nil
	}

	subs := make([]feed.Subscription, 0, len(c.Feed.Subscriptions))
	for _, sc := range c.Feed.Subscriptions {
		ch, err := feed.ParseChannel(sc.Channel)
		if err != nil {
			return nil, fmt.Errorf("feed.subscriptions: %w", err)
		}
		products := feed.AllProducts()
		if len(sc.Products) > 0 {
			products = products[:0]
			for _, p := range sc.Products {
				product, err := feed.ParseProduct(p)
				if err != nil {
					return nil, fmt.Errorf("feed.subscriptions[%s]: %w", ch, err)
				}
				products = append(products, product)
			}
		}
		subs = append(subs, feed.Subscription{Name: ch, ProductIDs: products})
	}
	return subs, nil
}

func hasPrefix(s, prefix string) bool {
	return strings.HasPrefix(s, prefix)
}

// overrideWithEnv overwrites settings from WHIM_* variables when present.
// Environment variables take precedence over the config file.
func overrideWithEnv(cfg *Config) {
	if cfg.Redis.Password != "" {
		// Using fmt instead of slog: the logger is not configured yet
		fmt.Println("⚠️  SECURITY WARNING: Redis password found in config file.")
		fmt.Println("   Recommendation: use WHIM_REDIS_PASSWORD instead")
	}

	if v := os.Getenv("WHIM_SANDBOX"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Feed.Sandbox = b
		}
	}
	if v := os.Getenv("WHIM_FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}
	if v := os.Getenv("WHIM_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("WHIM_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("WHIM_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("WHIM_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("WHIM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
