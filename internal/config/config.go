package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Broker   Broker   `mapstructure:"broker"`
	EventBus EventBus `mapstructure:"event_bus"`
	Monitor  Monitor  `mapstructure:"monitor"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Notify   Notify   `mapstructure:"notify"`
}

// Broker holds the configuration for the QMT broker bridge.
type Broker struct {
	AccountID      string        `mapstructure:"account_id"`
	AccountType    string        `mapstructure:"account_type"`
	SessionDir     string        `mapstructure:"session_dir"`
	Mode           string        `mapstructure:"mode"` // "bridge" or "paper"
	BridgeURL      string        `mapstructure:"bridge_url"`
	StreamURL      string        `mapstructure:"stream_url"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PaperCash      float64       `mapstructure:"paper_cash"` // starting cash of the simulated account
}

// EventBus selects the transport used to distribute broker events.
type EventBus struct {
	Mode  string `mapstructure:"mode"` // "memory" or "redis"
	Redis Redis  `mapstructure:"redis"`
}

// Redis holds the connection settings for the cross-process bus.
type Redis struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port.
func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Monitor holds the defaults applied to monitor tasks and their workers.
type Monitor struct {
	DefaultInterval int           `mapstructure:"default_interval"`
	DefaultQuantity int64         `mapstructure:"default_quantity"`
	PositionSizePct float64       `mapstructure:"position_size_pct"`
	PriceType       string        `mapstructure:"price_type"`
	EvaluateTimeout time.Duration `mapstructure:"evaluate_timeout"`
	RegistryTimeout time.Duration `mapstructure:"registry_timeout"`
	JoinTimeout     time.Duration `mapstructure:"join_timeout"`
}

// Server holds the configuration for the ops HTTP server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Notify holds the configuration for outbound notifications.
type Notify struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	BusModeMemory = "memory"
	BusModeRedis  = "redis"

	BrokerModeBridge = "bridge"
	BrokerModePaper  = "paper"
)

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	SetDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		return
	}
	if err = v.Unmarshal(&config); err != nil {
		return
	}
	err = config.Validate()
	return
}

// SetDefaults registers the default values for every optional key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("broker.account_type", "STOCK")
	v.SetDefault("broker.mode", BrokerModePaper)
	v.SetDefault("broker.rate_limit", 10)
	v.SetDefault("broker.rate_limit_burst", 5)
	v.SetDefault("broker.request_timeout", 10*time.Second)
	v.SetDefault("broker.paper_cash", 1000000)

	v.SetDefault("event_bus.mode", BusModeMemory)
	v.SetDefault("event_bus.redis.host", "127.0.0.1")
	v.SetDefault("event_bus.redis.port", 6379)

	v.SetDefault("monitor.default_interval", 60)
	v.SetDefault("monitor.default_quantity", 100)
	v.SetDefault("monitor.price_type", "limit")
	v.SetDefault("monitor.evaluate_timeout", 30*time.Second)
	v.SetDefault("monitor.registry_timeout", 10*time.Second)
	v.SetDefault("monitor.join_timeout", 5*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("database.dsn", "data/qmt_monitor.db")
}

// Validate reports configuration that must abort startup.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Broker.AccountID) == "" {
		return fmt.Errorf("broker.account_id is required")
	}
	switch c.Broker.Mode {
	case BrokerModeBridge:
		if c.Broker.BridgeURL == "" {
			return fmt.Errorf("broker.bridge_url is required in bridge mode")
		}
	case BrokerModePaper:
	default:
		return fmt.Errorf("unknown broker.mode %q", c.Broker.Mode)
	}
	switch c.EventBus.Mode {
	case BusModeMemory, BusModeRedis:
	default:
		return fmt.Errorf("unknown event_bus.mode %q", c.EventBus.Mode)
	}
	if c.Monitor.DefaultQuantity <= 0 || c.Monitor.DefaultQuantity%100 != 0 {
		return fmt.Errorf("monitor.default_quantity must be a positive multiple of 100, got %d", c.Monitor.DefaultQuantity)
	}
	if c.Monitor.PositionSizePct < 0 || c.Monitor.PositionSizePct > 100 {
		return fmt.Errorf("monitor.position_size_pct must be within 0-100, got %v", c.Monitor.PositionSizePct)
	}
	if c.Monitor.PriceType != "market" && c.Monitor.PriceType != "limit" {
		return fmt.Errorf("monitor.price_type must be market or limit, got %q", c.Monitor.PriceType)
	}
	return nil
}
