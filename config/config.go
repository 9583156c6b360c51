package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App           AppConfig           `yaml:"app"`
	Broker        BrokerConfig        `yaml:"broker"`
	Connection    ConnectionConfig    `yaml:"connection"`
	Batcher       BatcherConfig       `yaml:"batcher"`
	Subscription  SubscriptionConfig  `yaml:"subscription"`
	Subscriptions []SymbolConfig      `yaml:"subscriptions"`
	Straddle      StraddleConfig      `yaml:"straddle"`
	Instruments   InstrumentsConfig   `yaml:"instruments"`
	Channels      ChannelsConfig      `yaml:"channels"`
	Health        HealthConfig        `yaml:"health"`
	TickLog       TickLogConfig       `yaml:"tick_log"`
	Storage       StorageConfig       `yaml:"storage"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Dashboard     DashboardConfig     `yaml:"dashboard"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// BrokerConfig carries the injected credentials for the ticker socket.
type BrokerConfig struct {
	APIKey       string `yaml:"api_key"`
	AccessToken  string `yaml:"access_token"`
	WebSocketURL string `yaml:"ws_url"`
}

func (b BrokerConfig) GetAPIKey() string       { return b.APIKey }
func (b BrokerConfig) GetAccessToken() string  { return b.AccessToken }
func (b BrokerConfig) GetWebSocketURL() string { return b.WebSocketURL }

type ConnectionConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CloseTimeout   time.Duration `yaml:"close_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ReadLimit      int64         `yaml:"read_limit"`
	// SendRate limits outbound control messages per second across sockets.
	SendRate  float64 `yaml:"send_rate"`
	SendBurst int     `yaml:"send_burst"`
}

type BatcherConfig struct {
	MaxBatchSize int           `yaml:"max_batch_size"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	ModeDelay    time.Duration `yaml:"mode_delay"`
}

type SubscriptionConfig struct {
	DefaultMode string `yaml:"default_mode"`
}

// SymbolConfig is a symbol subscribed at startup. Dedicated symbols get their
// own socket.
type SymbolConfig struct {
	Symbol    string `yaml:"symbol"`
	Exchange  string `yaml:"exchange"`
	Dedicated bool   `yaml:"dedicated"`
}

type StraddleConfig struct {
	ConfigPath      string        `yaml:"config_path"`
	AlignmentWindow time.Duration `yaml:"alignment_window"`
	SubscribeLegs   bool          `yaml:"subscribe_legs"`
	LegExchange     string        `yaml:"leg_exchange"`
}

type InstrumentsConfig struct {
	Path string `yaml:"path"`
}

type ChannelsConfig struct {
	FrameBuffer int `yaml:"frame_buffer"`
	// EnqueueTimeout bounds how long a reader waits on a full frame channel
	// before the frame is dropped.
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
}

type HealthConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	AutoReconnect     bool          `yaml:"auto_reconnect"`
}

type TickLogConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	Compression     string        `yaml:"compression"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Buffer  int      `yaml:"buffer"`

	// BatchSize caps the messages handed to one WriteMessages call.
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type MetricsConfig struct {
	Prometheus  bool   `yaml:"prometheus"`
	Address     string `yaml:"address"`
	ChannelSize bool   `yaml:"channel_size"`
	CloudWatch  bool   `yaml:"cloudwatch"`
	Region      string `yaml:"region"`
	Namespace   string `yaml:"namespace"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns a configuration with every tunable set. LoadConfig
// unmarshals on top of it.
func Default() Config {
	return Config{
		App: AppConfig{Name: "kiteflow"},
		Broker: BrokerConfig{
			WebSocketURL: "wss://ws.kite.trade",
		},
		Connection: ConnectionConfig{
			ConnectTimeout: 10 * time.Second,
			CloseTimeout:   2 * time.Second,
			WriteTimeout:   5 * time.Second,
			PingInterval:   20 * time.Second,
			ReadLimit:      1 << 20,
			SendRate:       10,
			SendBurst:      10,
		},
		Batcher: BatcherConfig{
			MaxBatchSize: 100,
			MaxDelay:     500 * time.Millisecond,
			ModeDelay:    100 * time.Millisecond,
		},
		Subscription: SubscriptionConfig{DefaultMode: "full"},
		Straddle: StraddleConfig{
			AlignmentWindow: 50 * time.Millisecond,
			SubscribeLegs:   true,
			LegExchange:     "NFO",
		},
		Channels: ChannelsConfig{
			FrameBuffer:    4096,
			EnqueueTimeout: 50 * time.Millisecond,
		},
		Health: HealthConfig{
			Enabled:           true,
			Interval:          30 * time.Second,
			InactivityTimeout: 5 * time.Minute,
			AutoReconnect:     true,
		},
		TickLog: TickLogConfig{Directory: "logs"},
		Storage: StorageConfig{S3: S3Config{
			Prefix:        "ticks",
			Compression:   "snappy",
			FlushInterval: time.Minute,
		}},
		Kafka: KafkaConfig{
			Topic:        "kiteflow.ticks",
			Buffer:       1024,
			BatchSize:    500,
			BatchTimeout: 10 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Address:     "0.0.0.0:2112",
			ChannelSize: true,
			Namespace:   "KiteFlow",
		},
		Dashboard: DashboardConfig{Address: "0.0.0.0:8080"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		config.Broker.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("KITE_ACCESS_TOKEN"); v != "" {
		config.Broker.AccessToken = strings.TrimSpace(v)
	}
	if v := os.Getenv("KITE_WS_URL"); v != "" {
		config.Broker.WebSocketURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		config.Kafka.Brokers = splitList(v)
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var validModes = map[string]struct{}{"ltp": {}, "quote": {}, "full": {}, "index": {}}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	if cfg.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if cfg.Broker.AccessToken == "" {
		return fmt.Errorf("broker.access_token is required")
	}
	u, err := url.Parse(cfg.Broker.WebSocketURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("broker.ws_url '%s' must be a ws:// or wss:// URL", cfg.Broker.WebSocketURL)
	}

	if cfg.Connection.ConnectTimeout <= 0 {
		return fmt.Errorf("connection.connect_timeout must be greater than 0")
	}
	if cfg.Connection.CloseTimeout <= 0 {
		return fmt.Errorf("connection.close_timeout must be greater than 0")
	}
	if cfg.Connection.SendRate < 0 {
		return fmt.Errorf("connection.send_rate must not be negative")
	}

	if cfg.Batcher.MaxBatchSize <= 0 {
		return fmt.Errorf("batcher.max_batch_size must be greater than 0")
	}
	if cfg.Batcher.MaxDelay <= 0 {
		return fmt.Errorf("batcher.max_delay must be greater than 0")
	}
	if cfg.Batcher.ModeDelay < 0 {
		return fmt.Errorf("batcher.mode_delay must not be negative")
	}

	if _, ok := validModes[strings.ToLower(cfg.Subscription.DefaultMode)]; !ok {
		return fmt.Errorf("subscription.default_mode '%s' is invalid", cfg.Subscription.DefaultMode)
	}
	for i, s := range cfg.Subscriptions {
		if strings.TrimSpace(s.Symbol) == "" {
			return fmt.Errorf("subscriptions[%d].symbol is required", i)
		}
		if strings.TrimSpace(s.Exchange) == "" {
			return fmt.Errorf("subscriptions[%d].exchange is required", i)
		}
	}

	if cfg.Straddle.AlignmentWindow < 0 {
		return fmt.Errorf("straddle.alignment_window must not be negative")
	}

	if cfg.Channels.FrameBuffer <= 0 {
		return fmt.Errorf("channels.frame_buffer must be greater than 0")
	}
	if cfg.Channels.EnqueueTimeout < 0 {
		return fmt.Errorf("channels.enqueue_timeout must not be negative")
	}

	if cfg.Health.Enabled {
		if cfg.Health.Interval <= 0 {
			return fmt.Errorf("health.interval must be greater than 0")
		}
		if cfg.Health.InactivityTimeout <= 0 {
			return fmt.Errorf("health.inactivity_timeout must be greater than 0")
		}
	}

	if cfg.TickLog.Enabled && cfg.TickLog.Directory == "" {
		return fmt.Errorf("tick_log.directory is required when the tick log is enabled")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
		if cfg.Storage.S3.FlushInterval <= 0 {
			return fmt.Errorf("storage.s3.flush_interval must be greater than 0")
		}
	}

	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		if cfg.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka is enabled")
		}
		if cfg.Kafka.BatchSize <= 0 {
			return fmt.Errorf("kafka.batch_size must be greater than 0")
		}
		if cfg.Kafka.BatchTimeout <= 0 {
			return fmt.Errorf("kafka.batch_timeout must be greater than 0")
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
