package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Environment   string              `mapstructure:"environment"`
	Server        ServerConfig        `mapstructure:"server"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Dashboard     DashboardConfig     `mapstructure:"dashboard"`
	Realtime      RealtimeConfig      `mapstructure:"realtime"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	HTTP HTTPConfig `mapstructure:"http"`
	CORS CORSConfig `mapstructure:"cors"`
}

// HTTPConfig contains HTTP server settings
type HTTPConfig struct {
	Port            int `mapstructure:"port"`
	ReadTimeout     int `mapstructure:"read_timeout"`
	WriteTimeout    int `mapstructure:"write_timeout"`
	IdleTimeout     int `mapstructure:"idle_timeout"`
	ShutdownTimeout int `mapstructure:"shutdown_timeout"`
}

// CORSConfig contains CORS settings
type CORSConfig struct {
	Origins []string `mapstructure:"origins"`
}

// ElasticsearchConfig contains report store connection settings
type ElasticsearchConfig struct {
	Addresses    []string `mapstructure:"addresses"`
	Username     string   `mapstructure:"username"`
	Password     string   `mapstructure:"password"`
	IndexPrefix  string   `mapstructure:"index_prefix"`
	QueryTimeout int      `mapstructure:"query_timeout"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	Database     int    `mapstructure:"database"`
	DialTimeout  int    `mapstructure:"dial_timeout"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	PoolSize     int    `mapstructure:"pool_size"`
}

// KafkaConfig contains the ingestion event source settings
type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	Topic         string   `mapstructure:"topic"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	MinBytes      int      `mapstructure:"min_bytes"`
	MaxBytes      int      `mapstructure:"max_bytes"`
}

// CacheConfig contains read-through cache settings
type CacheConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	TTL       int    `mapstructure:"ttl"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// DashboardConfig contains query shaping settings for the dashboard API
type DashboardConfig struct {
	DefaultPageSize      int `mapstructure:"default_page_size"`
	MaxPageSize          int `mapstructure:"max_page_size"`
	DefaultAggSize       int `mapstructure:"default_agg_size"`
	MaxAggSize           int `mapstructure:"max_agg_size"`
	TimelineLookbackDays int `mapstructure:"timeline_lookback_days"`
}

// RealtimeConfig contains websocket hub settings
type RealtimeConfig struct {
	ReadBufferSize  int             `mapstructure:"read_buffer_size"`
	WriteBufferSize int             `mapstructure:"write_buffer_size"`
	SendQueueSize   int             `mapstructure:"send_queue_size"`
	Simulator       SimulatorConfig `mapstructure:"simulator"`
}

// SimulatorConfig gates the demo-only synthetic report emitter
type SimulatorConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	Interval int  `mapstructure:"interval"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig contains metrics and monitoring configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("DMARC_API")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// A missing file is fine, defaults and env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	overrideWithEnvVars()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("environment", "development")

	viper.SetDefault("server.http.port", 5000)
	viper.SetDefault("server.http.read_timeout", 30)
	viper.SetDefault("server.http.write_timeout", 30)
	viper.SetDefault("server.http.idle_timeout", 120)
	viper.SetDefault("server.http.shutdown_timeout", 15)
	viper.SetDefault("server.cors.origins", []string{"*"})

	viper.SetDefault("elasticsearch.addresses", []string{"http://localhost:9200"})
	viper.SetDefault("elasticsearch.index_prefix", "parsedmarc-aggregate")
	viper.SetDefault("elasticsearch.query_timeout", 5)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.database", 0)
	viper.SetDefault("redis.dial_timeout", 5)
	viper.SetDefault("redis.read_timeout", 3)
	viper.SetDefault("redis.write_timeout", 3)
	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.topic", "dmarc.reports.ingested")
	viper.SetDefault("kafka.consumer_group", "dashboard-api")
	viper.SetDefault("kafka.min_bytes", 1)
	viper.SetDefault("kafka.max_bytes", 1048576)

	viper.SetDefault("cache.enabled", true)
	viper.SetDefault("cache.ttl", 300)
	viper.SetDefault("cache.key_prefix", "api")

	viper.SetDefault("dashboard.default_page_size", 20)
	viper.SetDefault("dashboard.max_page_size", 100)
	viper.SetDefault("dashboard.default_agg_size", 10)
	viper.SetDefault("dashboard.max_agg_size", 100)
	viper.SetDefault("dashboard.timeline_lookback_days", 7)

	viper.SetDefault("realtime.read_buffer_size", 1024)
	viper.SetDefault("realtime.write_buffer_size", 1024)
	viper.SetDefault("realtime.send_queue_size", 256)
	viper.SetDefault("realtime.simulator.enabled", false)
	viper.SetDefault("realtime.simulator.interval", 30)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
}

// overrideWithEnvVars overrides configuration with the legacy environment
// variable names used by the deployment manifests.
func overrideWithEnvVars() {
	if host := os.Getenv("ELASTICSEARCH_HOST"); host != "" {
		scheme := os.Getenv("ELASTICSEARCH_SCHEME")
		if scheme == "" {
			scheme = "http"
		}
		port := os.Getenv("ELASTICSEARCH_PORT")
		if port == "" {
			port = "9200"
		}
		viper.Set("elasticsearch.addresses", []string{fmt.Sprintf("%s://%s:%s", scheme, host, port)})
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		viper.Set("redis.host", host)
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		viper.Set("redis.port", port)
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		viper.Set("redis.password", password)
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		viper.Set("kafka.enabled", true)
		viper.Set("kafka.brokers", strings.Split(brokers, ","))
	}

	if ttl := os.Getenv("CACHE_TTL"); ttl != "" {
		viper.Set("cache.ttl", ttl)
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		viper.Set("server.cors.origins", strings.Split(origins, ","))
	}
}
