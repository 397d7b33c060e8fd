package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"bridge-svc/cache"
	"bridge-svc/database"

	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type YaadConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Masof   string `mapstructure:"masof"`
	Key     string `mapstructure:"key"`
	PassP   string `mapstructure:"passp"`
}

type SBPayConfig struct {
	APIURL   string `mapstructure:"api_url"`
	APIKey   string `mapstructure:"api_key"`
	Merchant string `mapstructure:"merchant"`
	// Secret signs outbound approve calls. WebhookSecret verifies inbound
	// bodies and falls back to Secret.
	Secret        string `mapstructure:"secret"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type StoreConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type KafkaConfig struct {
	Broker string `mapstructure:"broker"`
	Topic  string `mapstructure:"topic"`
}

// Brokers splits a comma-separated KAFKA_BROKER. Empty disables events.
func (k KafkaConfig) Brokers() []string {
	var brokers []string
	for _, b := range strings.Split(k.Broker, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type Config struct {
	Env    string `mapstructure:"env"`
	Port   string `mapstructure:"port"`
	AppURL string `mapstructure:"app_url"`

	Yaad            YaadConfig    `mapstructure:"yaad"`
	SBPay           SBPayConfig   `mapstructure:"sbpay"`
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`

	Store    StoreConfig      `mapstructure:"store"`
	Redis    cache.Options    `mapstructure:"redis"`
	Database database.Options `mapstructure:"database"`
	Kafka    KafkaConfig      `mapstructure:"kafka"`

	JaegerEndpoint    string          `mapstructure:"jaeger_endpoint"`
	RateLimit         RateLimitConfig `mapstructure:"rate_limit"`
	KeepAliveInterval time.Duration   `mapstructure:"keepalive_interval"`
}

func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// envBindings maps config keys to the environment variables that set them,
// first match wins.
var envBindings = map[string][]string{
	"env":     {"APP_ENV", "NODE_ENV"},
	"port":    {"PORT"},
	"app_url": {"APP_URL"},

	"yaad.base_url": {"YAAD_BASE_URL"},
	"yaad.masof":    {"YAAD_MASOF"},
	"yaad.key":      {"YAAD_KEY"},
	"yaad.passp":    {"YAAD_PassP", "YAAD_PASSP"},

	"sbpay.api_url":        {"SBPAY_API_URL"},
	"sbpay.api_key":        {"SBPAY_API_KEY"},
	"sbpay.merchant":       {"SBPAY_MERCHANT"},
	"sbpay.secret":         {"SBPAY_SECRET"},
	"sbpay.webhook_secret": {"SBPAY_WEBHOOK_SECRET"},

	"upstream_timeout": {"UPSTREAM_TIMEOUT"},

	"store.backend": {"STORE_BACKEND"},
	"store.ttl":     {"STORE_TTL"},

	"redis.host":     {"REDIS_HOST"},
	"redis.port":     {"REDIS_PORT"},
	"redis.password": {"REDIS_PASSWORD"},
	"redis.db":       {"REDIS_DB"},

	"database.host":     {"DB_HOST"},
	"database.port":     {"DB_PORT"},
	"database.user":     {"DB_USER"},
	"database.password": {"DB_PASSWORD"},
	"database.name":     {"DB_NAME"},
	"database.sslmode":  {"DB_SSLMODE"},

	"kafka.broker": {"KAFKA_BROKER"},
	"kafka.topic":  {"KAFKA_TOPIC"},

	"jaeger_endpoint":     {"JAEGER_ENDPOINT"},
	"rate_limit.requests": {"RATE_LIMIT_REQUESTS"},
	"rate_limit.window":   {"RATE_LIMIT_WINDOW"},
	"keepalive_interval":  {"KEEPALIVE_INTERVAL"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", EnvDevelopment)
	v.SetDefault("port", "3000")
	v.SetDefault("yaad.base_url", "https://icom.yaad.net/p/")
	v.SetDefault("upstream_timeout", 10*time.Second)

	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("store.ttl", 30*24*time.Hour)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "bridgedb")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("kafka.topic", "payment_events")

	v.SetDefault("rate_limit.requests", 100)
	v.SetDefault("rate_limit.window", 15*time.Minute)
	v.SetDefault("keepalive_interval", 5*time.Minute)
}

// Load reads defaults, then the optional config file at path, then the
// environment. It does not validate.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	cfg.AppURL = strings.TrimRight(cfg.AppURL, "/")
	if cfg.SBPay.WebhookSecret == "" {
		cfg.SBPay.WebhookSecret = cfg.SBPay.Secret
	}
	return cfg, nil
}

// Validate reports every missing or malformed setting at once.
func (c *Config) Validate() error {
	var errs []error

	required := []struct {
		name  string
		value string
	}{
		{"YAAD_MASOF", c.Yaad.Masof},
		{"YAAD_KEY", c.Yaad.Key},
		{"YAAD_PassP", c.Yaad.PassP},
		{"SBPAY_API_KEY", c.SBPay.APIKey},
		{"SBPAY_SECRET", c.SBPay.Secret},
		{"SBPAY_MERCHANT", c.SBPay.Merchant},
		{"SBPAY_API_URL", c.SBPay.APIURL},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}

	if c.Env != EnvDevelopment && c.Env != EnvProduction {
		errs = append(errs, fmt.Errorf("environment must be %s or %s, got %q", EnvDevelopment, EnvProduction, c.Env))
	}

	switch c.Store.Backend {
	case StoreMemory, StorePostgres:
	case StoreRedis:
		if c.Store.TTL <= 0 {
			errs = append(errs, errors.New("STORE_TTL must be positive for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	for name, raw := range map[string]string{
		"SBPAY_API_URL": c.SBPay.APIURL,
		"YAAD_BASE_URL": c.Yaad.BaseURL,
		"APP_URL":       c.AppURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s is not an absolute URL: %q", name, raw))
		}
	}

	if c.UpstreamTimeout <= 0 {
		errs = append(errs, errors.New("UPSTREAM_TIMEOUT must be positive"))
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate limit requests and window must be positive"))
	}

	return errors.Join(errs...)
}
