package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Postgres struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"sslmode"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MQTT struct {
	BrokerURL  string `mapstructure:"broker_url"`
	ClientID   string `mapstructure:"client_id"`
	EventTopic string `mapstructure:"event_topic"`
}

type SMTP struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	FromEmail string `mapstructure:"from_email"`
	FromName  string `mapstructure:"from_name"`
	// ServiceURL sends through the email service instead of SMTP when set.
	ServiceURL string `mapstructure:"service_url"`
}

type Meta struct {
	GraphURL     string `mapstructure:"graph_url"`
	GraphVersion string `mapstructure:"graph_version"`
	VerifyToken  string `mapstructure:"verify_token"`
	AppSecret    string `mapstructure:"app_secret"`
}

type LLM struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Timeout      time.Duration `mapstructure:"timeout"`
	HistoryLimit int           `mapstructure:"history_limit"`
}

type Engine struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ReloadInterval  time.Duration `mapstructure:"reload_interval"`
	Workers         int           `mapstructure:"workers"`
	BatchSize       int           `mapstructure:"batch_size"`
	LeaseDuration   time.Duration `mapstructure:"lease_duration"`
	DeliveryRetries int           `mapstructure:"delivery_retries"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	WebhookRPS      int           `mapstructure:"webhook_rps"`
}

type Config struct {
	Port             string   `mapstructure:"port"`
	LogLevel         string   `mapstructure:"log_level"`
	JWTPublicKeyPath string   `mapstructure:"jwt_public_key_path"`
	CORSOrigins      []string `mapstructure:"cors_origins"`
	OTLPEndpoint     string   `mapstructure:"otlp_endpoint"`
	UpsellMessage    string   `mapstructure:"upsell_message"`
	Postgres         Postgres `mapstructure:"postgres"`
	Redis            Redis    `mapstructure:"redis"`
	MQTT             MQTT     `mapstructure:"mqtt"`
	SMTP             SMTP     `mapstructure:"smtp"`
	Meta             Meta     `mapstructure:"meta"`
	LLM              LLM      `mapstructure:"llm"`
	Engine           Engine   `mapstructure:"engine"`
}

// Load reads defaults, an optional YAML file and the environment, in that
// order of precedence (environment wins). Nested keys map to env vars with
// the CAMPAIGN_ prefix, e.g. engine.poll_interval -> CAMPAIGN_ENGINE_POLL_INTERVAL.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CAMPAIGN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	if configFile == "" {
		configFile = v.GetString("config_file")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	slog.Info("campaign-service config loaded", "port", cfg.Port, "mqtt", cfg.MQTT.BrokerURL, "redis", cfg.Redis.Addr, "file", configFile)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8096")
	v.SetDefault("log_level", "info")
	v.SetDefault("cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("upsell_message", "")

	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("redis.db", 0)

	v.SetDefault("mqtt.client_id", "campaign-service")
	v.SetDefault("mqtt.event_topic", "campaign/events/")

	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.from_name", "PPR Academy")

	v.SetDefault("meta.graph_url", "https://graph.instagram.com")
	v.SetDefault("meta.graph_version", "v21.0")

	v.SetDefault("llm.base_url", "https://api.openai.com")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_tokens", 400)
	v.SetDefault("llm.timeout", "30s")
	v.SetDefault("llm.history_limit", 0)

	v.SetDefault("engine.poll_interval", "5s")
	v.SetDefault("engine.reload_interval", "30s")
	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.batch_size", 100)
	v.SetDefault("engine.lease_duration", "5m")
	v.SetDefault("engine.delivery_retries", 2)
	v.SetDefault("engine.delivery_timeout", "10s")
	v.SetDefault("engine.webhook_rps", 10)
}

// bindLegacyEnv keeps the plain variable names shared with the other services.
func bindLegacyEnv(v *viper.Viper) {
	binds := map[string][]string{
		"config_file":         {"CAMPAIGN_CONFIG_FILE"},
		"port":                {"CAMPAIGN_SERVICE_PORT"},
		"log_level":           {"LOG_LEVEL"},
		"jwt_public_key_path": {"JWT_PUBLIC_KEY_PATH"},
		"otlp_endpoint":       {"OTEL_EXPORTER_OTLP_ENDPOINT"},
		"postgres.user":       {"POSTGRES_USER"},
		"postgres.password":   {"POSTGRES_PASSWORD"},
		"postgres.db":         {"POSTGRES_DB"},
		"postgres.host":       {"POSTGRES_HOST"},
		"postgres.port":       {"POSTGRES_PORT"},
		"postgres.sslmode":    {"POSTGRES_SSLMODE"},
		"redis.addr":          {"REDIS_ADDR"},
		"redis.password":      {"REDIS_PASSWORD"},
		"mqtt.broker_url":     {"MQTT_BROKER_URL"},
		"smtp.host":           {"SMTP_HOST"},
		"smtp.port":           {"SMTP_PORT"},
		"smtp.username":       {"SMTP_USER"},
		"smtp.password":       {"SMTP_PASSWORD"},
		"smtp.from_email":     {"SMTP_FROM_EMAIL"},
		"smtp.service_url":    {"EMAIL_SERVICE_URL"},
		"meta.verify_token":   {"META_VERIFY_TOKEN"},
		"meta.app_secret":     {"META_APP_SECRET"},
		"llm.api_key":         {"OPENAI_API_KEY"},
	}
	for key, envs := range binds {
		// The prefixed form stays first so it wins over the plain name.
		args := append([]string{key, "CAMPAIGN_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, envs...)
		_ = v.BindEnv(args...)
	}
}

// Validate reports the settings serve cannot start without.
func (c *Config) Validate() error {
	var errs []error
	for key, val := range map[string]string{
		"POSTGRES_USER": c.Postgres.User,
		"POSTGRES_DB":   c.Postgres.DBName,
		"POSTGRES_HOST": c.Postgres.Host,
		"POSTGRES_PORT": c.Postgres.Port,
	} {
		if strings.TrimSpace(val) == "" {
			errs = append(errs, fmt.Errorf("missing required env %s", key))
		}
	}
	return errors.Join(errs...)
}
