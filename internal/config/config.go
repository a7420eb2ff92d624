// Package config loads and validates application configuration from a YAML
// file, BOT_-prefixed environment variables, and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ErrConfiguration indicates a configuration loading or validation failure.
var ErrConfiguration = errors.New("configuration error")

// Config holds all settings for the assistant. It is constructed once at
// startup and passed by pointer into component constructors; nothing mutates
// it after Load returns.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Gemini   GeminiConfig   `mapstructure:"gemini"`
	Twilio   TwilioConfig   `mapstructure:"twilio"`
	SMS      SMSConfig      `mapstructure:"sms"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Triage   TriageConfig   `mapstructure:"triage"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

// LoggerConfig controls log output.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address         string        `mapstructure:"address"          validate:"required"`
	BaseURL         string        `mapstructure:"base_url"         validate:"required,url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"  validate:"min=1s"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=1s"`
}

// DatabaseConfig controls the SQLite store.
type DatabaseConfig struct {
	Path          string `mapstructure:"path"           validate:"required"`
	HistoryWindow int    `mapstructure:"history_window" validate:"min=1,max=100"`
}

// GeminiConfig controls the hosted generative model.
type GeminiConfig struct {
	APIKey      string        `mapstructure:"api_key"     validate:"required"`
	ModelName   string        `mapstructure:"model_name"  validate:"required"`
	Temperature float32       `mapstructure:"temperature" validate:"min=0,max=2"`
	Timeout     time.Duration `mapstructure:"timeout"     validate:"min=1s,max=10m"`
}

// TwilioConfig holds outbound delivery and webhook validation credentials.
type TwilioConfig struct {
	AccountSID     string `mapstructure:"account_sid"     validate:"required"`
	AuthToken      string `mapstructure:"auth_token"      validate:"required"`
	SMSNumber      string `mapstructure:"sms_number"      validate:"required"`
	WhatsAppNumber string `mapstructure:"whatsapp_number" validate:"required"`
}

// SMSConfig holds the shared secret expected from the SMS gateway webhook.
type SMSConfig struct {
	Secret string `mapstructure:"secret" validate:"required"`
}

// GatewayConfig controls the GPS/communications gateway poll loop.
type GatewayConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BaseURL      string        `mapstructure:"base_url"      validate:"required_if=Enabled true,omitempty,url"`
	Token        string        `mapstructure:"token"         validate:"required_if=Enabled true"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"min=1s"`
}

// TriageConfig overrides the emergency keyword list and canned safety reply.
// Empty values fall back to the built-in defaults.
type TriageConfig struct {
	Keywords []string `mapstructure:"keywords"`
	Response string   `mapstructure:"response"`
}

// WorkerConfig bounds the deferred message-processing pool.
type WorkerConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent" validate:"min=1,max=256"`
}

// Load reads configuration from the given path (YAML), applies defaults and
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: failed to read config file: %v", ErrConfiguration, err)
		}
		// Missing config file is fine, environment and defaults still apply.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrConfiguration, err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.json", true)

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.path", "storage.db")
	v.SetDefault("database.history_window", 5)

	// Empty defaults register the secret keys with viper so AutomaticEnv can
	// supply them when no config file is present.
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("twilio.account_sid", "")
	v.SetDefault("twilio.auth_token", "")
	v.SetDefault("twilio.sms_number", "")
	v.SetDefault("twilio.whatsapp_number", "")
	v.SetDefault("sms.secret", "")
	v.SetDefault("gateway.base_url", "")
	v.SetDefault("gateway.token", "")

	v.SetDefault("gemini.model_name", "gemini-2.0-flash")
	v.SetDefault("gemini.temperature", 0.7)
	v.SetDefault("gemini.timeout", 2*time.Minute)

	v.SetDefault("gateway.enabled", false)
	v.SetDefault("gateway.poll_interval", 30*time.Second)

	v.SetDefault("worker.max_concurrent", 16)
}
