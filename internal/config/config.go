/**
 * @description
 * This package handles the configuration management for the back-office service. It
 * uses the Viper library to read configuration from environment variables and an
 * optional .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	TransportRabbitMQ = "rabbitmq"
	TransportNATS     = "nats"
)

// Config holds all the configuration variables for the backoffice-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                      string `mapstructure:"SERVER_PORT"`
	DatabaseURL                     string `mapstructure:"DATABASE_URL"`
	RabbitMQURL                     string `mapstructure:"RABBITMQ_URL"`
	AuthExchange                    string `mapstructure:"AUTH_EXCHANGE"`
	EventsExchange                  string `mapstructure:"EVENTS_EXCHANGE"`
	DeviceResponseQueue             string `mapstructure:"DEVICE_RESPONSE_QUEUE"`
	DeviceTransport                 string `mapstructure:"DEVICE_TRANSPORT"`
	NATSURL                         string `mapstructure:"NATS_URL"`
	RedisURL                        string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix            string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	CodeValidationAttemptsPerMinute int    `mapstructure:"CODE_VALIDATION_ATTEMPTS_PER_MINUTE"`
	ClerkJWKSURL                    string `mapstructure:"CLERK_JWKS_URL"`
	InternalAPIKey                  string `mapstructure:"INTERNAL_API_KEY"`
	DispatchTimeoutSeconds          int    `mapstructure:"DISPATCH_TIMEOUT_SECONDS"`
	RejectInactiveFees              bool   `mapstructure:"REJECT_INACTIVE_FEES"`
	ExpiredBillMarker               string `mapstructure:"EXPIRED_BILL_MARKER"`
	CodeCleanupSchedule             string `mapstructure:"CODE_CLEANUP_SCHEDULE"`
	CodeRetentionHours              int    `mapstructure:"CODE_RETENTION_HOURS"`
}

// DispatchTimeout is the bound applied to a single publish to a device.
func (c Config) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutSeconds) * time.Second
}

// CodeRetention is how long expired authentication codes are kept before purge.
func (c Config) CodeRetention() time.Duration {
	return time.Duration(c.CodeRetentionHours) * time.Hour
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("AUTH_EXCHANGE", "amq.topic")
	viper.SetDefault("EVENTS_EXCHANGE", "transfa.events")
	viper.SetDefault("DEVICE_RESPONSE_QUEUE", "backoffice.device_responses")
	viper.SetDefault("DEVICE_TRANSPORT", TransportRabbitMQ)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "backoffice:rate_limit")
	viper.SetDefault("CODE_VALIDATION_ATTEMPTS_PER_MINUTE", 5)
	viper.SetDefault("DISPATCH_TIMEOUT_SECONDS", 5)
	viper.SetDefault("REJECT_INACTIVE_FEES", false)
	viper.SetDefault("EXPIRED_BILL_MARKER", "VENCIDO")
	viper.SetDefault("CODE_CLEANUP_SCHEDULE", "@every 10m")
	viper.SetDefault("CODE_RETENTION_HOURS", 24)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("AUTH_EXCHANGE")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("DEVICE_RESPONSE_QUEUE")
	_ = viper.BindEnv("DEVICE_TRANSPORT")
	_ = viper.BindEnv("NATS_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "BACKOFFICE_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("CODE_VALIDATION_ATTEMPTS_PER_MINUTE")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "BACKOFFICE_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("DISPATCH_TIMEOUT_SECONDS")
	_ = viper.BindEnv("REJECT_INACTIVE_FEES")
	_ = viper.BindEnv("EXPIRED_BILL_MARKER")
	_ = viper.BindEnv("CODE_CLEANUP_SCHEDULE")
	_ = viper.BindEnv("CODE_RETENTION_HOURS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "backoffice:rate_limit"
	}

	config.DeviceTransport = strings.ToLower(strings.TrimSpace(config.DeviceTransport))
	if config.DeviceTransport != TransportNATS {
		config.DeviceTransport = TransportRabbitMQ
	}
	if strings.TrimSpace(config.AuthExchange) == "" {
		config.AuthExchange = "amq.topic"
	}
	if strings.TrimSpace(config.EventsExchange) == "" {
		config.EventsExchange = "transfa.events"
	}
	if strings.TrimSpace(config.DeviceResponseQueue) == "" {
		config.DeviceResponseQueue = "backoffice.device_responses"
	}
	if strings.TrimSpace(config.ExpiredBillMarker) == "" {
		config.ExpiredBillMarker = "VENCIDO"
	}
	if strings.TrimSpace(config.CodeCleanupSchedule) == "" {
		config.CodeCleanupSchedule = "@every 10m"
	}

	if config.DispatchTimeoutSeconds <= 0 {
		config.DispatchTimeoutSeconds = 5
	}
	if config.CodeRetentionHours <= 0 {
		config.CodeRetentionHours = 24
	}
	if config.CodeValidationAttemptsPerMinute < 0 {
		config.CodeValidationAttemptsPerMinute = 0
	}

	return
}
