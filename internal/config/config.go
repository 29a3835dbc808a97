/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix      string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	TransferEventQueue        string `mapstructure:"TRANSFER_EVENT_QUEUE"`
	ProcessorAPIBaseURL       string `mapstructure:"PROCESSOR_API_BASE_URL"`
	ProcessorAPIKey           string `mapstructure:"PROCESSOR_API_KEY"`
	WebhookSigningSecret      string `mapstructure:"WEBHOOK_SIGNING_SECRET"`
	InternalAPIKey            string `mapstructure:"INTERNAL_API_KEY"`
	RetryCooldownHours        int    `mapstructure:"RETRY_COOLDOWN_HOURS"`
	WithheldRetryLimit        int    `mapstructure:"WITHHELD_RETRY_LIMIT"`
	MaxSettlementAttempts     int    `mapstructure:"MAX_SETTLEMENT_ATTEMPTS"`
	ReminderLookaheadHours    int    `mapstructure:"REMINDER_LOOKAHEAD_HOURS"`
	DueSweepSchedule          string `mapstructure:"DUE_SWEEP_SCHEDULE"`
	WithheldSweepSchedule     string `mapstructure:"WITHHELD_SWEEP_SCHEDULE"`
	ReminderSweepSchedule     string `mapstructure:"REMINDER_SWEEP_SCHEDULE"`
	WebhookRateLimitPerMinute int    `mapstructure:"WEBHOOK_RATE_LIMIT_PER_MINUTE"`
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
	viper.SetDefault("TRANSFER_EVENT_QUEUE", "settlement_service.transfer_updates")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "splitwell:rate_limit")
	viper.SetDefault("RETRY_COOLDOWN_HOURS", 24)
	viper.SetDefault("WITHHELD_RETRY_LIMIT", 200)
	viper.SetDefault("MAX_SETTLEMENT_ATTEMPTS", 10)
	viper.SetDefault("REMINDER_LOOKAHEAD_HOURS", 24)
	viper.SetDefault("DUE_SWEEP_SCHEDULE", "0 * * * *")
	viper.SetDefault("WITHHELD_SWEEP_SCHEDULE", "30 */4 * * *")
	viper.SetDefault("REMINDER_SWEEP_SCHEDULE", "0 9 * * *")
	viper.SetDefault("WEBHOOK_RATE_LIMIT_PER_MINUTE", 300)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("TRANSFER_EVENT_QUEUE")
	_ = viper.BindEnv("PROCESSOR_API_BASE_URL")
	_ = viper.BindEnv("PROCESSOR_API_KEY")
	_ = viper.BindEnv("WEBHOOK_SIGNING_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("RETRY_COOLDOWN_HOURS")
	_ = viper.BindEnv("WITHHELD_RETRY_LIMIT")
	_ = viper.BindEnv("MAX_SETTLEMENT_ATTEMPTS")
	_ = viper.BindEnv("REMINDER_LOOKAHEAD_HOURS")
	_ = viper.BindEnv("DUE_SWEEP_SCHEDULE")
	_ = viper.BindEnv("WITHHELD_SWEEP_SCHEDULE")
	_ = viper.BindEnv("REMINDER_SWEEP_SCHEDULE")
	_ = viper.BindEnv("WEBHOOK_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
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
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("SETTLEMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "splitwell:rate_limit"
	}

	if config.RetryCooldownHours <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive retry cooldown configured; using 24h\" hours=%d", config.RetryCooldownHours)
		config.RetryCooldownHours = 24
	}
	if config.WithheldRetryLimit <= 0 {
		config.WithheldRetryLimit = 200
	}
	if config.MaxSettlementAttempts <= 0 {
		config.MaxSettlementAttempts = 10
	}
	if config.ReminderLookaheadHours <= 0 {
		config.ReminderLookaheadHours = 24
	}
	if config.WebhookRateLimitPerMinute <= 0 {
		config.WebhookRateLimitPerMinute = 300
	}
	if strings.TrimSpace(config.DueSweepSchedule) == "" {
		config.DueSweepSchedule = "0 * * * *"
	}
	if strings.TrimSpace(config.WithheldSweepSchedule) == "" {
		config.WithheldSweepSchedule = "30 */4 * * *"
	}
	if strings.TrimSpace(config.ReminderSweepSchedule) == "" {
		config.ReminderSweepSchedule = "0 9 * * *"
	}

	return
}
