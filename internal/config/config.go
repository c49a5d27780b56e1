/**
 * @description
 * This package handles the configuration management for the rewards service. It
 * uses Viper to read configuration from environment variables (and an optional
 * .env file), applies defaults, and coerces out-of-range values with a warning.
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

// Config holds all the configuration variables for the rewards service.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix       string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	EventsExchange       string `mapstructure:"EVENTS_EXCHANGE"`
	PayoutEventsExchange string `mapstructure:"PAYOUT_EVENTS_EXCHANGE"`
	PayoutEventQueue     string `mapstructure:"PAYOUT_EVENT_QUEUE"`
	MongoURI             string `mapstructure:"MONGO_URI"`
	MongoDatabase        string `mapstructure:"MONGO_DATABASE"`
	CatalogPath          string `mapstructure:"CATALOG_PATH"`
	ClerkJWKSURL         string `mapstructure:"CLERK_JWKS_URL"`
	ClerkAudience        string `mapstructure:"CLERK_AUDIENCE"`
	ClerkIssuer          string `mapstructure:"CLERK_ISSUER"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`
	PayoutAPIBaseURL     string `mapstructure:"PAYOUT_API_BASE_URL"`
	PayoutAPIKey         string `mapstructure:"PAYOUT_API_KEY"`
	CORSAllowedOrigins   string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	DefaultTimezone      string `mapstructure:"DEFAULT_TIMEZONE"`

	MinCashoutPoints int64 `mapstructure:"MIN_CASHOUT_POINTS"`

	PinLength         int    `mapstructure:"PIN_LENGTH"`
	PinMaxAttempts    int    `mapstructure:"PIN_MAX_ATTEMPTS"`
	PinLockoutSeconds int    `mapstructure:"PIN_LOCKOUT_SECONDS"`
	PinRotationCron   string `mapstructure:"PIN_ROTATION_CRON"`

	FallbackMaxAccuracyMeters float64 `mapstructure:"FALLBACK_MAX_ACCURACY_METERS"`

	EarnVelocityMax             int  `mapstructure:"EARN_VELOCITY_MAX"`
	EarnVelocityWindowSeconds   int  `mapstructure:"EARN_VELOCITY_WINDOW_SECONDS"`
	RedeemVelocityMax           int  `mapstructure:"REDEEM_VELOCITY_MAX"`
	RedeemVelocityWindowSeconds int  `mapstructure:"REDEEM_VELOCITY_WINDOW_SECONDS"`
	DuplicateDeviceThreshold    int  `mapstructure:"DUPLICATE_DEVICE_THRESHOLD"`
	GeofenceMissThreshold       int  `mapstructure:"GEOFENCE_MISS_THRESHOLD"`
	VelocityHardBlock           bool `mapstructure:"VELOCITY_HARD_BLOCK"`

	WalletCacheTTLSeconds      int    `mapstructure:"WALLET_CACHE_TTL_SECONDS"`
	PayoutReconcileCron        string `mapstructure:"PAYOUT_RECONCILE_CRON"`
	PayoutEscalateAfterMinutes int    `mapstructure:"PAYOUT_ESCALATE_AFTER_MINUTES"`
}

// WalletCacheTTL returns the wallet read cache lifetime.
func (c Config) WalletCacheTTL() time.Duration {
	return time.Duration(c.WalletCacheTTLSeconds) * time.Second
}

// PinLockout returns the window in which failed PIN attempts are counted.
func (c Config) PinLockout() time.Duration {
	return time.Duration(c.PinLockoutSeconds) * time.Second
}

// PayoutEscalateAfter returns how long a payout may sit approved before escalation.
func (c Config) PayoutEscalateAfter() time.Duration {
	return time.Duration(c.PayoutEscalateAfterMinutes) * time.Minute
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_KEY_PREFIX", "trendle:rewards")
	viper.SetDefault("EVENTS_EXCHANGE", "rewards.events")
	viper.SetDefault("PAYOUT_EVENTS_EXCHANGE", "payouts.events")
	viper.SetDefault("PAYOUT_EVENT_QUEUE", "rewards_service.payout_updates")
	viper.SetDefault("MONGO_DATABASE", "trendle_rewards")
	viper.SetDefault("CATALOG_PATH", "catalog.yaml")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("DEFAULT_TIMEZONE", "Africa/Johannesburg")
	viper.SetDefault("MIN_CASHOUT_POINTS", 500)
	viper.SetDefault("PIN_LENGTH", 4)
	viper.SetDefault("PIN_MAX_ATTEMPTS", 5)
	viper.SetDefault("PIN_LOCKOUT_SECONDS", 600)
	viper.SetDefault("PIN_ROTATION_CRON", "0 4 * * *")
	viper.SetDefault("FALLBACK_MAX_ACCURACY_METERS", 150.0)
	viper.SetDefault("EARN_VELOCITY_MAX", 10)
	viper.SetDefault("EARN_VELOCITY_WINDOW_SECONDS", 3600)
	viper.SetDefault("REDEEM_VELOCITY_MAX", 1)
	viper.SetDefault("REDEEM_VELOCITY_WINDOW_SECONDS", 300)
	viper.SetDefault("DUPLICATE_DEVICE_THRESHOLD", 2)
	viper.SetDefault("GEOFENCE_MISS_THRESHOLD", 3)
	viper.SetDefault("VELOCITY_HARD_BLOCK", false)
	viper.SetDefault("WALLET_CACHE_TTL_SECONDS", 30)
	viper.SetDefault("PAYOUT_RECONCILE_CRON", "*/5 * * * *")
	viper.SetDefault("PAYOUT_ESCALATE_AFTER_MINUTES", 60)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "REWARDS_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("PAYOUT_EVENTS_EXCHANGE")
	_ = viper.BindEnv("PAYOUT_EVENT_QUEUE")
	_ = viper.BindEnv("MONGO_URI")
	_ = viper.BindEnv("MONGO_DATABASE", "MONGO_DATABASE", "MONGO_DB")
	_ = viper.BindEnv("CATALOG_PATH")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("CLERK_AUDIENCE")
	_ = viper.BindEnv("CLERK_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "REWARDS_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("PAYOUT_API_BASE_URL")
	_ = viper.BindEnv("PAYOUT_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("DEFAULT_TIMEZONE")
	_ = viper.BindEnv("MIN_CASHOUT_POINTS")
	_ = viper.BindEnv("PIN_LENGTH")
	_ = viper.BindEnv("PIN_MAX_ATTEMPTS")
	_ = viper.BindEnv("PIN_LOCKOUT_SECONDS")
	_ = viper.BindEnv("PIN_ROTATION_CRON")
	_ = viper.BindEnv("FALLBACK_MAX_ACCURACY_METERS")
	_ = viper.BindEnv("EARN_VELOCITY_MAX")
	_ = viper.BindEnv("EARN_VELOCITY_WINDOW_SECONDS")
	_ = viper.BindEnv("REDEEM_VELOCITY_MAX")
	_ = viper.BindEnv("REDEEM_VELOCITY_WINDOW_SECONDS")
	_ = viper.BindEnv("DUPLICATE_DEVICE_THRESHOLD")
	_ = viper.BindEnv("GEOFENCE_MISS_THRESHOLD")
	_ = viper.BindEnv("VELOCITY_HARD_BLOCK")
	_ = viper.BindEnv("WALLET_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("PAYOUT_RECONCILE_CRON")
	_ = viper.BindEnv("PAYOUT_ESCALATE_AFTER_MINUTES")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("REWARDS_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.MongoURI = strings.TrimSpace(config.MongoURI)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "trendle:rewards"
	}

	if config.MinCashoutPoints <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive cashout minimum; using default\" value=%d", config.MinCashoutPoints)
		config.MinCashoutPoints = 500
	}
	if config.PinLength < 4 || config.PinLength > 8 {
		log.Printf("level=warn component=config msg=\"pin length out of range; using 4\" value=%d", config.PinLength)
		config.PinLength = 4
	}
	if config.PinMaxAttempts <= 0 {
		config.PinMaxAttempts = 5
	}
	if config.PinLockoutSeconds <= 0 {
		config.PinLockoutSeconds = 600
	}
	if config.FallbackMaxAccuracyMeters <= 0 {
		config.FallbackMaxAccuracyMeters = 150
	}
	if config.EarnVelocityMax <= 0 {
		config.EarnVelocityMax = 10
	}
	if config.EarnVelocityWindowSeconds <= 0 {
		config.EarnVelocityWindowSeconds = 3600
	}
	if config.RedeemVelocityMax <= 0 {
		config.RedeemVelocityMax = 1
	}
	if config.RedeemVelocityWindowSeconds <= 0 {
		config.RedeemVelocityWindowSeconds = 300
	}
	if config.DuplicateDeviceThreshold < 2 {
		log.Printf("level=warn component=config msg=\"duplicate device threshold below 2; coercing\" value=%d", config.DuplicateDeviceThreshold)
		config.DuplicateDeviceThreshold = 2
	}
	if config.GeofenceMissThreshold <= 0 {
		config.GeofenceMissThreshold = 3
	}
	if config.WalletCacheTTLSeconds < 0 {
		config.WalletCacheTTLSeconds = 0
	}
	if config.PayoutEscalateAfterMinutes <= 0 {
		config.PayoutEscalateAfterMinutes = 60
	}
	if _, tzErr := time.LoadLocation(config.DefaultTimezone); tzErr != nil {
		log.Printf("level=warn component=config msg=\"unknown default timezone; using UTC\" value=%q err=%v", config.DefaultTimezone, tzErr)
		config.DefaultTimezone = "UTC"
	}

	return
}
