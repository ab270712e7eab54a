package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

// Config holds all configuration for the SoundSense service.
type Config struct {
	API struct {
		Port           int      `mapstructure:"port"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
		TrustProxy     bool     `mapstructure:"trust_proxy"`
		RateLimit      struct {
			RequestsPerSecond int `mapstructure:"requests_per_second"`
			Burst             int `mapstructure:"burst"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"api"`

	Auth struct {
		Enabled        bool   `mapstructure:"enabled"`
		Username       string `mapstructure:"username"`
		Password       string `mapstructure:"password"`        // plaintext from env, hashed at load
		HashedPassword string `mapstructure:"hashed_password"` // bcrypt hash, wins over Password
		BcryptCost     int    `mapstructure:"bcrypt_cost"`
		JWTSecret      string `mapstructure:"jwt_secret"`
		JWTExpiry      time.Duration `mapstructure:"jwt_expiry"`
		// DeviceTokenSecret gates /auth/token device-token issuance.
		DeviceTokenSecret string `mapstructure:"device_token_secret"`
	} `mapstructure:"auth"`

	Storage struct {
		SQLitePath string `mapstructure:"sqlite_path"`
	} `mapstructure:"storage"`

	Ingest struct {
		Listener struct {
			Enabled bool   `mapstructure:"enabled"`
			Host    string `mapstructure:"host"`
			Port    int    `mapstructure:"port"`
		} `mapstructure:"listener"`
		Serial struct {
			Enabled bool   `mapstructure:"enabled"`
			Target  string `mapstructure:"target"` // host:port of a serial-to-TCP bridge
		} `mapstructure:"serial"`
		RateLimit int `mapstructure:"rate_limit"` // samples per second per source

		// Identity defaults attached to bare protocol lines.
		PatientID string `mapstructure:"patient_id"`
		DeviceID  string `mapstructure:"device_id"`
		Unit      string `mapstructure:"unit"`
	} `mapstructure:"ingest"`

	Stream struct {
		// QueueCapacity is the per-subscriber bounded queue size. On overflow
		// the oldest queued message is dropped.
		QueueCapacity int `mapstructure:"queue_capacity"`
	} `mapstructure:"stream"`
}

func setDefaults() {
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.allowed_origins", []string{"http://localhost:3000"})
	viper.SetDefault("api.trust_proxy", false)
	viper.SetDefault("api.rate_limit.requests_per_second", 50)
	viper.SetDefault("api.rate_limit.burst", 100)

	viper.SetDefault("auth.enabled", true)
	viper.SetDefault("auth.username", "admin")
	viper.SetDefault("auth.password", "")
	viper.SetDefault("auth.hashed_password", "")
	viper.SetDefault("auth.bcrypt_cost", bcrypt.DefaultCost)
	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("auth.jwt_expiry", 24*time.Hour)
	viper.SetDefault("auth.device_token_secret", "")

	viper.SetDefault("storage.sqlite_path", "./data/soundsense.db")

	viper.SetDefault("ingest.listener.enabled", true)
	viper.SetDefault("ingest.listener.host", "0.0.0.0")
	viper.SetDefault("ingest.listener.port", 9300)
	viper.SetDefault("ingest.serial.enabled", false)
	viper.SetDefault("ingest.serial.target", "127.0.0.1:9301")
	viper.SetDefault("ingest.rate_limit", 100)
	viper.SetDefault("ingest.patient_id", "demo-patient-1")
	viper.SetDefault("ingest.device_id", "esp32-01")
	viper.SetDefault("ingest.unit", "dB")

	viper.SetDefault("stream.queue_capacity", 32)
}

// LoadConfig reads config.yaml (working directory or ./config) merged with
// SOUNDSENSE_* environment variables, then validates and hashes credentials.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	viper.SetEnvPrefix("SOUNDSENSE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; defaults and env vars apply.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateAndHash(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateAndHash checks the loaded configuration and hashes any plaintext
// password. Plaintext never survives past load.
func validateAndHash(cfg *Config) error {
	if cfg.API.Port < 1 || cfg.API.Port > 65535 {
		return fmt.Errorf("invalid api.port: %d", cfg.API.Port)
	}
	if cfg.Ingest.Listener.Enabled {
		if cfg.Ingest.Listener.Port < 0 || cfg.Ingest.Listener.Port > 65535 {
			return fmt.Errorf("invalid ingest.listener.port: %d", cfg.Ingest.Listener.Port)
		}
	}
	if cfg.Stream.QueueCapacity <= 0 {
		return fmt.Errorf("stream.queue_capacity must be positive, got %d", cfg.Stream.QueueCapacity)
	}
	if cfg.Ingest.RateLimit <= 0 {
		return fmt.Errorf("ingest.rate_limit must be positive, got %d", cfg.Ingest.RateLimit)
	}
	if cfg.Ingest.PatientID == "" || cfg.Ingest.DeviceID == "" || cfg.Ingest.Unit == "" {
		return fmt.Errorf("ingest.patient_id, ingest.device_id and ingest.unit must all be set")
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled (set SOUNDSENSE_AUTH_JWT_SECRET)")
		}
		if len(cfg.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
		}
		if cfg.Auth.JWTExpiry <= 0 {
			return fmt.Errorf("auth.jwt_expiry must be positive")
		}

		cost := cfg.Auth.BcryptCost
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			return fmt.Errorf("auth.bcrypt_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
		}

		if cfg.Auth.HashedPassword == "" {
			if cfg.Auth.Password == "" {
				return fmt.Errorf("auth requires either auth.hashed_password or auth.password")
			}
			hashed, err := bcrypt.GenerateFromPassword([]byte(cfg.Auth.Password), cost)
			if err != nil {
				return fmt.Errorf("failed to hash password: %w", err)
			}
			cfg.Auth.HashedPassword = string(hashed)
		}
		cfg.Auth.Password = ""
	}

	return nil
}
