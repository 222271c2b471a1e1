/**
 * @description
 * This file is responsible for managing the configuration of the identity-service.
 * It uses the Viper library to read settings from environment variables or a .env file,
 * making the application environment-agnostic.
 *
 * @dependencies
 * - github.com/spf13/viper: For configuration management.
 *
 * @notes
 * - Configuration is loaded into a `Config` struct for type-safe access throughout the application.
 * - It's configured to automatically read from environment variables, which is ideal for
 *   containerized production deployments.
 */
package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`

	DiditAPIKey        string `mapstructure:"DIDIT_API_KEY"`
	DiditAPIBaseURL    string `mapstructure:"DIDIT_API_BASE_URL"`
	DiditWorkflowID    string `mapstructure:"DIDIT_WORKFLOW_ID"`
	DiditWebhookSecret string `mapstructure:"DIDIT_WEBHOOK_SECRET"`

	// AllowUnverifiedWebhooks controls whether webhook deliveries are accepted
	// when no DIDIT_WEBHOOK_SECRET is configured. Defaults to false: deliveries
	// are rejected with 401 until a secret is provisioned.
	AllowUnverifiedWebhooks bool `mapstructure:"ALLOW_UNVERIFIED_WEBHOOKS"`

	// GenderGateFailOpen restores the legacy behavior of admitting sessions
	// whose payload carries no gender attribute at all. Defaults to false
	// (fail-closed): a missing gender is a gate rejection.
	GenderGateFailOpen bool `mapstructure:"GENDER_GATE_FAIL_OPEN"`

	// RegistrationTokenSecret signs the short-lived registration token handed
	// to the client between start-registration and complete-registration.
	RegistrationTokenSecret string `mapstructure:"REGISTRATION_TOKEN_SECRET"`

	// PublicBaseURL is the externally reachable base URL of this service,
	// used to build the webhook callback URL passed to Didit.
	PublicBaseURL string `mapstructure:"PUBLIC_BASE_URL"`

	// ReconcileSweepSchedule is the cron expression for the stale-session
	// reconciliation sweep.
	ReconcileSweepSchedule string `mapstructure:"RECONCILE_SWEEP_SCHEDULE"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig() (config Config, err error) {
	// Tell viper the path to look for the config file in.
	viper.AddConfigPath(".")
	// Tell viper the name of the config file (without extension).
	viper.SetConfigName(".env")
	// Tell viper the type of the config file.
	viper.SetConfigType("env")

	// This allows viper to read variables from the environment
	viper.AutomaticEnv()
	// This replaces dots with underscores in env variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind env vars explicitly
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("DIDIT_API_KEY")
	_ = viper.BindEnv("DIDIT_API_BASE_URL")
	_ = viper.BindEnv("DIDIT_WORKFLOW_ID")
	_ = viper.BindEnv("DIDIT_WEBHOOK_SECRET")
	_ = viper.BindEnv("ALLOW_UNVERIFIED_WEBHOOKS")
	_ = viper.BindEnv("GENDER_GATE_FAIL_OPEN")
	_ = viper.BindEnv("REGISTRATION_TOKEN_SECRET")
	_ = viper.BindEnv("PUBLIC_BASE_URL")
	_ = viper.BindEnv("RECONCILE_SWEEP_SCHEDULE")

	// Read the config file
	err = viper.ReadInConfig()
	if err != nil {
		// If the config file is not found, it's not a fatal error,
		// as we can rely on environment variables.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Fatalf("Error reading config file: %s", err)
		}
	}

	// Unmarshal the config into the Config struct
	err = viper.Unmarshal(&config)
	if err != nil {
		log.Fatalf("Unable to decode into struct: %v", err)
	}

	applyDefaults(&config)

	return config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	if cfg.DiditAPIBaseURL == "" {
		cfg.DiditAPIBaseURL = "https://verification.didit.me"
	}
	if cfg.ReconcileSweepSchedule == "" {
		// Every two minutes: sessions the webhook never reached get swept up
		// by the status poll path.
		cfg.ReconcileSweepSchedule = "*/2 * * * *"
	}
}
