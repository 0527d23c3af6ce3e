// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/warp/leave-engine/leave"
)

type Config struct {
	Port            int           `env:"PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"DB_DSN" envDefault:"leave.db"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	LogOutput string `env:"LOG_OUTPUT" envDefault:"stdout"`

	// Empty URLs fall back to the static collaborators.
	DirectoryURL        string        `env:"DIRECTORY_URL"`
	CalendarURL         string        `env:"CALENDAR_URL"`
	CollaboratorTimeout time.Duration `env:"COLLABORATOR_TIMEOUT" envDefault:"2s"`
	WeekendDays         []string      `env:"WEEKEND_DAYS" envSeparator:"," envDefault:"Saturday,Sunday"`

	DocumentsDir    string `env:"DOCUMENTS_DIR" envDefault:"data/documents"`
	MaxDocumentSize int64  `env:"MAX_DOCUMENT_SIZE" envDefault:"10485760"`

	LedgerRetryAttempts int `env:"LEDGER_RETRY_ATTEMPTS" envDefault:"3"`
	// RecalcInterval 0 disables the scheduler.
	RecalcInterval time.Duration `env:"RECALC_INTERVAL" envDefault:"0"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the process cannot start with.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return &leave.ConfigurationError{Reason: fmt.Sprintf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)}
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return &leave.ConfigurationError{Reason: "DB_DSN is required"}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return &leave.ConfigurationError{Reason: fmt.Sprintf("PORT %d is out of range", c.Port)}
	}
	if c.LedgerRetryAttempts <= 0 {
		return &leave.ConfigurationError{Reason: "LEDGER_RETRY_ATTEMPTS must be positive"}
	}
	if c.CollaboratorTimeout <= 0 {
		return &leave.ConfigurationError{Reason: "COLLABORATOR_TIMEOUT must be positive"}
	}
	if c.RecalcInterval < 0 {
		return &leave.ConfigurationError{Reason: "RECALC_INTERVAL must not be negative"}
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return &leave.ConfigurationError{Reason: fmt.Sprintf("LOG_FORMAT must be json or console, got %q", c.LogFormat)}
	}
	return nil
}
