package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config stores environment-driven settings for the server.
type Config struct {
	// ConfigPath is the path to the YAML configuration file.
	ConfigPath string `env:"QUOTA_MCP_CONFIG" envDefault:"config.yaml"`
	// LogLevel sets the logger level.
	LogLevel string `env:"QUOTA_MCP_LOG_LEVEL" envDefault:"info"`
	// Lang selects message language for templates.
	Lang string `env:"QUOTA_MCP_LANG" envDefault:"en"`
	// ShutdownTimeout controls graceful shutdown duration.
	ShutdownTimeout time.Duration `env:"QUOTA_MCP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	// DataDir overrides storage.data_dir from the YAML config.
	DataDir string `env:"QUOTA_MCP_DATA_DIR"`

	// SMTP configures the mail notifier.
	SMTP SMTP
	// AdminEmail receives extension request alerts.
	AdminEmail string `env:"ADMIN_EMAIL"`
	// AppURL is the public base URL used in alert links.
	AppURL string `env:"APP_URL"`
	// AdminKey guards admin routes; empty disables them.
	AdminKey string `env:"ADMIN_KEY"`
}

// SMTP holds mail relay settings.
type SMTP struct {
	Host     string `env:"SMTP_HOST"`
	Port     int    `env:"SMTP_PORT" envDefault:"587"`
	UseTLS   bool   `env:"SMTP_USE_TLS" envDefault:"true"`
	Username string `env:"SMTP_USERNAME"`
	Password string `env:"SMTP_PASSWORD"`
}

// Configured reports whether enough settings exist to send mail.
func (s SMTP) Configured() bool {
	return s.Host != ""
}

// Load reads optional dotenv files (default ".env") and parses environment variables
// into Config. Variables already set in the process environment win.
func Load(dotenvFiles ...string) (Config, error) {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	for _, path := range dotenvFiles {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Config{}, fmt.Errorf("stat %s: %w", path, err)
		}
		if err := godotenv.Load(path); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	return env.ParseAs[Config]()
}
