// Package config loads process settings from the environment.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppName  string `env:"APP_NAME" envDefault:"SignaturePro"`
	AppURL   string `env:"APP_URL" envDefault:"http://localhost:3000"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	Env      string `env:"ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL"`

	// DatabaseURL selects Postgres. When empty the embedded SQLite store at SQLitePath is used.
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"signflow.db"`

	JWTSecret         string        `env:"JWT_SECRET,required,notEmpty"`
	SignatureTokenTTL time.Duration `env:"SIGNATURE_TOKEN_TTL" envDefault:"1h"`
	AccessTokenTTL    time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"24h"`

	ContractExpiresIn   time.Duration `env:"CONTRACT_EXPIRES_IN" envDefault:"720h"`
	ExpirySweepInterval time.Duration `env:"EXPIRY_SWEEP_INTERVAL" envDefault:"5m"`

	SMTP       SMTP   `envPrefix:"SMTP_"`
	EmailFrom  string `env:"EMAIL_FROM" envDefault:"noreply@example.com"`
	MailLocale string `env:"MAIL_LOCALE" envDefault:"fr"`

	S3 S3 `envPrefix:"S3_"`

	OTELEndpoint string `env:"OTEL_ENDPOINT"`
	BusBuffer    int    `env:"BUS_BUFFER" envDefault:"256"`
}

// SMTP is unset when Host is empty; mail is then only logged.
type SMTP struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"587"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
}

// S3 is unset when Endpoint is empty; signature images then stay in memory.
type S3 struct {
	Endpoint  string `env:"ENDPOINT"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Bucket    string `env:"BUCKET" envDefault:"signatures"`
	UseSSL    bool   `env:"USE_SSL"`
}

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	u, err := url.Parse(c.AppURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: APP_URL must be an absolute url, got %q", c.AppURL)
	}
	switch strings.ToLower(c.MailLocale) {
	case "fr", "en":
	default:
		return fmt.Errorf("config: MAIL_LOCALE must be fr or en, got %q", c.MailLocale)
	}
	if c.SignatureTokenTTL <= 0 {
		return fmt.Errorf("config: SIGNATURE_TOKEN_TTL must be positive")
	}
	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("config: ACCESS_TOKEN_TTL must be positive")
	}
	if c.ContractExpiresIn < 0 || c.ExpirySweepInterval < 0 {
		return fmt.Errorf("config: CONTRACT_EXPIRES_IN and EXPIRY_SWEEP_INTERVAL must not be negative")
	}
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("config: DATABASE_URL or SQLITE_PATH is required")
	}
	if c.S3.Endpoint != "" && (c.S3.AccessKey == "" || c.S3.SecretKey == "") {
		return fmt.Errorf("config: S3_ACCESS_KEY and S3_SECRET_KEY are required with S3_ENDPOINT")
	}
	return nil
}

// Production reports whether ENV selects production logging.
func (c Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}
