package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"

	ReportStoreMemory = "memory"
	ReportStoreS3     = "s3"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	LogLevel              string        `mapstructure:"LOG_LEVEL"`
	AuthMode              string        `mapstructure:"AUTH_MODE"`
	StoreDriver           string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	SQLitePath            string        `mapstructure:"SQLITE_PATH"`
	ReportStoreDriver     string        `mapstructure:"REPORT_STORE_DRIVER"`
	S3Bucket              string        `mapstructure:"S3_BUCKET"`
	S3Region              string        `mapstructure:"S3_REGION"`
	S3Endpoint            string        `mapstructure:"S3_ENDPOINT"`
	S3PathStyle           bool          `mapstructure:"S3_PATH_STYLE"`
	S3AccessKeyID         string        `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey     string        `mapstructure:"S3_SECRET_ACCESS_KEY"`
	AuthSigningKey        string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer            string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL           string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience          string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins           []string      `mapstructure:"CORS_ORIGINS"`
	BodyLimit             string        `mapstructure:"BODY_LIMIT"`
	UploadLimit           string        `mapstructure:"UPLOAD_LIMIT"`
	RequestTimeout        time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitRPS          float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int           `mapstructure:"RATE_LIMIT_BURST"`
	ReviewPolicyFile      string        `mapstructure:"REVIEW_POLICY_FILE"`
	ReviewRequiredDefault bool          `mapstructure:"REVIEW_REQUIRED_DEFAULT"`
	CommitMaxAttempts     int           `mapstructure:"COMMIT_MAX_ATTEMPTS"`
	AutoFinalize          bool          `mapstructure:"AUTO_FINALIZE"`
	WebhookURL            string        `mapstructure:"WEBHOOK_URL"`
	WebhookSecret         string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookAllowPrivate   bool          `mapstructure:"WEBHOOK_ALLOW_PRIVATE"`
	NotifyBuffer          int           `mapstructure:"NOTIFY_BUFFER"`
	TLSEnabled            bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile           string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile            string        `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "AUTH_MODE",
	"STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SQLITE_PATH",
	"REPORT_STORE_DRIVER", "S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_PATH_STYLE",
	"S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
	"CORS_ORIGINS", "BODY_LIMIT", "UPLOAD_LIMIT",
	"REQUEST_TIMEOUT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"REVIEW_POLICY_FILE", "REVIEW_REQUIRED_DEFAULT", "COMMIT_MAX_ATTEMPTS", "AUTO_FINALIZE",
	"WEBHOOK_URL", "WEBHOOK_SECRET", "WEBHOOK_ALLOW_PRIVATE", "NOTIFY_BUFFER",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("STORE_DRIVER", StoreMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SQLITE_PATH", "data/labflow.db")
	v.SetDefault("REPORT_STORE_DRIVER", ReportStoreMemory)
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("UPLOAD_LIMIT", "25M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("COMMIT_MAX_ATTEMPTS", 3)
	v.SetDefault("NOTIFY_BUFFER", 256)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	cfg.ReportStoreDriver = strings.ToLower(cfg.ReportStoreDriver)

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development gives "development"
// (identity from X-Actor-* headers) and anything else gives "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is consistent enough to start.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", StoreSQLite)
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be \"memory\", \"postgres\", or \"sqlite\", got %q", c.StoreDriver)
	}

	switch c.ReportStoreDriver {
	case ReportStoreMemory:
	case ReportStoreS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when REPORT_STORE_DRIVER is %q", ReportStoreS3)
		}
		if (c.S3AccessKeyID == "") != (c.S3SecretAccessKey == "") {
			return fmt.Errorf("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
		}
	default:
		return fmt.Errorf("REPORT_STORE_DRIVER must be \"memory\" or \"s3\", got %q", c.ReportStoreDriver)
	}

	mode := c.ResolvedAuthMode()
	switch mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE \"development\" trusts client headers and is refused in production")
		}
	case "jwt":
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf(
				"AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when AUTH_MODE is \"jwt\" (current ENV=%q). "+
					"Refusing to start without authentication configuration", c.Env)
		}
		if c.AuthJWKSURL != "" {
			if u, err := url.Parse(c.AuthJWKSURL); err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("AUTH_JWKS_URL is not a valid URL: %q", c.AuthJWKSURL)
			}
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}
	if c.CommitMaxAttempts < 1 {
		return fmt.Errorf("COMMIT_MAX_ATTEMPTS must be at least 1, got %d", c.CommitMaxAttempts)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative, got %s", c.RequestTimeout)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative (0 disables limiting), got %g", c.RateLimitRPS)
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1 when rate limiting is on, got %d", c.RateLimitBurst)
	}
	if c.NotifyBuffer < 1 {
		return fmt.Errorf("NOTIFY_BUFFER must be at least 1, got %d", c.NotifyBuffer)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
