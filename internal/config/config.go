package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is built once at startup and passed by value to the components that need it.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"development"`
	Port   string `env:"PORT" envDefault:"8080"`

	DatabaseURL            string        `env:"DATABASE_URL,required,notEmpty"`
	DBMaxOpenConns         int           `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	DBMaxIdleConns         int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetime      time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	DBConnMaxIdleTime      time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"10m"`
	RunMigrationsOnStartup bool          `env:"RUN_MIGRATIONS_ON_STARTUP" envDefault:"false"`

	SecretKey string `env:"SECRET_KEY,required,notEmpty"`
	SentryDSN string `env:"SENTRY_DSN"`

	AccessTokenTTL       time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"10m"`
	RefreshTokenTTL      time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"24h"`
	EmailConfirmationTTL time.Duration `env:"EMAIL_CONFIRMATION_TTL" envDefault:"24h"`
	PasswordResetTTL     time.Duration `env:"PASSWORD_RESET_TTL" envDefault:"72h"`

	LoginMaxAttempts  int           `env:"LOGIN_MAX_ATTEMPTS" envDefault:"5"`
	LoginLockDuration time.Duration `env:"LOGIN_LOCK_DURATION" envDefault:"15m"`
	RateLimitBackend  string        `env:"RATE_LIMIT_BACKEND" envDefault:"postgres"`
	RateLimitMax      int           `env:"RATE_LIMIT_MAX" envDefault:"10"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`
	RedisURL          string        `env:"REDIS_URL"`

	AdminEmail    string `env:"ADMIN_EMAIL"`
	AdminPassword string `env:"ADMIN_PASSWORD"`

	PublicBaseURL      string        `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`
	FrontendBaseURL    string        `env:"FRONTEND_BASE_URL" envDefault:"https://our-journey-fe.vercel.app"`
	ConfirmRedirectURL string        `env:"CONFIRM_REDIRECT_URL" envDefault:"/email-confirm"`
	ProfileServiceURL  string        `env:"PROFILE_SERVICE_URL"`
	GoogleTokenInfoURL string        `env:"GOOGLE_TOKENINFO_URL" envDefault:"https://oauth2.googleapis.com/tokeninfo"`
	GoogleClientID     string        `env:"GOOGLE_CLIENT_ID"`
	OutboundTimeout    time.Duration `env:"OUTBOUND_TIMEOUT" envDefault:"10s"`
	DNSTimeout         time.Duration `env:"DNS_TIMEOUT" envDefault:"5s"`

	SMTPHost           string `env:"SMTP_HOST" envDefault:"smtp.gmail.com"`
	SMTPPort           int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser           string `env:"SMTP_USER"`
	SMTPPassword       string `env:"SMTP_PASSWORD"`
	MailFrom           string `env:"MAIL_FROM"`
	EmailSubjectPrefix string `env:"EMAIL_SUBJECT_PREFIX" envDefault:"아워 저니(Our Journey) "`

	CronSecret            string        `env:"CRON_SECRET"`
	RefreshRetention      time.Duration `env:"AUTH_REFRESH_TOKEN_RETENTION" envDefault:"336h"`
	LoginAttemptRetention time.Duration `env:"AUTH_LOGIN_ATTEMPT_RETENTION" envDefault:"720h"`
	CleanupBatchSize      int           `env:"AUTH_CLEANUP_BATCH_SIZE" envDefault:"500"`
}

// Load reads an optional .env file, then parses the process environment.
func Load(loadDotEnv bool) (Config, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) normalize() {
	c.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.PublicBaseURL), "/")
	c.FrontendBaseURL = strings.TrimRight(strings.TrimSpace(c.FrontendBaseURL), "/")
	c.ProfileServiceURL = strings.TrimRight(strings.TrimSpace(c.ProfileServiceURL), "/")
	c.RateLimitBackend = strings.ToLower(strings.TrimSpace(c.RateLimitBackend))
	c.AdminEmail = strings.ToLower(strings.TrimSpace(c.AdminEmail))
	if c.MailFrom == "" {
		c.MailFrom = c.SMTPUser
	}
}

func (c Config) Validate() error {
	if len(c.SecretKey) < 32 {
		return errors.New("SECRET_KEY must be at least 32 bytes")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return errors.New("token lifetimes must be positive")
	}
	if c.AccessTokenTTL >= c.RefreshTokenTTL {
		return errors.New("ACCESS_TOKEN_TTL must be shorter than REFRESH_TOKEN_TTL")
	}
	switch c.RateLimitBackend {
	case "memory", "postgres":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required when RATE_LIMIT_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend)
	}
	if (c.AdminEmail == "") != (c.AdminPassword == "") {
		return errors.New("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	return nil
}

func (c Config) IsProduction() bool {
	return c.AppEnv == "production"
}
