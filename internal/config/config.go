package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "COLLAB"

	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabaseDriver   = "sqlite"
	defaultDatabaseDSN      = "collab.db"
	defaultLogLevel         = "info"
	defaultAuthIssuer       = "mdreader-auth"
	defaultStaleAfter       = 60 * time.Minute
	defaultCleanupInterval  = 5 * time.Minute
	defaultBackupMaxAge     = 5 * time.Minute
	defaultInvitationTTL    = 30 * 24 * time.Hour
	defaultLinkTTL          = 30 * 24 * time.Hour
	defaultSMTPPort         = 587
	defaultMailWorkers      = 2
	defaultMailMaxAttempts  = 3
	defaultMailCapacity     = 256
	defaultMailRetryDelay   = 2 * time.Second
	defaultPublicURL        = "http://localhost:5173"
	defaultAllowedOrigin    = "*"
	defaultShutdownDeadline = 10 * time.Second
)

// MailConfig carries SMTP settings and the delivery queue limits.
type MailConfig struct {
	SMTPHost      string
	SMTPPort      int
	Username      string
	Password      string
	From          string
	FromName      string
	Workers       int
	MaxAttempts   int
	QueueCapacity int
	RetryDelay    time.Duration
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress             string
	AllowedOrigins          []string
	ShutdownTimeout         time.Duration
	DatabaseDriver          string
	DatabaseDSN             string
	LogLevel                string
	AuthSigningSecret       string
	AuthIssuer              string
	RedisURL                string
	PresenceStaleAfter      time.Duration
	PresenceCleanupInterval time.Duration
	SnapshotBackupMaxAge    time.Duration
	InvitationTTL           time.Duration
	LinkTTL                 time.Duration
	PublicURL               string
	Mail                    MailConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{defaultAllowedOrigin})
	configViper.SetDefault("http.shutdown_timeout", defaultShutdownDeadline)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("presence.stale_after", defaultStaleAfter)
	configViper.SetDefault("presence.cleanup_interval", defaultCleanupInterval)
	configViper.SetDefault("snapshots.backup_max_age", defaultBackupMaxAge)
	configViper.SetDefault("share.invitation_ttl", defaultInvitationTTL)
	configViper.SetDefault("share.link_ttl", defaultLinkTTL)
	configViper.SetDefault("mail.smtp_port", defaultSMTPPort)
	configViper.SetDefault("mail.workers", defaultMailWorkers)
	configViper.SetDefault("mail.max_attempts", defaultMailMaxAttempts)
	configViper.SetDefault("mail.queue_capacity", defaultMailCapacity)
	configViper.SetDefault("mail.retry_delay", defaultMailRetryDelay)
	configViper.SetDefault("app.public_url", defaultPublicURL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:             configViper.GetString("http.address"),
		AllowedOrigins:          splitList(configViper.GetStringSlice("http.allowed_origins")),
		ShutdownTimeout:         configViper.GetDuration("http.shutdown_timeout"),
		DatabaseDriver:          strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:             configViper.GetString("database.dsn"),
		LogLevel:                configViper.GetString("log.level"),
		AuthSigningSecret:       configViper.GetString("auth.signing_secret"),
		AuthIssuer:              configViper.GetString("auth.issuer"),
		RedisURL:                strings.TrimSpace(configViper.GetString("redis.url")),
		PresenceStaleAfter:      configViper.GetDuration("presence.stale_after"),
		PresenceCleanupInterval: configViper.GetDuration("presence.cleanup_interval"),
		SnapshotBackupMaxAge:    configViper.GetDuration("snapshots.backup_max_age"),
		InvitationTTL:           configViper.GetDuration("share.invitation_ttl"),
		LinkTTL:                 configViper.GetDuration("share.link_ttl"),
		PublicURL:               configViper.GetString("app.public_url"),
		Mail: MailConfig{
			SMTPHost:      configViper.GetString("mail.smtp_host"),
			SMTPPort:      configViper.GetInt("mail.smtp_port"),
			Username:      configViper.GetString("mail.username"),
			Password:      configViper.GetString("mail.password"),
			From:          configViper.GetString("mail.from"),
			FromName:      configViper.GetString("mail.from_name"),
			Workers:       configViper.GetInt("mail.workers"),
			MaxAttempts:   configViper.GetInt("mail.max_attempts"),
			QueueCapacity: configViper.GetInt("mail.queue_capacity"),
			RetryDelay:    configViper.GetDuration("mail.retry_delay"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.PresenceStaleAfter <= 0 {
		return fmt.Errorf("presence.stale_after must be positive")
	}
	if c.PresenceCleanupInterval <= 0 {
		return fmt.Errorf("presence.cleanup_interval must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("http.shutdown_timeout must be positive")
	}
	if c.SnapshotBackupMaxAge <= 0 {
		return fmt.Errorf("snapshots.backup_max_age must be positive")
	}
	if c.Mail.Workers <= 0 || c.Mail.QueueCapacity <= 0 || c.Mail.MaxAttempts <= 0 {
		return fmt.Errorf("mail.workers, mail.queue_capacity and mail.max_attempts must be positive")
	}
	return nil
}

// splitList accepts both list values and a single comma separated string.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
