package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	Port        string
	Timezone    string

	DBHost     string
	DBPort     string
	DBUsername string
	DBPassword string
	DBName     string
	DBSSLMode  string
	// MigrationsDir holds the *.up.sql files applied at startup when AutoMigrate is set.
	MigrationsDir string
	AutoMigrate   bool

	IMAPServer         string
	IMAPUsername       string
	IMAPPassword       string
	IMAPUseTLS         bool
	IMAPMaxWorkers     int
	IMAPInboxFolder    string
	IMAPSentFolder     string
	IMAPReviewKeyword  string
	IMAPIdleEnabled    bool
	SMTPServer         string
	SMTPUsername       string
	SMTPPassword       string
	SMTPSecurity       string
	SMTPSaveToSent     bool
	SMTPTimeout        time.Duration
	DefaultSender      string
	AttachmentsDir     string
	AttachmentsKey     string
	PollInterval       time.Duration
	LocatorAttempts    int
	LocatorBackoff     time.Duration
	LocatorBudget      time.Duration
	BackfillBatchLimit int

	// APIRateLimit is the number of send and sync requests one operator may make per minute.
	APIRateLimit int

	// APITokens maps bearer tokens to the operator name they authenticate.
	APITokens map[string]string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("CEPMAIL_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment: env,
		Port:        getEnvOrDefault("PORT", "8080"),
		Timezone:    getEnvOrDefault("TZ", "UTC"),

		DBHost:     getEnvOrDefault("CEPMAIL_DB_HOST", "localhost"),
		DBPort:     getEnvOrDefault("CEPMAIL_DB_PORT", "5432"),
		DBUsername: getEnvOrDefault("CEPMAIL_DB_USER", "cepmail"),
		DBPassword: os.Getenv("CEPMAIL_DB_PASSWORD"),
		DBName:     getEnvOrDefault("CEPMAIL_DB_NAME", "cepmail"),
		DBSSLMode:  getEnvOrDefault("CEPMAIL_DB_SSLMODE", "disable"),

		MigrationsDir: getEnvOrDefault("CEPMAIL_MIGRATIONS_DIR", "migrations"),

		IMAPServer:        os.Getenv("CEPMAIL_IMAP_SERVER"),
		IMAPUsername:      os.Getenv("CEPMAIL_IMAP_USER"),
		IMAPPassword:      os.Getenv("CEPMAIL_IMAP_PASSWORD"),
		IMAPInboxFolder:   getEnvOrDefault("CEPMAIL_IMAP_INBOX_FOLDER", "INBOX"),
		IMAPSentFolder:    getEnvOrDefault("CEPMAIL_IMAP_SENT_FOLDER", "[Gmail]/Sent Mail"),
		IMAPReviewKeyword: getEnvOrDefault("CEPMAIL_IMAP_REVIEW_KEYWORD", "$NeedsReview"),

		SMTPServer:   os.Getenv("CEPMAIL_SMTP_SERVER"),
		SMTPUsername: os.Getenv("CEPMAIL_SMTP_USER"),
		SMTPPassword: os.Getenv("CEPMAIL_SMTP_PASSWORD"),
		SMTPSecurity: strings.ToLower(getEnvOrDefault("CEPMAIL_SMTP_SECURITY", "starttls")),

		DefaultSender:  os.Getenv("CEPMAIL_DEFAULT_SENDER"),
		AttachmentsDir: getEnvOrDefault("CEPMAIL_ATTACHMENTS_DIR", "data/attachments"),
		AttachmentsKey: os.Getenv("CEPMAIL_ATTACHMENTS_KEY_BASE64"),
	}

	var err error
	if config.IMAPUseTLS, err = getBoolOrDefault("CEPMAIL_IMAP_TLS", true); err != nil {
		return nil, err
	}
	if config.AutoMigrate, err = getBoolOrDefault("CEPMAIL_AUTO_MIGRATE", true); err != nil {
		return nil, err
	}
	if config.IMAPIdleEnabled, err = getBoolOrDefault("CEPMAIL_IMAP_IDLE", true); err != nil {
		return nil, err
	}
	if config.SMTPSaveToSent, err = getBoolOrDefault("CEPMAIL_SMTP_SAVE_TO_SENT", false); err != nil {
		return nil, err
	}
	if config.IMAPMaxWorkers, err = getIntOrDefault("CEPMAIL_IMAP_MAX_WORKERS", 3); err != nil {
		return nil, err
	}
	if config.LocatorAttempts, err = getIntOrDefault("CEPMAIL_LOCATOR_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if config.BackfillBatchLimit, err = getIntOrDefault("CEPMAIL_BACKFILL_LIMIT", 20); err != nil {
		return nil, err
	}
	if config.APIRateLimit, err = getIntOrDefault("CEPMAIL_API_RATE_LIMIT", 30); err != nil {
		return nil, err
	}
	if config.PollInterval, err = getDurationOrDefault("CEPMAIL_POLL_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if config.LocatorBackoff, err = getDurationOrDefault("CEPMAIL_LOCATOR_BACKOFF", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if config.LocatorBudget, err = getDurationOrDefault("CEPMAIL_LOCATOR_BUDGET", 10*time.Second); err != nil {
		return nil, err
	}
	if config.SMTPTimeout, err = getDurationOrDefault("CEPMAIL_SMTP_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if config.APITokens, err = parseAPITokens(os.Getenv("CEPMAIL_API_TOKENS")); err != nil {
		return nil, err
	}

	if config.DefaultSender == "" {
		config.DefaultSender = config.SMTPUsername
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.DBPassword == "" {
		return fmt.Errorf("CEPMAIL_DB_PASSWORD is required")
	}

	if c.IMAPServer == "" || c.IMAPUsername == "" || c.IMAPPassword == "" {
		return fmt.Errorf("CEPMAIL_IMAP_SERVER, CEPMAIL_IMAP_USER and CEPMAIL_IMAP_PASSWORD are required")
	}

	if c.SMTPServer == "" {
		return fmt.Errorf("CEPMAIL_SMTP_SERVER is required")
	}

	switch c.SMTPSecurity {
	case "tls", "starttls", "none":
	default:
		return fmt.Errorf("CEPMAIL_SMTP_SECURITY must be one of tls, starttls, none (got %q)", c.SMTPSecurity)
	}

	if c.DefaultSender == "" {
		return fmt.Errorf("CEPMAIL_DEFAULT_SENDER is required when CEPMAIL_SMTP_USER is empty")
	}

	if c.IMAPMaxWorkers < 1 {
		return fmt.Errorf("CEPMAIL_IMAP_MAX_WORKERS must be at least 1")
	}

	if c.LocatorAttempts < 1 {
		return fmt.Errorf("CEPMAIL_LOCATOR_ATTEMPTS must be at least 1")
	}

	if c.Environment == "production" && len(c.APITokens) == 0 {
		return fmt.Errorf("CEPMAIL_API_TOKENS is required in production")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

// parseAPITokens parses "operator:token" pairs separated by commas.
func parseAPITokens(raw string) (map[string]string, error) {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, token, ok := strings.Cut(pair, ":")
		name = strings.TrimSpace(name)
		token = strings.TrimSpace(token)
		if !ok || name == "" || token == "" {
			return nil, fmt.Errorf("CEPMAIL_API_TOKENS entry %q must look like operator:token", pair)
		}
		tokens[token] = name
	}
	return tokens, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return parsed, nil
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return parsed, nil
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 30s or 5m: %w", key, err)
	}
	return parsed, nil
}
