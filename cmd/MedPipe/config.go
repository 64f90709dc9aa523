package main

import (
	"flag"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/BTreeMap/MedPipe/internal/store"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for MedPipe state data
	DefaultStateDir = "/var/lib/medpipe"
	// DefaultAppDBFileName is the SQLite database used when no DATABASE_URL is set
	DefaultAppDBFileName = "medpipe.db"
	// DefaultWhatsAppDBFileName is the whatsmeow session database
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Messaging channels.
const (
	ChannelSMS       = "sms"
	ChannelWhatsApp  = "whatsapp" // Twilio WhatsApp
	ChannelWhatsmeow = "whatsmeow"
	ChannelMock      = "mock"
)

// Config is decoded from the environment by envconfig and then overridden by flags.
type Config struct {
	StateDir    string `envconfig:"MEDPIPE_STATE_DIR" default:"/var/lib/medpipe"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	APIAddr     string `envconfig:"API_ADDR" default:":8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DefaultTimezone       string        `envconfig:"DEFAULT_TIMEZONE" default:"US/Eastern"`
	ReminderPollMinutes   int           `envconfig:"REMINDER_POLL_MINUTES" default:"1"`
	ReminderWindowMinutes int           `envconfig:"REMINDER_WINDOW_MINUTES" default:"5"`
	MissedThreshold       time.Duration `envconfig:"MISSED_THRESHOLD" default:"30m"`
	LookaheadWindow       time.Duration `envconfig:"LOOKAHEAD_WINDOW" default:"2h"`
	EscalationGrace       time.Duration `envconfig:"ESCALATION_GRACE" default:"30m"`
	EscalationMinMissed   int           `envconfig:"ESCALATION_MIN_MISSED" default:"3"`
	EscalateOnInbound     bool          `envconfig:"ESCALATE_ON_INBOUND" default:"true"`
	DefaultCountryCode    string        `envconfig:"DEFAULT_COUNTRY_CODE" default:"1"`

	Channel           string `envconfig:"MESSAGING_CHANNEL" default:"sms"`
	TwilioAccountSID  string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken   string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber  string `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioForceMock   bool   `envconfig:"TWILIO_FORCE_MOCK"`
	ValidateSignature bool   `envconfig:"TWILIO_VALIDATE_SIGNATURE"`
	PublicBaseURL     string `envconfig:"PUBLIC_BASE_URL"`

	OpenAIKey   string `envconfig:"OPENAI_API_KEY"`
	OpenAIModel string `envconfig:"OPENAI_MODEL"`

	WhatsAppDSN string `envconfig:"WHATSAPP_DB_DSN"`
	QROutput    string `ignored:"true"`
	NumericCode bool   `ignored:"true"`
}

// loadEnvironmentConfig loads .env (if present) and decodes the environment.
func loadEnvironmentConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to read environment: %w", err)
	}
	return cfg, nil
}

// parseCommandLineFlags overrides cfg with any flags present in args.
func parseCommandLineFlags(cfg Config, args []string) (Config, error) {
	fs := flag.NewFlagSet("medpipe", flag.ContinueOnError)
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for MedPipe data (overrides $MEDPIPE_STATE_DIR)")
	fs.StringVar(&cfg.DatabaseURL, "db-dsn", cfg.DatabaseURL, "PostgreSQL URL or SQLite path for the user store (overrides $DATABASE_URL)")
	fs.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
	fs.StringVar(&cfg.Channel, "channel", cfg.Channel, "messaging channel: sms, whatsapp, whatsmeow or mock (overrides $MESSAGING_CHANNEL)")
	fs.StringVar(&cfg.DefaultTimezone, "default-timezone", cfg.DefaultTimezone, "timezone for users without one (overrides $DEFAULT_TIMEZONE)")
	fs.StringVar(&cfg.OpenAIKey, "openai-api-key", cfg.OpenAIKey, "OpenAI API key for the edit/add extractor (overrides $OPENAI_API_KEY)")
	fs.StringVar(&cfg.WhatsAppDSN, "whatsapp-db-dsn", cfg.WhatsAppDSN, "whatsmeow session database (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&cfg.QROutput, "qr-output", "", "path to write the WhatsApp login QR code")
	fs.BoolVar(&cfg.NumericCode, "numeric-code", false, "print a numeric WhatsApp login code instead of a QR code")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate rejects settings the engine cannot run with.
func (c Config) validate() error {
	if c.ReminderPollMinutes < 1 {
		return fmt.Errorf("REMINDER_POLL_MINUTES must be at least 1, got %d", c.ReminderPollMinutes)
	}
	if c.ReminderWindowMinutes < 0 {
		return fmt.Errorf("REMINDER_WINDOW_MINUTES must not be negative, got %d", c.ReminderWindowMinutes)
	}
	if c.EscalationMinMissed < 1 {
		return fmt.Errorf("ESCALATION_MIN_MISSED must be at least 1, got %d", c.EscalationMinMissed)
	}
	if c.MissedThreshold <= 0 || c.LookaheadWindow <= 0 || c.EscalationGrace < 0 {
		return fmt.Errorf("MISSED_THRESHOLD and LOOKAHEAD_WINDOW must be positive and ESCALATION_GRACE non-negative")
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("invalid DEFAULT_TIMEZONE %q: %w", c.DefaultTimezone, err)
	}
	switch c.Channel {
	case ChannelSMS, ChannelWhatsApp, ChannelWhatsmeow, ChannelMock:
	default:
		return fmt.Errorf("unknown MESSAGING_CHANNEL %q", c.Channel)
	}
	return nil
}

// storeDSN returns the user store DSN, defaulting to SQLite in the state directory.
func (c Config) storeDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultAppDBFileName)
}

// whatsAppDSN returns the whatsmeow session DSN. whatsmeow wants foreign keys on SQLite.
func (c Config) whatsAppDSN() string {
	if c.WhatsAppDSN != "" {
		return c.WhatsAppDSN
	}
	return "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// effectiveChannel falls back to the mock channel when Twilio is forced off or
// not configured.
func (c Config) effectiveChannel() string {
	switch c.Channel {
	case ChannelSMS, ChannelWhatsApp:
		if c.TwilioForceMock {
			return ChannelMock
		}
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" || c.TwilioFromNumber == "" {
			slog.Warn("Twilio credentials incomplete, using mock messaging", "channel", c.Channel)
			return ChannelMock
		}
	}
	return c.Channel
}

func (c Config) logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func (c Config) buildStoreOptions() []store.Option {
	dsn := c.storeDSN()
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(dsn)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return []store.Option{store.WithSQLiteDSN(dsn)}
}
