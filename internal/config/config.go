package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/ykvlv/symptom-reminder/internal/domain"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	DBDriver    string `envconfig:"DB_DRIVER" default:"sqlite"` // sqlite|postgres
	DBDSN       string `envconfig:"DB_DSN" default:"./data/reminder.db"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"` // debug|info|warn|error
	LogFile     string `envconfig:"LOG_FILE"`                 // optional rotating file sink
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`
	UserRefSalt string `envconfig:"USER_REF_SALT"`

	Webhook  Webhook  `envconfig:"WEBHOOK"`
	VAPID    VAPID    `envconfig:"VAPID"`
	Push     Push     `envconfig:"PUSH"`
	Reminder Reminder `envconfig:"REMINDER"`
	Ops      Ops      `envconfig:"OPS"`
}

// Webhook configures the externally invoked trigger.
type Webhook struct {
	Path            string  `envconfig:"PATH" default:"/cron/send-reminders"`
	Secret          string  `envconfig:"SECRET"`
	AllowQueryToken bool    `envconfig:"ALLOW_QUERY_TOKEN" default:"false"`
	Rate            float64 `envconfig:"RATE" default:"1"` // requests per second
	Burst           int     `envconfig:"BURST" default:"5"`
}

// VAPID holds the web push application server credentials.
type VAPID struct {
	PublicKey  string `envconfig:"PUBLIC_KEY"`
	PrivateKey string `envconfig:"PRIVATE_KEY"`
	Subject    string `envconfig:"SUBJECT"` // mailto: address or https URL
}

// Configured reports whether both keys are present.
func (v VAPID) Configured() bool {
	return v.PublicKey != "" && v.PrivateKey != ""
}

// Push configures delivery and the reminder message content.
type Push struct {
	Timeout time.Duration `envconfig:"TIMEOUT" default:"10s"` // per endpoint call
	Rate    float64       `envconfig:"RATE" default:"20"`     // delivery calls per second
	Burst   int           `envconfig:"BURST" default:"20"`
	Title   string        `envconfig:"TITLE" default:"Daily check-in"`
	Body    string        `envconfig:"BODY" default:"Time to log your symptoms for today!"`
	URL     string        `envconfig:"URL" default:"/tracking/today/"`
	Icon    string        `envconfig:"ICON" default:"/static/icons/icon-192x192.png"`
	Badge   string        `envconfig:"BADGE" default:"/static/icons/badge-72x72.png"`
}

// Reminder is the explicit scheduling record shared by every trigger.
type Reminder struct {
	Window            time.Duration `envconfig:"WINDOW" default:"10m"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"60s"`
	SchedulerInterval time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"5m"`
	SweepSpec         string        `envconfig:"SWEEP_SPEC" default:"@hourly"`
	Workers           int           `envconfig:"WORKERS" default:"8"`

	// Defaults applied to preference rows created for new accounts.
	DefaultEnabled   bool   `envconfig:"DEFAULT_ENABLED" default:"false"`
	DefaultTimeOfDay string `envconfig:"DEFAULT_TIME" default:"20:00"`
	DefaultTimezone  string `envconfig:"DEFAULT_TZ" default:"America/New_York"`
}

// Ops configures the optional operational summary channel.
type Ops struct {
	TelegramToken  string `envconfig:"TELEGRAM_TOKEN"`
	TelegramChatID int64  `envconfig:"TELEGRAM_CHAT_ID"`
}

// Enabled reports whether summaries should be posted.
func (o Ops) Enabled() bool {
	return o.TelegramToken != "" && o.TelegramChatID != 0
}

// Load reads an optional .env file and then environment variables into Config.
func Load() (Config, error) {
	// Best effort: a missing .env is the normal case in production.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c Config) Validate() error {
	var errs []error

	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER: unsupported driver %q", c.DBDriver))
	}
	if c.DBDSN == "" {
		errs = append(errs, errors.New("DB_DSN: required"))
	}
	// Unsalted references of small integer ids are trivially reversible.
	if c.UserRefSalt == "" && !strings.EqualFold(c.LogLevel, "debug") {
		errs = append(errs, errors.New("USER_REF_SALT: required unless LOG_LEVEL=debug"))
	}

	r := c.Reminder
	if r.Window <= 0 {
		errs = append(errs, errors.New("REMINDER_WINDOW: must be positive"))
	}
	// Every due instant must be observed by at least one trigger invocation.
	if r.PollInterval <= 0 || r.PollInterval > r.Window {
		errs = append(errs, fmt.Errorf("REMINDER_POLL_INTERVAL: %s must be positive and not exceed the window %s", r.PollInterval, r.Window))
	}
	if r.SchedulerInterval <= 0 || r.SchedulerInterval > r.Window {
		errs = append(errs, fmt.Errorf("REMINDER_SCHEDULER_INTERVAL: %s must be positive and not exceed the window %s", r.SchedulerInterval, r.Window))
	}
	if r.Workers <= 0 {
		errs = append(errs, errors.New("REMINDER_WORKERS: must be positive"))
	}
	if _, err := domain.ParseClock(r.DefaultTimeOfDay); err != nil {
		errs = append(errs, fmt.Errorf("REMINDER_DEFAULT_TIME: %w", err))
	}
	if _, err := domain.ValidateTZ(r.DefaultTimezone); err != nil {
		errs = append(errs, fmt.Errorf("REMINDER_DEFAULT_TZ: %w", err))
	}

	if (c.VAPID.PublicKey == "") != (c.VAPID.PrivateKey == "") {
		errs = append(errs, errors.New("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together"))
	}
	if c.Push.Timeout <= 0 {
		errs = append(errs, errors.New("PUSH_TIMEOUT: must be positive"))
	}
	if c.Webhook.Rate <= 0 || c.Webhook.Burst <= 0 {
		errs = append(errs, errors.New("WEBHOOK_RATE and WEBHOOK_BURST must be positive"))
	}
	if (c.Ops.TelegramToken == "") != (c.Ops.TelegramChatID == 0) {
		errs = append(errs, errors.New("OPS_TELEGRAM_TOKEN and OPS_TELEGRAM_CHAT_ID must be set together"))
	}

	return errors.Join(errs...)
}
