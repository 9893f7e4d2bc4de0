package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Event log backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
)

// Config holds runtime configuration for the orchestrator. Components never
// receive it whole; they take one of the narrow slices returned by the
// accessor methods below.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"development"`
	EnvName     string `envconfig:"ENV_NAME" default:"gpu-prod"`
	Addr        string `envconfig:"API_ADDR" default:":8000"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	VDSHostname string `envconfig:"VDS_HOSTNAME" default:"vds"`
	LocalOffset string `envconfig:"LOCAL_TZ_OFFSET" default:"+03:00"`
	DryRun      bool   `envconfig:"DRY_RUN_DEPLOY" default:"false"`

	// TrustedProxies lists peers (IPs or CIDRs) allowed to set X-Forwarded-For.
	TrustedProxies []string `envconfig:"TRUSTED_PROXIES"`

	Webhook  Webhook
	Remote   Remote
	Health   Health
	Notify   Notify
	EventLog EventLog
	Lock     Lock
	Redis    Redis
	Auth     Auth
}

// Webhook configures inbound GitHub push handling.
type Webhook struct {
	Secret     string `envconfig:"GITHUB_WEBHOOK_SECRET"`
	Repository string `envconfig:"GITHUB_REPO" default:"getyrno/ml-service-voice-trans"`
	Ref        string `envconfig:"GITHUB_REF" default:"refs/heads/main"`
}

// Remote configures the SSH deploy target.
type Remote struct {
	Host           string        `envconfig:"HOME_SSH_HOST" default:"10.8.0.2"`
	Port           int           `envconfig:"HOME_SSH_PORT" default:"22"`
	User           string        `envconfig:"HOME_SSH_USER" default:"getyrno"`
	KeyPath        string        `envconfig:"HOME_SSH_KEY_PATH" default:"/root/.ssh/id_ed25519"`
	KeyPassphrase  string        `envconfig:"HOME_SSH_KEY_PASSPHRASE"`
	KnownHostsPath string        `envconfig:"HOME_SSH_KNOWN_HOSTS"`
	ProjectDir     string        `envconfig:"REMOTE_PROJECT_DIR" default:"~/ml-service-voice-trans"`
	Branch         string        `envconfig:"REMOTE_BRANCH"`
	ShellWrapper   string        `envconfig:"REMOTE_SHELL_WRAPPER"`
	Timeout        time.Duration `envconfig:"REMOTE_TIMEOUT" default:"30m"`
	DryRunDelay    time.Duration `envconfig:"DRY_RUN_DELAY" default:"300ms"`
}

// Health configures the post-deploy probe.
type Health struct {
	URL     string        `envconfig:"HEALTHCHECK_URL" default:"http://10.8.0.2:8000/docs"`
	Timeout time.Duration `envconfig:"HEALTHCHECK_TIMEOUT" default:"5s"`
}

// Notify holds operator channel credentials.
type Notify struct {
	TelegramBotToken string        `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string        `envconfig:"TELEGRAM_CHAT_ID"`
	TelegramAPIURL   string        `envconfig:"TELEGRAM_API_URL" default:"https://api.telegram.org"`
	SlackBotToken    string        `envconfig:"SLACK_BOT_TOKEN"`
	SlackChannel     string        `envconfig:"SLACK_CHANNEL"`
	Timeout          time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"10s"`
}

// EventLog selects where deploy events are persisted.
type EventLog struct {
	Backend       string `envconfig:"EVENT_LOG_BACKEND" default:"file"`
	Path          string `envconfig:"DEPLOY_LOG_PATH" default:"./data/deploy_log.jsonl"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	MigrationsDir string `envconfig:"DB_MIGRATIONS_DIR"`
}

// Lock selects the run lock backend.
type Lock struct {
	Backend string        `envconfig:"LOCK_BACKEND" default:"memory"`
	TTL     time.Duration `envconfig:"LOCK_TTL"`
}

// Redis is shared by the redis lock and the redis rate limiter.
type Redis struct {
	Addr     string `envconfig:"REDIS_ADDR"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// Auth configures operator tokens for manual triggers.
type Auth struct {
	OperatorTokenSecret string        `envconfig:"OPERATOR_TOKEN_SECRET"`
	TokenTTL            time.Duration `envconfig:"OPERATOR_TOKEN_TTL" default:"24h"`
}

// Load constructs a Config from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	if !c.DryRun {
		if strings.TrimSpace(c.Remote.Host) == "" {
			errs = append(errs, errors.New("HOME_SSH_HOST is required unless DRY_RUN_DEPLOY is set"))
		}
		if strings.TrimSpace(c.Remote.User) == "" {
			errs = append(errs, errors.New("HOME_SSH_USER is required unless DRY_RUN_DEPLOY is set"))
		}
		if strings.TrimSpace(c.Remote.KeyPath) == "" {
			errs = append(errs, errors.New("HOME_SSH_KEY_PATH is required unless DRY_RUN_DEPLOY is set"))
		}
		if strings.TrimSpace(c.Health.URL) == "" {
			errs = append(errs, errors.New("HEALTHCHECK_URL is required unless DRY_RUN_DEPLOY is set"))
		}
	}
	switch c.EventLog.Backend {
	case BackendFile:
		if strings.TrimSpace(c.EventLog.Path) == "" {
			errs = append(errs, errors.New("DEPLOY_LOG_PATH is required for the file event log"))
		}
	case BackendPostgres:
		if strings.TrimSpace(c.EventLog.DatabaseURL) == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres event log"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported EVENT_LOG_BACKEND %q", c.EventLog.Backend))
	}
	switch c.Lock.Backend {
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis lock"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported LOCK_BACKEND %q", c.Lock.Backend))
	}
	if _, err := ParseOffset(c.LocalOffset); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ProxyPrefixes parses TrustedProxies. A bare address becomes a single-host prefix.
func (c Config) ProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q: %w", raw, err)
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q: %w", raw, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// WebhookConfig is the slice used by the webhook service.
type WebhookConfig struct {
	Secret     string
	Repository string
	Ref        string
}

// WebhookConfig returns the signature and allow-list settings.
func (c Config) WebhookConfig() WebhookConfig {
	return WebhookConfig{Secret: c.Webhook.Secret, Repository: c.Webhook.Repository, Ref: c.Webhook.Ref}
}

// RemoteConfig is the slice used by the remote executor.
type RemoteConfig struct {
	Host           string
	Port           int
	User           string
	KeyPath        string
	KeyPassphrase  string
	KnownHostsPath string
	ProjectDir     string
	Branch         string
	ShellWrapper   string
	Timeout        time.Duration
	DryRun         bool
	DryRunDelay    time.Duration
}

// RemoteConfig returns SSH target settings.
func (c Config) RemoteConfig() RemoteConfig {
	return RemoteConfig{
		Host:           c.Remote.Host,
		Port:           c.Remote.Port,
		User:           c.Remote.User,
		KeyPath:        c.Remote.KeyPath,
		KeyPassphrase:  c.Remote.KeyPassphrase,
		KnownHostsPath: c.Remote.KnownHostsPath,
		ProjectDir:     c.Remote.ProjectDir,
		Branch:         c.RemoteBranch(),
		ShellWrapper:   c.Remote.ShellWrapper,
		Timeout:        c.Remote.Timeout,
		DryRun:         c.DryRun,
		DryRunDelay:    c.Remote.DryRunDelay,
	}
}

// RemoteBranch is REMOTE_BRANCH when set, otherwise the branch named by the
// accepted webhook ref.
func (c Config) RemoteBranch() string {
	if b := strings.TrimSpace(c.Remote.Branch); b != "" {
		return b
	}
	if b, ok := strings.CutPrefix(strings.TrimSpace(c.Webhook.Ref), "refs/heads/"); ok && b != "" {
		return b
	}
	return "main"
}

// HealthConfig is the slice used by the health probe.
type HealthConfig struct {
	URL     string
	Timeout time.Duration
	DryRun  bool
}

// HealthConfig returns probe settings.
func (c Config) HealthConfig() HealthConfig {
	return HealthConfig{URL: c.Health.URL, Timeout: c.Health.Timeout, DryRun: c.DryRun}
}

// NotifyConfig is the slice used by the notification gateway.
type NotifyConfig struct {
	EnvName          string
	TelegramBotToken string
	TelegramChatID   string
	TelegramAPIURL   string
	SlackBotToken    string
	SlackChannel     string
	Timeout          time.Duration
}

// TelegramEnabled reports whether both telegram credentials are present.
func (n NotifyConfig) TelegramEnabled() bool {
	return strings.TrimSpace(n.TelegramBotToken) != "" && strings.TrimSpace(n.TelegramChatID) != ""
}

// SlackEnabled reports whether both slack credentials are present.
func (n NotifyConfig) SlackEnabled() bool {
	return strings.TrimSpace(n.SlackBotToken) != "" && strings.TrimSpace(n.SlackChannel) != ""
}

// NotifyConfig returns notification settings.
func (c Config) NotifyConfig() NotifyConfig {
	return NotifyConfig{
		EnvName:          c.EnvName,
		TelegramBotToken: c.Notify.TelegramBotToken,
		TelegramChatID:   c.Notify.TelegramChatID,
		TelegramAPIURL:   c.Notify.TelegramAPIURL,
		SlackBotToken:    c.Notify.SlackBotToken,
		SlackChannel:     c.Notify.SlackChannel,
		Timeout:          c.Notify.Timeout,
	}
}

// EventConfig is the static part of every deploy event.
type EventConfig struct {
	EnvName     string
	VDSHostname string
	RemoteHost  string
	RemoteUser  string
	HealthURL   string
	Location    *time.Location
}

// EventConfig returns event builder settings. The offset must already have
// passed Validate; an invalid one falls back to UTC.
func (c Config) EventConfig() EventConfig {
	loc, err := ParseOffset(c.LocalOffset)
	if err != nil {
		loc = time.UTC
	}
	return EventConfig{
		EnvName:     c.EnvName,
		VDSHostname: c.VDSHostname,
		RemoteHost:  c.Remote.Host,
		RemoteUser:  c.Remote.User,
		HealthURL:   c.Health.URL,
		Location:    loc,
	}
}

// LockTTL returns the lock lease, derived from the remote timeout when unset.
func (c Config) LockTTL() time.Duration {
	if c.Lock.TTL > 0 {
		return c.Lock.TTL
	}
	return c.Remote.Timeout + 5*time.Minute
}

// ParseOffset turns "+03:00" style offsets into a fixed zone.
func ParseOffset(raw string) (*time.Location, error) {
	value := strings.TrimSpace(raw)
	if value == "" || value == "Z" {
		return time.UTC, nil
	}
	t, err := time.Parse("-07:00", value)
	if err != nil {
		return nil, fmt.Errorf("invalid LOCAL_TZ_OFFSET %q: %w", raw, err)
	}
	_, offset := t.Zone()
	return time.FixedZone(value, offset), nil
}
