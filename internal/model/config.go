package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

// MailBackendKind selects the verification-code mailbox variant.
type MailBackendKind string

const (
	MailBackendInboxAPI MailBackendKind = "inboxapi"
	MailBackendIMAP     MailBackendKind = "imap"
	MailBackendPOP3     MailBackendKind = "pop3"
)

// StrategyKind selects how session credentials are obtained after signup.
type StrategyKind string

const (
	StrategyCodeBased    StrategyKind = "code"
	StrategyPollingBased StrategyKind = "polling"
)

// InboxConfig holds the disposable-mailbox HTTP API settings.
type InboxConfig struct {
	BaseURL    string `mapstructure:"base_url" yaml:"base_url"`
	User       string `mapstructure:"user" yaml:"user"`
	Extension  string `mapstructure:"extension" yaml:"extension"`
	Epin       string `mapstructure:"epin" yaml:"epin"`
	TimeoutSec int    `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// Address is the full mailbox address the API is queried for.
func (c InboxConfig) Address() string {
	return c.User + c.Extension
}

// IMAPConfig holds IMAP connection and authentication settings.
type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Security string `mapstructure:"security" yaml:"security"` // tls, starttls, insecure
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Mailbox  string `mapstructure:"mailbox" yaml:"mailbox"`

	// OAuth2 is used when both ClientID and RefreshToken are set.
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token" yaml:"refresh_token"`
	AccessToken  string `mapstructure:"access_token" yaml:"access_token"`
	TokenURL     string `mapstructure:"token_url" yaml:"token_url"`
}

// OAuth2Enabled reports whether the OAuth2 path should be attempted:
// either a refresh exchange is possible or a static access token is set.
func (c IMAPConfig) OAuth2Enabled() bool {
	return (c.ClientID != "" && c.RefreshToken != "") || c.AccessToken != ""
}

// POP3Config holds POP3 connection settings. POP3 only supports
// user/password authentication.
type POP3Config struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Sender   string `mapstructure:"sender" yaml:"sender"`
}

// MailConfig groups the mail backends and the retry policy for fetching
// a verification code.
type MailConfig struct {
	Backend          MailBackendKind `mapstructure:"backend" yaml:"backend"`
	MaxAttempts      int             `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryIntervalSec int             `mapstructure:"retry_interval_sec" yaml:"retry_interval_sec"`
	Inbox            InboxConfig     `mapstructure:"inbox" yaml:"inbox"`
	IMAP             IMAPConfig      `mapstructure:"imap" yaml:"imap"`
	POP3             POP3Config      `mapstructure:"pop3" yaml:"pop3"`
}

// SignalConfig names a page state that counts as a passed challenge.
type SignalConfig struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Locator string `mapstructure:"locator" yaml:"locator"`
}

// ChallengeConfig controls the bot-mitigation challenge loop.
type ChallengeConfig struct {
	Widget        string         `mapstructure:"widget" yaml:"widget"`
	Signals       []SignalConfig `mapstructure:"signals" yaml:"signals"`
	MaxRetries    int            `mapstructure:"max_retries" yaml:"max_retries"`
	RetryMinMs    int            `mapstructure:"retry_min_ms" yaml:"retry_min_ms"`
	RetryMaxMs    int            `mapstructure:"retry_max_ms" yaml:"retry_max_ms"`
	ScreenshotDir string         `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
}

// SiteConfig describes the target site's pages and form locators.
type SiteConfig struct {
	LoginURL        string `mapstructure:"login_url" yaml:"login_url"`
	SignupURL       string `mapstructure:"signup_url" yaml:"signup_url"`
	SettingsURL     string `mapstructure:"settings_url" yaml:"settings_url"`
	FirstNameInput  string `mapstructure:"first_name_input" yaml:"first_name_input"`
	LastNameInput   string `mapstructure:"last_name_input" yaml:"last_name_input"`
	EmailInput      string `mapstructure:"email_input" yaml:"email_input"`
	PasswordInput   string `mapstructure:"password_input" yaml:"password_input"`
	SubmitButton    string `mapstructure:"submit_button" yaml:"submit_button"`
	EmailInUse      string `mapstructure:"email_in_use" yaml:"email_in_use"`
	CompleteSignal  string `mapstructure:"complete_signal" yaml:"complete_signal"`
	CodeInputPrefix string `mapstructure:"code_input_prefix" yaml:"code_input_prefix"`
	UsageLocator    string `mapstructure:"usage_locator" yaml:"usage_locator"`
}

// SessionConfig controls how session credentials are acquired.
type SessionConfig struct {
	Strategy      StrategyKind `mapstructure:"strategy" yaml:"strategy"`
	CookieName    string       `mapstructure:"cookie_name" yaml:"cookie_name"`
	DeepLinkURL   string       `mapstructure:"deep_link_url" yaml:"deep_link_url"`
	PollURL       string       `mapstructure:"poll_url" yaml:"poll_url"`
	ConfirmSignal string       `mapstructure:"confirm_signal" yaml:"confirm_signal"`
	ConfirmScript string       `mapstructure:"confirm_script" yaml:"confirm_script"`
}

// IdentitySourceKind selects where account email addresses come from.
type IdentitySourceKind string

const (
	IdentitySourceGenerator   IdentitySourceKind = "generator"
	IdentitySourceHideMyEmail IdentitySourceKind = "hide_my_email"
)

// HideMyEmailConfig holds the iCloud Hide My Email relay settings.
type HideMyEmailConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// Cookies is the raw Cookie header of a signed-in iCloud web session.
	Cookies               string `mapstructure:"cookies" yaml:"cookies"`
	Label                 string `mapstructure:"label" yaml:"label"`
	Note                  string `mapstructure:"note" yaml:"note"`
	ClientBuildNumber     string `mapstructure:"client_build_number" yaml:"client_build_number"`
	ClientMasteringNumber string `mapstructure:"client_mastering_number" yaml:"client_mastering_number"`
	TimeoutSec            int    `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// IdentityConfig controls generated account identities.
type IdentityConfig struct {
	Source      IdentitySourceKind `mapstructure:"source" yaml:"source"`
	Domain      string             `mapstructure:"domain" yaml:"domain"`
	NamesFile   string             `mapstructure:"names_file" yaml:"names_file"`
	HideMyEmail HideMyEmailConfig  `mapstructure:"hide_my_email" yaml:"hide_my_email"`
}

// BrowserConfig holds browser launch settings.
type BrowserConfig struct {
	Headless  bool   `mapstructure:"headless" yaml:"headless"`
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Mail      MailConfig      `mapstructure:"mail" yaml:"mail"`
	Challenge ChallengeConfig `mapstructure:"challenge" yaml:"challenge"`
	Site      SiteConfig      `mapstructure:"site" yaml:"site"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Identity  IdentityConfig  `mapstructure:"identity" yaml:"identity"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	StorePath string          `mapstructure:"store_path" yaml:"store_path"`
}

// ConfigError reports missing or invalid configuration. It is fatal:
// nothing in the provisioner retries after a ConfigError.
type ConfigError struct {
	Key     string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error (%s): %s", e.Key, e.Message)
}

// IsConfigError reports whether err (or any error in its chain) is a ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/provisioner/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "provisioner", "config.yaml")
}

// configKeys returns the dotted key of every scalar field reachable from
// t through mapstructure tags. Lists of structs are file-only.
func configKeys(t reflect.Type, prefix string) []string {
	var keys []string
	for i := range t.NumField() {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		switch {
		case f.Type.Kind() == reflect.Struct:
			keys = append(keys, configKeys(f.Type, key)...)
		case f.Type.Kind() == reflect.Slice && f.Type.Elem().Kind() == reflect.Struct:
		default:
			keys = append(keys, key)
		}
	}
	return keys
}

// defaultPOP3Sender is the address verification mails are sent from.
const defaultPOP3Sender = "no-reply@cursor.sh"

// defaultSignals is the ordered list of success signals. Order matters:
// the first present signal wins on pages that show more than one.
func defaultSignals() []SignalConfig {
	return []SignalConfig{
		{Name: "password_page", Locator: "input[name=password]"},
		{Name: "code_page", Locator: "input[data-index='0']"},
		{Name: "account_settings", Locator: "text:Account Settings"},
	}
}

// setDefaults registers every tunable default on v.
func setDefaults(v *viper.Viper) {
	v.SetDefault("mail.backend", string(MailBackendInboxAPI))
	v.SetDefault("mail.max_attempts", 5)
	v.SetDefault("mail.retry_interval_sec", 60)
	v.SetDefault("mail.inbox.base_url", "https://tempmail.plus/api")
	v.SetDefault("mail.inbox.timeout_sec", 15)
	v.SetDefault("mail.imap.port", "993")
	v.SetDefault("mail.imap.security", "tls")
	v.SetDefault("mail.imap.mailbox", "INBOX")
	v.SetDefault("mail.pop3.port", 995)
	v.SetDefault("mail.pop3.sender", defaultPOP3Sender)

	v.SetDefault("challenge.widget", "iframe[title*=challenge] >>> input[type=checkbox]")
	v.SetDefault("challenge.max_retries", 2)
	v.SetDefault("challenge.retry_min_ms", 1000)
	v.SetDefault("challenge.retry_max_ms", 2000)
	v.SetDefault("challenge.screenshot_dir", "screenshots")

	v.SetDefault("site.first_name_input", "input[name=first_name]")
	v.SetDefault("site.last_name_input", "input[name=last_name]")
	v.SetDefault("site.email_input", "input[name=email]")
	v.SetDefault("site.password_input", "input[name=password]")
	v.SetDefault("site.submit_button", "[type=submit]")
	v.SetDefault("site.email_in_use", "text:This email is not available.")
	v.SetDefault("site.complete_signal", "text:Account Settings")
	v.SetDefault("site.code_input_prefix", "input[data-index='%d']")

	v.SetDefault("session.strategy", string(StrategyCodeBased))

	v.SetDefault("identity.source", string(IdentitySourceGenerator))
	v.SetDefault("identity.hide_my_email.base_url", "https://p68-maildomainws.icloud.com/v1/hme")
	v.SetDefault("identity.hide_my_email.label", "provisioner")
	v.SetDefault("identity.hide_my_email.client_build_number", "2413Project28")
	v.SetDefault("identity.hide_my_email.client_mastering_number", "2413B20")
	v.SetDefault("identity.hide_my_email.timeout_sec", 10)

	v.SetDefault("browser.headless", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("store_path", "accounts.db")
}

// DefaultConfig returns the built-in defaults, ignoring files and the
// environment.
func DefaultConfig() *AppConfig {
	return defaultAppConfig()
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Mail: MailConfig{
			Backend:          MailBackendInboxAPI,
			MaxAttempts:      5,
			RetryIntervalSec: 60,
			Inbox: InboxConfig{
				BaseURL:    "https://tempmail.plus/api",
				TimeoutSec: 15,
			},
			IMAP: IMAPConfig{Port: "993", Security: "tls", Mailbox: "INBOX"},
			POP3: POP3Config{Port: 995, Sender: defaultPOP3Sender},
		},
		Challenge: ChallengeConfig{
			Widget:        "iframe[title*=challenge] >>> input[type=checkbox]",
			Signals:       defaultSignals(),
			MaxRetries:    2,
			RetryMinMs:    1000,
			RetryMaxMs:    2000,
			ScreenshotDir: "screenshots",
		},
		Site: SiteConfig{
			FirstNameInput:  "input[name=first_name]",
			LastNameInput:   "input[name=last_name]",
			EmailInput:      "input[name=email]",
			PasswordInput:   "input[name=password]",
			SubmitButton:    "[type=submit]",
			EmailInUse:      "text:This email is not available.",
			CompleteSignal:  "text:Account Settings",
			CodeInputPrefix: "input[data-index='%d']",
		},
		Session: SessionConfig{Strategy: StrategyCodeBased},
		Identity: IdentityConfig{
			Source: IdentitySourceGenerator,
			HideMyEmail: HideMyEmailConfig{
				BaseURL:               "https://p68-maildomainws.icloud.com/v1/hme",
				Label:                 "provisioner",
				ClientBuildNumber:     "2413Project28",
				ClientMasteringNumber: "2413B20",
				TimeoutSec:            10,
			},
		},
		Browser:   BrowserConfig{Headless: true},
		Log:       LogConfig{Level: "info"},
		StorePath: "accounts.db",
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with PROVISIONER_ override file values
// (e.g. PROVISIONER_MAIL_IMAP_PASSWORD), including keys that have no
// default. If the file does not exist, the
// defaults plus environment are returned.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PROVISIONER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for _, key := range configKeys(reflect.TypeFor[AppConfig](), "") {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if len(cfg.Challenge.Signals) == 0 {
		cfg.Challenge.Signals = defaultSignals()
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("mail", cfg.Mail)
	v.Set("challenge", cfg.Challenge)
	v.Set("site", cfg.Site)
	v.Set("session", cfg.Session)
	v.Set("identity", cfg.Identity)
	v.Set("browser", cfg.Browser)
	v.Set("log", cfg.Log)
	v.Set("store_path", cfg.StorePath)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// Validate checks that the settings required by the selected mail
// backend and session strategy are present.
func (c *AppConfig) Validate() error {
	switch c.Mail.Backend {
	case MailBackendInboxAPI:
		if c.Mail.Inbox.User == "" {
			return &ConfigError{Key: "mail.inbox.user", Message: "required for the inbox API backend"}
		}
	case MailBackendIMAP:
		imap := c.Mail.IMAP
		if imap.Host == "" || imap.Username == "" {
			return &ConfigError{Key: "mail.imap", Message: "host and username are required"}
		}
		if imap.Password == "" && !imap.OAuth2Enabled() {
			return &ConfigError{Key: "mail.imap.password", Message: "a password or OAuth2 client id and refresh token are required"}
		}
	case MailBackendPOP3:
		pop := c.Mail.POP3
		if pop.Host == "" || pop.Username == "" || pop.Password == "" {
			return &ConfigError{Key: "mail.pop3", Message: "host, username and password are required"}
		}
	default:
		return &ConfigError{Key: "mail.backend", Message: fmt.Sprintf("unknown backend %q", c.Mail.Backend)}
	}

	if c.Mail.RetryIntervalSec <= 0 {
		return &ConfigError{Key: "mail.retry_interval_sec", Message: "must be positive"}
	}

	if c.Site.LoginURL == "" || c.Site.SignupURL == "" {
		return &ConfigError{Key: "site", Message: "login_url and signup_url are required"}
	}

	switch c.Identity.Source {
	case IdentitySourceGenerator, "":
	case IdentitySourceHideMyEmail:
		if strings.TrimSpace(c.Identity.HideMyEmail.Cookies) == "" {
			return &ConfigError{Key: "identity.hide_my_email.cookies", Message: "required for the hide_my_email source"}
		}
	default:
		return &ConfigError{Key: "identity.source", Message: fmt.Sprintf("unknown source %q", c.Identity.Source)}
	}

	switch c.Session.Strategy {
	case StrategyCodeBased:
		if c.Session.CookieName == "" {
			return &ConfigError{Key: "session.cookie_name", Message: "required for the code strategy"}
		}
	case StrategyPollingBased:
		if c.Session.DeepLinkURL == "" || c.Session.PollURL == "" {
			return &ConfigError{Key: "session", Message: "deep_link_url and poll_url are required for the polling strategy"}
		}
	default:
		return &ConfigError{Key: "session.strategy", Message: fmt.Sprintf("unknown strategy %q", c.Session.Strategy)}
	}

	return nil
}
