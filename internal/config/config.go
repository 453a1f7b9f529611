package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/aaronromeo/dmarcpat/internal/credential"
	"github.com/aaronromeo/dmarcpat/internal/errs"
	"github.com/aaronromeo/dmarcpat/internal/imap/sessionmanager"
	"github.com/aaronromeo/dmarcpat/internal/mailbox"
	"github.com/aaronromeo/dmarcpat/internal/remotefs"
	"github.com/aaronromeo/dmarcpat/internal/sourceaction"
	"github.com/aaronromeo/dmarcpat/internal/store"
)

const (
	DefaultDatabaseDSN     = "dmarc.db"
	DefaultMessagesMaximum = 10
	DefaultFilesMaximum    = 50
	DefaultListen          = ":8080"
	DefaultSchedule        = "@every 15m"

	DefaultMailboxWhenDone     = "mark_seen"
	DefaultMailboxWhenFailed   = "move_to:failed"
	DefaultDirectoryWhenDone   = "delete"
	DefaultDirectoryWhenFailed = "move_to:failed"
)

// Env holds settings taken from environment variables.
type Env struct {
	ConfigPath   string `env:"DMARCPAT_CONFIG"`
	DatabaseDSN  string `env:"DMARCPAT_DATABASE_DSN"`
	WebhookURL   string `env:"DMARCPAT_WEBHOOK_URL"`
	OTelEndpoint string `env:"DMARCPAT_OTEL_ENDPOINT"`
	OTelHeaders  string `env:"DMARCPAT_OTEL_HEADERS"`
	S3Key        string `env:"DMARCPAT_S3_KEY"`
	S3Secret     string `env:"DMARCPAT_S3_SECRET"`
	LogLevel     string `env:"DMARCPAT_LOG_LEVEL" envDefault:"info"`
}

func LoadEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, errs.Configf("reading environment: %v", err)
	}
	return e, nil
}

// ReportingEnabled returns true when a webhook URL is configured.
func (e Env) ReportingEnabled() bool {
	return strings.TrimSpace(e.WebhookURL) != ""
}

// Config holds the YAML configuration.
type Config struct {
	Database          Database           `yaml:"database"`
	Mailboxes         []Mailbox          `yaml:"mailboxes"`
	Directories       []Directory        `yaml:"directories"`
	RemoteFilesystems []RemoteFilesystem `yaml:"remote_filesystems"`
	Fetcher           Fetcher            `yaml:"fetcher"`
	Schedule          string             `yaml:"schedule"`
	Server            Server             `yaml:"server"`
}

type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Mailbox struct {
	Name           string               `yaml:"name"`
	Host           string               `yaml:"host"`
	Port           int                  `yaml:"port"`
	Encryption     string               `yaml:"encryption"`
	NoValidateCert bool                 `yaml:"novalidate_cert"`
	Auth           string               `yaml:"auth"`
	Username       string               `yaml:"username"`
	Password       string               `yaml:"password"`
	Token          string               `yaml:"token"`
	Mailbox        string               `yaml:"mailbox"`
	Timeout        string               `yaml:"timeout"`
	WhenDone       sourceaction.Setting `yaml:"when_done"`
	WhenFailed     sourceaction.Setting `yaml:"when_failed"`
}

type Directory struct {
	Name       string               `yaml:"name"`
	Location   string               `yaml:"location"`
	WhenDone   sourceaction.Setting `yaml:"when_done"`
	WhenFailed sourceaction.Setting `yaml:"when_failed"`
}

type RemoteFilesystem struct {
	Name       string               `yaml:"name"`
	Type       string               `yaml:"type"`
	Bucket     string               `yaml:"bucket"`
	Prefix     string               `yaml:"prefix"`
	Region     string               `yaml:"region"`
	Endpoint   string               `yaml:"endpoint"`
	PathStyle  bool                 `yaml:"path_style"`
	WhenDone   sourceaction.Setting `yaml:"when_done"`
	WhenFailed sourceaction.Setting `yaml:"when_failed"`
}

type Fetcher struct {
	Mailboxes   FetcherMailboxes   `yaml:"mailboxes"`
	Directories FetcherDirectories `yaml:"directories"`
}

type FetcherMailboxes struct {
	MessagesMaximum int                  `yaml:"messages_maximum"`
	WhenDone        sourceaction.Setting `yaml:"when_done"`
	WhenFailed      sourceaction.Setting `yaml:"when_failed"`
}

type FetcherDirectories struct {
	FilesMaximum int                  `yaml:"files_maximum"`
	WhenDone     sourceaction.Setting `yaml:"when_done"`
	WhenFailed   sourceaction.Setting `yaml:"when_failed"`
}

type Server struct {
	Listen string `yaml:"listen"`
}

// Load reads configuration from a YAML file and fills in defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errs.Configf("reading config: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errs.Configf("parsing config %s: %v", path, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = store.DriverSQLite
	}
	if c.Database.DSN == "" && c.Database.Driver == store.DriverSQLite {
		c.Database.DSN = DefaultDatabaseDSN
	}
	if c.Fetcher.Mailboxes.MessagesMaximum <= 0 {
		c.Fetcher.Mailboxes.MessagesMaximum = DefaultMessagesMaximum
	}
	if c.Fetcher.Directories.FilesMaximum <= 0 {
		c.Fetcher.Directories.FilesMaximum = DefaultFilesMaximum
	}
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	for i := range c.Mailboxes {
		mb := &c.Mailboxes[i]
		if mb.Name == "" {
			mb.Name = mb.Username + "@" + mb.Host
		}
		if mb.Mailbox == "" {
			mb.Mailbox = "INBOX"
		}
	}
	for i := range c.Directories {
		if c.Directories[i].Name == "" {
			c.Directories[i].Name = c.Directories[i].Location
		}
	}
	for i := range c.RemoteFilesystems {
		rfs := &c.RemoteFilesystems[i]
		if rfs.Name == "" {
			rfs.Name = rfs.Bucket
		}
	}
}

// ApplyEnv lets environment settings override the file.
func (c *Config) ApplyEnv(e Env) {
	if e.DatabaseDSN != "" {
		c.Database.DSN = e.DatabaseDSN
	}
}

// Validate performs basic validation on the configuration.
func Validate(cfg Config) error {
	switch cfg.Database.Driver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		return errs.Configf("database.driver %q is not supported", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return errs.Config("database.dsn is required")
	}

	for i, mb := range cfg.Mailboxes {
		where := fmt.Sprintf("mailboxes[%d]", i)
		if strings.TrimSpace(mb.Host) == "" {
			return errs.Configf("%s: host is required", where)
		}
		if strings.TrimSpace(mb.Username) == "" {
			return errs.Configf("%s: username is required", where)
		}
		switch strings.ToLower(mb.Auth) {
		case "", sessionmanager.AuthPlain, sessionmanager.AuthOAuth:
		default:
			return errs.Configf("%s: unsupported authentication method %q", where, mb.Auth)
		}
		switch strings.ToLower(mb.Encryption) {
		case "", sessionmanager.EncryptionSSL, sessionmanager.EncryptionSTARTTLS, sessionmanager.EncryptionNone:
		default:
			return errs.Configf("%s: unsupported encryption %q", where, mb.Encryption)
		}
		if _, err := mb.timeout(); err != nil {
			return errs.Configf("%s: invalid timeout: %v", where, err)
		}
	}
	for i, dir := range cfg.Directories {
		if strings.TrimSpace(dir.Location) == "" {
			return errs.Configf("directories[%d]: location is required", i)
		}
	}
	for i, rfs := range cfg.RemoteFilesystems {
		if rfs.Type != "s3" {
			return errs.Configf("remote_filesystems[%d]: unsupported type %q", i, rfs.Type)
		}
		if strings.TrimSpace(rfs.Bucket) == "" {
			return errs.Configf("remote_filesystems[%d]: bucket is required", i)
		}
	}
	return nil
}

func (m Mailbox) timeout() (time.Duration, error) {
	if strings.TrimSpace(m.Timeout) == "" {
		return sessionmanager.DefaultTimeout, nil
	}
	d, err := time.ParseDuration(m.Timeout)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("timeout must be positive")
	}
	return d, nil
}

// MailboxConfig resolves secrets and returns the connection settings.
func (m Mailbox) MailboxConfig(r *credential.Resolver) (mailbox.Config, error) {
	timeout, err := m.timeout()
	if err != nil {
		return mailbox.Config{}, errs.Configf("mailbox %s: invalid timeout: %v", m.Name, err)
	}
	cfg := mailbox.Config{
		Host:           m.Host,
		Port:           m.Port,
		Encryption:     m.Encryption,
		NoValidateCert: m.NoValidateCert,
		Auth:           m.Auth,
		Username:       m.Username,
		Mailbox:        m.Mailbox,
		Timeout:        timeout,
	}
	if m.Password != "" {
		if cfg.Password, err = r.Resolve(m.Password); err != nil {
			return mailbox.Config{}, err
		}
	}
	if m.Token != "" {
		if cfg.Token, err = r.Resolve(m.Token); err != nil {
			return mailbox.Config{}, err
		}
	}
	return cfg, nil
}

// RemoteConfig returns the bucket settings with credentials from e.
func (r RemoteFilesystem) RemoteConfig(e Env) remotefs.Config {
	return remotefs.Config{
		Bucket:    r.Bucket,
		Prefix:    r.Prefix,
		Region:    r.Region,
		Endpoint:  r.Endpoint,
		PathStyle: r.PathStyle,
		AccessKey: e.S3Key,
		SecretKey: e.S3Secret,
	}
}

// MailboxActions returns the actions for processed and failed messages. A
// source's own setting wins over the fetcher-wide one.
func (c Config) MailboxActions(m Mailbox) (done, failed []sourceaction.Action) {
	done = sourceaction.FromSetting(firstSet(m.WhenDone, c.Fetcher.Mailboxes.WhenDone), 0, DefaultMailboxWhenDone)
	failed = sourceaction.FromSetting(firstSet(m.WhenFailed, c.Fetcher.Mailboxes.WhenFailed), 0, DefaultMailboxWhenFailed)
	return done, failed
}

// DirectoryActions returns the actions for a directory source. Move targets
// must be plain subdirectory names.
func (c Config) DirectoryActions(d Directory) (done, failed []sourceaction.Action) {
	flags := sourceaction.FlagBasename
	done = sourceaction.FromSetting(firstSet(d.WhenDone, c.Fetcher.Directories.WhenDone), flags, DefaultDirectoryWhenDone)
	failed = sourceaction.FromSetting(firstSet(d.WhenFailed, c.Fetcher.Directories.WhenFailed), flags, DefaultDirectoryWhenFailed)
	return done, failed
}

func (c Config) RemoteActions(r RemoteFilesystem) (done, failed []sourceaction.Action) {
	flags := sourceaction.FlagBasename
	done = sourceaction.FromSetting(firstSet(r.WhenDone, c.Fetcher.Directories.WhenDone), flags, DefaultDirectoryWhenDone)
	failed = sourceaction.FromSetting(firstSet(r.WhenFailed, c.Fetcher.Directories.WhenFailed), flags, DefaultDirectoryWhenFailed)
	return done, failed
}

func firstSet(values ...sourceaction.Setting) sourceaction.Setting {
	for _, v := range values {
		if len(v) > 0 {
			return v
		}
	}
	return nil
}

// Summary returns a concise config summary for validation runs.
func Summary(cfg Config, e Env) string {
	reportingStatus := "disabled"
	if e.ReportingEnabled() {
		reportingStatus = "enabled"
	}
	return fmt.Sprintf(
		"Config summary\n"+
			"- database: %s\n"+
			"- mailboxes: %d\n"+
			"- directories: %d\n"+
			"- remote filesystems: %d\n"+
			"- schedule: %s\n"+
			"- reporting webhook: %s",
		cfg.Database.Driver,
		len(cfg.Mailboxes),
		len(cfg.Directories),
		len(cfg.RemoteFilesystems),
		cfg.Schedule,
		reportingStatus,
	)
}
