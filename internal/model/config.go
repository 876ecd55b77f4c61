package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides,
// e.g. ORGMAIL_IMAP_HOST overrides imap.host.
const EnvPrefix = "ORGMAIL"

// MailServerConfig holds connection settings for an IMAP or SMTP server.
type MailServerConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`

	// TLS selects implicit TLS; false means STARTTLS.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	ConnectTimeoutSec int `mapstructure:"connect_timeout_sec" yaml:"connect_timeout_sec"`
}

// Addr returns host:port.
func (c MailServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConnectTimeout returns the dial/auth bound as a duration.
func (c MailServerConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// AddressingConfig describes the shared mailbox address and the
// sub-addressing convention used to tag organizations.
type AddressingConfig struct {
	// ServiceAccount is the local part of the shared mailbox address.
	ServiceAccount string `mapstructure:"service_account" yaml:"service_account"`
	Domain         string `mapstructure:"domain" yaml:"domain"`
}

// FolderConfig maps a logical folder label to its server-side path.
type FolderConfig struct {
	Name Folder `mapstructure:"name" yaml:"name"`
	Path string `mapstructure:"path" yaml:"path"`
}

// AttachmentConfig configures the inbound attachment store.
type AttachmentConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`

	// PublicBaseURL prefixes generated retrieval URLs. Empty yields
	// host-relative URLs.
	PublicBaseURL string `mapstructure:"public_base_url" yaml:"public_base_url"`
}

// DispatchConfig configures outbound delivery.
type DispatchConfig struct {
	// Transport is "smtp" or "ses".
	Transport          string  `mapstructure:"transport" yaml:"transport"`
	MaxAttachmentBytes int64   `mapstructure:"max_attachment_bytes" yaml:"max_attachment_bytes"`
	Concurrency        int     `mapstructure:"concurrency" yaml:"concurrency"`
	RatePerSecond      float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
}

// SESConfig holds AWS SES settings, used when dispatch.transport is "ses".
type SESConfig struct {
	Region          string `mapstructure:"region" yaml:"region"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
}

// IngestConfig configures ingestion passes.
type IngestConfig struct {
	// PollIntervalSec enables the background poller when > 0.
	PollIntervalSec   int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	MessageTimeoutSec int `mapstructure:"message_timeout_sec" yaml:"message_timeout_sec"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
	Debug         bool   `mapstructure:"debug" yaml:"debug"`
}

// StoreConfig configures the local directory and audit database.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// AppConfig is the top-level gateway configuration.
type AppConfig struct {
	IMAP        MailServerConfig `mapstructure:"imap" yaml:"imap"`
	SMTP        MailServerConfig `mapstructure:"smtp" yaml:"smtp"`
	Addressing  AddressingConfig `mapstructure:"addressing" yaml:"addressing"`
	Folders     []FolderConfig   `mapstructure:"folders" yaml:"folders"`
	Attachments AttachmentConfig `mapstructure:"attachments" yaml:"attachments"`
	Dispatch    DispatchConfig   `mapstructure:"dispatch" yaml:"dispatch"`
	SES         SESConfig        `mapstructure:"ses" yaml:"ses"`
	Ingest      IngestConfig     `mapstructure:"ingest" yaml:"ingest"`
	Server      ServerConfig     `mapstructure:"server" yaml:"server"`
	Store       StoreConfig      `mapstructure:"store" yaml:"store"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/orgmail/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "orgmail", "config.yaml")
}

// DefaultFolders is the folder set scanned when none is configured.
func DefaultFolders() []FolderConfig {
	return []FolderConfig{
		{Name: FolderInbox, Path: "INBOX"},
		{Name: FolderSent, Path: "Sent"},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("imap.host", "")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.username", "")
	v.SetDefault("imap.password", "")
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.connect_timeout_sec", 10)

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 465)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.tls", true)
	v.SetDefault("smtp.connect_timeout_sec", 10)

	v.SetDefault("addressing.service_account", "newsletter")
	v.SetDefault("addressing.domain", "")

	v.SetDefault("attachments.dir", "./attachments")
	v.SetDefault("attachments.public_base_url", "")

	v.SetDefault("dispatch.transport", "smtp")
	v.SetDefault("dispatch.max_attachment_bytes", 25*1024*1024)
	v.SetDefault("dispatch.concurrency", 4)
	v.SetDefault("dispatch.rate_per_second", 5)

	v.SetDefault("ses.region", "")
	v.SetDefault("ses.access_key_id", "")
	v.SetDefault("ses.secret_access_key", "")

	v.SetDefault("ingest.poll_interval_sec", 0)
	v.SetDefault("ingest.message_timeout_sec", 30)

	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.debug", false)

	v.SetDefault("store.path", "orgmail.db")
}

// LoadConfig reads configuration from the given YAML file path using Viper
// and applies ORGMAIL_* environment overrides. A missing file is not an
// error: defaults plus environment are used.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !isMissingConfig(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if len(cfg.Folders) == 0 {
		cfg.Folders = DefaultFolders()
	}
	if cfg.Addressing.Domain == "" {
		// Derive the domain from the mailbox login when it is an address.
		if _, domain, ok := strings.Cut(cfg.IMAP.Username, "@"); ok {
			cfg.Addressing.Domain = domain
		}
	}
	if cfg.Dispatch.Concurrency < 1 {
		cfg.Dispatch.Concurrency = 1
	}

	return cfg, nil
}

func isMissingConfig(err error) bool {
	if _, ok := err.(*os.PathError); ok {
		return true
	}
	_, ok := err.(viper.ConfigFileNotFoundError)
	return ok
}

// Validate reports configuration that would prevent the gateway from
// running at all.
func (c *AppConfig) Validate() error {
	var missing []string
	if c.IMAP.Host == "" {
		missing = append(missing, "imap.host")
	}
	if c.IMAP.Username == "" {
		missing = append(missing, "imap.username")
	}
	if c.Addressing.ServiceAccount == "" {
		missing = append(missing, "addressing.service_account")
	}
	if c.Addressing.Domain == "" {
		missing = append(missing, "addressing.domain")
	}
	if c.Attachments.Dir == "" {
		missing = append(missing, "attachments.dir")
	}
	switch c.Dispatch.Transport {
	case "smtp":
		if c.SMTP.Host == "" {
			missing = append(missing, "smtp.host")
		}
	case "ses":
		if c.SES.Region == "" {
			missing = append(missing, "ses.region")
		}
	default:
		return fmt.Errorf("unknown dispatch.transport %q", c.Dispatch.Transport)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	for _, f := range c.Folders {
		if f.Name != FolderInbox && f.Name != FolderSent {
			return fmt.Errorf("folder %q: name must be %q or %q", f.Path, FolderInbox, FolderSent)
		}
	}
	return nil
}
