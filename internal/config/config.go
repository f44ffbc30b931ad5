package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/brandon/mailsync/pkg/types"
)

// Config holds the application configuration
type Config struct {
	// Cache settings
	CachePath         string `mapstructure:"cache_path"`
	SearchResultLimit int    `mapstructure:"search_result_limit"`
	LogLevel          string `mapstructure:"log_level"`
	BodyCacheSize     int    `mapstructure:"body_cache_size"`
	MaxStoredBodies   int    `mapstructure:"max_stored_bodies"`

	// Connection pool settings
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	EventBuffer    int           `mapstructure:"event_buffer"`

	// Scheduler settings
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// RelayAddr enables the websocket event relay when non-empty
	RelayAddr string `mapstructure:"relay_addr"`

	// RelayAllowedOrigins restricts websocket origins; empty allows any
	RelayAllowedOrigins []string `mapstructure:"relay_allowed_origins"`

	// Credential settings
	CredentialBackend string `mapstructure:"credential_backend"`
	KeyringDir        string `mapstructure:"keyring_dir"`
	CredentialKey     string `mapstructure:"credential_key"`

	// Principal is the identity tool calls run as
	Principal string `mapstructure:"principal"`

	// Accounts
	Accounts []AccountConfig `mapstructure:"accounts"`
}

// AccountConfig holds configuration for a single email account
type AccountConfig struct {
	Name  string `mapstructure:"name"`
	Owner string `mapstructure:"owner"`

	// IMAP settings
	IMAPHost     string `mapstructure:"imap_host"`
	IMAPPort     int    `mapstructure:"imap_port"`
	IMAPSecurity string `mapstructure:"imap_security"`
	IMAPUsername string `mapstructure:"imap_username"`
	IMAPPassword string `mapstructure:"imap_password"`
}

const (
	BackendConfig  = "config"
	BackendKeyring = "keyring"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache_path", "/data/email_cache.db")
	v.SetDefault("search_result_limit", 100)
	v.SetDefault("log_level", "info")
	v.SetDefault("body_cache_size", 256)
	v.SetDefault("max_stored_bodies", 2000)
	v.SetDefault("idle_timeout", 30*time.Minute)
	v.SetDefault("sweep_interval", 5*time.Minute)
	v.SetDefault("connect_timeout", 30*time.Second)
	v.SetDefault("command_timeout", time.Minute)
	v.SetDefault("event_buffer", 64)
	v.SetDefault("poll_interval", 5*time.Minute)
	v.SetDefault("relay_addr", "")
	v.SetDefault("relay_allowed_origins", []string{})
	v.SetDefault("credential_backend", BackendConfig)
	v.SetDefault("keyring_dir", "")
	v.SetDefault("credential_key", "")
	v.SetDefault("principal", "")
}

// LoadConfig loads configuration from environment variables and, when
// CONFIG_FILE is set, from that YAML file. Environment values win.
func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if len(cfg.Accounts) == 0 {
		accounts, err := loadAccounts(v)
		if err != nil {
			return nil, fmt.Errorf("failed to load accounts: %w", err)
		}
		cfg.Accounts = accounts
	}

	for i := range cfg.Accounts {
		applyAccountDefaults(&cfg.Accounts[i])
	}

	if len(cfg.Accounts) == 0 {
		return nil, fmt.Errorf("no email accounts configured")
	}

	return cfg, nil
}

func applyAccountDefaults(acc *AccountConfig) {
	if acc.IMAPSecurity == "" {
		acc.IMAPSecurity = string(types.SecurityTLS)
	}
	if acc.IMAPPort == 0 {
		if acc.IMAPSecurity == string(types.SecurityTLS) {
			acc.IMAPPort = 993
		} else {
			acc.IMAPPort = 143
		}
	}
}

// loadAccounts loads email account configurations from environment variables
func loadAccounts(v *viper.Viper) ([]AccountConfig, error) {
	var accounts []AccountConfig

	// First, try single account configuration (for backward compatibility)
	if v.GetString("IMAP_HOST") != "" {
		accounts = append(accounts, loadAccount(v, "", v.GetString("ACCOUNT_NAME")))
		return accounts, nil
	}

	// Load multiple accounts (ACCOUNT_1_*, ACCOUNT_2_*, etc.)
	for num := 1; ; num++ {
		prefix := fmt.Sprintf("ACCOUNT_%d_", num)
		name := v.GetString(prefix + "NAME")
		if name == "" {
			break // No more accounts
		}
		accounts = append(accounts, loadAccount(v, prefix, name))
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts found in environment variables")
	}

	return accounts, nil
}

func loadAccount(v *viper.Viper, prefix, name string) AccountConfig {
	if name == "" {
		name = "default"
	}
	return AccountConfig{
		Name:         name,
		Owner:        v.GetString(prefix + "OWNER"),
		IMAPHost:     v.GetString(prefix + "IMAP_HOST"),
		IMAPPort:     v.GetInt(prefix + "IMAP_PORT"),
		IMAPSecurity: v.GetString(prefix + "IMAP_SECURITY"),
		IMAPUsername: v.GetString(prefix + "IMAP_USERNAME"),
		IMAPPassword: v.GetString(prefix + "IMAP_PASSWORD"),
	}
}

// GetAccountByName finds an account by name
func (c *Config) GetAccountByName(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// GetDefaultAccount returns the first account (or default account if named "default")
func (c *Config) GetDefaultAccount() *AccountConfig {
	if len(c.Accounts) == 0 {
		return nil
	}

	for i := range c.Accounts {
		if c.Accounts[i].Name == "default" {
			return &c.Accounts[i]
		}
	}

	return &c.Accounts[0]
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.CachePath == "" {
		return fmt.Errorf("CACHE_PATH is required")
	}

	if c.SearchResultLimit < 1 || c.SearchResultLimit > 1000 {
		return fmt.Errorf("SEARCH_RESULT_LIMIT must be between 1 and 1000")
	}

	if c.IdleTimeout <= 0 || c.SweepInterval <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("IDLE_TIMEOUT, SWEEP_INTERVAL and POLL_INTERVAL must be positive")
	}

	if c.EventBuffer < 1 {
		return fmt.Errorf("EVENT_BUFFER must be at least 1")
	}

	if c.CredentialBackend != BackendConfig && c.CredentialBackend != BackendKeyring {
		return fmt.Errorf("CREDENTIAL_BACKEND must be %q or %q", BackendConfig, BackendKeyring)
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if seen[acc.Name] {
			return fmt.Errorf("account %s: duplicate name", acc.Name)
		}
		seen[acc.Name] = true

		if acc.IMAPHost == "" {
			return fmt.Errorf("account %s: IMAP_HOST is required", acc.Name)
		}
		if acc.IMAPPort < 1 || acc.IMAPPort > 65535 {
			return fmt.Errorf("account %s: invalid IMAP_PORT", acc.Name)
		}
		if _, ok := types.ParseSecurityMode(acc.IMAPSecurity); !ok {
			return fmt.Errorf("account %s: invalid IMAP_SECURITY %q", acc.Name, acc.IMAPSecurity)
		}
		if acc.IMAPUsername == "" {
			return fmt.Errorf("account %s: IMAP_USERNAME is required", acc.Name)
		}
		if c.CredentialBackend == BackendConfig && acc.IMAPPassword == "" {
			return fmt.Errorf("account %s: IMAP_PASSWORD is required", acc.Name)
		}
	}

	return nil
}

// AccountNames returns a list of all account names
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		names[i] = c.Accounts[i].Name
	}
	return names
}
