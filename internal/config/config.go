package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	// Cache settings
	CachePath         string `mapstructure:"cache_path"`
	CacheLimitMB      int    `mapstructure:"cache_limit_mb"`
	CacheDurationDays int    `mapstructure:"cache_duration_days"`
	SearchResultLimit int    `mapstructure:"search_result_limit"`
	LogLevel          string `mapstructure:"log_level"`

	// Sync settings
	ActiveConcurrency     int    `mapstructure:"active_concurrency"`
	BackgroundConcurrency int    `mapstructure:"background_concurrency"`
	PrimaryMailbox        string `mapstructure:"primary_mailbox"`
	ChatMailbox           string `mapstructure:"chat_mailbox"`
	PageSize              int    `mapstructure:"page_size"`
	StaggerMS             int    `mapstructure:"stagger_ms"`
	PacingMS              int    `mapstructure:"pacing_ms"`
	RetryInitialMS        int    `mapstructure:"retry_initial_ms"`
	RetryMaxMS            int    `mapstructure:"retry_max_ms"`
	ProbeIntervalSec      int    `mapstructure:"probe_interval_sec"`

	// Accounts
	Accounts []AccountConfig `mapstructure:"accounts"`
}

// AccountConfig holds configuration for a single email account
type AccountConfig struct {
	ID    string `mapstructure:"id"`
	Name  string `mapstructure:"name"`
	Email string `mapstructure:"email"`

	// IMAP settings
	IMAPHost     string `mapstructure:"imap_host"`
	IMAPPort     int    `mapstructure:"imap_port"`
	IMAPUsername string `mapstructure:"username"`
	IMAPPassword string `mapstructure:"password"`

	// Auth is "password" (default) or "oauth2"
	Auth   string       `mapstructure:"auth"`
	OAuth2 OAuth2Config `mapstructure:"oauth2"`

	// Hidden accounts are never background-synced
	Hidden bool `mapstructure:"hidden"`
}

// OAuth2Config holds the client registration used to refresh tokens
type OAuth2Config struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	TokenURL     string `mapstructure:"token_url"`
}

// DefaultConfigPath returns ~/.config/mailsync/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "cache.db")
	}
	return filepath.Join(home, ".local", "share", "mailsync", "cache.db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache_path", defaultCachePath())
	v.SetDefault("cache_limit_mb", 0)
	v.SetDefault("cache_duration_days", 0)
	v.SetDefault("search_result_limit", 100)
	v.SetDefault("log_level", "info")
	v.SetDefault("active_concurrency", 3)
	v.SetDefault("background_concurrency", 1)
	v.SetDefault("primary_mailbox", "INBOX")
	v.SetDefault("chat_mailbox", "Sent")
	v.SetDefault("page_size", 50)
	v.SetDefault("stagger_ms", 500)
	v.SetDefault("pacing_ms", 250)
	v.SetDefault("retry_initial_ms", 3000)
	v.SetDefault("retry_max_ms", 120000)
	v.SetDefault("probe_interval_sec", 15)
}

// LoadConfig loads configuration from the YAML file at path (optional) with
// MAILSYNC_* environment overrides. Accounts missing from the file are taken
// from the IMAP_* / ACCOUNT_n_* environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			var pathErr *os.PathError
			if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if len(cfg.Accounts) == 0 {
		accounts, err := loadAccounts()
		if err != nil {
			return nil, fmt.Errorf("failed to load accounts: %w", err)
		}
		cfg.Accounts = accounts
	}

	for i := range cfg.Accounts {
		applyAccountDefaults(&cfg.Accounts[i])
	}

	return cfg, nil
}

func applyAccountDefaults(acc *AccountConfig) {
	if acc.IMAPPort == 0 {
		acc.IMAPPort = 993
	}
	if acc.Auth == "" {
		acc.Auth = "password"
	}
	if acc.Email == "" {
		acc.Email = acc.IMAPUsername
	}
	if acc.ID == "" {
		acc.ID = acc.Name
	}
	if acc.ID == "" {
		acc.ID = acc.Email
	}
}

// loadAccounts loads email account configurations from environment variables
func loadAccounts() ([]AccountConfig, error) {
	var accounts []AccountConfig

	// First, try single account configuration (for backward compatibility)
	if hasSingleAccount() {
		account, err := loadSingleAccount()
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
		return accounts, nil
	}

	// Load multiple accounts (ACCOUNT_1_*, ACCOUNT_2_*, etc.)
	accountNum := 1
	for {
		account, err := loadAccountByNumber(accountNum)
		if err != nil {
			break // No more accounts
		}
		accounts = append(accounts, *account)
		accountNum++
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts found in config file or environment variables")
	}

	return accounts, nil
}

// hasSingleAccount checks if single account configuration exists
func hasSingleAccount() bool {
	return getEnv("IMAP_HOST", "") != ""
}

// loadSingleAccount loads a single account from environment variables.
// The password may be omitted when it lives in the keyring.
func loadSingleAccount() (*AccountConfig, error) {
	imapHost := getEnv("IMAP_HOST", "")
	imapUsername := getEnv("IMAP_USERNAME", "")
	if imapHost == "" || imapUsername == "" {
		return nil, fmt.Errorf("IMAP_HOST and IMAP_USERNAME are required")
	}

	name := getEnv("ACCOUNT_NAME", "default")
	if name == "" {
		name = "default"
	}

	return &AccountConfig{
		ID:           name,
		Name:         name,
		Email:        getEnv("ACCOUNT_EMAIL", imapUsername),
		IMAPHost:     imapHost,
		IMAPPort:     getEnvInt("IMAP_PORT", 993),
		IMAPUsername: imapUsername,
		IMAPPassword: getEnv("IMAP_PASSWORD", ""),
		Auth:         getEnv("IMAP_AUTH", "password"),
	}, nil
}

// loadAccountByNumber loads an account by number (ACCOUNT_1_*, ACCOUNT_2_*, etc.)
func loadAccountByNumber(num int) (*AccountConfig, error) {
	prefix := fmt.Sprintf("ACCOUNT_%d_", num)

	name := getEnv(prefix+"NAME", "")
	if name == "" {
		return nil, fmt.Errorf("account %d: NAME is required", num)
	}

	imapHost := getEnv(prefix+"IMAP_HOST", "")
	imapUsername := getEnv(prefix+"IMAP_USERNAME", "")
	if imapHost == "" || imapUsername == "" {
		return nil, fmt.Errorf("account %d: IMAP_HOST and IMAP_USERNAME are required", num)
	}

	return &AccountConfig{
		ID:           getEnv(prefix+"ID", name),
		Name:         name,
		Email:        getEnv(prefix+"EMAIL", imapUsername),
		IMAPHost:     imapHost,
		IMAPPort:     getEnvInt(prefix+"IMAP_PORT", 993),
		IMAPUsername: imapUsername,
		IMAPPassword: getEnv(prefix+"IMAP_PASSWORD", ""),
		Auth:         getEnv(prefix+"AUTH", "password"),
		Hidden:       getEnv(prefix+"HIDDEN", "") == "true",
	}, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetAccount finds an account by id
func (c *Config) GetAccount(id string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].ID == id {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", id)
}

// GetDefaultAccount returns the first visible account, or nil
func (c *Config) GetDefaultAccount() *AccountConfig {
	for i := range c.Accounts {
		if !c.Accounts[i].Hidden {
			return &c.Accounts[i]
		}
	}
	return nil
}

// CacheDuration returns the body-caching cutoff, 0 meaning no cutoff
func (c *Config) CacheDuration() time.Duration {
	return time.Duration(c.CacheDurationDays) * 24 * time.Hour
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.CachePath == "" {
		return fmt.Errorf("cache_path is required")
	}

	if c.SearchResultLimit < 1 || c.SearchResultLimit > 1000 {
		return fmt.Errorf("search_result_limit must be between 1 and 1000")
	}

	if c.CacheLimitMB < 0 {
		return fmt.Errorf("cache_limit_mb must not be negative")
	}

	if c.ActiveConcurrency < 1 || c.BackgroundConcurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}

	if c.PageSize < 1 {
		return fmt.Errorf("page_size must be at least 1")
	}

	if c.PrimaryMailbox == "" {
		return fmt.Errorf("primary_mailbox is required")
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.ID == "" {
			return fmt.Errorf("account %d: id is required", i+1)
		}
		if seen[acc.ID] {
			return fmt.Errorf("account %s: duplicate id", acc.ID)
		}
		seen[acc.ID] = true

		if acc.IMAPHost == "" {
			return fmt.Errorf("account %s: imap_host is required", acc.ID)
		}
		if acc.IMAPPort < 1 || acc.IMAPPort > 65535 {
			return fmt.Errorf("account %s: invalid imap_port", acc.ID)
		}
		if acc.Auth != "password" && acc.Auth != "oauth2" {
			return fmt.Errorf("account %s: auth must be password or oauth2", acc.ID)
		}
	}

	return nil
}

// AccountIDs returns a list of all account ids
func (c *Config) AccountIDs() []string {
	ids := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		ids[i] = c.Accounts[i].ID
	}
	return ids
}
