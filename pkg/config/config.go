// Package config loads application configuration from a YAML file, a .env
// file, and environment variables, in that order of increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config holds all application configuration.
type Config struct {
	Portal  PortalConfig  `mapstructure:"portal"`
	Browser BrowserConfig `mapstructure:"browser"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	OpenAI  OpenAIConfig  `mapstructure:"openai"`
	Server  ServerConfig  `mapstructure:"server"`
	Logger  LoggerConfig  `mapstructure:"logger"`
}

// PortalConfig describes the remote B2B portal and the credentials used
// when a job does not supply its own identity.
type PortalConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	LoginPath     string `mapstructure:"login_path"`
	ChargesPath   string `mapstructure:"charges_path"`
	CataloguePath string `mapstructure:"catalogue_path"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
}

// LoginURL returns the absolute URL of the portal login page.
func (p PortalConfig) LoginURL() string {
	return strings.TrimRight(p.BaseURL, "/") + p.LoginPath
}

// ChargesFormURL returns the absolute URL of the expense creation form.
func (p PortalConfig) ChargesFormURL() string {
	return strings.TrimRight(p.BaseURL, "/") + p.ChargesPath
}

// CatalogueURL returns the absolute URL of the program/order catalogue page.
func (p PortalConfig) CatalogueURL() string {
	return strings.TrimRight(p.BaseURL, "/") + p.CataloguePath
}

// BrowserConfig controls the browser session pool.
type BrowserConfig struct {
	Headless      bool          `mapstructure:"headless"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxSessions   int           `mapstructure:"max_sessions"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	ScreenshotDir string        `mapstructure:"screenshot_dir"`
}

// JobsConfig controls workflow retries, timeouts, and result output.
type JobsConfig struct {
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	GroupTimeoutBase    time.Duration `mapstructure:"group_timeout_base"`
	GroupTimeoutPerItem time.Duration `mapstructure:"group_timeout_per_item"`
	QuestionWait        time.Duration `mapstructure:"question_wait"`
	DataDir             string        `mapstructure:"data_dir"`
}

// GroupTimeout returns the wall-clock allowance for one group of n items.
func (j JobsConfig) GroupTimeout(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return j.GroupTimeoutBase + time.Duration(n)*j.GroupTimeoutPerItem
}

// OpenAIConfig holds the intent-classifier credentials.
type OpenAIConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// ServerConfig holds the HTTP bridge listen address.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoggerConfig holds logger settings.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load reads configuration from the given YAML file plus environment
// variables. A .env file in the working directory is loaded first so local
// deployments can keep credentials out of the YAML. A missing config file
// is not an error; defaults and the environment carry the configuration.
func Load(configPath string) (*Config, error) {
	_ = gotenv.Load() // missing .env is fine

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		_ = v.ReadInConfig()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("portal.base_url", "https://www.qualityb2bpackage.com/")
	v.SetDefault("portal.login_path", "/member/login")
	v.SetDefault("portal.charges_path", "/charges_group/create")
	v.SetDefault("portal.catalogue_path", "/travelpackage")

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.timeout", 30*time.Second)
	v.SetDefault("browser.max_sessions", 10)
	v.SetDefault("browser.idle_timeout", 30*time.Minute)
	v.SetDefault("browser.screenshot_dir", "logs")

	v.SetDefault("jobs.max_retries", 3)
	v.SetDefault("jobs.retry_delay", 5*time.Second)
	v.SetDefault("jobs.group_timeout_base", 2*time.Minute)
	v.SetDefault("jobs.group_timeout_per_item", 30*time.Second)
	v.SetDefault("jobs.question_wait", 2*time.Minute)
	v.SetDefault("jobs.data_dir", "data")

	v.SetDefault("openai.model", "gpt-4o-mini")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9100)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output_path", "stdout")
	v.SetDefault("logger.format", "console")
}

func (c *Config) validate() error {
	if c.Portal.BaseURL == "" {
		return fmt.Errorf("portal.base_url is required")
	}
	if c.Browser.MaxSessions < 1 {
		return fmt.Errorf("browser.max_sessions must be at least 1")
	}
	return nil
}
