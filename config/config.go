package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the portal automation system
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Capability CapabilityConfig `mapstructure:"capability"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address          string `mapstructure:"address"`
	JWTSecret        string `mapstructure:"jwt_secret"`
	SchedulerEnabled bool   `mapstructure:"scheduler_enabled"`
}

// LLMConfig contains reasoning provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single reasoning provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai, anthropic
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model each agent role consults
type LLMRoutingConfig struct {
	Planning  string `mapstructure:"planning"`  // plan creation and revision
	Review    string `mapstructure:"review"`    // plan and task-result review
	Research  string `mapstructure:"research"`  // free-form research queries
	Execution string `mapstructure:"execution"` // task -> action mapping
	Fallback  string `mapstructure:"fallback"`  // fallback model
}

// WorkflowConfig carries the orchestrator loop defaults. Request-level
// overrides take precedence per run.
type WorkflowConfig struct {
	MaxIterations int           `mapstructure:"max_iterations"`
	RequireReview bool          `mapstructure:"require_review"`
	AutoRetry     bool          `mapstructure:"auto_retry"`
	RetryLimit    int           `mapstructure:"retry_limit"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxReplans    int           `mapstructure:"max_replans"`
}

// Normalize applies the documented workflow defaults for unset values.
func (w WorkflowConfig) Normalize() WorkflowConfig {
	if w.MaxIterations <= 0 {
		w.MaxIterations = 15
	}
	if w.RetryLimit <= 0 {
		w.RetryLimit = 2
	}
	if w.Timeout <= 0 {
		w.Timeout = 300 * time.Second
	}
	if w.MaxReplans <= 0 {
		w.MaxReplans = 1
	}
	return w
}

// BrowserConfig contains headless-browser automation settings
type BrowserConfig struct {
	PortalURL     string        `mapstructure:"portal_url"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Headless      bool          `mapstructure:"headless"`
	ActionTimeout time.Duration `mapstructure:"action_timeout"`
	MaxPageChars  int           `mapstructure:"max_page_chars"`
	UserAgent     string        `mapstructure:"user_agent"`
}

func (b BrowserConfig) Validate() error {
	if strings.TrimSpace(b.PortalURL) == "" {
		return fmt.Errorf("browser.portal_url is required")
	}
	return nil
}

// CapabilityConfig controls the action ToolCard registry behaviour.
type CapabilityConfig struct {
	SigningSecret   string   `mapstructure:"signing_secret"`
	RequiredActions []string `mapstructure:"required_actions"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN assembles a connection string from the individual fields when no
// url was configured.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	host := p.Host
	port := p.Port
	ssl := p.SSLMode
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "5432"
	}
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Addr() string {
	host := r.Host
	port := r.Port
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "6379"
	}
	return host + ":" + port
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
	LogFile      string `mapstructure:"log_file"`
}

// RecognizedKeys lists the top-level configuration sections. The status
// endpoint reports these for documentation purposes only.
func RecognizedKeys() []string {
	return []string{"general", "server", "llm", "workflow", "browser", "capability", "storage", "telemetry"}
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.default_timeout", "60s")
	viper.SetDefault("server.address", ":10080")
	viper.SetDefault("server.scheduler_enabled", false)
	viper.SetDefault("workflow.max_iterations", 15)
	viper.SetDefault("workflow.require_review", true)
	viper.SetDefault("workflow.auto_retry", true)
	viper.SetDefault("workflow.retry_limit", 2)
	viper.SetDefault("workflow.timeout", "300s")
	viper.SetDefault("workflow.max_replans", 1)
	viper.SetDefault("browser.headless", true)
	viper.SetDefault("browser.action_timeout", "30s")
	viper.SetDefault("browser.max_page_chars", 4000)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("PORTALPILOT")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv() // read in environment variables that match (PORTALPILOT_*)

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Workflow = config.Workflow.Normalize()

	if err := config.Browser.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	return &config
}
