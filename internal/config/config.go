package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. MESSENGER_API_BASE_URL
const EnvPrefix = "MESSENGER"

// Config holds application configuration
type Config struct {
	API       APIConfig       `toml:"api"`
	Channel   ChannelConfig   `toml:"channel"`
	Directory DirectoryConfig `toml:"directory"`
	Timeline  TimelineConfig  `toml:"timeline"`
	Send      SendConfig      `toml:"send"`
	Logging   LoggingConfig   `toml:"logging"`
	Storage   StorageConfig   `toml:"storage"`
}

// APIConfig points at the gateway fronting the identity, history and registry services
type APIConfig struct {
	BaseURL string        `toml:"base_url" envconfig:"BASE_URL" validate:"required,url"`
	Timeout time.Duration `toml:"timeout" envconfig:"TIMEOUT" validate:"gt=0"`
}

// ChannelConfig controls the live connection
type ChannelConfig struct {
	Reconnect   bool          `toml:"reconnect" envconfig:"RECONNECT"`
	BackoffMin  time.Duration `toml:"backoff_min" envconfig:"BACKOFF_MIN" validate:"gt=0"`
	BackoffMax  time.Duration `toml:"backoff_max" envconfig:"BACKOFF_MAX" validate:"gtefield=BackoffMin"`
	MaxElapsed  time.Duration `toml:"max_elapsed" envconfig:"MAX_ELAPSED" validate:"gte=0"` // 0 retries forever
	BacklogSize int           `toml:"backlog_size" envconfig:"BACKLOG_SIZE" validate:"gte=1"`
	DedupeTTL   time.Duration `toml:"dedupe_ttl" envconfig:"DEDUPE_TTL" validate:"gt=0"`
	DedupeSize  int           `toml:"dedupe_size" envconfig:"DEDUPE_SIZE" validate:"gte=1"`
}

// DirectoryConfig controls conversation list enrichment
type DirectoryConfig struct {
	Concurrency int `toml:"concurrency" envconfig:"CONCURRENCY" validate:"gte=1,lte=64"`
}

// TimelineConfig controls history loading
type TimelineConfig struct {
	Window     time.Duration `toml:"window" envconfig:"WINDOW" validate:"gt=0"`
	EchoWindow time.Duration `toml:"echo_window" envconfig:"ECHO_WINDOW" validate:"gt=0"`
}

// SendConfig controls outgoing messages
type SendConfig struct {
	Optimistic  bool          `toml:"optimistic" envconfig:"OPTIMISTIC"`
	EchoTimeout time.Duration `toml:"echo_timeout" envconfig:"ECHO_TIMEOUT" validate:"gt=0"`
}

// LoggingConfig controls the log file
type LoggingConfig struct {
	Level string `toml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	Dir   string `toml:"dir" envconfig:"DIR" validate:"required"`
}

// StorageConfig locates the SQLite database
type StorageConfig struct {
	DBPath string `toml:"db_path" envconfig:"DB_PATH" validate:"required"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:8080/api",
			Timeout: 15 * time.Second,
		},
		Channel: ChannelConfig{
			Reconnect:   true,
			BackoffMin:  time.Second,
			BackoffMax:  30 * time.Second,
			MaxElapsed:  5 * time.Minute,
			BacklogSize: 200,
			DedupeTTL:   5 * time.Minute,
			DedupeSize:  1000,
		},
		Directory: DirectoryConfig{
			Concurrency: 8,
		},
		Timeline: TimelineConfig{
			Window:     7 * 24 * time.Hour,
			EchoWindow: time.Minute,
		},
		Send: SendConfig{
			Optimistic:  true,
			EchoTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "logs",
		},
		Storage: StorageConfig{
			DBPath: "messenger.db",
		},
	}
}

// Load layers the TOML file at path (optional when empty), a .env file in the
// working directory, and MESSENGER_* environment variables over Default.
// Validation is left to the caller so command-line flags can be applied first.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		// Expand environment variables (${VAR} syntax)
		expanded := expandEnvVars(string(data))

		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

var validate = validator.New()

// Validate checks every field against its constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
