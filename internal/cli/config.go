package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JonMunkholm/partyledger/internal/ledger"
)

// EnvPrefix prefixes environment overrides, e.g. LEDGER_SERVER_URL.
const EnvPrefix = "LEDGER"

// Config holds ledgerctl settings. Values come from, in increasing
// priority: defaults, the YAML config file, LEDGER_* environment variables
// and command-line flags.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Import ImportConfig `mapstructure:"import"`
	Output string       `mapstructure:"output"`
	Log    LogConfig    `mapstructure:"log"`
}

// ServerConfig locates the ledger server.
type ServerConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ImportConfig tunes client-side batch imports.
type ImportConfig struct {
	BatchSize  int           `mapstructure:"batch_size"`
	BatchDelay time.Duration `mapstructure:"batch_delay"`
}

// LogConfig controls diagnostics written to stderr.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "http://localhost:8080")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.timeout", 30*time.Second)
	v.SetDefault("import.batch_size", ledger.DefaultBatchSize)
	v.SetDefault("import.batch_delay", ledger.DefaultBatchDelay)
	v.SetDefault("output", "text")
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "text")
}

// defaultConfigDir is the ledgerctl directory under the user config dir.
func defaultConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "ledgerctl")
	}
	return "."
}

// loadConfig reads configuration into v. A missing default config file is
// not an error; a missing explicit one is.
func loadConfig(v *viper.Viper, cfgFile string) (Config, error) {
	setDefaults(v)

	v.SetConfigType("yaml")
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(defaultConfigDir())
		v.AddConfigPath(".")
		v.SetConfigName("ledgerctl")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the loaded configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Server.URL == "" {
		errs = append(errs, errors.New("server.url is required"))
	}
	if c.Server.Timeout < 0 {
		errs = append(errs, errors.New("server.timeout must not be negative"))
	}
	if c.Import.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("import.batch_size must be at least 1, got %d", c.Import.BatchSize))
	}
	switch c.Output {
	case formatText, formatJSON, formatYAML:
	default:
		errs = append(errs, fmt.Errorf("output must be text, json or yaml, got %q", c.Output))
	}
	return errors.Join(errs...)
}
