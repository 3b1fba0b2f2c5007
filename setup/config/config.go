// Package config loads and verifies the server configuration from YAML,
// with defaults suitable for local development.
package config

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Config is the top-level server configuration.
type Config struct {
	// Listen is the host:port the HTTP/websocket server binds.
	Listen string `yaml:"listen"`
	// DataDir is the directory room snapshots are written under. It is
	// created on first write.
	DataDir string `yaml:"data_dir"`

	Logging LoggingConfig `yaml:"logging"`
}

type LoggingConfig struct {
	// Level is a logrus level name: panic, fatal, error, warn, info, debug,
	// trace.
	Level string `yaml:"level"`
}

// ConfigErrors collects verification problems so a bad config reports all of
// them at once instead of one per restart.
type ConfigErrors []string

func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf("%s (and %d other problems)", errs[0], len(errs)-1)
}

// Defaults fills in every unset field.
func (c *Config) Defaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Verify checks the configuration, appending a message per problem.
func (c *Config) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "listen", c.Listen)
	checkNotEmpty(configErrs, "data_dir", c.DataDir)
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", "logging.level", c.Logging.Level))
	}
}

func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// Load reads, defaults and verifies a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %q", path)
	}
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %q", path)
	}
	c.Defaults()
	var configErrs ConfigErrors
	c.Verify(&configErrs)
	if len(configErrs) > 0 {
		return nil, configErrs
	}
	return &c, nil
}

// Default returns a ready-to-use config without reading any file.
func Default() *Config {
	var c Config
	c.Defaults()
	return &c
}
