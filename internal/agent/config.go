// Package agent implements the daemon that runs agent-backend jobs on a caller-owned machine.
package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the content of agent.yaml
type Config struct {
	APIURL             string        `yaml:"api_url"`
	Name               string        `yaml:"name"`
	RegistrationSecret string        `yaml:"registration_secret"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	JobTimeout         time.Duration `yaml:"job_timeout"`

	// ScriptsPath is the local checkout of the scripts repository
	ScriptsPath string `yaml:"scripts_path"`

	// SanitizeOutput defaults to true when unset
	SanitizeOutput   *bool    `yaml:"sanitize_output"`
	SanitizePatterns []string `yaml:"sanitize_patterns"`

	// EnvVars are the variables copied into the environment snapshot
	EnvVars []string `yaml:"env_vars"`

	LogLevel string `yaml:"log_level"`
	// LogFile receives a copy of the log, empty disables it
	LogFile string `yaml:"log_file"`
}

// DefaultConfig returns the settings used for keys missing from agent.yaml
func DefaultConfig() Config {
	return Config{
		APIURL:            "http://localhost:3001",
		HeartbeatInterval: 30 * time.Second,
		PollInterval:      5 * time.Second,
		JobTimeout:        time.Hour,
		ScriptsPath:       ".",
		EnvVars:           []string{"PATH", "PYTHONPATH", "KRB5CCNAME", "TEMP", "TMP"},
		LogLevel:          "info",
		LogFile:           "agent.log",
	}
}

// LoadConfig reads path over the defaults. A missing file yields the defaults and found=false.
func LoadConfig(path string) (cfg Config, found bool, err error) {
	cfg = DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, false, nil
	}
	if err != nil {
		return cfg, false, fmt.Errorf("read agent config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, true, fmt.Errorf("parse agent config %s: %w", path, err)
	}
	if cfg.Name == "" {
		cfg.Name, _ = os.Hostname()
	}
	return cfg, true, cfg.Validate()
}

func (c Config) Validate() error {
	if c.APIURL == "" {
		return errors.New("api_url is required")
	}
	if c.HeartbeatInterval <= 0 || c.PollInterval <= 0 {
		return errors.New("heartbeat_interval and poll_interval must be positive")
	}
	if c.JobTimeout <= 0 {
		return errors.New("job_timeout must be positive")
	}
	return nil
}

func (c Config) sanitize() bool {
	return c.SanitizeOutput == nil || *c.SanitizeOutput
}
