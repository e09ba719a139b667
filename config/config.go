package config

import (
	"fmt"
	"os"

	"github.com/bmatcuk/doublestar/v4"
	yaml "gopkg.in/yaml.v2"
)

const DefaultServerURL = "http://localhost:3777"
const DefaultPort = 3777

// DefaultIgnores - paths never synced, in addition to config patterns.
var DefaultIgnores = []string{
	"**/node_modules/**",
	"**/.git/**",
	"**/dist/**",
	"**/*.db",
	"**/*.db-journal",
	"**/.DS_Store",
	"**/package-lock.json",
	"**/yarn.lock",
	"**/.partsync/**",
}

// Config for partsync - shared by the client and relay commands. Flags
// override individual fields after load.
type Config struct {
	ServerURL    string   `yaml:"server_url"`
	ProjectDir   string   `yaml:"project_dir"`
	ClientName   string   `yaml:"client_name"`
	ProjectToken string   `yaml:"project_token"`
	Ignore       []string `yaml:"ignore"`
	Port         int      `yaml:"port"`
	DBFile       string   `yaml:"db_file"`
	JournalFile  string   `yaml:"journal_file"`
}

// Unmarshal the config
func Unmarshal(content []byte) (*Config, error) {
	// Default values specified here
	cfg := &Config{
		ServerURL: DefaultServerURL,
		Port:      DefaultPort,
		DBFile:    "partsync.db",
	}
	err := yaml.Unmarshal(content, cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %v. make sure to use 'single quotes' around strings with special characters (like match patterns)", err.Error())
	}
	err = cfg.validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile - loads config file. A missing file yields defaults.
func LoadConfigFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Unmarshal(nil)
		}
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	cfg, err := LoadConfigString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	return cfg, nil
}

// LoadConfigString - loads a string
func LoadConfigString(content []byte) (*Config, error) {
	cfg, err := Unmarshal(content)
	return cfg, err
}

func (c *Config) validate() error {
	for _, p := range c.Ignore {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("failed to parse '%s' as an ignore pattern", p)
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// IgnorePatterns returns the default ignore set followed by config patterns.
func (c *Config) IgnorePatterns() []string {
	patterns := make([]string, 0, len(DefaultIgnores)+len(c.Ignore))
	patterns = append(patterns, DefaultIgnores...)
	patterns = append(patterns, c.Ignore...)
	return patterns
}
