package ephemeral

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Default configuration values.
const (
	DefaultFixtureDirectory = "testdata/fixtures"
	DefaultFixtureSet       = "default"
	DefaultExpiration       = 24 * time.Hour
)

// Mode controls how a Store answers requests.
type Mode int

// Possible values:
const (
	// ModeAuto replays a fixture if one exists. If one does not exist, the
	// request is performed and the response saved as a new fixture.
	ModeAuto Mode = iota

	// ModeReplayOnly only replays existing fixtures without network
	// traffic. If no fixture exists, NoFixtureError is returned.
	ModeReplayOnly

	// ModeRecord always performs the request and saves the response,
	// replacing any existing fixture.
	ModeRecord
)

var modeNames = map[Mode]string{
	ModeAuto:       "auto",
	ModeReplayOnly: "replay",
	ModeRecord:     "record",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses "auto", "replay" or "record".
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return ModeAuto, fmt.Errorf("unknown mode %q", s)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *Mode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (m Mode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// Config holds the settings shared by a Store and its Transport.
type Config struct {
	// FixtureDirectory is the root directory for fixture files. Each
	// fixture set is stored in its own subdirectory.
	FixtureDirectory string `yaml:"fixture_directory"`

	// Expiration is the age past which a fixture is discarded instead of
	// served.
	Expiration time.Duration `yaml:"expiration"`

	// SkipExpiration serves fixtures regardless of their age.
	SkipExpiration bool `yaml:"skip_expiration"`

	// WhiteList holds host patterns that always bypass fixtures. Patterns
	// use glob syntax, e.g. "*.example.com". Use AddWhiteList to extend it.
	WhiteList []string `yaml:"white_list,omitempty"`

	// FixtureSet is the name of the active fixture set.
	FixtureSet string `yaml:"fixture_set"`

	// MatchHeaders lists request headers that are part of a request's
	// identity. Other request headers are neither matched nor saved.
	MatchHeaders []string `yaml:"match_headers,omitempty"`

	// Mode to use. Default mode is ModeAuto.
	Mode Mode `yaml:"mode"`

	// RedisURL selects redis storage when set, e.g. redis://localhost:6379/0.
	RedisURL string `yaml:"redis_url,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		FixtureDirectory: DefaultFixtureDirectory,
		Expiration:       DefaultExpiration,
		FixtureSet:       DefaultFixtureSet,
		Mode:             ModeAuto,
	}
}

// LoadConfig reads a YAML configuration file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from EPHEMERAL_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("EPHEMERAL_FIXTURE_DIR"); v != "" {
		c.FixtureDirectory = v
	}
	if v := os.Getenv("EPHEMERAL_FIXTURE_SET"); v != "" {
		c.FixtureSet = v
	}
	if v := os.Getenv("EPHEMERAL_EXPIRATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("EPHEMERAL_EXPIRATION must be a duration (e.g. 24h): %w", err)
		}
		c.Expiration = d
	}
	if v := os.Getenv("EPHEMERAL_WHITE_LIST"); v != "" {
		c.AddWhiteList(strings.Split(v, ",")...)
	}
	if v := os.Getenv("EPHEMERAL_MODE"); v != "" {
		m, err := ParseMode(v)
		if err != nil {
			return fmt.Errorf("EPHEMERAL_MODE: %w", err)
		}
		c.Mode = m
	}
	if v := os.Getenv("EPHEMERAL_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	return c.Validate()
}

// AddWhiteList appends host patterns to the white list, skipping blanks
// and duplicates.
func (c *Config) AddWhiteList(hosts ...string) {
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || c.whiteListed(h) {
			continue
		}
		c.WhiteList = append(c.WhiteList, h)
	}
}

func (c *Config) whiteListed(pattern string) bool {
	for _, w := range c.WhiteList {
		if w == pattern {
			return true
		}
	}
	return false
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.FixtureDirectory == "" && c.RedisURL == "" {
		errs = append(errs, errors.New("fixture_directory is required"))
	}
	if err := validateFixtureSet(c.FixtureSet); err != nil {
		errs = append(errs, err)
	}
	if c.Expiration < 0 {
		errs = append(errs, errors.New("expiration must not be negative"))
	}
	if _, ok := modeNames[c.Mode]; !ok {
		errs = append(errs, fmt.Errorf("unsupported mode %d", int(c.Mode)))
	}
	return errors.Join(errs...)
}

// validateFixtureSet checks that name can be used as a single directory
// name below the fixture directory.
func validateFixtureSet(name string) error {
	switch {
	case name == "":
		return errors.New("fixture_set is required")
	case name == "." || name == "..":
		return fmt.Errorf("fixture_set %q is not a valid name", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("fixture_set %q must not contain path separators", name)
	}
	return nil
}
