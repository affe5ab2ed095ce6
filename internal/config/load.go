package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file and returns the config along
// with any warnings (e.g. unknown fields). It neither applies defaults nor
// validates; Finalize does both once flags have been merged.
func Load(path string) (*Config, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read config: %s: %w", path, err)
	}

	return LoadBytes(data, path)
}

// LoadBytes parses TOML from raw bytes. The path argument is used only for
// error messages.
func LoadBytes(data []byte, path string) (*Config, []string, error) {
	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("config parse error in %s: %w", path, err)
	}

	// Collect warnings for unknown fields.
	var warnings []string
	for _, key := range md.Undecoded() {
		warnings = append(warnings, fmt.Sprintf("unknown config key: %s", strings.Join(key, ".")))
	}

	return &cfg, warnings, nil
}

// Finalize applies defaults, resolves the password file, and validates.
// It must run after flags have been merged into cfg.
func Finalize(cfg *Config) error {
	ApplyDefaults(cfg)

	if cfg.MQTT.Password != "" && cfg.MQTT.PasswordFile != "" {
		return fmt.Errorf("mqtt password and password file are mutually exclusive")
	}
	if cfg.MQTT.PasswordFile != "" {
		password, err := ReadPasswordFile(cfg.MQTT.PasswordFile)
		if err != nil {
			return err
		}
		cfg.MQTT.Password = password
		cfg.MQTT.PasswordFile = ""
	}

	if errs := Validate(cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(msgs, "\n  "))
	}
	return nil
}
