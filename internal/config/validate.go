package config

import (
	"fmt"
	"regexp"
	"strings"
)

// objectIDPattern is the charset Home Assistant accepts in a discovery
// topic node. User-supplied object ids must already conform; the derived
// hostname default is sanitized in ApplyDefaults.
var objectIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Validate checks the configuration and returns all problems found.
func Validate(cfg *Config) []error {
	var errs []error

	if cfg.MQTT.Host == "" {
		errs = append(errs, fmt.Errorf("mqtt host is required"))
	}
	if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt port %d out of range", cfg.MQTT.Port))
	}
	if cfg.MQTT.Password != "" && cfg.MQTT.PasswordFile != "" {
		errs = append(errs, fmt.Errorf("mqtt password and password file are mutually exclusive"))
	}
	if (cfg.MQTT.Password != "" || cfg.MQTT.PasswordFile != "") && cfg.MQTT.Username == "" {
		errs = append(errs, fmt.Errorf("mqtt password requires a username"))
	}
	if cfg.PoweroffDelaySeconds != nil && *cfg.PoweroffDelaySeconds < 0 {
		errs = append(errs, fmt.Errorf("poweroff delay must not be negative"))
	}
	if cfg.Discovery.ObjectID != "" && !objectIDPattern.MatchString(cfg.Discovery.ObjectID) {
		errs = append(errs, fmt.Errorf(
			"invalid discovery object id %q (allowed characters: a-z A-Z 0-9 _ -)",
			cfg.Discovery.ObjectID))
	}
	if cfg.Hostname == "" {
		errs = append(errs, fmt.Errorf("hostname could not be determined"))
	}

	for _, unit := range append(append([]string{}, cfg.Units.Monitor...), cfg.Units.Control...) {
		if strings.TrimSpace(unit) == "" {
			errs = append(errs, fmt.Errorf("empty unit name"))
		} else if strings.ContainsAny(unit, " \t/#+") {
			errs = append(errs, fmt.Errorf("invalid unit name %q", unit))
		}
	}

	return errs
}
