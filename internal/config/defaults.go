package config

import "strings"

// Default MQTT ports. The TLS port applies unless TLS is disabled.
const (
	DefaultMQTTPort    = 1883
	DefaultMQTTTLSPort = 8883
)

// DefaultPoweroffDelaySeconds is applied when no delay is configured.
const DefaultPoweroffDelaySeconds = 4.0

// ApplyDefaults fills in zero-valued fields.
func ApplyDefaults(cfg *Config) {
	if cfg.MQTT.Port == 0 {
		if cfg.MQTT.DisableTLS {
			cfg.MQTT.Port = DefaultMQTTPort
		} else {
			cfg.MQTT.Port = DefaultMQTTTLSPort
		}
	}
	if cfg.Discovery.Prefix == "" {
		cfg.Discovery.Prefix = "homeassistant"
	}
	if cfg.PoweroffDelaySeconds == nil {
		delay := DefaultPoweroffDelaySeconds
		cfg.PoweroffDelaySeconds = &delay
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Hostname == "" {
		cfg.Hostname = Hostname()
	}
	if cfg.Discovery.ObjectID == "" {
		// Lowercase the hostname and map every character outside
		// [a-z0-9_] to an underscore.
		cfg.Discovery.ObjectID = strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
				return r
			}
			return '_'
		}, strings.ToLower(cfg.Hostname))
	}
}
