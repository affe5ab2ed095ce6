// Package config handles loading and validating sysmqtt configuration.
package config

import "time"

// Config is the top-level sysmqtt configuration. Flags are authoritative;
// an optional TOML file supplies defaults for the same settings.
type Config struct {
	MQTT      MQTTConfig      `toml:"mqtt"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Units     UnitsConfig     `toml:"units"`
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`

	// PoweroffDelaySeconds is a pointer so an explicit 0 (shut down
	// immediately) is distinguishable from the key being absent.
	PoweroffDelaySeconds *float64 `toml:"poweroff_delay_seconds"`

	// Hostname is captured once at startup, lowercased and cut at the
	// first dot. It is never re-read.
	Hostname string `toml:"-"`
}

// MQTTConfig holds broker connection settings.
type MQTTConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	DisableTLS   bool   `toml:"disable_tls"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	PasswordFile string `toml:"password_file"`
}

// DiscoveryConfig holds Home Assistant discovery settings.
type DiscoveryConfig struct {
	Prefix   string `toml:"prefix"`
	ObjectID string `toml:"object_id"`
}

// UnitsConfig names the system units the bridge observes and controls.
type UnitsConfig struct {
	Monitor []string `toml:"monitor"`
	Control []string `toml:"control"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig holds the optional status/metrics HTTP listener.
type ServerConfig struct {
	HTTPListen string `toml:"http_listen"`
}

// PoweroffDelay returns the configured delay as a duration.
func (c *Config) PoweroffDelay() time.Duration {
	if c.PoweroffDelaySeconds == nil {
		return time.Duration(DefaultPoweroffDelaySeconds * float64(time.Second))
	}
	return time.Duration(*c.PoweroffDelaySeconds * float64(time.Second))
}

// TopicPrefix returns the root of every bridge topic for this host.
func (c *Config) TopicPrefix() string {
	return "systemctl/" + c.Hostname
}
