// Package hass builds and publishes the Home Assistant MQTT device
// discovery document so a controller materialises buttons and sensors
// for each bridge capability without manual configuration.
package hass

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sysmqtt/sysmqtt/internal/mqtt"
	"github.com/sysmqtt/sysmqtt/internal/version"
)

// Device is the HA device registry block shared by all components.
type Device struct {
	Identifiers []string `json:"identifiers"`
	Name        string   `json:"name"`
}

// Origin identifies the software publishing the discovery document.
type Origin struct {
	Name       string `json:"name"`
	SWVersion  string `json:"sw_version"`
	SupportURL string `json:"support_url"`
}

// Component describes a single entity inside a device discovery payload.
type Component struct {
	UniqueID     string `json:"unique_id"`
	ObjectID     string `json:"object_id"`
	Name         string `json:"name"`
	Platform     string `json:"platform"`
	StateTopic   string `json:"state_topic,omitempty"`
	CommandTopic string `json:"command_topic,omitempty"`
	PayloadOn    string `json:"payload_on,omitempty"`
	PayloadOff   string `json:"payload_off,omitempty"`
}

// Config is the device-based discovery payload.
type Config struct {
	Device              Device               `json:"device"`
	Origin              Origin               `json:"origin"`
	AvailabilityTopic   string               `json:"availability_topic"`
	PayloadAvailable    string               `json:"payload_available"`
	PayloadNotAvailable string               `json:"payload_not_available"`
	Components          map[string]Component `json:"components"`
}

// SanitizeObjectID lowercases s and replaces every character outside
// [a-z0-9_] with an underscore.
func SanitizeObjectID(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Publisher announces and retracts the discovery document.
type Publisher struct {
	discoveryPrefix string
	objectID        string
	hostname        string
	topicPrefix     string
	monitored       []string
	controlled      []string
	publish         PublishFunc
	logger          *slog.Logger
}

// PublishFunc is the narrow MQTT capability the publisher needs.
type PublishFunc func(topic string, payload []byte, qos byte, retained bool) error

// NewPublisher creates a discovery publisher. objectID selects the
// discovery topic node only; ids inside the payload derive from hostname.
func NewPublisher(discoveryPrefix, objectID, hostname, topicPrefix string,
	monitored, controlled []string, publish PublishFunc, logger *slog.Logger) *Publisher {
	return &Publisher{
		discoveryPrefix: discoveryPrefix,
		objectID:        objectID,
		hostname:        hostname,
		topicPrefix:     topicPrefix,
		monitored:       monitored,
		controlled:      controlled,
		publish:         publish,
		logger:          logger,
	}
}

// ConfigTopic returns the discovery topic for this device.
func (p *Publisher) ConfigTopic() string {
	return p.discoveryPrefix + "/device/" + p.objectID + "/config"
}

// Announce publishes the discovery document (QoS 0, not retained).
func (p *Publisher) Announce() error {
	payload, err := json.Marshal(p.buildConfig())
	if err != nil {
		return fmt.Errorf("marshal discovery config: %w", err)
	}
	p.logger.Debug("publishing discovery config", "topic", p.ConfigTopic())
	return p.publish(p.ConfigTopic(), payload, 0, false)
}

// Retract publishes an empty payload to remove the device from the
// controller on clean shutdown.
func (p *Publisher) Retract() error {
	p.logger.Debug("retracting discovery config", "topic", p.ConfigTopic())
	return p.publish(p.ConfigTopic(), nil, 0, false)
}

func (p *Publisher) buildConfig() Config {
	uniquePrefix := "sysmqtt-" + p.hostname
	components := make(map[string]Component)

	button := func(key, suffix, name string) {
		components[key] = Component{
			UniqueID:     uniquePrefix + "-" + key,
			ObjectID:     p.hostname + "_" + key,
			Name:         name,
			Platform:     "button",
			CommandTopic: p.topicPrefix + "/" + suffix,
		}
	}

	button("logind_poweroff", "poweroff", "poweroff")
	button("logind_suspend", "suspend", "suspend")
	button("logind_lock_all_sessions", "lock-all-sessions", "lock all sessions")

	components["logind_preparing_for_shutdown"] = Component{
		UniqueID:   uniquePrefix + "-logind_preparing_for_shutdown",
		ObjectID:   p.hostname + "_logind_preparing_for_shutdown",
		Name:       "preparing for shutdown",
		Platform:   "binary_sensor",
		StateTopic: p.topicPrefix + "/preparing-for-shutdown",
		PayloadOn:  "true",
		PayloadOff: "false",
	}

	for _, unit := range p.monitored {
		key := "unit_system_" + SanitizeObjectID(unit) + "_active_state"
		components[key] = Component{
			UniqueID:   uniquePrefix + "-" + key,
			ObjectID:   p.hostname + "_" + key,
			Name:       unit + " active state",
			Platform:   "sensor",
			StateTopic: p.topicPrefix + "/unit/system/" + unit + "/active-state",
		}
	}

	for _, unit := range p.controlled {
		key := "unit_system_" + SanitizeObjectID(unit) + "_restart"
		components[key] = Component{
			UniqueID:     uniquePrefix + "-" + key,
			ObjectID:     p.hostname + "_" + key,
			Name:         "restart " + unit,
			Platform:     "button",
			CommandTopic: p.topicPrefix + "/unit/system/" + unit + "/restart",
		}
	}

	return Config{
		Device: Device{
			Identifiers: []string{p.hostname},
			Name:        p.hostname,
		},
		Origin: Origin{
			Name:       "sysmqtt",
			SWVersion:  version.Version,
			SupportURL: version.SupportURL,
		},
		AvailabilityTopic:   p.topicPrefix + "/status",
		PayloadAvailable:    mqtt.StatusOnline,
		PayloadNotAvailable: mqtt.StatusOffline,
		Components:          components,
	}
}
