package main

import (
	"github.com/spf13/cobra"

	"github.com/sysmqtt/sysmqtt/internal/bridge"
	"github.com/sysmqtt/sysmqtt/internal/config"
	"github.com/sysmqtt/sysmqtt/internal/logging"
	"github.com/sysmqtt/sysmqtt/internal/version"
)

var daemonFlags struct {
	configPath string

	mqttHost         string
	mqttPort         int
	mqttDisableTLS   bool
	mqttUsername     string
	mqttPassword     string
	mqttPasswordFile string

	discoveryPrefix   string
	discoveryObjectID string

	poweroffDelaySeconds float64

	monitorUnits []string
	controlUnits []string

	logLevel  string
	logFormat string

	httpListen string
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sysmqtt bridge daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg *config.Config
		var warnings []string

		if daemonFlags.configPath != "" {
			loaded, w, err := config.Load(daemonFlags.configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			warnings = w
		} else {
			cfg = &config.Config{}
		}

		// Flags override the file wherever explicitly set.
		flags := cmd.Flags()
		if flags.Changed("mqtt-host") {
			cfg.MQTT.Host = daemonFlags.mqttHost
		}
		if flags.Changed("mqtt-port") {
			cfg.MQTT.Port = daemonFlags.mqttPort
		}
		if flags.Changed("mqtt-disable-tls") {
			cfg.MQTT.DisableTLS = daemonFlags.mqttDisableTLS
		}
		if flags.Changed("mqtt-username") {
			cfg.MQTT.Username = daemonFlags.mqttUsername
		}
		if flags.Changed("mqtt-password") {
			cfg.MQTT.Password = daemonFlags.mqttPassword
		}
		if flags.Changed("mqtt-password-file") {
			cfg.MQTT.PasswordFile = daemonFlags.mqttPasswordFile
		}
		if flags.Changed("homeassistant-discovery-prefix") {
			cfg.Discovery.Prefix = daemonFlags.discoveryPrefix
		}
		if flags.Changed("homeassistant-discovery-object-id") {
			cfg.Discovery.ObjectID = daemonFlags.discoveryObjectID
		}
		if flags.Changed("poweroff-delay-seconds") {
			// An explicit 0 is valid: shut down without delay.
			cfg.PoweroffDelaySeconds = &daemonFlags.poweroffDelaySeconds
		}
		if flags.Changed("monitor-system-unit") {
			cfg.Units.Monitor = daemonFlags.monitorUnits
		}
		if flags.Changed("control-system-unit") {
			cfg.Units.Control = daemonFlags.controlUnits
		}
		if flags.Changed("log-level") {
			cfg.Log.Level = daemonFlags.logLevel
		}
		if flags.Changed("log-format") {
			cfg.Log.Format = daemonFlags.logFormat
		}
		if flags.Changed("http-listen") {
			cfg.Server.HTTPListen = daemonFlags.httpListen
		}

		if err := config.Finalize(cfg); err != nil {
			return err
		}

		logger := logging.New(logging.LogConfig{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
		})
		for _, w := range warnings {
			logger.Warn("config warning", "warning", w)
		}
		logger.Info("starting sysmqtt", "version", version.Version, "hostname", cfg.Hostname)

		return bridge.New(cfg, logger).Run(cmd.Context())
	},
}

func init() {
	f := daemonCmd.Flags()
	f.StringVar(&daemonFlags.configPath, "config", "", "path to TOML config file")

	f.StringVar(&daemonFlags.mqttHost, "mqtt-host", "", "MQTT broker hostname")
	f.IntVar(&daemonFlags.mqttPort, "mqtt-port", 0, "MQTT broker port (default 8883, 1883 with --mqtt-disable-tls)")
	f.BoolVar(&daemonFlags.mqttDisableTLS, "mqtt-disable-tls", false, "connect without TLS")
	f.StringVar(&daemonFlags.mqttUsername, "mqtt-username", "", "MQTT username")
	f.StringVar(&daemonFlags.mqttPassword, "mqtt-password", "", "MQTT password")
	f.StringVar(&daemonFlags.mqttPasswordFile, "mqtt-password-file", "", "read MQTT password from file, stripping one trailing newline (\"-\" reads stdin)")

	f.StringVar(&daemonFlags.discoveryPrefix, "homeassistant-discovery-prefix", "homeassistant", "Home Assistant discovery topic prefix")
	f.StringVar(&daemonFlags.discoveryObjectID, "homeassistant-discovery-object-id", "", "discovery topic node (default: hostname)")

	f.Float64Var(&daemonFlags.poweroffDelaySeconds, "poweroff-delay-seconds", config.DefaultPoweroffDelaySeconds, "delay before a scheduled poweroff")

	f.StringArrayVar(&daemonFlags.monitorUnits, "monitor-system-unit", nil, "system unit to report ActiveState for (repeatable)")
	f.StringArrayVar(&daemonFlags.controlUnits, "control-system-unit", nil, "system unit to accept start/stop/restart for (repeatable)")

	f.StringVar(&daemonFlags.logLevel, "log-level", "info", "log level (debug, info, warning, error, critical)")
	f.StringVar(&daemonFlags.logFormat, "log-format", "text", "log format (text, json)")

	f.StringVar(&daemonFlags.httpListen, "http-listen", "", "serve /healthz, /readyz and /metrics on this address (disabled when empty)")

	rootCmd.AddCommand(daemonCmd)
}
