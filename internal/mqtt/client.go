// Package mqtt wraps the Eclipse Paho client with the session semantics
// the bridge needs: TLS by default, birth and last-will on the status
// topic, automatic reconnect, and strictly ordered single-consumer
// delivery of inbound messages.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sysmqtt/sysmqtt/internal/events"
)

// Status payloads for the availability topic. The will carries
// StatusOffline so the broker reports the host unavailable on an
// ungraceful disconnect.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

const (
	keepAlive         = 60 * time.Second
	connectTimeout    = 30 * time.Second
	reconnectInitial  = 1 * time.Second
	reconnectMax      = 32 * time.Second
	disconnectQuiesce = 250 // milliseconds of quiesce passed to paho
	inboundBuffer     = 64
)

// Message is one inbound MQTT message.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Options configures the session.
type Options struct {
	Host       string
	Port       int
	DisableTLS bool
	Username   string
	Password   string

	// Hostname feeds the client id; the id only needs uniqueness.
	Hostname string

	// StatusTopic carries birth, offline and the last will.
	StatusTopic string

	// OnConnect runs after the birth publish on every (re)connect.
	OnConnect func()

	Logger *slog.Logger
	Events *events.Bus
}

// Client is the MQTT session.
type Client struct {
	cli    pahomqtt.Client
	opts   Options
	logger *slog.Logger
	msgs   chan Message
}

// ClientID builds the session client id. PID keeps concurrent instances
// on one host apart; the id carries no identity semantics.
func ClientID(hostname string) string {
	return fmt.Sprintf("sysmqtt-%s-%d", hostname, os.Getpid())
}

// BrokerURL builds the paho broker URL for the configured endpoint.
func BrokerURL(host string, port int, disableTLS bool) string {
	scheme := "ssl"
	if disableTLS {
		scheme = "tcp"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

// New creates a session. No network activity happens until Connect.
func New(o Options) *Client {
	c := &Client{
		opts:   o,
		logger: o.Logger,
		msgs:   make(chan Message, inboundBuffer),
	}

	po := pahomqtt.NewClientOptions()
	po.AddBroker(BrokerURL(o.Host, o.Port, o.DisableTLS))
	po.SetClientID(ClientID(o.Hostname))
	if !o.DisableTLS {
		po.SetTLSConfig(&tls.Config{
			ServerName: o.Host,
			MinVersion: tls.VersionTLS12,
		})
	}
	if o.Username != "" {
		po.SetUsername(o.Username)
		if o.Password != "" {
			po.SetPassword(o.Password)
		}
	}
	po.SetCleanSession(true)
	po.SetKeepAlive(keepAlive)
	po.SetConnectTimeout(connectTimeout)
	po.SetAutoReconnect(true)
	po.SetMaxReconnectInterval(reconnectMax)
	po.SetConnectRetry(true)
	po.SetConnectRetryInterval(reconnectInitial)
	po.SetOrderMatters(true)
	po.SetWill(o.StatusTopic, StatusOffline, 1, true)

	// All subscriptions route here; the channel hands messages to the
	// single dispatch goroutine so handlers never run concurrently.
	po.SetDefaultPublishHandler(func(_ pahomqtt.Client, m pahomqtt.Message) {
		msg := Message{Topic: m.Topic(), Payload: m.Payload(), Retained: m.Retained()}
		select {
		case c.msgs <- msg:
		default:
			c.logger.Warn("dropping inbound message, dispatcher lagging", "topic", m.Topic())
		}
	})

	po.SetOnConnectHandler(func(pahomqtt.Client) {
		c.logger.Info("connected to MQTT broker", "host", o.Host, "port", o.Port)
		c.event(events.MQTTConnected, nil)
		// Birth precedes every other publish on this session.
		if err := c.Publish(o.StatusTopic, []byte(StatusOnline), 1, true); err != nil {
			c.logger.Warn("failed to publish birth", "error", err)
		}
		if o.OnConnect != nil {
			o.OnConnect()
		}
	})

	po.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.logger.Warn("MQTT connection lost, reconnecting", "error", err)
		c.event(events.MQTTDisconnected, nil)
	})

	c.cli = pahomqtt.NewClient(po)
	return c
}

// Connect dials the broker, retrying with backoff until the first
// CONNACK or ctx cancellation.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info("connecting to MQTT broker",
		"host", c.opts.Host, "port", c.opts.Port, "tls", !c.opts.DisableTLS)
	token := c.cli.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect to MQTT broker: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends one message. QoS 1 publishes block until the broker
// acknowledges or the session drops.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	c.logger.Debug("publishing", "topic", topic, "bytes", len(payload), "qos", qos, "retained", retained)
	token := c.cli.Publish(topic, qos, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		c.event(events.MQTTPublished, map[string]string{"result": "error"})
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	c.event(events.MQTTPublished, map[string]string{"result": "ok"})
	return nil
}

// Subscribe installs the topic set at QoS 1.
func (c *Client) Subscribe(topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = 1
		c.logger.Info("subscribing", "topic", t)
	}
	token := c.cli.SubscribeMultiple(filters, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Unsubscribe removes the topic set.
func (c *Client) Unsubscribe(topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	token := c.cli.Unsubscribe(topics...)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

// Messages returns the inbound message stream. The bridge consumes it
// from exactly one goroutine, preserving broker delivery order.
func (c *Client) Messages() <-chan Message { return c.msgs }

// Connected reports whether the session currently has a live connection.
func (c *Client) Connected() bool { return c.cli.IsConnectionOpen() }

// PublishAsync sends one message without waiting for the broker
// acknowledgement. Used where the publisher must not block on the ack,
// e.g. reporting shutdown preparation before dropping the inhibitor.
func (c *Client) PublishAsync(topic string, payload []byte, qos byte, retained bool) {
	c.logger.Debug("publishing", "topic", topic, "bytes", len(payload), "qos", qos, "retained", retained)
	token := c.cli.Publish(topic, qos, retained, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			c.event(events.MQTTPublished, map[string]string{"result": "error"})
			c.logger.Warn("async publish failed", "topic", topic, "error", err)
			return
		}
		c.event(events.MQTTPublished, map[string]string{"result": "ok"})
	}()
}

// Disconnect performs a clean MQTT disconnect. The supervisor publishes
// the final offline status itself before calling this, so the drain
// ordering (status, then discovery retraction) stays under its control.
func (c *Client) Disconnect() {
	c.cli.Disconnect(disconnectQuiesce)
	c.logger.Info("disconnected from MQTT broker")
}

func (c *Client) event(t events.EventType, data map[string]string) {
	if c.opts.Events != nil {
		c.opts.Events.Publish(events.Event{Type: t, Data: data})
	}
}
