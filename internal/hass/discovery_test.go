package hass

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type published struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func capturePublish(store *[]published) PublishFunc {
	return func(topic string, payload []byte, qos byte, retained bool) error {
		*store = append(*store, published{topic, payload, qos, retained})
		return nil
	}
}

func testPublisher(store *[]published) *Publisher {
	return NewPublisher("homeassistant", "h1", "h1", "systemctl/h1",
		[]string{"ssh.service"}, []string{"foo.service"},
		capturePublish(store), testLogger())
}

func TestSanitizeObjectID(t *testing.T) {
	cases := map[string]string{
		"h1":            "h1",
		"H1":            "h1",
		"my-host":       "my_host",
		"ssh.service":   "ssh_service",
		"host_1":        "host_1",
		"über host":     "_ber_host",
		"a.b-c_d":       "a_b_c_d",
	}
	for in, want := range cases {
		if got := SanitizeObjectID(in); got != want {
			t.Fatalf("SanitizeObjectID(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestSanitizeObjectIDIdempotent(t *testing.T) {
	for _, s := range []string{"h1", "My-Host.local", "x_y"} {
		once := SanitizeObjectID(s)
		if SanitizeObjectID(once) != once {
			t.Fatalf("sanitize not idempotent for %q", s)
		}
	}
}

func TestConfigTopic(t *testing.T) {
	var store []published
	p := testPublisher(&store)
	if p.ConfigTopic() != "homeassistant/device/h1/config" {
		t.Fatalf("unexpected config topic %q", p.ConfigTopic())
	}
}

func TestAnnouncePayload(t *testing.T) {
	var store []published
	p := testPublisher(&store)

	if err := p.Announce(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(store))
	}
	pub := store[0]
	if pub.qos != 0 || pub.retained {
		t.Fatalf("expected QoS 0 unretained, got qos=%d retained=%v", pub.qos, pub.retained)
	}

	var cfg Config
	if err := json.Unmarshal(pub.payload, &cfg); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if cfg.Device.Name != "h1" || len(cfg.Device.Identifiers) != 1 || cfg.Device.Identifiers[0] != "h1" {
		t.Fatalf("unexpected device block: %+v", cfg.Device)
	}
	if cfg.Origin.Name != "sysmqtt" {
		t.Fatalf("unexpected origin: %+v", cfg.Origin)
	}
	if cfg.AvailabilityTopic != "systemctl/h1/status" {
		t.Fatalf("unexpected availability topic %q", cfg.AvailabilityTopic)
	}
	if cfg.PayloadAvailable != "online" || cfg.PayloadNotAvailable != "offline" {
		t.Fatalf("unexpected availability payloads: %+v", cfg)
	}

	wantKeys := []string{
		"logind_poweroff",
		"logind_suspend",
		"logind_lock_all_sessions",
		"logind_preparing_for_shutdown",
		"unit_system_ssh_service_active_state",
		"unit_system_foo_service_restart",
	}
	if len(cfg.Components) != len(wantKeys) {
		t.Fatalf("expected %d components, got %d: %v", len(wantKeys), len(cfg.Components), cfg.Components)
	}
	for _, key := range wantKeys {
		if _, ok := cfg.Components[key]; !ok {
			t.Fatalf("missing component %q", key)
		}
	}

	poweroff := cfg.Components["logind_poweroff"]
	if poweroff.Platform != "button" || poweroff.CommandTopic != "systemctl/h1/poweroff" {
		t.Fatalf("unexpected poweroff component: %+v", poweroff)
	}
	if poweroff.UniqueID != "sysmqtt-h1-logind_poweroff" || poweroff.ObjectID != "h1_logind_poweroff" {
		t.Fatalf("unexpected poweroff ids: %+v", poweroff)
	}

	prep := cfg.Components["logind_preparing_for_shutdown"]
	if prep.Platform != "binary_sensor" ||
		prep.StateTopic != "systemctl/h1/preparing-for-shutdown" ||
		prep.PayloadOn != "true" || prep.PayloadOff != "false" {
		t.Fatalf("unexpected preparing component: %+v", prep)
	}

	sensor := cfg.Components["unit_system_ssh_service_active_state"]
	if sensor.Platform != "sensor" ||
		sensor.StateTopic != "systemctl/h1/unit/system/ssh.service/active-state" {
		t.Fatalf("unexpected unit sensor: %+v", sensor)
	}

	restart := cfg.Components["unit_system_foo_service_restart"]
	if restart.Platform != "button" ||
		restart.CommandTopic != "systemctl/h1/unit/system/foo.service/restart" {
		t.Fatalf("unexpected restart button: %+v", restart)
	}
}

func TestObjectIDAffectsTopicOnly(t *testing.T) {
	var store []published
	p := NewPublisher("homeassistant", "custom-id", "h1", "systemctl/h1",
		nil, nil, capturePublish(&store), testLogger())

	if p.ConfigTopic() != "homeassistant/device/custom-id/config" {
		t.Fatalf("unexpected config topic %q", p.ConfigTopic())
	}
	if err := p.Announce(); err != nil {
		t.Fatal(err)
	}
	var cfg Config
	if err := json.Unmarshal(store[0].payload, &cfg); err != nil {
		t.Fatal(err)
	}
	// Payload ids keep deriving from the hostname.
	if got := cfg.Components["logind_poweroff"].ObjectID; got != "h1_logind_poweroff" {
		t.Fatalf("expected hostname-derived object id, got %q", got)
	}
}

func TestRetractEmptyPayload(t *testing.T) {
	var store []published
	p := testPublisher(&store)

	if err := p.Retract(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pub := store[0]
	if len(pub.payload) != 0 {
		t.Fatalf("expected empty payload, got %q", pub.payload)
	}
	if pub.topic != "homeassistant/device/h1/config" {
		t.Fatalf("unexpected topic %q", pub.topic)
	}
	if pub.qos != 0 || pub.retained {
		t.Fatal("expected QoS 0 unretained retraction")
	}
}
