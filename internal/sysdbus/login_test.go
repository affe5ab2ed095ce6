package sysdbus

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

func TestScheduleShutdownArgs(t *testing.T) {
	bus := newFakeBus()
	logger, _ := capturedLogger()
	m := NewLoginManager(bus, logger)

	when := time.Date(2026, 8, 5, 12, 0, 4, 0, time.UTC)
	if err := m.ScheduleShutdown(context.Background(), "poweroff", when); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := bus.callsTo("org.freedesktop.login1.Manager.ScheduleShutdown")
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	c := calls[0]
	if c.Dest != "org.freedesktop.login1" || c.Path != dbus.ObjectPath("/org/freedesktop/login1") {
		t.Fatalf("unexpected destination: %+v", c)
	}
	if c.Args[0] != "poweroff" {
		t.Fatalf("expected kind poweroff, got %v", c.Args[0])
	}
	usec, ok := c.Args[1].(uint64)
	if !ok {
		t.Fatalf("expected uint64 timestamp, got %T", c.Args[1])
	}
	if usec != uint64(when.UnixMicro()) {
		t.Fatalf("expected %d usec, got %d", when.UnixMicro(), usec)
	}
}

func TestScheduleShutdownSlides(t *testing.T) {
	bus := newFakeBus()
	logger, _ := capturedLogger()
	m := NewLoginManager(bus, logger)

	first := time.Now().Add(4 * time.Second)
	second := first.Add(2 * time.Second)
	_ = m.ScheduleShutdown(context.Background(), "poweroff", first)
	_ = m.ScheduleShutdown(context.Background(), "poweroff", second)

	calls := bus.callsTo("org.freedesktop.login1.Manager.ScheduleShutdown")
	if len(calls) != 2 {
		t.Fatalf("expected both messages to schedule, got %d calls", len(calls))
	}
	if calls[1].Args[1].(uint64) != uint64(second.UnixMicro()) {
		t.Fatal("expected second call to carry the later timestamp")
	}
}

func TestScheduleShutdownAuthHint(t *testing.T) {
	bus := newFakeBus()
	bus.errs["org.freedesktop.login1.Manager.ScheduleShutdown"] =
		&RemoteError{Name: "org.freedesktop.DBus.Error.InteractiveAuthorizationRequired"}
	logger, buf := capturedLogger()
	m := NewLoginManager(bus, logger)

	err := m.ScheduleShutdown(context.Background(), "poweroff", time.Now())
	if err == nil {
		t.Fatal("expected error")
	}

	out := buf.String()
	if !strings.Contains(out, "polkit") {
		t.Fatalf("expected polkit hint in log, got %q", out)
	}
	if !strings.Contains(out, "org.freedesktop.login1.power-off") {
		t.Fatalf("expected action id in log, got %q", out)
	}
}

func TestAuthHintLoggedOnce(t *testing.T) {
	bus := newFakeBus()
	bus.errs["org.freedesktop.login1.Manager.LockSessions"] =
		&RemoteError{Name: "org.freedesktop.DBus.Error.InteractiveAuthorizationRequired"}
	logger, buf := capturedLogger()
	m := NewLoginManager(bus, logger)

	_ = m.LockSessions(context.Background())
	_ = m.LockSessions(context.Background())

	if got := strings.Count(buf.String(), "polkit.addRule"); got != 1 {
		t.Fatalf("expected rule snippet exactly once, got %d", got)
	}
}

func TestSuspendArgs(t *testing.T) {
	bus := newFakeBus()
	logger, _ := capturedLogger()
	m := NewLoginManager(bus, logger)

	if err := m.Suspend(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := bus.callsTo("org.freedesktop.login1.Manager.Suspend")
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Args[0] != false {
		t.Fatalf("expected interactive=false, got %v", calls[0].Args[0])
	}
}

func TestInhibitReturnsFd(t *testing.T) {
	bus := newFakeBus()
	bus.replies["org.freedesktop.login1.Manager.Inhibit"] = []any{dbus.UnixFD(7)}
	logger, _ := capturedLogger()
	m := NewLoginManager(bus, logger)

	fd, err := m.Inhibit(context.Background(), "shutdown", "sysmqtt", "why", "delay")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fd != 7 {
		t.Fatalf("expected fd 7, got %d", fd)
	}
	c := bus.callsTo("org.freedesktop.login1.Manager.Inhibit")[0]
	want := []any{"shutdown", "sysmqtt", "why", "delay"}
	for i, arg := range want {
		if c.Args[i] != arg {
			t.Fatalf("arg %d: expected %v, got %v", i, arg, c.Args[i])
		}
	}
}

func TestInhibitBadReply(t *testing.T) {
	bus := newFakeBus()
	bus.replies["org.freedesktop.login1.Manager.Inhibit"] = []any{"not a fd"}
	logger, _ := capturedLogger()
	m := NewLoginManager(bus, logger)

	if _, err := m.Inhibit(context.Background(), "shutdown", "sysmqtt", "why", "delay"); err == nil {
		t.Fatal("expected error for non-fd reply")
	}
}

func TestPreparingForShutdownProperty(t *testing.T) {
	bus := newFakeBus()
	bus.replies["org.freedesktop.DBus.Properties.Get"] = []any{dbus.MakeVariant(true)}
	logger, _ := capturedLogger()
	m := NewLoginManager(bus, logger)

	active, err := m.PreparingForShutdown(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !active {
		t.Fatal("expected true")
	}
	c := bus.callsTo("org.freedesktop.DBus.Properties.Get")[0]
	if c.Args[0] != "org.freedesktop.login1.Manager" || c.Args[1] != "PreparingForShutdown" {
		t.Fatalf("unexpected property get args: %v", c.Args)
	}
}

func TestSubscribePrepareForShutdown(t *testing.T) {
	bus := newFakeBus()
	logger, _ := capturedLogger()
	m := NewLoginManager(bus, logger)

	ch, cancel, err := m.SubscribePrepareForShutdown()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cancel()

	bus.signals <- &dbus.Signal{
		Path: dbus.ObjectPath("/org/freedesktop/login1"),
		Name: "org.freedesktop.login1.Manager.PrepareForShutdown",
		Body: []any{true},
	}
	bus.signals <- &dbus.Signal{
		Path: dbus.ObjectPath("/org/freedesktop/login1"),
		Name: "org.freedesktop.login1.Manager.PrepareForShutdown",
		Body: []any{false},
	}
	close(bus.signals)

	var got []bool
	for v := range ch {
		got = append(got, v)
	}
	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Fatalf("expected [true false], got %v", got)
	}
}

func TestErrorName(t *testing.T) {
	err := &RemoteError{Name: "org.example.Error", Message: "boom"}
	if ErrorName(err) != "org.example.Error" {
		t.Fatalf("unexpected name: %s", ErrorName(err))
	}
	if ErrorName(context.Canceled) != "" {
		t.Fatal("expected empty name for non-remote error")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected message in error string, got %q", err.Error())
	}
}
