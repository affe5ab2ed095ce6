package sysdbus

import (
	"context"
	"fmt"
	"log/slog"
	"os/user"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	loginService          = "org.freedesktop.login1"
	loginPath             = dbus.ObjectPath("/org/freedesktop/login1")
	loginManagerInterface = "org.freedesktop.login1.Manager"

	propertiesInterface = "org.freedesktop.DBus.Properties"

	// errInteractiveAuthRequired is returned by polkit-guarded methods
	// when the caller is not authorized and interaction is not allowed.
	errInteractiveAuthRequired = "org.freedesktop.DBus.Error.InteractiveAuthorizationRequired"
)

// caller is the narrow bus capability the proxies need; *Bus satisfies it.
type caller interface {
	Call(ctx context.Context, dest string, path dbus.ObjectPath, method string, args ...any) ([]any, error)
	Subscribe(path dbus.ObjectPath, iface, member string) (<-chan *dbus.Signal, func(), error)
}

// LoginManager is a typed proxy for org.freedesktop.login1.Manager.
type LoginManager struct {
	bus    caller
	logger *slog.Logger

	hintMu     sync.Mutex
	hintLogged map[string]bool
}

// NewLoginManager creates the login manager proxy.
func NewLoginManager(bus caller, logger *slog.Logger) *LoginManager {
	return &LoginManager{
		bus:        bus,
		logger:     logger,
		hintLogged: make(map[string]bool),
	}
}

// Inhibit takes an inhibitor lock and returns the file descriptor handed
// back by logind. Ownership of the fd passes to the caller.
func (m *LoginManager) Inhibit(ctx context.Context, what, who, why, mode string) (dbus.UnixFD, error) {
	body, err := m.bus.Call(ctx, loginService, loginPath,
		loginManagerInterface+".Inhibit", what, who, why, mode)
	if err != nil {
		return 0, fmt.Errorf("inhibit %s: %w", what, err)
	}
	if len(body) != 1 {
		return 0, fmt.Errorf("inhibit %s: unexpected reply shape", what)
	}
	fd, ok := body[0].(dbus.UnixFD)
	if !ok {
		return 0, fmt.Errorf("inhibit %s: reply is %T, not a file descriptor", what, body[0])
	}
	return fd, nil
}

// ScheduleShutdown schedules a host shutdown of the given kind
// ("poweroff") at the given wall-clock time. Calling it again while a
// shutdown is pending slides the scheduled time.
func (m *LoginManager) ScheduleShutdown(ctx context.Context, kind string, when time.Time) error {
	whenUsec := uint64(when.UnixMicro())
	m.logger.Info("scheduling shutdown", "kind", kind, "at", when.Format(time.RFC3339))
	_, err := m.bus.Call(ctx, loginService, loginPath,
		loginManagerInterface+".ScheduleShutdown", kind, whenUsec)
	if err != nil {
		m.logCallError(err, "schedule "+kind, powerActionID(kind))
		return fmt.Errorf("schedule %s: %w", kind, err)
	}
	m.logShutdownInhibitors(ctx)
	return nil
}

// Suspend suspends the host.
func (m *LoginManager) Suspend(ctx context.Context, interactive bool) error {
	m.logger.Info("suspending system")
	_, err := m.bus.Call(ctx, loginService, loginPath,
		loginManagerInterface+".Suspend", interactive)
	if err != nil {
		m.logCallError(err, "suspend", "org.freedesktop.login1.suspend")
		return fmt.Errorf("suspend: %w", err)
	}
	return nil
}

// LockSessions instructs all sessions to activate their screen locks.
func (m *LoginManager) LockSessions(ctx context.Context) error {
	m.logger.Info("instructing all sessions to activate screen locks")
	_, err := m.bus.Call(ctx, loginService, loginPath,
		loginManagerInterface+".LockSessions")
	if err != nil {
		m.logCallError(err, "lock all sessions", "org.freedesktop.login1.lock-sessions")
		return fmt.Errorf("lock sessions: %w", err)
	}
	return nil
}

// PreparingForShutdown reads logind's PreparingForShutdown property.
func (m *LoginManager) PreparingForShutdown(ctx context.Context) (bool, error) {
	body, err := m.bus.Call(ctx, loginService, loginPath,
		propertiesInterface+".Get", loginManagerInterface, "PreparingForShutdown")
	if err != nil {
		return false, fmt.Errorf("read PreparingForShutdown: %w", err)
	}
	if len(body) != 1 {
		return false, fmt.Errorf("read PreparingForShutdown: unexpected reply shape")
	}
	variant, ok := body[0].(dbus.Variant)
	if !ok {
		return false, fmt.Errorf("read PreparingForShutdown: reply is %T, not a variant", body[0])
	}
	active, ok := variant.Value().(bool)
	if !ok {
		return false, fmt.Errorf("PreparingForShutdown is %T, not bool", variant.Value())
	}
	return active, nil
}

// SubscribePrepareForShutdown yields one boolean per PrepareForShutdown
// signal. The cancel func removes the underlying match rule.
func (m *LoginManager) SubscribePrepareForShutdown() (<-chan bool, func(), error) {
	signals, cancel, err := m.bus.Subscribe(loginPath, loginManagerInterface, "PrepareForShutdown")
	if err != nil {
		return nil, nil, err
	}
	out := make(chan bool, 4)
	go func() {
		defer close(out)
		for sig := range signals {
			if len(sig.Body) < 1 {
				continue
			}
			active, ok := sig.Body[0].(bool)
			if !ok {
				m.logger.Warn("PrepareForShutdown signal with non-bool body", "body", sig.Body)
				continue
			}
			out <- active
		}
	}()
	return out, cancel, nil
}

// logShutdownInhibitors debug-logs the active shutdown inhibitors.
func (m *LoginManager) logShutdownInhibitors(ctx context.Context) {
	if !m.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	body, err := m.bus.Call(ctx, loginService, loginPath,
		loginManagerInterface+".ListInhibitors")
	if err != nil {
		m.logger.Warn("failed to fetch shutdown inhibitors", "error", err)
		return
	}
	if len(body) != 1 {
		return
	}
	entries, ok := body[0].([][]any)
	if !ok {
		return
	}
	found := false
	for _, entry := range entries {
		if len(entry) < 6 {
			continue
		}
		what, _ := entry[0].(string)
		who, _ := entry[1].(string)
		why, _ := entry[2].(string)
		mode, _ := entry[3].(string)
		if what != "shutdown" {
			continue
		}
		found = true
		m.logger.Debug("detected shutdown inhibitor",
			"who", who, "mode", mode, "why", why)
	}
	if !found {
		m.logger.Debug("no shutdown inhibitor locks found")
	}
}

// logCallError logs a failed login manager call. For authorization
// failures the first occurrence per action carries a polkit rule snippet;
// repeats log a short reference instead.
func (m *LoginManager) logCallError(err error, actionLabel, actionID string) {
	if ErrorName(err) != errInteractiveAuthRequired {
		m.logger.Warn("login manager call failed", "action", actionLabel, "error", err)
		return
	}

	m.hintMu.Lock()
	repeat := m.hintLogged[actionID]
	m.hintLogged[actionID] = true
	m.hintMu.Unlock()

	if repeat {
		m.logger.Warn("interactive authorization required (polkit rule still missing)",
			"action", actionLabel, "action_id", actionID)
		return
	}
	m.logger.Warn(fmt.Sprintf(
		"failed to %s: interactive authorization required; "+
			"create /etc/polkit-1/rules.d/50-sysmqtt.rules and insert the following polkit rule: "+
			`polkit.addRule(function(action, subject) { if(action.id === %q && subject.user === %q) { return polkit.Result.YES; } });`,
		actionLabel, actionID, currentUsername()))
}

// powerActionID maps a ScheduleShutdown kind to its polkit action id.
func powerActionID(kind string) string {
	switch kind {
	case "poweroff":
		return "org.freedesktop.login1.power-off"
	default:
		return "org.freedesktop.login1." + kind
	}
}

func currentUsername() string {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return "USERNAME"
	}
	return u.Username
}
