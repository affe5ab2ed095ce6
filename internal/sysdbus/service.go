package sysdbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	systemdService          = "org.freedesktop.systemd1"
	systemdPath             = dbus.ObjectPath("/org/freedesktop/systemd1")
	systemdManagerInterface = "org.freedesktop.systemd1.Manager"
	unitInterface           = "org.freedesktop.systemd1.Unit"

	// unitModeReplace replaces pending conflicting jobs, matching what
	// systemctl start/stop/restart do by default.
	unitModeReplace = "replace"
)

// ServiceManager is a typed proxy for org.freedesktop.systemd1.Manager
// and its per-unit objects.
type ServiceManager struct {
	bus    caller
	logger *slog.Logger

	mu        sync.Mutex
	unitPaths map[string]dbus.ObjectPath
}

// NewServiceManager creates the service manager proxy.
func NewServiceManager(bus caller, logger *slog.Logger) *ServiceManager {
	return &ServiceManager{
		bus:       bus,
		logger:    logger,
		unitPaths: make(map[string]dbus.ObjectPath),
	}
}

// StartUnit starts a unit in replace mode.
func (m *ServiceManager) StartUnit(ctx context.Context, name string) error {
	return m.unitCall(ctx, "StartUnit", name)
}

// StopUnit stops a unit in replace mode.
func (m *ServiceManager) StopUnit(ctx context.Context, name string) error {
	return m.unitCall(ctx, "StopUnit", name)
}

// RestartUnit restarts a unit in replace mode.
func (m *ServiceManager) RestartUnit(ctx context.Context, name string) error {
	return m.unitCall(ctx, "RestartUnit", name)
}

func (m *ServiceManager) unitCall(ctx context.Context, method, name string) error {
	m.logger.Info("calling service manager", "method", method, "unit", name)
	body, err := m.bus.Call(ctx, systemdService, systemdPath,
		systemdManagerInterface+"."+method, name, unitModeReplace)
	if err != nil {
		m.logger.Warn("service manager call failed",
			"method", method, "unit", name, "error", err)
		return fmt.Errorf("%s %s: %w", method, name, err)
	}
	if len(body) == 1 {
		if job, ok := body[0].(dbus.ObjectPath); ok {
			m.logger.Debug("unit job queued", "unit", name, "job", string(job))
		}
	}
	return nil
}

// UnitPath resolves and caches the object path of a unit.
func (m *ServiceManager) UnitPath(ctx context.Context, name string) (dbus.ObjectPath, error) {
	m.mu.Lock()
	if path, ok := m.unitPaths[name]; ok {
		m.mu.Unlock()
		return path, nil
	}
	m.mu.Unlock()

	body, err := m.bus.Call(ctx, systemdService, systemdPath,
		systemdManagerInterface+".GetUnit", name)
	if err != nil {
		return "", fmt.Errorf("get unit %s: %w", name, err)
	}
	if len(body) != 1 {
		return "", fmt.Errorf("get unit %s: unexpected reply shape", name)
	}
	path, ok := body[0].(dbus.ObjectPath)
	if !ok {
		return "", fmt.Errorf("get unit %s: reply is %T, not an object path", name, body[0])
	}

	m.mu.Lock()
	m.unitPaths[name] = path
	m.mu.Unlock()
	return path, nil
}

// ActiveState reads the current ActiveState of a unit.
func (m *ServiceManager) ActiveState(ctx context.Context, name string) (string, error) {
	path, err := m.UnitPath(ctx, name)
	if err != nil {
		return "", err
	}
	body, err := m.bus.Call(ctx, systemdService, path,
		propertiesInterface+".Get", unitInterface, "ActiveState")
	if err != nil {
		return "", fmt.Errorf("read ActiveState of %s: %w", name, err)
	}
	if len(body) != 1 {
		return "", fmt.Errorf("read ActiveState of %s: unexpected reply shape", name)
	}
	variant, ok := body[0].(dbus.Variant)
	if !ok {
		return "", fmt.Errorf("read ActiveState of %s: reply is %T, not a variant", name, body[0])
	}
	state, ok := variant.Value().(string)
	if !ok {
		return "", fmt.Errorf("ActiveState of %s is %T, not string", name, variant.Value())
	}
	return state, nil
}

// WatchActiveState yields the unit's current ActiveState immediately,
// then one value per PropertiesChanged carrying a different ActiveState.
// Equal consecutive values are suppressed here.
func (m *ServiceManager) WatchActiveState(ctx context.Context, name string) (<-chan string, func(), error) {
	path, err := m.UnitPath(ctx, name)
	if err != nil {
		return nil, nil, err
	}

	// Subscribe before the initial read so no transition is missed.
	signals, cancel, err := m.bus.Subscribe(path, propertiesInterface, "PropertiesChanged")
	if err != nil {
		return nil, nil, err
	}

	initial, err := m.ActiveState(ctx, name)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	out := make(chan string, 8)
	go func() {
		defer close(out)
		last := initial
		out <- initial
		for sig := range signals {
			state, ok := activeStateFromSignal(sig)
			if !ok || state == last {
				continue
			}
			last = state
			out <- state
		}
	}()
	return out, cancel, nil
}

// activeStateFromSignal extracts ActiveState from a PropertiesChanged
// signal on the systemd Unit interface, if present.
func activeStateFromSignal(sig *dbus.Signal) (string, bool) {
	if len(sig.Body) < 2 {
		return "", false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != unitInterface {
		return "", false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return "", false
	}
	variant, ok := changed["ActiveState"]
	if !ok {
		return "", false
	}
	state, ok := variant.Value().(string)
	return state, ok
}
