// Package bridge runs the MQTT↔D-Bus bridge: it owns the bus connection,
// the MQTT session, the shutdown inhibitor, the action registry and the
// unit monitors, and supervises their lifetimes.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/sysmqtt/sysmqtt/internal/config"
	"github.com/sysmqtt/sysmqtt/internal/events"
	"github.com/sysmqtt/sysmqtt/internal/hass"
	"github.com/sysmqtt/sysmqtt/internal/metrics"
	"github.com/sysmqtt/sysmqtt/internal/mqtt"
	"github.com/sysmqtt/sysmqtt/internal/sysdbus"
	"github.com/sysmqtt/sysmqtt/internal/version"
	"github.com/sysmqtt/sysmqtt/internal/web"
)

const (
	inhibitorWho = "sysmqtt"
	inhibitorWhy = "Report shutdown via MQTT"
)

// Bridge is the supervisor for all bridge components.
type Bridge struct {
	cfg     *config.Config
	logger  *slog.Logger
	bus     *events.Bus
	metrics *metrics.Collector
}

// New creates a bridge from a validated configuration.
func New(cfg *config.Config, logger *slog.Logger) *Bridge {
	bus := events.NewBus(logger)
	collector := metrics.New()
	collector.SetBuildInfo(version.Version, runtime.Version())
	collector.Observe(bus)
	return &Bridge{
		cfg:     cfg,
		logger:  logger,
		bus:     bus,
		metrics: collector,
	}
}

// Run executes the bridge until an OS termination signal (returns nil)
// or a fatal error (returned non-nil). Boot is strict and fail-fast;
// only inhibitor acquisition and the MQTT connect are non-fatal.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	signals := NewSignalQueue(b.logger)
	defer signals.Stop()

	sysBus, err := sysdbus.Open(b.logger)
	if err != nil {
		return err
	}
	defer sysBus.Close()

	login := sysdbus.NewLoginManager(sysBus, b.logger)
	services := sysdbus.NewServiceManager(sysBus, b.logger)

	inhibitor := sysdbus.NewInhibitor(login, inhibitorWho, inhibitorWhy, b.logger)
	if err := inhibitor.Acquire(ctx); err != nil {
		b.logger.Warn("could not acquire shutdown inhibitor, shutdown reporting may be cut short", "error", err)
	} else {
		b.event(events.InhibitorAcquired, nil)
	}
	defer func() {
		if inhibitor.Held() {
			inhibitor.Release()
			b.event(events.InhibitorReleased, nil)
		}
	}()

	topicPrefix := b.cfg.TopicPrefix()
	statusTopic := topicPrefix + "/status"

	// Buffered: the paho connect callback must never block on the run
	// loop; a pending notification covers coalesced reconnects.
	connected := make(chan struct{}, 1)
	session := mqtt.New(mqtt.Options{
		Host:        b.cfg.MQTT.Host,
		Port:        b.cfg.MQTT.Port,
		DisableTLS:  b.cfg.MQTT.DisableTLS,
		Username:    b.cfg.MQTT.Username,
		Password:    b.cfg.MQTT.Password,
		Hostname:    b.cfg.Hostname,
		StatusTopic: statusTopic,
		Logger:      b.logger,
		Events:      b.bus,
		OnConnect: func() {
			select {
			case connected <- struct{}{}:
			default:
			}
		},
	})

	registry := NewRegistry(topicPrefix, login, services,
		b.cfg.Units.Control, b.cfg.PoweroffDelay(), b.logger, b.bus)

	discovery := hass.NewPublisher(
		b.cfg.Discovery.Prefix, b.cfg.Discovery.ObjectID,
		b.cfg.Hostname, topicPrefix,
		b.cfg.Units.Monitor, b.cfg.Units.Control,
		session.Publish, b.logger)

	monitors := make([]*unitMonitor, 0, len(b.cfg.Units.Monitor))
	for _, unit := range b.cfg.Units.Monitor {
		monitors = append(monitors,
			newUnitMonitor(unit, topicPrefix, services.WatchActiveState,
				session.Publish, b.logger, b.bus))
	}

	if b.cfg.Server.HTTPListen != "" {
		srv := web.New(b.cfg.Server.HTTPListen, session.Connected, b.metrics.Handler(), b.logger)
		srv.Start()
		defer srv.Shutdown()
	}

	// Cancel the connect wait from a termination signal so a broker
	// outage at boot still exits cleanly on SIGTERM.
	go func() {
		select {
		case sig := <-signals.C:
			b.logger.Info("received signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := session.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	prepStream, prepCancel, err := login.SubscribePrepareForShutdown()
	if err != nil {
		return fmt.Errorf("subscribe PrepareForShutdown: %w", err)
	}
	defer prepCancel()

	// logind restarts invalidate held inhibitor fds; watch its bus name.
	ownerStream, ownerCancel, err := sysBus.Subscribe(
		"/org/freedesktop/DBus", "org.freedesktop.DBus", "NameOwnerChanged")
	if err != nil {
		b.logger.Warn("cannot watch login manager restarts", "error", err)
	} else {
		defer ownerCancel()
	}

	var wg sync.WaitGroup

	// Per-(re)connect bootstrap: subscribe, discovery, current state.
	// The birth publish already happened inside the session callback.
	// Each CONNACK advances the session generation the monitors dedup
	// against; the first connect is generation 1.
	wg.Add(1)
	go func() {
		defer wg.Done()
		var sessionGen uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-connected:
				sessionGen++
				b.bootstrapSession(ctx, session, registry, discovery, login, monitors, topicPrefix, sessionGen)
			}
		}
	}()

	// Inbound dispatch: strictly sequential, one message at a time.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-session.Messages():
				if !ok {
					return
				}
				registry.Dispatch(ctx, msg)
			}
		}
	}()

	// Shutdown preparation reporting.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case active, ok := <-prepStream:
				if !ok {
					return
				}
				b.handlePrepareForShutdown(ctx, session, inhibitor, topicPrefix, active)
			}
		}
	}()

	if ownerStream != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case sig, ok := <-ownerStream:
					if !ok {
						return
					}
					if loginManagerRestarted(sig) {
						inhibitor.HandleLoginManagerRestart(ctx)
					}
				}
			}
		}()
	}

	for _, m := range monitors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.run(ctx)
		}()
	}

	b.event(events.BridgeRunning, nil)
	b.logger.Info("bridge running",
		"hostname", b.cfg.Hostname,
		"monitored_units", len(b.cfg.Units.Monitor),
		"controlled_units", len(b.cfg.Units.Control))

	var runErr error
	select {
	case <-sysBus.Done():
		if !sysBus.Closed() {
			runErr = fmt.Errorf("system bus connection lost")
			b.logger.Error("system bus connection lost, shutting down")
		}
	case <-ctx.Done():
	}

	// Draining: stop the workers, then unwind the publish surface in
	// order (unsubscribe, offline status, discovery retraction,
	// disconnect). Inhibitor release and bus close are deferred.
	b.event(events.BridgeStopping, nil)
	b.logger.Info("draining")
	cancel()
	prepCancel()
	if ownerCancel != nil {
		ownerCancel()
	}
	wg.Wait()

	if session.Connected() {
		if err := session.Unsubscribe(registry.Topics()); err != nil {
			b.logger.Warn("unsubscribe failed", "error", err)
		}
		if err := session.Publish(statusTopic, []byte(mqtt.StatusOffline), 1, true); err != nil {
			b.logger.Warn("failed to publish offline status", "error", err)
		}
		if err := discovery.Retract(); err != nil {
			b.logger.Warn("failed to retract discovery config", "error", err)
		}
	}
	session.Disconnect()

	b.logger.Info("shutdown complete")
	return runErr
}

// bootstrapSession completes the per-connect publish sequence after the
// birth: subscriptions, the discovery document, the current shutdown
// preparation state, and each monitored unit's ActiveState.
func (b *Bridge) bootstrapSession(ctx context.Context, session *mqtt.Client,
	registry *Registry, discovery *hass.Publisher, login *sysdbus.LoginManager,
	monitors []*unitMonitor, topicPrefix string, sessionGen uint64) {
	if err := session.Subscribe(registry.Topics()); err != nil {
		b.logger.Warn("subscribe failed", "error", err)
	}
	if err := discovery.Announce(); err != nil {
		b.logger.Warn("failed to publish discovery config", "error", err)
	}
	if active, err := login.PreparingForShutdown(ctx); err != nil {
		b.logger.Warn("failed to read PreparingForShutdown", "error", err)
	} else {
		b.publishPreparing(session, topicPrefix, active)
	}
	for _, m := range monitors {
		m.syncSession(sessionGen)
	}
}

// handlePrepareForShutdown reports a PrepareForShutdown transition and
// moves the inhibitor. The report is not awaited: the delay window is
// bounded and the lock must drop promptly once preparation starts.
func (b *Bridge) handlePrepareForShutdown(ctx context.Context, session *mqtt.Client,
	inhibitor *sysdbus.Inhibitor, topicPrefix string, active bool) {
	b.logger.Info("shutdown preparation changed", "active", active)
	b.event(events.ShutdownPreparing, map[string]string{"active": fmt.Sprintf("%t", active)})
	session.PublishAsync(topicPrefix+"/preparing-for-shutdown", encodeBool(active), 1, false)
	inhibitor.HandlePrepareForShutdown(ctx, active)
	if active {
		b.event(events.InhibitorReleased, nil)
	} else if inhibitor.Held() {
		b.event(events.InhibitorAcquired, nil)
	}
}

func (b *Bridge) publishPreparing(session *mqtt.Client, topicPrefix string, active bool) {
	if err := session.Publish(topicPrefix+"/preparing-for-shutdown", encodeBool(active), 1, false); err != nil {
		b.logger.Warn("failed to publish preparing-for-shutdown", "error", err)
	}
}

func (b *Bridge) event(t events.EventType, data map[string]string) {
	b.bus.Publish(events.Event{Type: t, Data: data})
}

func encodeBool(v bool) []byte {
	if v {
		return []byte("true")
	}
	return []byte("false")
}

// loginManagerRestarted reports whether a NameOwnerChanged signal marks
// org.freedesktop.login1 gaining a fresh owner.
func loginManagerRestarted(sig *dbus.Signal) bool {
	if len(sig.Body) < 3 {
		return false
	}
	name, _ := sig.Body[0].(string)
	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)
	return name == "org.freedesktop.login1" && oldOwner == "" && newOwner != ""
}
