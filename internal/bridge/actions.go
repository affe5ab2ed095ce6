package bridge

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/sysmqtt/sysmqtt/internal/events"
	"github.com/sysmqtt/sysmqtt/internal/mqtt"
)

// loginActions is the slice of the login proxy the registry dispatches to.
type loginActions interface {
	ScheduleShutdown(ctx context.Context, kind string, when time.Time) error
	Suspend(ctx context.Context, interactive bool) error
	LockSessions(ctx context.Context) error
}

// unitActions is the slice of the service proxy the registry dispatches to.
type unitActions interface {
	StartUnit(ctx context.Context, name string) error
	StopUnit(ctx context.Context, name string) error
	RestartUnit(ctx context.Context, name string) error
}

type binding struct {
	action string
	run    func(ctx context.Context) error
}

// Registry maps full inbound topics to their handlers. It is populated
// once at boot; only units named in the controlled set get lifecycle
// bindings.
type Registry struct {
	topicPrefix string
	bindings    map[string]binding
	logger      *slog.Logger
	events      *events.Bus
}

// NewRegistry builds the action registry for this host.
func NewRegistry(topicPrefix string, login loginActions, units unitActions,
	controlled []string, poweroffDelay time.Duration,
	logger *slog.Logger, bus *events.Bus) *Registry {
	r := &Registry{
		topicPrefix: topicPrefix,
		bindings:    make(map[string]binding),
		logger:      logger,
		events:      bus,
	}

	r.add("poweroff", "poweroff", func(ctx context.Context) error {
		// Each message schedules anew; repeats slide the shutdown time.
		return login.ScheduleShutdown(ctx, "poweroff", time.Now().Add(poweroffDelay))
	})
	r.add("suspend", "suspend", func(ctx context.Context) error {
		return login.Suspend(ctx, false)
	})
	r.add("lock-all-sessions", "lock-all-sessions", func(ctx context.Context) error {
		return login.LockSessions(ctx)
	})

	for _, unit := range controlled {
		r.add("unit/system/"+unit+"/start", "unit-start", func(ctx context.Context) error {
			return units.StartUnit(ctx, unit)
		})
		r.add("unit/system/"+unit+"/stop", "unit-stop", func(ctx context.Context) error {
			return units.StopUnit(ctx, unit)
		})
		r.add("unit/system/"+unit+"/restart", "unit-restart", func(ctx context.Context) error {
			return units.RestartUnit(ctx, unit)
		})
	}

	return r
}

func (r *Registry) add(suffix, action string, run func(ctx context.Context) error) {
	r.bindings[r.topicPrefix+"/"+suffix] = binding{action: action, run: run}
}

// Topics returns the sorted subscription set.
func (r *Registry) Topics() []string {
	topics := make([]string, 0, len(r.bindings))
	for topic := range r.bindings {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Dispatch routes one inbound message to its handler. Retained messages
// are replays from before this session and are ignored. Handler errors
// are contained here; they never tear down the bridge.
func (r *Registry) Dispatch(ctx context.Context, msg mqtt.Message) {
	if msg.Retained {
		r.logger.Info("ignoring retained message", "topic", msg.Topic)
		return
	}
	b, ok := r.bindings[msg.Topic]
	if !ok {
		r.logger.Warn("no action bound for topic", "topic", msg.Topic)
		r.event(events.ActionUnknown, map[string]string{"topic": msg.Topic})
		return
	}
	r.logger.Debug("dispatching action", "action", b.action, "topic", msg.Topic)
	r.event(events.ActionDispatched, map[string]string{"action": b.action})
	if err := b.run(ctx); err != nil {
		// Already logged at the proxy with full context.
		r.event(events.ActionFailed, map[string]string{"action": b.action})
	}
}

func (r *Registry) event(t events.EventType, data map[string]string) {
	if r.events != nil {
		r.events.Publish(events.Event{Type: t, Data: data})
	}
}
