package bridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sysmqtt/sysmqtt/internal/events"
)

// watchFunc matches ServiceManager.WatchActiveState.
type watchFunc func(ctx context.Context, name string) (<-chan string, func(), error)

// publishFunc matches mqtt.Client.Publish.
type publishFunc func(topic string, payload []byte, qos byte, retained bool) error

// unitMonitor republishes one unit's ActiveState. The watch stream
// delivers the initial value and every change; the monitor additionally
// suppresses publishes equal to the last value delivered on the current
// MQTT session. Sessions are identified by a generation the supervisor
// bumps on every CONNACK, so a reconnect re-emits unchanged state while
// the first connect never double-publishes the initial value.
type unitMonitor struct {
	unit    string
	topic   string
	watch   watchFunc
	publish publishFunc
	logger  *slog.Logger
	events  *events.Bus

	mu            sync.Mutex
	gen           uint64
	lastObserved  string
	lastPublished string
	publishedGen  uint64
}

func newUnitMonitor(unit, topicPrefix string, watch watchFunc, publish publishFunc,
	logger *slog.Logger, bus *events.Bus) *unitMonitor {
	return &unitMonitor{
		unit:    unit,
		topic:   topicPrefix + "/unit/system/" + unit + "/active-state",
		watch:   watch,
		publish: publish,
		logger:  logger,
		events:  bus,
		// Monitors start after the first CONNACK, which is generation 1.
		gen: 1,
	}
}

// run consumes the watch stream until ctx is cancelled or the stream
// closes. A failed watch setup disables this monitor only.
func (m *unitMonitor) run(ctx context.Context) {
	states, cancel, err := m.watch(ctx, m.unit)
	if err != nil {
		m.logger.Warn("cannot watch unit", "unit", m.unit, "error", err)
		return
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			m.observe(state)
		}
	}
}

func (m *unitMonitor) observe(state string) {
	m.mu.Lock()
	m.lastObserved = state
	if state == m.lastPublished && m.publishedGen == m.gen {
		m.mu.Unlock()
		return
	}
	gen := m.gen
	m.mu.Unlock()
	m.publishState(state, gen)
}

func (m *unitMonitor) publishState(state string, gen uint64) {
	if err := m.publish(m.topic, []byte(state), 1, true); err != nil {
		m.logger.Warn("failed to publish unit state",
			"unit", m.unit, "state", state, "error", err)
		return
	}
	m.mu.Lock()
	m.lastPublished = state
	m.publishedGen = gen
	m.mu.Unlock()
	m.logger.Info("published unit state", "unit", m.unit, "state", state)
	if m.events != nil {
		m.events.Publish(events.Event{
			Type: events.UnitStateChanged,
			Data: map[string]string{"unit": m.unit, "state": state},
		})
	}
}

// syncSession moves the monitor to session generation gen and re-emits
// the current ActiveState unless it already went out under this
// generation. On the first connect the monitor's own initial publish
// wins; on a reconnect the stale generation forces a re-emission.
func (m *unitMonitor) syncSession(gen uint64) {
	m.mu.Lock()
	m.gen = gen
	state := m.lastObserved
	current := state != "" && state == m.lastPublished && m.publishedGen == gen
	m.mu.Unlock()
	if state == "" || current {
		return
	}
	m.publishState(state, gen)
}
