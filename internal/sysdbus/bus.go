// Package sysdbus wraps the D-Bus system bus connection and the typed
// proxies for the freedesktop login manager (org.freedesktop.login1) and
// service manager (org.freedesktop.systemd1).
package sysdbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// DefaultCallTimeout bounds every remote method call.
const DefaultCallTimeout = 25 * time.Second

// RemoteError carries the remote D-Bus error name verbatim so callers can
// match on it (e.g. the interactive-authorization error from polkit).
type RemoteError struct {
	Name    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Name
}

// ErrorName returns the remote error name, or "" if err does not wrap a
// RemoteError.
func ErrorName(err error) string {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Name
	}
	return ""
}

// Bus is the shared system-bus connection. Proxies hold it for calls and
// signal subscriptions; only the owner (the bridge supervisor) opens and
// closes it. Wire framing, authentication and reply matching are handled
// by godbus.
type Bus struct {
	conn    *dbus.Conn
	logger  *slog.Logger
	timeout time.Duration

	done     chan struct{}
	doneOnce sync.Once

	mu     sync.Mutex
	closed bool
}

// Open connects to the system bus (honouring DBUS_SYSTEM_BUS_ADDRESS).
func Open(logger *slog.Logger) (*Bus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	b := &Bus{
		conn:    conn,
		logger:  logger,
		timeout: DefaultCallTimeout,
		done:    make(chan struct{}),
	}

	// godbus closes every registered signal channel when the connection
	// terminates; a sentinel channel turns that into loss detection.
	sentinel := make(chan *dbus.Signal, 1)
	conn.Signal(sentinel)
	go func() {
		for range sentinel {
		}
		b.doneOnce.Do(func() { close(b.done) })
	}()

	return b, nil
}

// Done is closed when the bus connection terminates, whether by Close or
// by transport loss. The supervisor treats an unexpected close as fatal.
func (b *Bus) Done() <-chan struct{} { return b.done }

// Closed reports whether Close was called locally.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Call invokes a remote method and returns the reply body. The call is
// bounded by DefaultCallTimeout on top of ctx. Remote errors surface as
// *RemoteError with the original error name.
func (b *Bus) Call(ctx context.Context, dest string, path dbus.ObjectPath, method string, args ...any) ([]any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	call := b.conn.Object(dest, path).CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		var dbusErr dbus.Error
		if errors.As(call.Err, &dbusErr) {
			remote := &RemoteError{Name: dbusErr.Name}
			if len(dbusErr.Body) > 0 {
				if msg, ok := dbusErr.Body[0].(string); ok {
					remote.Message = msg
				}
			}
			return nil, remote
		}
		return nil, call.Err
	}
	return call.Body, nil
}

// Subscribe installs a match rule for (path, interface, member) and
// returns a channel of matching signals. The returned cancel func removes
// the rule and stops delivery; the channel closes when cancelled or when
// the connection terminates.
func (b *Bus) Subscribe(path dbus.ObjectPath, iface, member string) (<-chan *dbus.Signal, func(), error) {
	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(member),
	}
	if err := b.conn.AddMatchSignal(opts...); err != nil {
		return nil, nil, fmt.Errorf("add match %s.%s: %w", iface, member, err)
	}

	raw := make(chan *dbus.Signal, 16)
	b.conn.Signal(raw)

	out := make(chan *dbus.Signal, 16)
	stop := make(chan struct{})
	name := iface + "." + member

	go func() {
		defer close(out)
		for {
			select {
			case <-stop:
				return
			case sig, ok := <-raw:
				if !ok {
					return
				}
				if sig.Path != path || sig.Name != name {
					continue
				}
				select {
				case out <- sig:
				default:
					b.logger.Warn("dropping signal, subscriber lagging", "signal", name)
				}
			}
		}
	}()

	cancel := sync.OnceFunc(func() {
		b.conn.RemoveSignal(raw)
		_ = b.conn.RemoveMatchSignal(opts...)
		close(stop)
	})
	return out, cancel, nil
}

// Close tears down the connection. In-flight calls fail and all signal
// channels close.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	_ = b.conn.Close()
	b.doneOnce.Do(func() { close(b.done) })
}
