package sysdbus

import (
	"context"
	"log/slog"
	"sync"
	"syscall"

	"github.com/godbus/dbus/v5"
)

// InhibitorState tracks the lifecycle of the delay shutdown inhibitor.
type InhibitorState int

const (
	StateUnacquired InhibitorState = iota
	StateHeld
	StateReleased
)

func (s InhibitorState) String() string {
	switch s {
	case StateHeld:
		return "held"
	case StateReleased:
		return "released"
	default:
		return "unacquired"
	}
}

// inhibitClient is the slice of LoginManager the inhibitor needs.
type inhibitClient interface {
	Inhibit(ctx context.Context, what, who, why, mode string) (dbus.UnixFD, error)
}

// Inhibitor owns the delay shutdown-inhibitor file descriptor. At most
// one fd is held at a time; it is closed exactly once, either when logind
// signals PrepareForShutdown(true) or at orderly teardown. Closing the fd
// is what lets a pending shutdown proceed.
type Inhibitor struct {
	login  inhibitClient
	logger *slog.Logger
	who    string
	why    string

	mu    sync.Mutex
	state InhibitorState
	fd    int

	// closeFd is swapped out in tests.
	closeFd func(int) error
}

// NewInhibitor creates an inhibitor in the Unacquired state.
func NewInhibitor(login inhibitClient, who, why string, logger *slog.Logger) *Inhibitor {
	return &Inhibitor{
		login:   login,
		logger:  logger,
		who:     who,
		why:     why,
		fd:      -1,
		state:   StateUnacquired,
		closeFd: syscall.Close,
	}
}

// Acquire takes the delay inhibitor lock. It is a no-op while Held.
// Acquiring from Released starts a new shutdown sequence and is only
// valid after the previous one was cancelled (PrepareForShutdown=false).
func (i *Inhibitor) Acquire(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateHeld {
		return nil
	}
	fd, err := i.login.Inhibit(ctx, "shutdown", i.who, i.why, "delay")
	if err != nil {
		return err
	}
	i.fd = int(fd)
	i.state = StateHeld
	i.logger.Debug("acquired shutdown inhibitor lock", "fd", i.fd)
	return nil
}

// Release closes the inhibitor fd. Safe to call repeatedly; only the
// first call closes.
func (i *Inhibitor) Release() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.release()
}

func (i *Inhibitor) release() {
	if i.state != StateHeld {
		i.state = StateReleased
		return
	}
	if err := i.closeFd(i.fd); err != nil {
		i.logger.Warn("failed to close inhibitor fd", "fd", i.fd, "error", err)
	} else {
		i.logger.Debug("released shutdown inhibitor lock", "fd", i.fd)
	}
	i.fd = -1
	i.state = StateReleased
}

// HandlePrepareForShutdown applies a PrepareForShutdown signal value:
// true releases the lock so the shutdown can proceed; false means the
// shutdown was cancelled and a fresh lock must delay the next one.
func (i *Inhibitor) HandlePrepareForShutdown(ctx context.Context, active bool) {
	if active {
		i.Release()
		return
	}
	i.mu.Lock()
	// A lock still held already delays the next shutdown; keep it
	// rather than taking a second fd.
	if i.state != StateHeld {
		i.state = StateUnacquired
	}
	i.mu.Unlock()
	if err := i.Acquire(ctx); err != nil {
		i.logger.Error("failed to re-acquire shutdown inhibitor", "error", err)
	}
}

// HandleLoginManagerRestart re-acquires the lock after logind restarted,
// which invalidates held inhibitor fds. A single attempt is made; on
// failure the inhibitor stays Released.
func (i *Inhibitor) HandleLoginManagerRestart(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateHeld {
		return
	}
	i.logger.Error("login manager restarted while inhibitor held, re-acquiring")
	if err := i.closeFd(i.fd); err != nil {
		i.logger.Warn("failed to close stale inhibitor fd", "fd", i.fd, "error", err)
	}
	i.fd = -1

	fd, err := i.login.Inhibit(ctx, "shutdown", i.who, i.why, "delay")
	if err != nil {
		i.state = StateReleased
		i.logger.Error("failed to re-acquire shutdown inhibitor", "error", err)
		return
	}
	i.fd = int(fd)
	i.logger.Debug("re-acquired shutdown inhibitor lock", "fd", i.fd)
}

// State returns the current lifecycle state.
func (i *Inhibitor) State() InhibitorState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Held reports whether the fd is currently held.
func (i *Inhibitor) Held() bool {
	return i.State() == StateHeld
}
