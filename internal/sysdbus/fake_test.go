package sysdbus

import (
	"bytes"
	"context"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

// recordedCall captures one fake bus invocation.
type recordedCall struct {
	Dest   string
	Path   dbus.ObjectPath
	Method string
	Args   []any
}

// fakeBus implements the caller interface for proxy tests.
type fakeBus struct {
	mu      sync.Mutex
	calls   []recordedCall
	replies map[string][]any
	errs    map[string]error
	signals chan *dbus.Signal
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		replies: make(map[string][]any),
		errs:    make(map[string]error),
		signals: make(chan *dbus.Signal, 16),
	}
}

func (f *fakeBus) Call(ctx context.Context, dest string, path dbus.ObjectPath, method string, args ...any) ([]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Dest: dest, Path: path, Method: method, Args: args})
	f.mu.Unlock()
	if err, ok := f.errs[method]; ok {
		return nil, err
	}
	return f.replies[method], nil
}

func (f *fakeBus) Subscribe(path dbus.ObjectPath, iface, member string) (<-chan *dbus.Signal, func(), error) {
	return f.signals, func() {}, nil
}

func (f *fakeBus) recorded() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeBus) callsTo(method string) []recordedCall {
	var out []recordedCall
	for _, c := range f.recorded() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// capturedLogger returns a debug-level logger writing to the buffer.
func capturedLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger, &buf
}
