package sysdbus

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"
)

// fakeInhibitClient hands out sequential fds and records Inhibit calls.
type fakeInhibitClient struct {
	mu     sync.Mutex
	nextFd int
	calls  int
	err    error
}

func (f *fakeInhibitClient) Inhibit(ctx context.Context, what, who, why, mode string) (dbus.UnixFD, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	f.nextFd++
	return dbus.UnixFD(f.nextFd + 100), nil
}

func newTestInhibitor(client *fakeInhibitClient) (*Inhibitor, *[]int) {
	logger, _ := capturedLogger()
	i := NewInhibitor(client, "sysmqtt", "Report shutdown via MQTT", logger)
	var closed []int
	i.closeFd = func(fd int) error {
		closed = append(closed, fd)
		return nil
	}
	return i, &closed
}

func TestAcquireHolds(t *testing.T) {
	client := &fakeInhibitClient{}
	i, _ := newTestInhibitor(client)

	if err := i.Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !i.Held() {
		t.Fatal("expected Held state")
	}
	// Acquire while held is a no-op, no second fd.
	if err := i.Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("expected 1 Inhibit call, got %d", client.calls)
	}
}

func TestAcquireError(t *testing.T) {
	client := &fakeInhibitClient{err: fmt.Errorf("denied")}
	i, _ := newTestInhibitor(client)

	if err := i.Acquire(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if i.State() != StateUnacquired {
		t.Fatalf("expected Unacquired, got %s", i.State())
	}
}

func TestReleaseClosesExactlyOnce(t *testing.T) {
	client := &fakeInhibitClient{}
	i, closed := newTestInhibitor(client)

	_ = i.Acquire(context.Background())
	i.Release()
	i.Release()

	if len(*closed) != 1 {
		t.Fatalf("expected exactly one close, got %d", len(*closed))
	}
	if i.State() != StateReleased {
		t.Fatalf("expected Released, got %s", i.State())
	}
}

func TestReleaseWithoutAcquire(t *testing.T) {
	client := &fakeInhibitClient{}
	i, closed := newTestInhibitor(client)

	i.Release()
	if len(*closed) != 0 {
		t.Fatal("expected no close without fd")
	}
	if i.State() != StateReleased {
		t.Fatalf("expected Released, got %s", i.State())
	}
}

func TestPrepareForShutdownTrueReleases(t *testing.T) {
	client := &fakeInhibitClient{}
	i, closed := newTestInhibitor(client)

	_ = i.Acquire(context.Background())
	i.HandlePrepareForShutdown(context.Background(), true)

	if len(*closed) != 1 {
		t.Fatalf("expected fd closed, got %d closes", len(*closed))
	}
	if i.State() != StateReleased {
		t.Fatalf("expected Released, got %s", i.State())
	}
}

func TestPrepareForShutdownFalseReacquires(t *testing.T) {
	client := &fakeInhibitClient{}
	i, _ := newTestInhibitor(client)

	_ = i.Acquire(context.Background())
	i.HandlePrepareForShutdown(context.Background(), true)
	// Shutdown cancelled: a fresh lock must delay the next attempt.
	i.HandlePrepareForShutdown(context.Background(), false)

	if !i.Held() {
		t.Fatal("expected Held after cancelled shutdown")
	}
	if client.calls != 2 {
		t.Fatalf("expected 2 Inhibit calls, got %d", client.calls)
	}
}

func TestLoginManagerRestartReacquires(t *testing.T) {
	client := &fakeInhibitClient{}
	i, closed := newTestInhibitor(client)

	_ = i.Acquire(context.Background())
	i.HandleLoginManagerRestart(context.Background())

	if len(*closed) != 1 {
		t.Fatalf("expected stale fd closed, got %d closes", len(*closed))
	}
	if !i.Held() {
		t.Fatal("expected Held after re-acquire")
	}
	if client.calls != 2 {
		t.Fatalf("expected 2 Inhibit calls, got %d", client.calls)
	}
}

func TestLoginManagerRestartReacquireFails(t *testing.T) {
	client := &fakeInhibitClient{}
	i, _ := newTestInhibitor(client)

	_ = i.Acquire(context.Background())
	client.err = fmt.Errorf("denied")
	i.HandleLoginManagerRestart(context.Background())

	if i.State() != StateReleased {
		t.Fatalf("expected Released after failed re-acquire, got %s", i.State())
	}
}

func TestLoginManagerRestartWhenNotHeld(t *testing.T) {
	client := &fakeInhibitClient{}
	i, closed := newTestInhibitor(client)

	i.HandleLoginManagerRestart(context.Background())
	if len(*closed) != 0 || client.calls != 0 {
		t.Fatal("expected no-op when not held")
	}
}
