package connection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"docudrop/internal/eventbus"
	"docudrop/internal/transport"
	"docudrop/internal/transport/transporttest"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastOptions(dir string) Options {
	return Options{
		SessionDir:     dir,
		ReconnectDelay: 20 * time.Millisecond,
		LockRetryDelay: 20 * time.Millisecond,
		InitRetryDelay: 60 * time.Millisecond,
	}
}

func startMachine(t *testing.T, f transport.Factory, opts Options) *Machine {
	t.Helper()
	m := New(f, opts)
	m.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}

func TestMachineReachesReadyAndWakesQueue(t *testing.T) {
	sess := &transporttest.Session{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	opts := fastOptions(t.TempDir())
	opts.Bus = bus
	m := New(transporttest.NewFactory(sess).New, opts)
	var wakes atomic.Int32
	m.OnSendable(func() { wakes.Add(1) })
	if got := m.Current().State; got != Initializing {
		t.Fatalf("initial state = %s", got)
	}
	m.Start(context.Background())
	defer m.Stop(context.Background())

	waitFor(t, "READY", func() bool { return m.Current().State == Ready })
	if wakes.Load() != 1 {
		t.Fatalf("sendable callbacks = %d, want 1", wakes.Load())
	}
	if s, ok := m.Session(); !ok || s != sess {
		t.Fatal("Session() should return the connected session")
	}

	var seen []State
	for len(seen) < 2 {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeConnectionState {
				seen = append(seen, ev.Data.(Snapshot).State)
			}
		case <-time.After(time.Second):
			t.Fatalf("bus events = %v", seen)
		}
	}
	if seen[0] != Authenticated || seen[1] != Ready {
		t.Fatalf("published states = %v", seen)
	}
}

func TestMachineQRPayloadLifecycle(t *testing.T) {
	sess := &transporttest.Session{OnConnect: []transport.Event{{Kind: transport.EventQR, Payload: "qr-1"}}}
	m := startMachine(t, transporttest.NewFactory(sess).New, fastOptions(t.TempDir()))

	waitFor(t, "QR_READY", func() bool { return m.Current().State == QRReady })
	if m.Current().QR != "qr-1" || m.Sendable() {
		t.Fatalf("snapshot = %+v", m.Current())
	}

	sess.Emit(transport.Event{Kind: transport.EventQR, Payload: "qr-2"})
	waitFor(t, "refreshed QR", func() bool { return m.Current().QR == "qr-2" })

	sess.Emit(transport.Event{Kind: transport.EventAuthenticated})
	waitFor(t, "AUTHENTICATED", func() bool { return m.Current().State == Authenticated })
	if m.Current().QR != "" {
		t.Fatal("QR payload must be cleared after leaving QR_READY")
	}
	if !m.Sendable() {
		t.Fatal("AUTHENTICATED must be sendable")
	}
}

func TestMachineIgnoresOutOfOrderReady(t *testing.T) {
	sess := &transporttest.Session{OnConnect: []transport.Event{{Kind: transport.EventReady}}}
	m := startMachine(t, transporttest.NewFactory(sess).New, fastOptions(t.TempDir()))

	waitFor(t, "connect", func() bool { return sess.Connects() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := m.Current().State; got != Initializing {
		t.Fatalf("ready without authenticated moved state to %s", got)
	}
}

func TestMachineReconnectsAfterDisconnect(t *testing.T) {
	dir := t.TempDir()
	first := &transporttest.Session{}
	second := &transporttest.Session{}
	factory := transporttest.NewFactory(first, second)
	m := startMachine(t, factory.New, fastOptions(dir))
	waitFor(t, "READY", func() bool { return m.Current().State == Ready })

	marker := filepath.Join(dir, "profile", "SingletonLock")
	if err := os.MkdirAll(filepath.Dir(marker), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(marker, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	first.Emit(transport.Event{Kind: transport.EventDisconnected, Reason: "phone offline"})
	waitFor(t, "DISCONNECTED", func() bool { return m.Current().State == Disconnected })
	if m.Sendable() {
		t.Fatal("DISCONNECTED must not be sendable")
	}
	if _, ok := m.Session(); ok {
		t.Fatal("no session should be exposed while disconnected")
	}

	waitFor(t, "second session READY", func() bool {
		s, ok := m.Session()
		return ok && s == second && m.Current().State == Ready
	})
	if !first.Destroyed() {
		t.Fatal("replaced session was not destroyed")
	}
	if _, err := os.Stat(marker); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("lock marker not recovered before reconnect: %v", err)
	}
}

func TestMachineIgnoresStaleGeneration(t *testing.T) {
	sess := &transporttest.Session{}
	m := startMachine(t, transporttest.NewFactory(sess).New, fastOptions(t.TempDir()))
	waitFor(t, "READY", func() bool { return m.Current().State == Ready })

	m.mu.Lock()
	stale := m.gen - 1
	m.mu.Unlock()
	m.handle(stale, input{kind: inEvent, event: transport.Event{Kind: transport.EventDisconnected}})
	if got := m.Current().State; got != Ready {
		t.Fatalf("stale disconnect changed state to %s", got)
	}
}

// scriptedFactory fails the first attempts with errs, then succeeds.
type scriptedFactory struct {
	mu       sync.Mutex
	errs     []error
	attempts []time.Time
	before   func(attempt int)
	sess     *transporttest.Session
}

func (f *scriptedFactory) New() (transport.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.attempts)
	f.attempts = append(f.attempts, time.Now())
	if f.before != nil {
		f.before(n)
	}
	if n < len(f.errs) {
		return nil, f.errs[n]
	}
	return f.sess, nil
}

func (f *scriptedFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

func TestMachineInitRetryPolicy(t *testing.T) {
	t.Run("lock error recovers and retries quickly", func(t *testing.T) {
		dir := t.TempDir()
		marker := filepath.Join(dir, "session.lock")
		f := &scriptedFactory{
			errs: []error{fmt.Errorf("connect: %w", transport.ErrSessionLocked)},
			sess: &transporttest.Session{},
		}
		f.before = func(attempt int) {
			if attempt == 0 {
				_ = os.WriteFile(marker, nil, 0o600)
			}
		}
		m := startMachine(t, f.New, fastOptions(dir))
		waitFor(t, "READY", func() bool { return m.Current().State == Ready })
		if f.count() != 2 {
			t.Fatalf("attempts = %d", f.count())
		}
		if _, err := os.Stat(marker); !errors.Is(err, os.ErrNotExist) {
			t.Fatal("lock error retry must run recovery")
		}
	})

	t.Run("other error retries later without recovery", func(t *testing.T) {
		dir := t.TempDir()
		marker := filepath.Join(dir, "session.lock")
		f := &scriptedFactory{errs: []error{errors.New("boom")}, sess: &transporttest.Session{}}
		f.before = func(attempt int) {
			if attempt == 0 {
				_ = os.WriteFile(marker, nil, 0o600)
			}
		}
		opts := fastOptions(dir)
		m := startMachine(t, f.New, opts)
		waitFor(t, "READY", func() bool { return m.Current().State == Ready })

		f.mu.Lock()
		gap := f.attempts[1].Sub(f.attempts[0])
		f.mu.Unlock()
		if gap < opts.InitRetryDelay {
			t.Fatalf("retry after %v, want >= %v", gap, opts.InitRetryDelay)
		}
		if _, err := os.Stat(marker); err != nil {
			t.Fatalf("non-lock retry must not run recovery: %v", err)
		}
	})

	t.Run("connect error goes through the same path", func(t *testing.T) {
		bad := &transporttest.Session{ConnectErr: errors.New("network down")}
		good := &transporttest.Session{}
		m := startMachine(t, transporttest.NewFactory(bad, good).New, fastOptions(t.TempDir()))
		waitFor(t, "READY", func() bool { return m.Current().State == Ready })
		if !bad.Destroyed() {
			t.Fatal("failed session must be destroyed")
		}
	})
}
