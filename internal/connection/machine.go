package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"docudrop/internal/eventbus"
	rtsup "docudrop/internal/runtime/supervisor"
	"docudrop/internal/transport"
	logx "docudrop/pkg/logx"
)

type Options struct {
	SessionDir  string
	LockMarkers []string

	ReconnectDelay time.Duration // after a disconnect (default 5s)
	LockRetryDelay time.Duration // after a lock-related init error (default 5s)
	InitRetryDelay time.Duration // after any other init error (default 10s)

	Bus eventbus.Bus
	Log logx.Logger
}

type inputKind int

const (
	inEvent inputKind = iota
	inInitFailed
	inReinit
)

// input is everything that can move the machine: transport events, failed
// initialization attempts and reconnect timers.
type input struct {
	kind     inputKind
	event    transport.Event
	err      error
	recovery bool
}

// Machine owns the transport session. All state changes go through handle.
type Machine struct {
	opts    Options
	factory transport.Factory
	log     logx.Logger
	bus     eventbus.Bus

	mu            sync.Mutex
	state         State
	qr            string
	gen           uint64
	session       transport.Session
	cancelSession context.CancelFunc
	timer         *time.Timer
	onSendable    []func()
	started       bool
	stopped       bool

	sup *rtsup.Supervisor
}

func New(factory transport.Factory, opts Options) *Machine {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.LockRetryDelay <= 0 {
		opts.LockRetryDelay = 5 * time.Second
	}
	if opts.InitRetryDelay <= 0 {
		opts.InitRetryDelay = 10 * time.Second
	}
	if opts.LockMarkers == nil {
		opts.LockMarkers = DefaultLockMarkers
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Machine{
		opts:    opts,
		factory: factory,
		log:     log,
		bus:     opts.Bus,
		state:   Initializing,
	}
}

// OnSendable registers fn to run each time the machine enters a sendable
// state from a non-sendable one. Register before Start.
func (m *Machine) OnSendable(fn func()) {
	m.mu.Lock()
	m.onSendable = append(m.onSendable, fn)
	m.mu.Unlock()
}

// Start launches the first initialization attempt.
func (m *Machine) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.sup = rtsup.New(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	gen := m.gen
	m.mu.Unlock()

	m.log.Info("connection starting", logx.String("state", string(Initializing)))
	m.spawnInit(gen, true)
}

// Stop cancels timers and destroys the current session.
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || !m.started {
		m.stopped = true
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
	}
	sess, cancel := m.session, m.cancelSession
	m.session, m.cancelSession = nil, nil
	sup := m.sup
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if sess != nil {
		err = sess.Destroy(ctx)
	}
	if werr := sup.Stop(ctx); werr != nil && err == nil && !errors.Is(werr, context.Canceled) {
		err = werr
	}
	return err
}

func (m *Machine) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{State: m.state, QR: m.qr}
}

func (m *Machine) Sendable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Sendable()
}

// Session returns the current session when the machine is sendable.
func (m *Machine) Session() (transport.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Sendable() || m.session == nil {
		return nil, false
	}
	return m.session, true
}

func (m *Machine) spawnInit(gen uint64, recovery bool) {
	m.mu.Lock()
	sup := m.sup
	m.mu.Unlock()
	sup.Go0(fmt.Sprintf("connection.init.%d", gen), func(ctx context.Context) {
		m.initialize(ctx, gen, recovery)
	})
}

// initialize runs one connection attempt for generation gen.
func (m *Machine) initialize(ctx context.Context, gen uint64, recovery bool) {
	if recovery {
		removed, err := RecoverSessionLocks(m.opts.SessionDir, m.opts.LockMarkers)
		if len(removed) > 0 {
			m.log.Warn("removed stale session locks", logx.Int("count", len(removed)), logx.Any("paths", removed))
		}
		if err != nil {
			m.log.Warn("session lock recovery incomplete", logx.Err(err))
		}
	}

	sess, err := m.factory()
	if err != nil {
		m.handle(gen, input{kind: inInitFailed, err: err})
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		_ = sess.Destroy(ctx)
		return
	}
	sctx, cancel := context.WithCancel(ctx)
	m.session = sess
	m.cancelSession = cancel
	sup := m.sup
	m.mu.Unlock()

	events := make(chan transport.Event, 16)
	sup.Go0(fmt.Sprintf("connection.events.%d", gen), func(context.Context) {
		for {
			select {
			case <-sctx.Done():
				return
			case ev := <-events:
				m.handle(gen, input{kind: inEvent, event: ev})
			}
		}
	})

	if err := sess.Connect(sctx, events); err != nil {
		m.handle(gen, input{kind: inInitFailed, err: err})
	}
}

// handle is the single mutation entry point. Inputs tagged with an older
// generation come from a replaced session or a canceled timer and are
// dropped.
func (m *Machine) handle(gen uint64, in input) {
	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		m.log.Debug("stale connection input ignored", logx.Int64("gen", int64(gen)))
		return
	}

	prev := m.state
	next := prev
	qr := ""
	var (
		reason     string
		retire     bool
		delay      time.Duration
		recovery   bool
		initialize bool
	)

	switch in.kind {
	case inEvent:
		switch in.event.Kind {
		case transport.EventQR:
			if prev == Initializing || prev == QRReady {
				next, qr = QRReady, in.event.Payload
			}
		case transport.EventAuthenticated:
			if prev == Initializing || prev == QRReady {
				next = Authenticated
			}
		case transport.EventReady:
			if prev == Authenticated {
				next = Ready
			}
		case transport.EventDisconnected:
			next, reason = Disconnected, in.event.Reason
			retire, delay, recovery = true, m.opts.ReconnectDelay, true
		}
	case inInitFailed:
		next, reason = Disconnected, in.err.Error()
		retire = true
		if transport.IsLockError(in.err) {
			delay, recovery = m.opts.LockRetryDelay, true
		} else {
			delay = m.opts.InitRetryDelay
		}
	case inReinit:
		if prev == Disconnected {
			next, initialize, recovery = Initializing, true, in.recovery
		}
	}

	refreshQR := in.kind == inEvent && in.event.Kind == transport.EventQR && next == QRReady
	if next == prev && !refreshQR {
		m.mu.Unlock()
		if in.kind == inEvent {
			m.log.Debug("connection event ignored", logx.String("state", string(prev)), logx.String("event", string(in.event.Kind)))
		}
		return
	}

	m.state = next
	m.qr = qr

	var (
		oldSess   transport.Session
		oldCancel context.CancelFunc
	)
	if retire {
		m.gen++
		oldSess, oldCancel = m.session, m.cancelSession
		m.session, m.cancelSession = nil, nil
		newGen := m.gen
		if m.timer != nil {
			m.timer.Stop()
		}
		m.timer = time.AfterFunc(delay, func() {
			m.handle(newGen, input{kind: inReinit, recovery: recovery})
		})
	}
	wake := !prev.Sendable() && next.Sendable()
	var callbacks []func()
	if wake {
		callbacks = append(callbacks, m.onSendable...)
	}
	curGen := m.gen
	sup := m.sup
	m.mu.Unlock()

	fields := []logx.Field{logx.String("from", string(prev)), logx.String("to", string(next))}
	if reason != "" {
		fields = append(fields, logx.String("reason", reason))
	}
	if next == Disconnected {
		m.log.Warn("connection state changed", append(fields, logx.Duration("retry_in", delay), logx.Bool("lock_recovery", recovery))...)
	} else {
		m.log.Info("connection state changed", fields...)
	}
	m.bus.Publish(eventbus.Event{
		Type: eventbus.TypeConnectionState,
		Time: time.Now(),
		Data: Snapshot{State: next, QR: qr},
	})

	if oldCancel != nil {
		oldCancel()
	}
	if oldSess != nil {
		sup.Go0("connection.destroy", func(ctx context.Context) {
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := oldSess.Destroy(dctx); err != nil {
				m.log.Warn("session destroy failed", logx.Err(err))
			}
		})
	}
	if initialize {
		m.spawnInit(curGen, recovery)
	}
	for _, fn := range callbacks {
		fn()
	}
}
