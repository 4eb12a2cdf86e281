package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"docudrop/internal/artifact"
	"docudrop/internal/config"
	"docudrop/internal/connection"
	"docudrop/internal/delivery"
	"docudrop/internal/eventbus"
	"docudrop/internal/lifecycle"
	"docudrop/internal/observability/ops"
	rtsup "docudrop/internal/runtime/supervisor"
	"docudrop/internal/storage"
	"docudrop/internal/task/scheduler"
	logx "docudrop/pkg/logx"
	"docudrop/pkg/systemd"
)

const retentionJob = "retention.sweep"

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry

	store     storage.Store
	artifacts *artifact.Store
	conn      *connection.Machine
	queue     *delivery.Queue
	mgr       *lifecycle.Manager

	sched *scheduler.Service
	ops   *ops.Service
}

// New loads the config and wires every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	// From here on, failures must release the store.
	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	arts, err := artifact.New(cfg.Artifacts.Dir)
	if err != nil {
		return fail(fmt.Errorf("artifact dir: %w", err))
	}

	factory, suffix, err := newFactory(cfg, root.With(logx.String("comp", "transport")))
	if err != nil {
		return fail(err)
	}
	connOpts, err := mapConnectionOptions(cfg)
	if err != nil {
		return fail(err)
	}
	connOpts.Bus = bus
	connOpts.Log = root.With(logx.String("comp", "connection"))
	machine := connection.New(factory, connOpts)

	window, schedule, err := mapRetention(cfg)
	if err != nil {
		return fail(err)
	}
	if _, err := scheduler.ParseSchedule(schedule); err != nil {
		return fail(fmt.Errorf("retention.schedule: %w", err))
	}
	mgr := lifecycle.New(store, machine, arts, lifecycle.Options{
		Caption:         cfg.Delivery.Caption,
		RetentionWindow: window,
		Bus:             bus,
		Log:             root.With(logx.String("comp", "lifecycle")),
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	qopts, err := mapDeliveryOptions(cfg)
	if err != nil {
		return fail(err)
	}
	qopts.AddressSuffix = suffix
	qopts.Exists = arts.Exists
	qopts.Resolve = func(ctx context.Context, id string) (string, error) {
		r, err := store.FindRequest(ctx, id)
		return r.PhoneNumber, err
	}
	qopts.Metrics = delivery.NewMetrics(reg)
	qopts.Bus = bus
	qopts.Log = root.With(logx.String("comp", "delivery"))
	queue := delivery.New(machine, mgr, qopts)

	mgr.AttachQueue(queue)
	machine.OnSendable(queue.Pump)
	logSvc.SetAlertSender(alertSender{gate: machine, suffix: suffix})

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		reg:       reg,
		store:     store,
		artifacts: arts,
		conn:      machine,
		queue:     queue,
		mgr:       mgr,
		sched:     scheduler.New(scheduler.Config{Timezone: cfg.Retention.Timezone}, root.With(logx.String("comp", "scheduler"))),
	}
	a.ops = ops.New(mapOpsConfig(cfg, arts.Dir()), reg, a.health, root.With(logx.String("comp", "ops")))
	if err := a.addRetention(schedule); err != nil {
		return fail(err)
	}
	return a, nil
}

// Manager is the upward interface used by the upload and dashboard layers.
func (a *App) Manager() *lifecycle.Manager { return a.mgr }

// Artifacts is where uploads are saved before Bind.
func (a *App) Artifacts() *artifact.Store { return a.artifacts }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() (bool, any) {
	snap := a.conn.Current()
	return true, map[string]any{
		"state":       snap.State,
		"qr_pending":  snap.QR != "",
		"queue_depth": a.queue.Depth(),
		"in_flight":   a.queue.InFlight(),
		"goroutines":  a.sup.Counters(),
	}
}

func (a *App) addRetention(schedule string) error {
	return a.sched.Add(retentionJob, schedule, 5*time.Minute, func(ctx context.Context) error {
		_, err := a.mgr.Sweep(ctx)
		return err
	})
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.sup.Go("delivery.queue", a.queue.Run)
	a.conn.Start(run)
	a.sched.Start(run)
	// Catch up on anything that expired while the process was down.
	a.sup.Go0("retention.startup", func(c context.Context) {
		if _, err := a.mgr.Sweep(c); err != nil {
			a.log.Warn("startup retention sweep failed", logx.Err(err))
		}
	})
	if a.ops.Enabled() {
		a.ops.Start(run)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
				if e.Type == eventbus.TypeConnectionState {
					if snap, ok := e.Data.(connection.Snapshot); ok {
						_, _ = systemd.Status("connection %s, queue depth %d", snap.State, a.queue.Depth())
					}
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	// A broken watcher (directory removed, inotify limits) should not take
	// delivery down with it.
	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(time.Second, time.Minute))
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c, nil); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})

	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd ready notification failed", logx.Err(err))
	}
	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// applyConfig applies the hot-reloadable sections. Transport, storage and
// artifact changes need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections := config.ChangedSections(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range []string{"transport", "storage", "artifacts"} {
		if slices.Contains(sections, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(next))

	if p, err := mapPacing(next); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.queue.SetPacing(p.min, p.max)
	}

	if slices.Contains(sections, "retention") {
		_, schedule, err := mapRetention(next)
		if err == nil {
			err = a.addRetention(schedule)
		}
		if err != nil {
			a.log.Warn("invalid retention config; keeping previous", logx.Err(err))
		}
		a.sched.Apply(scheduler.Config{Timezone: next.Retention.Timezone})
	}

	a.ops.Reconfigure(ctx, mapOpsConfig(next, a.artifacts.Dir()))

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.store.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("systemd stopping notification failed", logx.Err(err))
	}

	// Cancel the run context first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step runs one shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("ops", 1*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("connection", 5*time.Second, a.conn.Stop)
	// The queue goroutine exits on cancel; an in-flight send is not interrupted.
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.Int("undelivered", a.queue.Depth()))
	return a.logs.Close()
}
