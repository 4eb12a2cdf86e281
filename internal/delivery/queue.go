// Package delivery runs the single-worker outbound document queue.
package delivery

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"docudrop/internal/eventbus"
	"docudrop/internal/transport"
	logx "docudrop/pkg/logx"
)

// Gate exposes the transport session while sending is allowed.
type Gate interface {
	Session() (transport.Session, bool)
}

// Reporter persists the outcome of one delivery attempt.
type Reporter interface {
	Complete(ctx context.Context, requestID string) error
	Fail(ctx context.Context, requestID string, cause error) error
}

// PhoneResolver returns the current stored phone number of a request.
type PhoneResolver func(ctx context.Context, requestID string) (string, error)

type Options struct {
	PacingMin   time.Duration // default 5s
	PacingMax   time.Duration // default 15s
	IdleRecheck time.Duration // default 5s

	// AddressSuffix is appended to the normalized phone number.
	AddressSuffix string

	Exists  func(path string) bool
	Resolve PhoneResolver
	// Rand returns a value in [0,1) for pacing jitter.
	Rand func() float64

	Metrics *Metrics
	Bus     eventbus.Bus
	Log     logx.Logger
}

type pacing struct {
	min, max time.Duration
}

type result struct {
	task    Task
	requeue bool
}

// Queue is an actor: one goroutine owns the task list and the in-flight
// flag, another is the only one that ever sends.
type Queue struct {
	gate     Gate
	reporter Reporter
	opts     Options
	log      logx.Logger
	bus      eventbus.Bus

	pace atomic.Pointer[pacing]

	enqueueCh chan Task
	pumpCh    chan struct{}
	workCh    chan Task
	doneCh    chan result

	depth   atomic.Int64
	busy    atomic.Bool
	running atomic.Bool
	stopped chan struct{}
	once    sync.Once
}

func New(gate Gate, reporter Reporter, opts Options) *Queue {
	if opts.IdleRecheck <= 0 {
		opts.IdleRecheck = 5 * time.Second
	}
	if opts.Exists == nil {
		opts.Exists = func(string) bool { return true }
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{
		gate:      gate,
		reporter:  reporter,
		opts:      opts,
		log:       log,
		bus:       opts.Bus,
		enqueueCh: make(chan Task, 64),
		pumpCh:    make(chan struct{}, 1),
		workCh:    make(chan Task),
		doneCh:    make(chan result),
		stopped:   make(chan struct{}),
	}
	q.SetPacing(opts.PacingMin, opts.PacingMax)
	return q
}

// SetPacing changes the pacing window for the next dequeued task.
func (q *Queue) SetPacing(lo, hi time.Duration) {
	if lo <= 0 {
		lo = 5 * time.Second
	}
	if hi <= 0 {
		hi = 15 * time.Second
	}
	if hi < lo {
		hi = lo
	}
	q.pace.Store(&pacing{min: lo, max: hi})
}

// Enqueue appends t to the tail. It does not pump.
func (q *Queue) Enqueue(t Task) error {
	select {
	case <-q.stopped:
		return ErrStopped
	default:
	}
	select {
	case q.enqueueCh <- t:
		return nil
	case <-q.stopped:
		return ErrStopped
	}
}

// Pump asks the actor to dispatch the head task. Calls coalesce and are a
// no-op while a task is in flight.
func (q *Queue) Pump() {
	select {
	case q.pumpCh <- struct{}{}:
	default:
	}
}

// Depth is the number of tasks waiting behind the in-flight one.
func (q *Queue) Depth() int { return int(q.depth.Load()) }

// InFlight reports whether a task is being paced or sent.
func (q *Queue) InFlight() bool { return q.busy.Load() }

// Run owns the queue until ctx is canceled. Tasks still queued at that
// point are dropped; their requests stay in processing.
func (q *Queue) Run(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return fmt.Errorf("delivery queue already running")
	}
	defer q.once.Do(func() { close(q.stopped) })

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.worker(ctx)
	}()
	defer wg.Wait()

	var (
		tasks    []Task
		inFlight bool
		recheck  *time.Timer
		recheckC <-chan time.Time
	)
	setDepth := func() {
		q.depth.Store(int64(len(tasks)))
		q.opts.Metrics.setDepth(len(tasks))
	}
	add := func(t Task) {
		tasks = append(tasks, t)
		setDepth()
		q.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryQueued, Time: time.Now(), Data: t.RequestID})
		q.log.Debug("task enqueued", logx.String("request_id", t.RequestID), logx.Int("depth", len(tasks)))
	}
	dispatch := func() {
		if inFlight {
			return
		}
		if _, ok := q.gate.Session(); !ok || len(tasks) == 0 {
			if recheckC == nil {
				recheck = time.NewTimer(q.opts.IdleRecheck)
				recheckC = recheck.C
			}
			return
		}
		head := tasks[0]
		select {
		case q.workCh <- head:
		case <-ctx.Done():
			return
		}
		tasks = tasks[1:]
		inFlight = true
		q.busy.Store(true)
		q.opts.Metrics.setInFlight(true)
		setDepth()
	}
	defer func() {
		if recheck != nil {
			recheck.Stop()
		}
		if n := len(tasks); n > 0 {
			q.log.Warn("delivery queue stopped with pending tasks", logx.Int("pending", n))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-q.enqueueCh:
			add(t)
		case <-q.pumpCh:
			// An Enqueue that returned before this Pump must be seen by it.
		drain:
			for {
				select {
				case t := <-q.enqueueCh:
					add(t)
				default:
					break drain
				}
			}
			dispatch()
		case <-recheckC:
			recheck, recheckC = nil, nil
			dispatch()
		case res := <-q.doneCh:
			inFlight = false
			q.busy.Store(false)
			q.opts.Metrics.setInFlight(false)
			if res.requeue {
				tasks = append([]Task{res.task}, tasks...)
				setDepth()
			}
			dispatch()
		}
	}
}

func (q *Queue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-q.workCh:
			requeue := q.deliver(ctx, t)
			select {
			case q.doneCh <- result{task: t, requeue: requeue}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (q *Queue) pacingDelay() time.Duration {
	p := q.pace.Load()
	span := p.max - p.min
	if span <= 0 {
		return p.min
	}
	return p.min + time.Duration(q.opts.Rand()*float64(span))
}

// deliver paces, checks and sends one task. It returns true when the task
// must go back to the head of the queue.
func (q *Queue) deliver(ctx context.Context, t Task) bool {
	log := q.log.With(logx.String("request_id", t.RequestID))

	if q.opts.Resolve != nil {
		if phone, err := q.opts.Resolve(ctx, t.RequestID); err != nil {
			log.Warn("phone re-read failed; using queued copy", logx.Err(err))
		} else if phone != "" {
			t.Phone = phone
		}
	}
	address := transport.Address(t.Phone, q.opts.AddressSuffix)

	delay := q.pacingDelay()
	log.Debug("pacing before send", logx.Duration("delay", delay))
	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return true
	case <-timer.C:
	}

	sess, ok := q.gate.Session()
	if !ok {
		log.Info("transport not sendable after pacing; task requeued")
		q.opts.Metrics.outcome(OutcomeRequeued)
		return true
	}

	if !q.opts.Exists(t.FilePath) {
		cause := fmt.Errorf("%w: %s", ErrArtifactMissing, t.FilePath)
		log.Warn("delivery failed", logx.Err(cause))
		q.opts.Metrics.outcome(OutcomeArtifactMissing)
		q.report(ctx, log, t, cause)
		return false
	}

	started := time.Now()
	// No deadline: media uploads take as long as they take.
	err := sess.SendDocument(context.WithoutCancel(ctx), address, t.FilePath, t.Caption)
	q.opts.Metrics.observeSend(time.Since(started).Seconds())
	if err != nil {
		cause := &SendError{Err: err}
		log.Warn("delivery failed", logx.String("recipient", address), logx.Err(cause))
		q.opts.Metrics.outcome(OutcomeFailed)
		q.report(ctx, log, t, cause)
		return false
	}
	log.Info("document delivered", logx.String("recipient", address), logx.Duration("took", time.Since(started)))
	q.opts.Metrics.outcome(OutcomeCompleted)
	q.report(ctx, log, t, nil)
	return false
}

func (q *Queue) report(ctx context.Context, log logx.Logger, t Task, cause error) {
	rctx := context.WithoutCancel(ctx)
	var err error
	if cause == nil {
		err = q.reporter.Complete(rctx, t.RequestID)
		q.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryComplete, Time: time.Now(), Data: t.RequestID})
	} else {
		err = q.reporter.Fail(rctx, t.RequestID, cause)
		q.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryFailed, Time: time.Now(), Data: t.RequestID})
	}
	if err != nil {
		log.Error("delivery outcome not persisted", logx.Err(err), logx.Bool("success", cause == nil))
	}
}
