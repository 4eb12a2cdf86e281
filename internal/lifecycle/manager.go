// Package lifecycle turns uploads and delivery outcomes into persisted
// request state, and cleans up artifacts after the retention window.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"docudrop/internal/artifact"
	"docudrop/internal/connection"
	"docudrop/internal/delivery"
	"docudrop/internal/eventbus"
	"docudrop/internal/storage"
	"docudrop/internal/transport"
	logx "docudrop/pkg/logx"
)

// DefaultCaption is formatted with the request's file label.
const DefaultCaption = "Hello! Here is your document: %s"

const (
	pendingLimit = 100
	failedLimit  = 50
)

type Connection interface {
	Current() connection.Snapshot
	Sendable() bool
}

type Queue interface {
	Enqueue(t delivery.Task) error
	Pump()
	Depth() int
}

type Artifacts interface {
	Exists(path string) bool
	Delete(path string) error
	FindByLabel(label string) (string, bool)
	List() ([]artifact.Info, error)
}

type Options struct {
	Caption         string
	RetentionWindow time.Duration // default 24h
	Now             func() time.Time
	Bus             eventbus.Bus
	Log             logx.Logger
}

type Manager struct {
	store     storage.Store
	conn      Connection
	artifacts Artifacts
	opts      Options
	log       logx.Logger
	bus       eventbus.Bus

	mu    sync.RWMutex
	queue Queue

	// Held across read, status write and enqueue so one request never has
	// two tasks or two artifacts.
	locks requestLocks
}

func New(store storage.Store, conn Connection, artifacts Artifacts, opts Options) *Manager {
	if opts.Caption == "" {
		opts.Caption = DefaultCaption
	}
	if opts.RetentionWindow <= 0 {
		opts.RetentionWindow = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{store: store, conn: conn, artifacts: artifacts, opts: opts, log: log, bus: opts.Bus}
}

// AttachQueue wires the delivery queue. The queue reports back through the
// manager, so it is built after it.
func (m *Manager) AttachQueue(q Queue) {
	m.mu.Lock()
	m.queue = q
	m.mu.Unlock()
}

func (m *Manager) getQueue() (Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.queue == nil {
		return nil, delivery.ErrStopped
	}
	return m.queue, nil
}

func (m *Manager) caption(r storage.CustomerRequest) string {
	if strings.Contains(m.opts.Caption, "%s") {
		return fmt.Sprintf(m.opts.Caption, r.FileLabel)
	}
	return m.opts.Caption
}

func (m *Manager) discard(path string) {
	if err := m.artifacts.Delete(path); err != nil {
		m.log.Warn("discard artifact failed", logx.String("path", path), logx.Err(err))
	}
}

// Bind attaches an uploaded artifact to a pending request and queues it
// for delivery. When the request is rejected or cannot be updated the
// artifact is discarded and no task exists. If only the enqueue fails the
// request is marked failed and keeps the artifact for Retry.
func (m *Manager) Bind(ctx context.Context, requestID, artifactPath string) error {
	log := m.log.With(logx.String("request_id", requestID))
	unlock := m.locks.lock(requestID)
	defer unlock()

	if !m.conn.Sendable() {
		m.discard(artifactPath)
		log.Info("bind rejected", logx.String("state", string(m.conn.Current().State)))
		return ErrTransportUnavailable
	}
	q, err := m.getQueue()
	if err != nil {
		m.discard(artifactPath)
		return err
	}

	r, err := m.store.FindRequest(ctx, requestID)
	if err != nil {
		m.discard(artifactPath)
		return fmt.Errorf("bind %s: %w", requestID, err)
	}
	if r.Status != storage.StatusPending {
		m.discard(artifactPath)
		return fmt.Errorf("bind %s: %w: status is %s", requestID, ErrInvalidState, r.Status)
	}

	err = m.store.UpdateRequest(ctx, requestID, storage.RequestUpdate{
		Status:   storage.Ptr(storage.StatusProcessing),
		FilePath: storage.Ptr(artifactPath),
		Error:    storage.Ptr(""),
	})
	if err != nil {
		m.discard(artifactPath)
		return fmt.Errorf("bind %s: %w", requestID, err)
	}
	r.FilePath = artifactPath

	if err := m.enqueue(ctx, q, r); err != nil {
		return fmt.Errorf("bind %s: %w", requestID, err)
	}
	log.Info("artifact bound", logx.String("path", artifactPath), logx.Int("depth", q.Depth()))
	return nil
}

// enqueue pushes a task for r and pumps. If the queue is gone the request
// is marked failed so it stays retryable.
func (m *Manager) enqueue(ctx context.Context, q Queue, r storage.CustomerRequest) error {
	task := delivery.Task{
		RequestID: r.ID,
		Phone:     r.PhoneNumber,
		FilePath:  r.FilePath,
		Caption:   m.caption(r),
	}
	if err := q.Enqueue(task); err != nil {
		if ferr := m.fail(ctx, r.ID, err); ferr != nil {
			m.log.Error("mark failed after enqueue error", logx.String("request_id", r.ID), logx.Err(ferr))
		}
		return err
	}
	q.Pump()
	return nil
}

// Complete records a successful send. The artifact stays for retention.
func (m *Manager) Complete(ctx context.Context, requestID string) error {
	unlock := m.locks.lock(requestID)
	defer unlock()
	now := m.opts.Now()
	return m.store.UpdateRequest(ctx, requestID, storage.RequestUpdate{
		Status:      storage.Ptr(storage.StatusCompleted),
		CompletedAt: &now,
		Error:       storage.Ptr(""),
	})
}

// Fail records a failed send. The artifact is kept for retry.
func (m *Manager) Fail(ctx context.Context, requestID string, cause error) error {
	unlock := m.locks.lock(requestID)
	defer unlock()
	return m.fail(ctx, requestID, cause)
}

func (m *Manager) fail(ctx context.Context, requestID string, cause error) error {
	msg := "delivery failed"
	if cause != nil {
		msg = cause.Error()
	}
	return m.store.UpdateRequest(ctx, requestID, storage.RequestUpdate{
		Status: storage.Ptr(storage.StatusFailed),
		Error:  storage.Ptr(msg),
	})
}

// Retry re-queues a failed request, or a completed one still inside the
// retention window. The artifact comes from the stored path, else from a
// best-effort label match in the artifact directory.
func (m *Manager) Retry(ctx context.Context, requestID string) error {
	unlock := m.locks.lock(requestID)
	defer unlock()
	q, err := m.getQueue()
	if err != nil {
		return err
	}
	r, err := m.store.FindRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("retry %s: %w", requestID, err)
	}
	switch r.Status {
	case storage.StatusFailed:
	case storage.StatusCompleted:
		if r.CompletedAt == nil || m.opts.Now().Sub(*r.CompletedAt) > m.opts.RetentionWindow {
			return fmt.Errorf("retry %s: %w: completed outside the retention window", requestID, ErrInvalidState)
		}
	default:
		return fmt.Errorf("retry %s: %w: status is %s", requestID, ErrInvalidState, r.Status)
	}

	path := r.FilePath
	if !m.artifacts.Exists(path) {
		found, ok := m.artifacts.FindByLabel(r.FileLabel)
		if !ok {
			return fmt.Errorf("retry %s: %w", requestID, ErrArtifactMissing)
		}
		m.log.Info("retry resolved artifact by label", logx.String("request_id", requestID), logx.String("path", found))
		path = found
	}

	err = m.store.UpdateRequest(ctx, requestID, storage.RequestUpdate{
		Status:   storage.Ptr(storage.StatusProcessing),
		Error:    storage.Ptr(""),
		FilePath: storage.Ptr(path),
	})
	if err != nil {
		return fmt.Errorf("retry %s: %w", requestID, err)
	}
	r.FilePath = path
	if err := m.enqueue(ctx, q, r); err != nil {
		return fmt.Errorf("retry %s: %w", requestID, err)
	}
	m.log.Info("request re-queued", logx.String("request_id", requestID), logx.String("from", string(r.Status)))
	return nil
}

func (m *Manager) ConnectionState() connection.Snapshot { return m.conn.Current() }

func (m *Manager) QueueDepth() int {
	q, err := m.getQueue()
	if err != nil {
		return 0
	}
	return q.Depth()
}

// RegisterInput is a new customer request.
type RegisterInput struct {
	CustomerName string
	PhoneNumber  string
	FileLabel    string
	FileType     storage.FileType
	EventID      string
}

// Register creates a pending request. FileType defaults to the event's
// default, then to video.
func (m *Manager) Register(ctx context.Context, in RegisterInput) (storage.CustomerRequest, error) {
	name := strings.TrimSpace(in.CustomerName)
	label := strings.TrimSpace(in.FileLabel)
	phone := transport.NormalizeDigits(in.PhoneNumber)
	switch {
	case name == "":
		return storage.CustomerRequest{}, fmt.Errorf("%w: customer name is required", ErrInvalidRequest)
	case phone == "":
		return storage.CustomerRequest{}, fmt.Errorf("%w: phone number has no digits", ErrInvalidRequest)
	case label == "":
		return storage.CustomerRequest{}, fmt.Errorf("%w: file label is required", ErrInvalidRequest)
	case in.FileType != "" && !in.FileType.Valid():
		return storage.CustomerRequest{}, fmt.Errorf("%w: unknown file type %q", ErrInvalidRequest, in.FileType)
	}

	fileType := in.FileType
	if fileType == "" && in.EventID != "" {
		events, err := m.store.ListEvents(ctx)
		if err != nil {
			return storage.CustomerRequest{}, err
		}
		for _, e := range events {
			if e.ID == in.EventID {
				fileType = e.DefaultFileType
				break
			}
		}
	}
	if fileType == "" {
		fileType = storage.FileVideo
	}

	r, err := m.store.CreateRequest(ctx, storage.CustomerRequest{
		CustomerName: name,
		PhoneNumber:  phone,
		FileLabel:    label,
		FileType:     fileType,
		EventID:      in.EventID,
		Status:       storage.StatusPending,
		RequestedAt:  m.opts.Now(),
	})
	if err != nil {
		return storage.CustomerRequest{}, err
	}
	m.log.Info("request registered", logx.String("request_id", r.ID), logx.String("event_id", r.EventID))
	return r, nil
}

// Pending lists the oldest pending requests. Store errors yield an empty
// list.
func (m *Manager) Pending(ctx context.Context, eventID string) []storage.CustomerRequest {
	return m.list(ctx, storage.RequestQuery{
		Status: storage.StatusPending, EventID: eventID, Order: storage.OldestFirst, Limit: pendingLimit,
	})
}

// Failed lists the most recent failed requests. Store errors yield an
// empty list.
func (m *Manager) Failed(ctx context.Context, eventID string) []storage.CustomerRequest {
	return m.list(ctx, storage.RequestQuery{
		Status: storage.StatusFailed, EventID: eventID, Order: storage.NewestFirst, Limit: failedLimit,
	})
}

func (m *Manager) list(ctx context.Context, q storage.RequestQuery) []storage.CustomerRequest {
	rs, err := m.store.FindRequests(ctx, q)
	if err != nil {
		m.log.Warn("request listing degraded", logx.String("status", string(q.Status)), logx.Err(err))
		return []storage.CustomerRequest{}
	}
	if rs == nil {
		rs = []storage.CustomerRequest{}
	}
	return rs
}

func (m *Manager) CreateEvent(ctx context.Context, name string, defaultType storage.FileType) (storage.Event, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.Event{}, fmt.Errorf("%w: event name is required", ErrInvalidRequest)
	}
	if defaultType != "" && !defaultType.Valid() {
		return storage.Event{}, fmt.Errorf("%w: unknown file type %q", ErrInvalidRequest, defaultType)
	}
	return m.store.CreateEvent(ctx, storage.Event{
		Name:            name,
		DefaultFileType: defaultType,
		IsActive:        true,
		CreatedAt:       m.opts.Now(),
	})
}

func (m *Manager) Events(ctx context.Context) []storage.Event {
	evs, err := m.store.ListEvents(ctx)
	if err != nil {
		m.log.Warn("event listing degraded", logx.Err(err))
		return []storage.Event{}
	}
	if evs == nil {
		evs = []storage.Event{}
	}
	return evs
}

// DeleteEvent removes the event only; its requests keep the dangling id.
func (m *Manager) DeleteEvent(ctx context.Context, id string) error {
	if err := m.store.DeleteEvent(ctx, id); err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	return nil
}

// Artifacts lists the artifact directory, newest first.
func (m *Manager) Artifacts() []artifact.Info {
	items, err := m.artifacts.List()
	if err != nil {
		m.log.Warn("artifact listing failed", logx.Err(err))
		return []artifact.Info{}
	}
	return items
}

// DeleteArtifact removes a stored artifact by its listed name. Files still
// bound to a processing or failed request are refused with
// ErrArtifactInUse. A completed request that references the file loses its
// path, as if the retention window had ended.
func (m *Manager) DeleteArtifact(ctx context.Context, name string) error {
	var target *artifact.Info
	items, err := m.artifacts.List()
	if err != nil {
		return fmt.Errorf("delete artifact %s: %w", name, err)
	}
	for i := range items {
		if items[i].Name == name {
			target = &items[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("delete artifact %s: %w", name, ErrArtifactMissing)
	}

	var holders []storage.CustomerRequest
	for _, st := range []storage.RequestStatus{storage.StatusProcessing, storage.StatusFailed, storage.StatusCompleted} {
		rs, err := m.store.FindRequests(ctx, storage.RequestQuery{Status: st, HasFile: true})
		if err != nil {
			return fmt.Errorf("delete artifact %s: %w", name, err)
		}
		for _, r := range rs {
			if r.FilePath != target.Path {
				continue
			}
			if st != storage.StatusCompleted {
				return fmt.Errorf("delete artifact %s: %w: request %s is %s", name, ErrArtifactInUse, r.ID, st)
			}
			holders = append(holders, r)
		}
	}

	for _, r := range holders {
		if err := m.releaseArtifact(ctx, r.ID, target.Path); err != nil {
			return fmt.Errorf("delete artifact %s: %w", name, err)
		}
	}
	if err := m.artifacts.Delete(target.Path); err != nil {
		return fmt.Errorf("delete artifact %s: %w", name, err)
	}
	m.log.Info("artifact deleted", logx.String("name", name), logx.Int("released", len(holders)))
	return nil
}

// releaseArtifact clears path from a completed request. A request that was
// retried in the meantime keeps it.
func (m *Manager) releaseArtifact(ctx context.Context, requestID, path string) error {
	unlock := m.locks.lock(requestID)
	defer unlock()
	cur, err := m.store.FindRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if cur.FilePath != path {
		return nil
	}
	if cur.Status != storage.StatusCompleted {
		return fmt.Errorf("%w: request %s is %s", ErrArtifactInUse, requestID, cur.Status)
	}
	return m.store.UpdateRequest(ctx, requestID, storage.RequestUpdate{FilePath: storage.Ptr("")})
}
