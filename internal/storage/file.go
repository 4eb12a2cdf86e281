package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "docudrop/pkg/logx"
)

// fileStore keeps everything in memory and persists it as:
//   - <prefix>.snapshot.json (compacted state)
//   - <prefix>.journal.jsonl (append-only changes since the snapshot)
//
// An empty path keeps the store in memory only.
type fileStore struct {
	log logx.Logger

	mu       sync.Mutex
	requests map[string]CustomerRequest
	events   map[string]Event

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
	closed       bool
}

type fileSnapshot struct {
	Requests []CustomerRequest `json:"requests"`
	Events   []Event           `json:"events"`
}

type journalRecord struct {
	Op      string           `json:"op"`
	Request *CustomerRequest `json:"request,omitempty"`
	Event   *Event           `json:"event,omitempty"`
	ID      string           `json:"id,omitempty"`
}

const (
	opPutRequest  = "put_request"
	opPutEvent    = "put_event"
	opDeleteEvent = "delete_event"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	s := &fileStore{
		log:          log,
		requests:     map[string]CustomerRequest{},
		events:       map[string]Event{},
		compactEvery: 500,
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return s, nil
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s.snapshotPath = prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, r := range snap.Requests {
		s.requests[r.ID] = r
	}
	for _, e := range snap.Events {
		s.events[e.ID] = e
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			// A torn final line after a crash is expected; skip it.
			continue
		}
		s.applyRecord(rec)
	}
	return sc.Err()
}

func (s *fileStore) applyRecord(rec journalRecord) {
	switch rec.Op {
	case opPutRequest:
		if rec.Request != nil {
			s.requests[rec.Request.ID] = *rec.Request
		}
	case opPutEvent:
		if rec.Event != nil {
			s.events[rec.Event.ID] = *rec.Event
		}
	case opDeleteEvent:
		delete(s.events, rec.ID)
	}
}

// appendLocked journals rec. Callers hold s.mu and have already applied rec.
func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journal == nil {
		return nil
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return unavailable("journal append", err)
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("file store compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	if s.journal == nil {
		return nil
	}
	snap := fileSnapshot{Requests: s.sortedRequestsLocked(), Events: s.sortedEventsLocked()}
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) sortedRequestsLocked() []CustomerRequest {
	out := make([]CustomerRequest, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r)
	}
	sortRequests(out, OldestFirst)
	return out
}

func (s *fileStore) sortedEventsLocked() []Event {
	out := make([]Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortRequests(rs []CustomerRequest, order SortOrder) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if order == NewestFirst {
			a, b = b, a
		}
		if !a.RequestedAt.Equal(b.RequestedAt) {
			return a.RequestedAt.Before(b.RequestedAt)
		}
		return a.ID < b.ID
	})
}

func (s *fileStore) errIfClosedLocked() error {
	if s.closed {
		return unavailable("file store", errors.New("closed"))
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) CreateRequest(_ context.Context, r CustomerRequest) (CustomerRequest, error) {
	r = prepareRequest(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errIfClosedLocked(); err != nil {
		return CustomerRequest{}, err
	}
	if _, exists := s.requests[r.ID]; exists {
		return CustomerRequest{}, errors.New("request id already exists: " + r.ID)
	}
	s.requests[r.ID] = r
	cp := r
	return r, s.appendLocked(journalRecord{Op: opPutRequest, Request: &cp})
}

func (s *fileStore) UpdateRequest(_ context.Context, id string, u RequestUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errIfClosedLocked(); err != nil {
		return err
	}
	r, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	if u.empty() {
		return nil
	}
	u.apply(&r)
	s.requests[id] = r
	return s.appendLocked(journalRecord{Op: opPutRequest, Request: &r})
}

func (s *fileStore) FindRequest(_ context.Context, id string) (CustomerRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errIfClosedLocked(); err != nil {
		return CustomerRequest{}, err
	}
	r, ok := s.requests[id]
	if !ok {
		return CustomerRequest{}, ErrNotFound
	}
	return r, nil
}

func (s *fileStore) FindRequests(_ context.Context, q RequestQuery) ([]CustomerRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errIfClosedLocked(); err != nil {
		return nil, err
	}
	var out []CustomerRequest
	for _, r := range s.requests {
		if q.match(r) {
			out = append(out, r)
		}
	}
	sortRequests(out, q.Order)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *fileStore) CreateEvent(_ context.Context, e Event) (Event, error) {
	e = prepareEvent(e)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errIfClosedLocked(); err != nil {
		return Event{}, err
	}
	s.events[e.ID] = e
	cp := e
	return e, s.appendLocked(journalRecord{Op: opPutEvent, Event: &cp})
}

func (s *fileStore) ListEvents(_ context.Context) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errIfClosedLocked(); err != nil {
		return nil, err
	}
	return s.sortedEventsLocked(), nil
}

func (s *fileStore) DeleteEvent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errIfClosedLocked(); err != nil {
		return err
	}
	if _, ok := s.events[id]; !ok {
		return ErrNotFound
	}
	delete(s.events, id)
	return s.appendLocked(journalRecord{Op: opDeleteEvent, ID: id})
}
