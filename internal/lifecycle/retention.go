package lifecycle

import (
	"context"
	"errors"
	"time"

	"docudrop/internal/artifact"
	"docudrop/internal/eventbus"
	"docudrop/internal/storage"
	logx "docudrop/pkg/logx"
)

// SweepResult summarizes one retention pass.
type SweepResult struct {
	Expired int `json:"expired"`
	Cleared int `json:"cleared"`
	Failed  int `json:"failed"`
}

// Sweep deletes the artifacts of completed requests older than the
// retention window and clears their file path. Failures are logged and
// the sweep moves on; a record whose file could not be removed keeps its
// path so the next sweep tries again.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	cutoff := m.opts.Now().Add(-m.opts.RetentionWindow)
	expired, err := m.store.FindRequests(ctx, storage.RequestQuery{
		Status:          storage.StatusCompleted,
		HasFile:         true,
		CompletedBefore: cutoff,
	})
	if err != nil {
		return SweepResult{}, err
	}

	res := SweepResult{Expired: len(expired)}
	for _, r := range expired {
		if ctx.Err() != nil {
			break
		}
		switch m.expire(ctx, r) {
		case expireCleared:
			res.Cleared++
		case expireFailed:
			res.Failed++
		}
	}

	m.bus.Publish(eventbus.Event{Type: eventbus.TypeRetentionSweep, Time: time.Now(), Data: res})
	if res.Expired > 0 {
		m.log.Info("retention sweep done", logx.Int("expired", res.Expired), logx.Int("cleared", res.Cleared), logx.Int("failed", res.Failed))
	} else {
		m.log.Debug("retention sweep done; nothing expired")
	}
	return res, nil
}

type expireOutcome int

const (
	expireSkipped expireOutcome = iota
	expireCleared
	expireFailed
)

// expire removes one expired artifact under the request lock, so a
// concurrent Retry either runs first (and the record is skipped) or sees
// the cleared path.
func (m *Manager) expire(ctx context.Context, r storage.CustomerRequest) expireOutcome {
	unlock := m.locks.lock(r.ID)
	defer unlock()
	log := m.log.With(logx.String("request_id", r.ID), logx.String("path", r.FilePath))

	cur, err := m.store.FindRequest(ctx, r.ID)
	if err != nil || cur.Status != storage.StatusCompleted || cur.FilePath != r.FilePath {
		return expireSkipped
	}
	if err := m.artifacts.Delete(r.FilePath); err != nil && !errors.Is(err, artifact.ErrOutside) {
		log.Warn("retention delete failed", logx.Err(err))
		return expireFailed
	}
	if err := m.store.UpdateRequest(ctx, r.ID, storage.RequestUpdate{FilePath: storage.Ptr("")}); err != nil {
		log.Warn("retention update failed", logx.Err(err))
		return expireFailed
	}
	return expireCleared
}
