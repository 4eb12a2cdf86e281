package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrUnavailable = errors.New("store unavailable")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
)

type FileType string

const (
	FileVideo FileType = "video"
	FilePhoto FileType = "photo"
)

func (t FileType) Valid() bool { return t == FileVideo || t == FilePhoto }

// CustomerRequest is one customer's request for one document.
type CustomerRequest struct {
	ID           string        `json:"id"`
	CustomerName string        `json:"customer_name"`
	PhoneNumber  string        `json:"phone_number"`
	FileLabel    string        `json:"file_label"`
	FileType     FileType      `json:"file_type"`
	EventID      string        `json:"event_id,omitempty"`
	Status       RequestStatus `json:"status"`
	Error        string        `json:"error,omitempty"`
	RequestedAt  time.Time     `json:"requested_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	FilePath     string        `json:"file_path,omitempty"`
}

// Event groups requests. Deleting one leaves its requests in place.
type Event struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	DefaultFileType FileType  `json:"default_file_type"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
}

// RequestUpdate is a partial update. Nil fields are left unchanged; an
// empty string for Error or FilePath clears the column.
type RequestUpdate struct {
	Status      *RequestStatus
	Error       *string
	FilePath    *string
	PhoneNumber *string
	CompletedAt *time.Time
}

func (u RequestUpdate) empty() bool {
	return u.Status == nil && u.Error == nil && u.FilePath == nil && u.PhoneNumber == nil && u.CompletedAt == nil
}

// apply mutates r in place.
func (u RequestUpdate) apply(r *CustomerRequest) {
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.Error != nil {
		r.Error = *u.Error
	}
	if u.FilePath != nil {
		r.FilePath = *u.FilePath
	}
	if u.PhoneNumber != nil {
		r.PhoneNumber = *u.PhoneNumber
	}
	if u.CompletedAt != nil {
		t := u.CompletedAt.UTC().Truncate(time.Millisecond)
		r.CompletedAt = &t
	}
}

type SortOrder int

const (
	OldestFirst SortOrder = iota
	NewestFirst
)

// RequestQuery filters FindRequests. Zero fields do not filter.
// Results are ordered by requested_at.
type RequestQuery struct {
	Status  RequestStatus
	EventID string
	Order   SortOrder
	Limit   int

	// CompletedBefore keeps records whose completed_at is strictly older.
	CompletedBefore time.Time
	// HasFile keeps records that still reference an artifact.
	HasFile bool
}

func (q RequestQuery) match(r CustomerRequest) bool {
	if q.Status != "" && r.Status != q.Status {
		return false
	}
	if q.EventID != "" && r.EventID != q.EventID {
		return false
	}
	if !q.CompletedBefore.IsZero() && (r.CompletedAt == nil || !r.CompletedAt.Before(q.CompletedBefore)) {
		return false
	}
	if q.HasFile && r.FilePath == "" {
		return false
	}
	return true
}

// Ptr is a small helper for building RequestUpdate values.
func Ptr[T any](v T) *T { return &v }

// prepareRequest fills the generated fields of a new request.
func prepareRequest(r CustomerRequest) CustomerRequest {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.FileType == "" {
		r.FileType = FileVideo
	}
	if r.RequestedAt.IsZero() {
		r.RequestedAt = time.Now()
	}
	r.RequestedAt = r.RequestedAt.UTC().Truncate(time.Millisecond)
	if r.CompletedAt != nil {
		t := r.CompletedAt.UTC().Truncate(time.Millisecond)
		r.CompletedAt = &t
	}
	return r
}

func prepareEvent(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.DefaultFileType == "" {
		e.DefaultFileType = FileVideo
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Millisecond)
	return e
}
