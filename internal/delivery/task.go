package delivery

import (
	"errors"
)

// Task is one queued send. It is never persisted.
type Task struct {
	RequestID string
	// Phone is the stored phone number at enqueue time. It is normalized
	// into a channel address when the task is dequeued.
	Phone    string
	FilePath string
	Caption  string
}

var (
	// ErrArtifactMissing is reported when the file vanished before sending.
	ErrArtifactMissing = errors.New("artifact not found")
	// ErrSendRejected matches every transport send failure.
	ErrSendRejected = errors.New("send rejected")
	ErrStopped      = errors.New("delivery queue stopped")
)

// SendError carries a transport failure. Its message is the transport's
// text unchanged.
type SendError struct{ Err error }

func (e *SendError) Error() string { return e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }
func (e *SendError) Is(target error) bool {
	return target == ErrSendRejected
}
