package transport

import (
	"context"
	"errors"
	"strings"
)

// EventKind names a session lifecycle signal.
type EventKind string

const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventDisconnected  EventKind = "disconnected"
)

// Event is emitted by a Session while it is connected.
type Event struct {
	Kind    EventKind
	Payload string // pairing challenge for EventQR
	Reason  string // for EventDisconnected
}

// ErrSessionLocked means another process (or a crashed one) still holds
// the session's exclusive lock.
var ErrSessionLocked = errors.New("transport session locked")

// IsLockError reports whether an initialization error was caused by a
// stale session lock.
func IsLockError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionLocked) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "singletonlock") || strings.Contains(msg, "session.lock") ||
		strings.Contains(msg, "profile appears to be in use")
}

// Session is one connection to the messaging channel.
//
// Connect performs initialization and returns once the session is running;
// later lifecycle changes are delivered on events. SendDocument sends path
// as a generic attachment and has no deadline of its own.
type Session interface {
	Connect(ctx context.Context, events chan<- Event) error
	SendDocument(ctx context.Context, address, path, caption string) error
	Destroy(ctx context.Context) error
}

// TextSender is implemented by sessions that can deliver plain text.
type TextSender interface {
	SendText(ctx context.Context, address, text string) error
}

// Factory builds a fresh Session for each (re)initialization attempt.
type Factory func() (Session, error)
