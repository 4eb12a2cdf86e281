// Package connection tracks the transport session lifecycle and rebuilds
// the session after failures.
package connection

type State string

const (
	Initializing  State = "INITIALIZING"
	QRReady       State = "QR_READY"
	Authenticated State = "AUTHENTICATED"
	Ready         State = "READY"
	Disconnected  State = "DISCONNECTED"
)

// Sendable reports whether the delivery queue may dispatch in s.
// The transport can lag between AUTHENTICATED and READY, so both count.
func (s State) Sendable() bool { return s == Authenticated || s == Ready }

// Snapshot is the externally visible state. QR is set only in QR_READY.
type Snapshot struct {
	State State  `json:"state"`
	QR    string `json:"qr,omitempty"`
}
