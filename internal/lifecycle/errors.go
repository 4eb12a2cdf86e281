package lifecycle

import (
	"errors"

	"docudrop/internal/delivery"
	"docudrop/internal/storage"
	"docudrop/internal/transport"
)

var (
	// ErrTransportUnavailable rejects a bind while the connection is not
	// sendable. The uploaded artifact has already been discarded.
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrInvalidState         = errors.New("invalid request state")
	ErrInvalidRequest       = errors.New("invalid request")
	// ErrArtifactInUse refuses deleting a file a pending delivery or a
	// retry still needs.
	ErrArtifactInUse = errors.New("artifact in use")

	ErrArtifactMissing  = delivery.ErrArtifactMissing
	ErrSendRejected     = delivery.ErrSendRejected
	ErrSessionLocked    = transport.ErrSessionLocked
	ErrStoreUnavailable = storage.ErrUnavailable
	ErrNotFound         = storage.ErrNotFound
)
