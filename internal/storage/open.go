package storage

import (
	"context"
	"errors"
	"strings"

	logx "docudrop/pkg/logx"
)

// Store is the persistence API used by the lifecycle manager.
type Store interface {
	CreateRequest(ctx context.Context, r CustomerRequest) (CustomerRequest, error)
	UpdateRequest(ctx context.Context, id string, u RequestUpdate) error
	FindRequest(ctx context.Context, id string) (CustomerRequest, error)
	FindRequests(ctx context.Context, q RequestQuery) ([]CustomerRequest, error)

	CreateEvent(ctx context.Context, e Event) (Event, error)
	ListEvents(ctx context.Context) ([]Event, error)
	DeleteEvent(ctx context.Context, id string) error

	Close() error
}

// Open initializes the configured store. An empty driver means sqlite.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
