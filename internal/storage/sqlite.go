package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "docudrop/pkg/logx"
)

//go:embed schema.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also keeps :memory: on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateRequest(ctx context.Context, r CustomerRequest) (CustomerRequest, error) {
	r = prepareRequest(r)
	if _, err := s.db.ExecContext(ctx, insertRequestSQL(questionMark), insertRequestArgs(r)...); err != nil {
		return CustomerRequest{}, unavailable("create request", err)
	}
	return r, nil
}

func (s *sqliteStore) UpdateRequest(ctx context.Context, id string, u RequestUpdate) error {
	if u.empty() {
		_, err := s.FindRequest(ctx, id)
		return err
	}
	q, args := updateRequestSQL(questionMark, id, u)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return unavailable("update request", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) FindRequest(ctx context.Context, id string) (CustomerRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CustomerRequest{}, ErrNotFound
	}
	if err != nil {
		return CustomerRequest{}, unavailable("find request", err)
	}
	return r, nil
}

func (s *sqliteStore) FindRequests(ctx context.Context, q RequestQuery) ([]CustomerRequest, error) {
	query, args := selectRequestsSQL(questionMark, q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("find requests", err)
	}
	defer rows.Close()

	var out []CustomerRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, unavailable("scan request", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("find requests", err)
	}
	return out, nil
}

func (s *sqliteStore) CreateEvent(ctx context.Context, e Event) (Event, error) {
	e = prepareEvent(e)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(`+eventColumns+`) VALUES(?,?,?,?,?)`,
		e.ID, e.Name, string(e.DefaultFileType), e.IsActive, toMillis(e.CreatedAt),
	)
	if err != nil {
		return Event{}, unavailable("create event", err)
	}
	return e, nil
}

func (s *sqliteStore) ListEvents(ctx context.Context) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, unavailable("list events", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, unavailable("scan event", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list events", err)
	}
	return out, nil
}

func (s *sqliteStore) DeleteEvent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return unavailable("delete event", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
