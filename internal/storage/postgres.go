package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "docudrop/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if err := migratePostgres(dsn, log); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, unavailable("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("ping", err)
	}
	log.Info("postgres store opened",
		logx.String("host", poolCfg.ConnConfig.Host),
		logx.String("database", poolCfg.ConnConfig.Database),
	)
	return &postgresStore{pool: pool, log: log}, nil
}

// migrateURL rewrites a postgres DSN to the scheme the pgx5 migrate driver
// registers. Key/value DSNs are not supported by migrate.
func migrateURL(dsn string) (string, error) {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix), nil
		}
	}
	if strings.HasPrefix(dsn, "pgx5://") {
		return dsn, nil
	}
	return "", errors.New("postgres dsn must be a postgres:// URL")
}

func migratePostgres(dsn string, log logx.Logger) error {
	url, err := migrateURL(dsn)
	if err != nil {
		return err
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, url)
	if err != nil {
		return unavailable("migrate init", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	version, dirty, _ := m.Version()
	log.Debug("postgres migrations applied", logx.Int("version", int(version)), logx.Bool("dirty", dirty))
	return nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) CreateRequest(ctx context.Context, r CustomerRequest) (CustomerRequest, error) {
	r = prepareRequest(r)
	if _, err := s.pool.Exec(ctx, insertRequestSQL(dollarArg), insertRequestArgs(r)...); err != nil {
		return CustomerRequest{}, unavailable("create request", err)
	}
	return r, nil
}

func (s *postgresStore) UpdateRequest(ctx context.Context, id string, u RequestUpdate) error {
	if u.empty() {
		_, err := s.FindRequest(ctx, id)
		return err
	}
	q, args := updateRequestSQL(dollarArg, id, u)
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return unavailable("update request", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) FindRequest(ctx context.Context, id string) (CustomerRequest, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return CustomerRequest{}, ErrNotFound
	}
	if err != nil {
		return CustomerRequest{}, unavailable("find request", err)
	}
	return r, nil
}

func (s *postgresStore) FindRequests(ctx context.Context, q RequestQuery) ([]CustomerRequest, error) {
	query, args := selectRequestsSQL(dollarArg, q)
	rows, err := s.pool.Query(ctx, query, args...)
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

func (s *postgresStore) CreateEvent(ctx context.Context, e Event) (Event, error) {
	e = prepareEvent(e)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events(`+eventColumns+`) VALUES($1,$2,$3,$4,$5)`,
		e.ID, e.Name, string(e.DefaultFileType), e.IsActive, toMillis(e.CreatedAt),
	)
	if err != nil {
		return Event{}, unavailable("create event", err)
	}
	return e, nil
}

func (s *postgresStore) ListEvents(ctx context.Context) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM events ORDER BY created_at ASC, id ASC`)
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

func (s *postgresStore) DeleteEvent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return unavailable("delete event", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
