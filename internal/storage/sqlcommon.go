package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Both drivers keep timestamps as unix milliseconds so range filters and
// ordering behave the same on sqlite and postgres.

const requestColumns = `id, customer_name, phone_number, file_label, file_type, event_id, status, error, requested_at, completed_at, file_path`

const eventColumns = `id, name, default_file_type, is_active, created_at`

// placeholder renders the n-th (1-based) bind parameter for a dialect.
type placeholder func(n int) string

func questionMark(int) string    { return "?" }
func dollarArg(n int) string     { return fmt.Sprintf("$%d", n) }
func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(s rowScanner) (CustomerRequest, error) {
	var (
		r           CustomerRequest
		fileType    string
		status      string
		requestedAt int64
		completedAt sql.NullInt64
	)
	if err := s.Scan(&r.ID, &r.CustomerName, &r.PhoneNumber, &r.FileLabel, &fileType, &r.EventID,
		&status, &r.Error, &requestedAt, &completedAt, &r.FilePath); err != nil {
		return CustomerRequest{}, err
	}
	r.FileType = FileType(fileType)
	r.Status = RequestStatus(status)
	r.RequestedAt = fromMillis(requestedAt)
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		r.CompletedAt = &t
	}
	return r, nil
}

func scanEvent(s rowScanner) (Event, error) {
	var (
		e         Event
		fileType  string
		createdAt int64
	)
	if err := s.Scan(&e.ID, &e.Name, &fileType, &e.IsActive, &createdAt); err != nil {
		return Event{}, err
	}
	e.DefaultFileType = FileType(fileType)
	e.CreatedAt = fromMillis(createdAt)
	return e, nil
}

func insertRequestSQL(ph placeholder) string {
	args := make([]string, 11)
	for i := range args {
		args[i] = ph(i + 1)
	}
	return `INSERT INTO requests(` + requestColumns + `) VALUES(` + strings.Join(args, ",") + `)`
}

func insertRequestArgs(r CustomerRequest) []any {
	var completed any
	if r.CompletedAt != nil {
		completed = toMillis(*r.CompletedAt)
	}
	return []any{
		r.ID, r.CustomerName, r.PhoneNumber, r.FileLabel, string(r.FileType), r.EventID,
		string(r.Status), r.Error, toMillis(r.RequestedAt), completed, r.FilePath,
	}
}

// updateRequestSQL builds an UPDATE for the non-nil fields of u.
func updateRequestSQL(ph placeholder, id string, u RequestUpdate) (string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = "+ph(len(args)))
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.Error != nil {
		add("error", *u.Error)
	}
	if u.FilePath != nil {
		add("file_path", *u.FilePath)
	}
	if u.PhoneNumber != nil {
		add("phone_number", *u.PhoneNumber)
	}
	if u.CompletedAt != nil {
		add("completed_at", toMillis(*u.CompletedAt))
	}
	args = append(args, id)
	return `UPDATE requests SET ` + strings.Join(sets, ", ") + ` WHERE id = ` + ph(len(args)), args
}

func selectRequestsSQL(ph placeholder, q RequestQuery) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, ph(len(args))))
	}
	if q.Status != "" {
		add("status = %s", string(q.Status))
	}
	if q.EventID != "" {
		add("event_id = %s", q.EventID)
	}
	if !q.CompletedBefore.IsZero() {
		add("completed_at IS NOT NULL AND completed_at < %s", toMillis(q.CompletedBefore))
	}
	if q.HasFile {
		where = append(where, "file_path <> ''")
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + requestColumns + ` FROM requests`)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	if q.Order == NewestFirst {
		b.WriteString(" ORDER BY requested_at DESC, id DESC")
	} else {
		b.WriteString(" ORDER BY requested_at ASC, id ASC")
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		b.WriteString(" LIMIT " + ph(len(args)))
	}
	return b.String(), args
}
