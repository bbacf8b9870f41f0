package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"strconv"
	"strings"
	"time"

	"msgsched/internal/job"
	"msgsched/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

// pendingPageSize bounds each FindPending round trip.
const pendingPageSize = 256

const jobColumns = `id, "to", body, "type", template, params, "userId", auth_token, send_at, status, created_at, sent_at, failed_at, error, response_status`

// sqlStore implements job.Store over database/sql. SQLite and PostgreSQL share
// the schema and every statement; only placeholders differ.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect string
}

var _ job.Store = (*sqlStore)(nil)

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(migrationsSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.dialect, err)
		}
	}
	return nil
}

// rebind turns ? placeholders into $n for PostgreSQL.
func (s *sqlStore) rebind(q string) string {
	if s.dialect != "postgres" {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Insert(ctx context.Context, j *job.Job) error {
	params, err := json.Marshal(j.Params)
	if err != nil {
		return job.Persist("insert", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO scheduled_messages (`+jobColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		j.ID, j.To, j.Body, j.Type, j.Template, string(params), j.UserID, nullStr(j.AuthToken),
		toMillis(job.CeilMillis(j.SendAt)), string(j.Status), toMillis(j.CreatedAt),
		nullMillisPtr(j.SentAt), nullMillisPtr(j.FailedAt), nullStr(j.Error), nullIntPtr(j.ResponseStatus),
	)
	return job.Persist("insert", err)
}

func (s *sqlStore) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM scheduled_messages WHERE id = ?`), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, job.Persist("get", err)
	}
	return j, nil
}

// FindPending pages through scheduled rows by (send_at, id) keyset so a
// large backlog never holds one long-lived cursor.
func (s *sqlStore) FindPending(ctx context.Context) iter.Seq2[*job.Job, error] {
	q := s.rebind(`SELECT ` + jobColumns + ` FROM scheduled_messages
		WHERE status = ? AND (send_at > ? OR (send_at = ? AND id > ?))
		ORDER BY send_at, id LIMIT ?`)
	return func(yield func(*job.Job, error) bool) {
		lastAt := int64(math.MinInt64)
		lastID := ""
		for {
			page, err := s.queryJobs(ctx, q, string(job.StatusScheduled), lastAt, lastAt, lastID, pendingPageSize)
			if err != nil {
				yield(nil, job.Persist("find pending", err))
				return
			}
			for _, j := range page {
				if !yield(j, nil) {
					return
				}
			}
			if len(page) < pendingPageSize {
				return
			}
			last := page[len(page)-1]
			lastAt, lastID = toMillis(last.SendAt), last.ID
		}
	}
}

func (s *sqlStore) CompareAndSetStatus(ctx context.Context, id string, expected, next job.Status, f job.Fields) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE scheduled_messages SET
			status = ?,
			sent_at = COALESCE(?, sent_at),
			failed_at = COALESCE(?, failed_at),
			error = COALESCE(?, error),
			response_status = COALESCE(?, response_status)
		WHERE id = ? AND status = ?`),
		string(next), nullMillis(f.SentAt), nullMillis(f.FailedAt), nullStr(f.Error), nullInt(f.ResponseStatus),
		id, string(expected),
	)
	if err != nil {
		return false, job.Persist("update status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, job.Persist("update status", err)
	}
	if n == 1 {
		return true, nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM scheduled_messages WHERE id = ?`), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, job.ErrNotFound
	}
	if err != nil {
		return false, job.Persist("update status", err)
	}
	return false, nil
}

func (s *sqlStore) List(ctx context.Context, filter job.ListFilter) ([]*job.Job, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Status) > 0 {
		marks := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	if filter.UserID != "" {
		where = append(where, `"userId" = ?`)
		args = append(args, filter.UserID)
	}
	if !filter.From.IsZero() {
		where = append(where, "send_at >= ?")
		args = append(args, toMillis(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "send_at <= ?")
		args = append(args, toMillis(filter.To))
	}
	q := `SELECT ` + jobColumns + ` FROM scheduled_messages`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY send_at DESC, id"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	out, err := s.queryJobs(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, job.Persist("list", err)
	}
	return out, nil
}

func (s *sqlStore) queryJobs(ctx context.Context, q string, args ...any) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*job.Job, error) {
	var (
		j                            job.Job
		params, status               string
		authToken, errText           sql.NullString
		sendAt, createdAt            int64
		sentAt, failedAt, respStatus sql.NullInt64
	)
	if err := r.Scan(&j.ID, &j.To, &j.Body, &j.Type, &j.Template, &params, &j.UserID, &authToken,
		&sendAt, &status, &createdAt, &sentAt, &failedAt, &errText, &respStatus); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
		return nil, fmt.Errorf("decode params of %s: %w", j.ID, err)
	}
	j.Status = job.Status(status)
	j.AuthToken = authToken.String
	j.Error = errText.String
	j.SendAt = fromMillis(sendAt)
	j.CreatedAt = fromMillis(createdAt)
	if sentAt.Valid {
		t := fromMillis(sentAt.Int64)
		j.SentAt = &t
	}
	if failedAt.Valid {
		t := fromMillis(failedAt.Int64)
		j.FailedAt = &t
	}
	if respStatus.Valid {
		c := int(respStatus.Int64)
		j.ResponseStatus = &c
	}
	return &j, nil
}

func toMillis(t time.Time) int64     { return t.UTC().UnixMilli() }
func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return int64(v)
}

func nullIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return toMillis(t)
}

func nullMillisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}
