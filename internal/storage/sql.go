package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"chanrelay/internal/domain"
	logx "chanrelay/pkg/logx"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// dialect captures the differences between the SQL backends.
type dialect struct {
	name      string
	schema    string
	numbered  bool // $1, $2 placeholders instead of ?
	isUnique  func(err error) bool
	boolValue func(v bool) any
}

// sqlStore implements Store over database/sql. Queries are written with "?"
// placeholders and rebound per dialect.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
	now func() time.Time
}

const jobColumns = `id, job_key, owner, source, target, start_id, end_id, batch_size,
interval_minutes, retention_minutes, filter_kind, caption, button_label, button_url,
active, cursor_id, created_at, updated_at`

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, log logx.Logger) (*sqlStore, error) {
	st := &sqlStore{db: db, d: d, log: log, now: time.Now}
	if err := st.migrate(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema/" + s.d.schema)
	if err != nil {
		return errors.Wrap(err, "read schema")
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "%s migrate", s.d.name)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind turns "?" placeholders into "$n" for numbered dialects.
func (s *sqlStore) rebind(q string) string {
	if !s.d.numbered {
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

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*domain.Job, error) {
	var (
		j                domain.Job
		key              sql.NullString
		end              sql.NullInt64
		filter           string
		label, url       string
		created, updated int64
		source, target   string
	)
	if err := r.Scan(&j.ID, &key, &j.Owner, &source, &target, &j.StartID, &end, &j.BatchSize,
		&j.IntervalMinutes, &j.RetentionMinutes, &filter, &j.Caption, &label, &url,
		&j.Active, &j.Cursor, &created, &updated); err != nil {
		return nil, err
	}
	j.Key = key.String
	j.Source = domain.ChatRef(source)
	j.Target = domain.ChatRef(target)
	if end.Valid {
		j.End = domain.Finite(end.Int64)
	}
	j.Filter = domain.FilterKind(filter)
	j.Button = buttonFrom(label, url)
	j.CreatedAt = time.UnixMilli(created).UTC()
	j.UpdatedAt = time.UnixMilli(updated).UTC()
	return &j, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func (s *sqlStore) CreateJob(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	rec, err := prepareNew(job, s.now())
	if err != nil {
		return nil, err
	}
	label, url := buttonParts(rec.Button)
	_, err = s.exec(ctx, `INSERT INTO jobs(`+jobColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, nullStr(rec.Key), rec.Owner, string(rec.Source), string(rec.Target), rec.StartID,
		nullInt(rec.End.Raw()), rec.BatchSize, rec.IntervalMinutes, rec.RetentionMinutes,
		string(rec.Filter), rec.Caption, label, url, s.d.boolValue(rec.Active), rec.Cursor,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if s.d.isUnique != nil && s.d.isUnique(err) {
			return nil, keyConflict(rec.Key)
		}
		return nil, errors.Wrap(err, "insert job")
	}
	return rec, nil
}

func (s *sqlStore) getWhere(ctx context.Context, where string, arg any, what string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE `+where), arg)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobNotFound(what)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select job")
	}
	return j, nil
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return s.getWhere(ctx, "id = ?", id, id)
}

func (s *sqlStore) GetJobByKey(ctx context.Context, key string) (*domain.Job, error) {
	return s.getWhere(ctx, "job_key = ?", key, "key="+key)
}

func (s *sqlStore) UpdateJob(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if job == nil {
		return nil, jobNotFound("")
	}
	cur, err := s.GetJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	next, err := applySettings(cur, job, s.now())
	if err != nil {
		return nil, err
	}
	label, url := buttonParts(next.Button)
	res, err := s.exec(ctx, `UPDATE jobs SET owner = ?, source = ?, target = ?, start_id = ?, end_id = ?,
		batch_size = ?, interval_minutes = ?, retention_minutes = ?, filter_kind = ?, caption = ?,
		button_label = ?, button_url = ?, updated_at = ? WHERE id = ?`,
		next.Owner, string(next.Source), string(next.Target), next.StartID, nullInt(next.End.Raw()),
		next.BatchSize, next.IntervalMinutes, next.RetentionMinutes, string(next.Filter), next.Caption,
		label, url, next.UpdatedAt.UnixMilli(), next.ID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "update job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, jobNotFound(job.ID)
	}
	return next, nil
}

func (s *sqlStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.exec(ctx, `UPDATE jobs SET active = ?, updated_at = ? WHERE id = ?`,
		s.d.boolValue(active), s.now().UnixMilli(), id)
	if err != nil {
		return errors.Wrap(err, "set active")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return jobNotFound(id)
	}
	return nil
}

func (s *sqlStore) AdvanceCursor(ctx context.Context, id string, cursor int64) (int64, error) {
	if _, err := s.exec(ctx, `UPDATE jobs SET cursor_id = ?, updated_at = ? WHERE id = ? AND active = ? AND cursor_id < ?`,
		cursor, s.now().UnixMilli(), id, s.d.boolValue(true), cursor); err != nil {
		return 0, errors.Wrap(err, "advance cursor")
	}
	var stored int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT cursor_id FROM jobs WHERE id = ?`), id).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, jobNotFound(id)
	}
	if err != nil {
		return 0, errors.Wrap(err, "read cursor")
	}
	return stored, nil
}

func (s *sqlStore) ResetJob(ctx context.Context, id string) (*domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin reset")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE jobs SET cursor_id = start_id - 1, updated_at = ? WHERE id = ?`),
		s.now().UnixMilli(), id)
	if err != nil {
		return nil, errors.Wrap(err, "reset cursor")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, jobNotFound(id)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM forwards WHERE job_id = ?`), id); err != nil {
		return nil, errors.Wrap(err, "reset forwards")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit reset")
	}
	return s.GetJob(ctx, id)
}

func (s *sqlStore) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin delete")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM jobs WHERE id = ?`), id)
	if err != nil {
		return errors.Wrap(err, "delete job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return jobNotFound(id)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM forwards WHERE job_id = ?`), id); err != nil {
		return errors.Wrap(err, "delete forwards")
	}
	return errors.Wrap(tx.Commit(), "commit delete")
}

func (s *sqlStore) listJobs(ctx context.Context, where string, args ...any) ([]*domain.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if where != "" {
		q += ` WHERE ` + where
	}
	q += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()
	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListJobs(ctx context.Context) ([]*domain.Job, error) {
	return s.listJobs(ctx, "")
}

func (s *sqlStore) ListJobsByOwner(ctx context.Context, owner int64) ([]*domain.Job, error) {
	return s.listJobs(ctx, "owner = ?", owner)
}

func (s *sqlStore) ListActiveJobs(ctx context.Context) ([]*domain.Job, error) {
	return s.listJobs(ctx, "active = ?", s.d.boolValue(true))
}

func (s *sqlStore) AppendForward(ctx context.Context, rec domain.ForwardRecord) error {
	if rec.ForwardedAt.IsZero() {
		rec.ForwardedAt = s.now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin append forward")
	}
	defer func() { _ = tx.Rollback() }()

	var active int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM jobs WHERE id = ? AND active = ?`),
		rec.JobID, s.d.boolValue(true)).Scan(&active)
	if err != nil {
		return errors.Wrap(err, "check job active")
	}
	if active == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO forwards(job_id, source_id, dest_id, forwarded_at) VALUES(?,?,?,?)`),
		rec.JobID, rec.SourceID, rec.DestID, rec.ForwardedAt.UnixMilli()); err != nil {
		return errors.Wrap(err, "append forward")
	}
	return errors.Wrap(tx.Commit(), "commit append forward")
}

func (s *sqlStore) ExpiredForwards(ctx context.Context, jobID string, before time.Time) ([]domain.ForwardRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT job_id, source_id, dest_id, forwarded_at
		FROM forwards WHERE job_id = ? AND forwarded_at < ? ORDER BY forwarded_at`), jobID, before.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "query expired forwards")
	}
	defer rows.Close()
	var out []domain.ForwardRecord
	for rows.Next() {
		var (
			r  domain.ForwardRecord
			at int64
		)
		if err := rows.Scan(&r.JobID, &r.SourceID, &r.DestID, &at); err != nil {
			return nil, errors.Wrap(err, "scan forward")
		}
		r.ForwardedAt = time.UnixMilli(at).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteForwards(ctx context.Context, jobID string, destIDs []int64) error {
	for len(destIDs) > 0 {
		chunk := destIDs[:min(len(destIDs), 500)]
		destIDs = destIDs[len(chunk):]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, jobID)
		for _, id := range chunk {
			args = append(args, id)
		}
		q := fmt.Sprintf(`DELETE FROM forwards WHERE job_id = ? AND dest_id IN (%s)`,
			strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ","))
		if _, err := s.exec(ctx, q, args...); err != nil {
			return errors.Wrap(err, "delete forwards")
		}
	}
	return nil
}

func (s *sqlStore) CountForwards(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM forwards WHERE job_id = ?`), jobID).Scan(&n)
	return n, errors.Wrap(err, "count forwards")
}

func (s *sqlStore) PutOwnerState(ctx context.Context, owner int64, state []byte) error {
	_, err := s.exec(ctx, `INSERT INTO owner_state(owner, state, updated_at) VALUES(?,?,?)
		ON CONFLICT(owner) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		owner, state, s.now().UnixMilli())
	return errors.Wrap(err, "put owner state")
}

func (s *sqlStore) GetOwnerState(ctx context.Context, owner int64) ([]byte, bool, error) {
	var st []byte
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT state FROM owner_state WHERE owner = ?`), owner).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "get owner state")
	}
	return st, true, nil
}

func (s *sqlStore) ClearOwnerState(ctx context.Context, owner int64) error {
	_, err := s.exec(ctx, `DELETE FROM owner_state WHERE owner = ?`, owner)
	return errors.Wrap(err, "clear owner state")
}
