package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "Aetherra-Core/internal/errors"
)

const jobColumns = `id, name, status, parameters, context, output, error, error_code, progress, created_at, started_at, completed_at`

// MySQLStore persists jobs in the jobs table. Timestamps are stored as unix
// microseconds. Status changes are conditional updates so concurrent writers
// cannot move a job out of a terminal state.
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore wraps an open, migrated database handle.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

var _ Store = (*MySQLStore)(nil)

// Create implements Store.
func (s *MySQLStore) Create(ctx context.Context, job *Job) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return xerrors.New(CodeJobValidation, "job id cannot be empty")
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	params, err := marshalMap(job.Parameters)
	if err != nil {
		return xerrors.Wrap(CodeJobValidation, err, "encode parameters")
	}
	jobCtx, err := marshalMap(job.Context)
	if err != nil {
		return xerrors.Wrap(CodeJobValidation, err, "encode context")
	}

	const stmt = `INSERT INTO jobs (id, name, status, parameters, context, error_code, created_at) VALUES (?, ?, ?, ?, ?, '', ?)`
	if _, err := s.db.ExecContext(ctx, stmt, job.ID, job.Name, string(job.Status), params, jobCtx, job.CreatedAt.UnixMicro()); err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert job")
	}
	return nil
}

// Get implements Store.
func (s *MySQLStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "get job")
	}
	return job, nil
}

// UpdateStatus implements Store.
func (s *MySQLStore) UpdateStatus(ctx context.Context, id string, update Update) error {
	if !IsValidStatus(update.Status) {
		return xerrors.New(CodeJobValidation, "unknown status "+string(update.Status))
	}
	from := sourcesOf(update.Status)
	if len(from) == 0 {
		return xerrors.Wrap(CodeInvalidTransition, ErrInvalidTransition, "no transition into "+string(update.Status))
	}

	now := s.now().UnixMicro()
	sets := []string{"status = ?", "started_at = COALESCE(started_at, ?)"}
	args := []any{string(update.Status), now}
	if update.Status.Terminal() {
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}
	if update.Output != nil {
		out, err := marshalMap(update.Output)
		if err != nil {
			return xerrors.Wrap(CodeJobValidation, err, "encode output")
		}
		sets = append(sets, "output = ?")
		args = append(args, out)
	}
	if update.Error != "" {
		sets = append(sets, "error = ?")
		args = append(args, update.Error)
	}
	if update.ErrorCode != "" {
		sets = append(sets, "error_code = ?")
		args = append(args, update.ErrorCode)
	}
	args = append(args, id)
	for _, st := range from {
		args = append(args, string(st))
	}

	stmt := `UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update job status")
	}
	return s.checkAffected(ctx, res, id, func(current *Job) error {
		return xerrors.Wrap(CodeInvalidTransition, ErrInvalidTransition,
			string(current.Status)+" -> "+string(update.Status))
	})
}

// UpdateProgress implements Store.
func (s *MySQLStore) UpdateProgress(ctx context.Context, id string, progress map[string]any) error {
	encoded, err := marshalMap(progress)
	if err != nil {
		return xerrors.Wrap(CodeJobValidation, err, "encode progress")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET progress = ? WHERE id = ? AND status = ?`, encoded, id, string(StatusRunning))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update job progress")
	}
	// MySQL reports changed rows, so rewriting identical progress affects none.
	return s.checkAffected(ctx, res, id, func(current *Job) error {
		if current.Status == StatusRunning {
			return nil
		}
		return xerrors.Wrap(CodeInvalidTransition, ErrInvalidTransition, "progress on "+string(current.Status)+" job")
	})
}

// Cancel implements Store.
func (s *MySQLStore) Cancel(ctx context.Context, id string) error {
	now := s.now().UnixMicro()
	const stmt = `UPDATE jobs SET status = ?, error = ?, started_at = COALESCE(started_at, ?), completed_at = ?
        WHERE id = ? AND status IN (?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, string(StatusCancelled), "cancelled", now, now, id,
		string(StatusPending), string(StatusRunning))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "cancel job")
	}
	return s.checkAffected(ctx, res, id, func(*Job) error { return ErrJobTerminal })
}

// checkAffected turns a zero-row conditional update into ErrJobNotFound or
// the error produced by rejected.
func (s *MySQLStore) checkAffected(ctx context.Context, res sql.Result, id string, rejected func(*Job) error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "rows affected")
	}
	if affected > 0 {
		return nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return rejected(current)
}

// List implements Store.
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(opts.Statuses)+1)
	if len(opts.Statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(opts.Statuses)) + `)`
		for _, st := range opts.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list jobs")
	}
	defer rows.Close()

	jobs := make([]*Job, 0, opts.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate jobs")
	}
	return jobs, nil
}

// Cleanup implements Store. Both passes run in one transaction.
func (s *MySQLStore) Cleanup(ctx context.Context, policy CleanupPolicy) (CleanupReport, error) {
	var report CleanupReport
	if policy.MaxAge <= 0 && policy.MaxJobs <= 0 {
		return report, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, xerrors.Wrap(xerrors.CodeStorageFailure, err, "begin cleanup")
	}
	defer tx.Rollback()

	terminal := []any{string(StatusCompleted), string(StatusFailed), string(StatusCancelled)}
	if policy.MaxAge > 0 {
		cutoff := s.now().Add(-policy.MaxAge).UnixMicro()
		res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE status IN (?, ?, ?) AND COALESCE(completed_at, created_at) < ?`,
			append(terminal, cutoff)...)
		if err != nil {
			return report, xerrors.Wrap(xerrors.CodeStorageFailure, err, "expire jobs")
		}
		n, _ := res.RowsAffected()
		report.Expired = int(n)
	}
	if policy.MaxJobs > 0 {
		var total int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&total); err != nil {
			return report, xerrors.Wrap(xerrors.CodeStorageFailure, err, "count jobs")
		}
		if excess := total - policy.MaxJobs; excess > 0 {
			res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE status IN (?, ?, ?)
        ORDER BY COALESCE(completed_at, created_at) ASC, id ASC LIMIT ?`, append(terminal, excess)...)
			if err != nil {
				return report, xerrors.Wrap(xerrors.CodeStorageFailure, err, "trim jobs")
			}
			n, _ := res.RowsAffected()
			report.Trimmed = int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return CleanupReport{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit cleanup")
	}
	return report, nil
}

// Stats implements Store.
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*), MIN(created_at), MAX(created_at) FROM jobs GROUP BY status`)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query job stats")
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var (
			status         string
			count          int
			oldest, newest int64
		)
		if err := rows.Scan(&status, &count, &oldest, &newest); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan job stats")
		}
		stats.Total += count
		switch Status(status) {
		case StatusPending:
			stats.Pending += count
		case StatusRunning:
			stats.Running += count
		case StatusCompleted:
			stats.Completed += count
		case StatusFailed:
			stats.Failed += count
		case StatusCancelled:
			stats.Cancelled += count
		}
		lo, hi := time.UnixMicro(oldest).UTC(), time.UnixMicro(newest).UTC()
		if stats.Oldest == nil || lo.Before(*stats.Oldest) {
			stats.Oldest = &lo
		}
		if stats.Newest == nil || hi.After(*stats.Newest) {
			stats.Newest = &hi
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate job stats")
	}
	return stats, nil
}

// Close closes the underlying database handle.
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                                  Job
		status                               string
		params, jobCtx, output, errMsg, prog sql.NullString
		created                              int64
		started, completed                   sql.NullInt64
	)
	if err := row.Scan(&job.ID, &job.Name, &status, &params, &jobCtx, &output, &errMsg,
		&job.ErrorCode, &prog, &created, &started, &completed); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	job.Error = errMsg.String
	job.CreatedAt = time.UnixMicro(created).UTC()
	job.StartedAt = microPtr(started)
	job.CompletedAt = microPtr(completed)

	var err error
	if job.Parameters, err = unmarshalMap(params); err != nil {
		return nil, err
	}
	if job.Context, err = unmarshalMap(jobCtx); err != nil {
		return nil, err
	}
	if job.Output, err = unmarshalMap(output); err != nil {
		return nil, err
	}
	if job.Progress, err = unmarshalMap(prog); err != nil {
		return nil, err
	}
	return &job, nil
}

// sourcesOf lists the statuses that may transition into to.
func sourcesOf(to Status) []Status {
	var from []Status
	for _, st := range []Status{StatusPending, StatusRunning} {
		if CanTransition(st, to) {
			from = append(from, st)
		}
	}
	return from
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func microPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}

func marshalMap(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalMap(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
