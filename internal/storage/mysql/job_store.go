package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"Mofy-Agent/internal/dispatch"
	xerrors "Mofy-Agent/internal/errors"
)

const jobColumns = `id, session_id, message, status, reply, attempts, max_retries, last_error, error_code, created_at, updated_at`

// JobStore 使用 MySQL jobs 表实现 dispatch.Store。
type JobStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewJobStore 基于已迁移的连接构造任务存储。连接由调用方关闭。
func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db, now: time.Now}
}

// Create 插入新任务，主键冲突返回 dispatch.ErrJobConflict。
func (s *JobStore) Create(ctx context.Context, job *dispatch.Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := s.now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	const stmt = `INSERT INTO jobs
        (id, session_id, message, status, reply, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, '', ?, ?, '', '', ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		job.ID,
		job.SessionID,
		job.Message,
		string(job.Status),
		job.Attempts,
		job.MaxRetries,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return dispatch.ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *JobStore) Get(ctx context.Context, id string) (*dispatch.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, dispatch.ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return job, nil
}

// Claim 仅在任务处于 pending 且仍有重试次数时将其置为 running。
// 未更新任何行时重新读取任务以区分冲突、已完成与次数耗尽。
func (s *JobStore) Claim(ctx context.Context, id string) (*dispatch.Job, error) {
	const stmt = `UPDATE jobs SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ? AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, stmt,
		string(dispatch.StatusRunning),
		s.now().Unix(),
		id,
		string(dispatch.StatusPending),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return job, nil
	}
	switch job.Status {
	case dispatch.StatusSucceeded:
		return job, dispatch.ErrJobCompleted
	case dispatch.StatusRunning:
		return job, dispatch.ErrJobConflict
	}
	if job.Attempts >= job.MaxRetries || job.Status == dispatch.StatusFailed {
		return job, dispatch.ErrJobExhausted
	}
	return job, dispatch.ErrJobConflict
}

// MarkSucceeded 记录回复与实际会话。
func (s *JobStore) MarkSucceeded(ctx context.Context, id, sessionID, reply string) error {
	const stmt = `UPDATE jobs SET status = ?, session_id = COALESCE(NULLIF(?, ''), session_id), reply = ?,
        last_error = '', error_code = '', updated_at = ? WHERE id = ?`
	return s.update(ctx, stmt, "标记任务成功失败",
		string(dispatch.StatusSucceeded), sessionID, reply, s.now().Unix(), id)
}

// MarkFailed 记录失败原因，terminal 为 false 时任务回到 pending。
func (s *JobStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError, reply string, terminal bool) error {
	const stmt = `UPDATE jobs SET status = ?, last_error = ?, error_code = ?, reply = COALESCE(NULLIF(?, ''), reply),
        updated_at = ? WHERE id = ?`
	status := dispatch.StatusPending
	if terminal {
		status = dispatch.StatusFailed
	}
	return s.update(ctx, stmt, "标记任务失败失败",
		string(status), lastError, string(code), reply, s.now().Unix(), id)
}

func (s *JobStore) update(ctx context.Context, stmt, message string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return dispatch.ErrJobNotFound
	}
	return nil
}

// List 按更新时间倒序返回任务。
func (s *JobStore) List(ctx context.Context, opts dispatch.ListOptions) ([]*dispatch.Job, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	query += " ORDER BY updated_at DESC, created_at DESC, id ASC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	jobs := make([]*dispatch.Job, 0, opts.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return jobs, nil
}

// Stats 统计各状态的任务数量。
func (s *JobStore) Stats(ctx context.Context) (dispatch.Stats, error) {
	const query = `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed
        FROM jobs`

	row := s.db.QueryRowContext(ctx, query,
		string(dispatch.StatusPending),
		string(dispatch.StatusRunning),
		string(dispatch.StatusSucceeded),
		string(dispatch.StatusFailed),
	)
	var stats dispatch.Stats
	if err := row.Scan(&stats.Total, &stats.Pending, &stats.Running, &stats.Succeeded, &stats.Failed); err != nil {
		return dispatch.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

// Close 不关闭共享连接。
func (s *JobStore) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*dispatch.Job, error) {
	var (
		job       dispatch.Job
		status    string
		reply     sql.NullString
		lastError sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&job.SessionID,
		&job.Message,
		&status,
		&reply,
		&job.Attempts,
		&job.MaxRetries,
		&lastError,
		&job.ErrorCode,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = dispatch.Status(status)
	job.Reply = reply.String
	job.LastError = lastError.String
	return &job, nil
}

func buildFilterClause(opts dispatch.ListOptions) (string, []any) {
	conditions := make([]string, 0, 2)
	args := make([]any, 0, len(opts.Statuses)+1)

	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(conditions) == 0 {
		return "", args
	}
	return strings.Join(conditions, " AND "), args
}

var _ dispatch.Store = (*JobStore)(nil)
