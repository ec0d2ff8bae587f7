package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	xerrors "Mofy-Agent/internal/errors"
	"Mofy-Agent/internal/scheduler"
)

const insertArchiveSQL = `INSERT INTO task_archive
    (task_id, session_id, type, tool, parameters, priority, status, retry_count, result, created_at, completed_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectArchiveSQL = `SELECT task_id, session_id, type, tool, parameters, priority, status, retry_count, result, created_at, completed_at
    FROM task_archive`

// TaskArchive 将进入终态的任务写入 task_archive 表，实现 scheduler.Archive。
type TaskArchive struct {
	db *sql.DB
}

// NewTaskArchive 基于已迁移的连接构造归档器。
func NewTaskArchive(db *sql.DB) *TaskArchive {
	return &TaskArchive{db: db}
}

// Archive 插入一条任务快照。
func (a *TaskArchive) Archive(ctx context.Context, task *scheduler.Task) error {
	if a == nil || a.db == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务归档未初始化")
	}
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "归档任务不能为空")
	}
	params, err := encodeParameters(task.Parameters)
	if err != nil {
		return err
	}
	completedAt := time.Now()
	if task.CompletedAt != nil {
		completedAt = *task.CompletedAt
	}
	_, err = a.db.ExecContext(ctx, insertArchiveSQL,
		task.ID,
		task.SessionID,
		task.Type,
		task.Tool,
		params,
		task.Priority,
		string(task.Status),
		task.RetryCount,
		task.Result,
		task.CreatedAt.UnixMilli(),
		completedAt.UnixMilli(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务归档失败")
	}
	return nil
}

// ListLatest 按完成时间倒序返回归档任务，sessionID 为空时不过滤会话。
func (a *TaskArchive) ListLatest(ctx context.Context, sessionID string, limit int) ([]*scheduler.Task, error) {
	if limit <= 0 {
		limit = 20
	}
	query := selectArchiveSQL
	args := []any{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY completed_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务归档失败")
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		var (
			task        scheduler.Task
			params      sql.NullString
			status      string
			result      sql.NullString
			createdAt   int64
			completedAt int64
		)
		if err := rows.Scan(&task.ID, &task.SessionID, &task.Type, &task.Tool, &params,
			&task.Priority, &status, &task.RetryCount, &result, &createdAt, &completedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务归档失败")
		}
		if params.Valid && params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &task.Parameters); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务参数失败")
			}
		}
		task.Status = scheduler.Status(status)
		task.Result = result.String
		task.CreatedAt = time.UnixMilli(createdAt)
		done := time.UnixMilli(completedAt)
		task.CompletedAt = &done
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务归档失败")
	}
	return tasks, nil
}

func encodeParameters(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "", nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "任务参数无法序列化")
	}
	return string(data), nil
}

var _ scheduler.Archive = (*TaskArchive)(nil)
