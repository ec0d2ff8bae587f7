package mysql

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	xerrors "Mofy-Agent/internal/errors"
	"Mofy-Agent/internal/scheduler"
)

const fileArchiveLimit = 512

// FileArchive 以 JSON 行追加写入本地文件，内存中保留最近 512 条，适合本地开发。
type FileArchive struct {
	mu       sync.RWMutex
	dataFile string
	records  []*scheduler.Task
}

// NewFileArchive 在 dataDir 下打开 tasks.log 并恢复历史记录。
func NewFileArchive(dataDir string) (*FileArchive, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	archive := &FileArchive{dataFile: filepath.Join(dataDir, "tasks.log")}
	if err := archive.loadFromDisk(); err != nil {
		return nil, err
	}
	return archive, nil
}

// Archive 追加一条任务快照。
func (f *FileArchive) Archive(_ context.Context, task *scheduler.Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "归档任务不能为空")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开任务日志失败")
	}
	defer file.Close()

	encoded, err := json.Marshal(task)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化任务记录失败")
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务日志失败")
	}

	f.records = append([]*scheduler.Task{task.Clone()}, f.records...)
	if len(f.records) > fileArchiveLimit {
		f.records = f.records[:fileArchiveLimit]
	}
	return nil
}

// ListLatest 返回最近的归档任务，sessionID 为空时不过滤会话。
func (f *FileArchive) ListLatest(_ context.Context, sessionID string, limit int) ([]*scheduler.Task, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var results []*scheduler.Task
	for _, task := range f.records {
		if sessionID != "" && task.SessionID != sessionID {
			continue
		}
		results = append(results, task.Clone())
		if limit > 0 && len(results) == limit {
			break
		}
	}
	return results, nil
}

func (f *FileArchive) loadFromDisk() error {
	file, err := os.OpenFile(f.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var restored []*scheduler.Task
	for scanner.Scan() {
		var task scheduler.Task
		if err := json.Unmarshal(scanner.Bytes(), &task); err != nil {
			continue
		}
		restored = append([]*scheduler.Task{&task}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务日志失败")
	}
	if len(restored) > fileArchiveLimit {
		restored = restored[:fileArchiveLimit]
	}
	f.records = restored
	return nil
}

var _ scheduler.Archive = (*FileArchive)(nil)
