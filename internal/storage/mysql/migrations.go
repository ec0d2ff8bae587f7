package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"Mofy-Agent/deploy/migrations"
	xerrors "Mofy-Agent/internal/errors"
	"Mofy-Agent/pkg/logger"
)

const (
	createVersionTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version VARCHAR(32) NOT NULL PRIMARY KEY,
	applied_at BIGINT NOT NULL
)`
	selectVersionsSQL = `SELECT version FROM schema_migrations`
	insertVersionSQL  = `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`
)

// migration 对应一个 SQL 文件，版本号取自文件名中第一个下划线之前的部分。
type migration struct {
	version    string
	file       string
	statements []string
}

// migrator 从 source 读取 *.sql 文件，按版本号顺序应用未记录的迁移，每个文件一个事务。
type migrator struct {
	source fs.FS
	now    func() time.Time
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	return (&migrator{source: migrations.Files, now: time.Now}).run(ctx, db)
}

func (m *migrator) run(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createVersionTableSQL); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	pending, err := m.pending(applied)
	if err != nil {
		return err
	}
	for _, mig := range pending {
		if err := m.apply(ctx, db, mig); err != nil {
			return err
		}
		logger.Named("mysql").Info("已应用数据库迁移", slog.String("version", mig.version), slog.String("file", mig.file))
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, selectVersionsSQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询迁移版本失败")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移版本失败")
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移版本失败")
	}
	return applied, nil
}

// pending 返回尚未应用的迁移。没有语句的文件被忽略。
func (m *migrator) pending(applied map[string]bool) ([]migration, error) {
	names, err := fs.Glob(m.source, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移目录失败")
	}
	var list []migration
	for _, name := range names {
		version := migrationVersion(name)
		if applied[version] {
			continue
		}
		content, err := fs.ReadFile(m.source, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("读取迁移文件 %s 失败", name))
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		list = append(list, migration{version: version, file: name, statements: statements})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].version < list[j].version })
	return list, nil
}

func (m *migrator) apply(ctx context.Context, db *sql.DB, mig migration) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range mig.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err,
				fmt.Sprintf("执行迁移 %s 第 %d 条语句失败", mig.file, i+1),
				xerrors.WithMetadata("version", mig.version))
		}
	}
	if _, err = tx.ExecContext(ctx, insertVersionSQL, mig.version, m.now().UnixMilli()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败")
	}
	if err = tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

// splitStatements 去掉以 -- 开头的注释行后按分号切分。
func splitStatements(content string) []string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	var statements []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			statements = append(statements, s)
		}
	}
	return statements
}

func migrationVersion(name string) string {
	base := strings.TrimSuffix(path.Base(name), ".sql")
	if before, _, ok := strings.Cut(base, "_"); ok && before != "" {
		return before
	}
	return base
}
