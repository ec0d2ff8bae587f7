package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"Mofy-Agent/deploy/migrations"
	xerrors "Mofy-Agent/internal/errors"
)

func migrationStatement(t *testing.T, name string) string {
	t.Helper()
	content, err := migrations.Files.ReadFile(name)
	if err != nil {
		t.Fatalf("read migration %s: %v", name, err)
	}
	statements := splitStatements(string(content))
	if len(statements) != 1 {
		t.Fatalf("expected one statement in %s, got %d", name, len(statements))
	}
	return statements[0]
}

func TestRunMigrationsSkipsAppliedVersions(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(createVersionTableSQL, mockResult{}),
		queryOp(selectVersionsSQL, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
		beginOp(),
		execOp(migrationStatement(t, "0002_create_jobs.sql"), mockResult{}),
		execOp(insertVersionSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer drv.assertConsumed(t)

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
	if got := drv.argsAt(3)[0]; got != "0002" {
		t.Fatalf("expected version 0002 to be recorded, got %v", got)
	}
}

func TestRunMigrationsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(createVersionTableSQL, mockResult{}),
		queryOp(selectVersionsSQL, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		failingExecOp(migrationStatement(t, "0001_create_task_archive.sql"), errors.New("table locked")),
		rollbackOp(),
	})
	defer drv.assertConsumed(t)

	err := runMigrations(context.Background(), db)
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestMigratorOrdersFilesAndRecordsTime(t *testing.T) {
	t.Parallel()

	source := fstest.MapFS{
		"0010_late.sql":  {Data: []byte("CREATE TABLE late (id INT);\n")},
		"0002_early.sql": {Data: []byte("-- 两条语句\nCREATE TABLE a (id INT);\nCREATE TABLE b (id INT);")},
		"0003_empty.sql": {Data: []byte("-- 只有注释\n")},
		"README.md":      {Data: []byte("not sql")},
		"0001_done.sql":  {Data: []byte("CREATE TABLE done (id INT);")},
	}
	db, drv := newMockDB(t, []mockOperation{
		execOp(createVersionTableSQL, mockResult{}),
		queryOp(selectVersionsSQL, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
		beginOp(),
		execOp("CREATE TABLE a (id INT)", mockResult{}),
		execOp("CREATE TABLE b (id INT)", mockResult{}),
		execOp(insertVersionSQL, mockResult{rowsAffected: 1}),
		commitOp(),
		beginOp(),
		execOp("CREATE TABLE late (id INT)", mockResult{}),
		execOp(insertVersionSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer drv.assertConsumed(t)

	applied := time.UnixMilli(1_700_000_000_000)
	m := &migrator{source: source, now: func() time.Time { return applied }}
	if err := m.run(context.Background(), db); err != nil {
		t.Fatalf("run: %v", err)
	}
	if args := drv.argsAt(4); args[0] != "0002" || args[1] != applied.UnixMilli() {
		t.Fatalf("unexpected version record: %v", args)
	}
	if args := drv.argsAt(6); args[0] != "0010" {
		t.Fatalf("unexpected version record: %v", args)
	}
}

func TestMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_create_task_archive.sql": "0001",
		"0003.sql":                     "0003",
		"_odd.sql":                     "_odd",
		"plain":                        "plain",
	}
	for name, want := range cases {
		if got := migrationVersion(name); got != want {
			t.Fatalf("migrationVersion(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestDriverConfig(t *testing.T) {
	if _, err := driverConfig("  "); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := driverConfig("user:pass@tcp(127.0.0.1:3306"); xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}

	cfg, err := driverConfig("mofy:secret@tcp(127.0.0.1:3306)/mofy")
	if err != nil {
		t.Fatalf("driver config: %v", err)
	}
	if cfg.Timeout != defaultDialTimeout || cfg.DBName != "mofy" || cfg.MultiStatements {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	cfg, err = driverConfig("mofy:secret@tcp(127.0.0.1:3306)/mofy?timeout=2s")
	if err != nil || cfg.Timeout != 2*time.Second {
		t.Fatalf("explicit timeout should be kept: %+v %v", cfg, err)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{MaxIdleConns: 3}.withDefaults()
	if cfg.MaxOpenConns != defaultMaxOpenConns || cfg.MaxIdleConns != 3 || cfg.ConnMaxLifetime != defaultConnMaxLifetime {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
