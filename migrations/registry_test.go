package migrations

import (
	"context"
	"database/sql"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	syncbridge "github.com/goliatone/go-syncbridge"
	_ "github.com/mattn/go-sqlite3"
)

func TestTreesReturnsPostgresAndSQLite(t *testing.T) {
	trees, err := Trees()
	if err != nil {
		t.Fatalf("trees: %v", err)
	}
	if len(trees) != 2 {
		t.Fatalf("expected 2 trees, got %d", len(trees))
	}

	var postgresFound bool
	var sqliteFound bool
	for _, tree := range trees {
		matches, globErr := fs.Glob(tree.FS, "*.up.sql")
		if globErr != nil {
			t.Fatalf("glob %s: %v", tree.Dialect, globErr)
		}
		if len(matches) == 0 {
			t.Fatalf("expected %s migration files, got none", tree.Dialect)
		}
		switch tree.Dialect {
		case DialectPostgres:
			postgresFound = true
		case DialectSQLite:
			sqliteFound = true
		}
	}

	if !postgresFound {
		t.Fatalf("expected postgres tree")
	}
	if !sqliteFound {
		t.Fatalf("expected sqlite tree")
	}
}

func TestRegisterFiltersDialects(t *testing.T) {
	var calls []string
	err := Register(context.Background(), func(_ context.Context, dialect string, _ string, _ fs.FS) error {
		calls = append(calls, dialect)
		return nil
	}, DialectSQLite)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if len(calls) != 1 {
		t.Fatalf("expected 1 registration call, got %d", len(calls))
	}
	if calls[0] != DialectSQLite {
		t.Fatalf("expected sqlite registration, got %q", calls[0])
	}
}

func TestRegisterDefaultsToBothDialects(t *testing.T) {
	var calls []string
	err := Register(context.Background(), func(_ context.Context, dialect string, label string, _ fs.FS) error {
		if label != "go-syncbridge" {
			t.Fatalf("source label = %q", label)
		}
		calls = append(calls, dialect)
		return nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected both dialects to register, got %v", calls)
	}
}

func TestRegisterRejectsUnknownDialect(t *testing.T) {
	err := Register(context.Background(), func(context.Context, string, string, fs.FS) error {
		return nil
	}, "oracle")
	if err == nil {
		t.Fatal("expected error for unknown dialect")
	}
	if err := Register(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil register function")
	}
}

func TestBridgeTablesMigrationPairExistsForBothDialects(t *testing.T) {
	root := syncbridge.GetMigrationsFS()
	paths := []string{
		"data/sql/migrations/20260301000000_create_bridge_tables.up.sql",
		"data/sql/migrations/20260301000000_create_bridge_tables.down.sql",
		"data/sql/migrations/sqlite/20260301000000_create_bridge_tables.up.sql",
		"data/sql/migrations/sqlite/20260301000000_create_bridge_tables.down.sql",
	}
	for _, migrationPath := range paths {
		content, err := fs.ReadFile(root, migrationPath)
		if err != nil {
			t.Fatalf("read migration %s: %v", migrationPath, err)
		}
		if strings.TrimSpace(string(content)) == "" {
			t.Fatalf("expected migration %s to have SQL content", migrationPath)
		}
	}
}

func TestSQLiteBridgeTablesMigrationApplyAndRollback(t *testing.T) {
	db, err := sql.Open("sqlite3", "file:migrations-bridge-tables?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	defer func() { _ = db.Close() }()

	root := syncbridge.GetMigrationsFS()
	sqliteMigrations, err := fs.Sub(root, "data/sql/migrations/sqlite")
	if err != nil {
		t.Fatalf("resolve sqlite migrations: %v", err)
	}

	if err := execSQLMigration(context.Background(), db, sqliteMigrations, "20260301000000_create_bridge_tables.up.sql"); err != nil {
		t.Fatalf("apply bridge tables migration up: %v", err)
	}

	requiredTables := []string{
		"syncbridge_webhook_events",
		"syncbridge_provider_credentials",
		"syncbridge_sync_mappings",
		"syncbridge_sync_jobs",
		"syncbridge_work_items",
	}
	for _, tableName := range requiredTables {
		var count int
		if err := db.QueryRowContext(
			context.Background(),
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`,
			tableName,
		).Scan(&count); err != nil {
			t.Fatalf("query sqlite_master for %s: %v", tableName, err)
		}
		if count != 1 {
			t.Fatalf("expected table %s to exist after up migration", tableName)
		}
	}

	insertEvent := `
		INSERT INTO syncbridge_webhook_events
			(id, source_id, dedupe_key, signature, payload, status, attempts, received_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := db.ExecContext(
		context.Background(),
		insertEvent,
		"evt-1", "platform_a", "delivery-1", "", []byte("{}"), "pending", 0,
		"2026-03-01T00:00:00Z", "2026-03-01T00:00:00Z",
	); err != nil {
		t.Fatalf("insert webhook event: %v", err)
	}
	if _, err := db.ExecContext(
		context.Background(),
		insertEvent,
		"evt-2", "platform_a", "delivery-1", "", []byte("{}"), "pending", 0,
		"2026-03-01T00:00:01Z", "2026-03-01T00:00:01Z",
	); err == nil {
		t.Fatalf("expected dedupe key uniqueness violation")
	}

	if err := execSQLMigration(context.Background(), db, sqliteMigrations, "20260301000000_create_bridge_tables.down.sql"); err != nil {
		t.Fatalf("apply bridge tables migration down: %v", err)
	}

	var count int
	if err := db.QueryRowContext(
		context.Background(),
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`,
		"syncbridge_webhook_events",
	).Scan(&count); err != nil {
		t.Fatalf("query sqlite_master after down migration: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected syncbridge_webhook_events to be dropped after down migration")
	}
}

func execSQLMigration(ctx context.Context, db *sql.DB, fsys fs.FS, filename string) error {
	content, err := fs.ReadFile(fsys, filepath.Clean(filename))
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(content))
	return err
}
