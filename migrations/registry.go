package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	syncbridge "github.com/goliatone/go-syncbridge"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// sourceLabel names the bridge schema in the embedder's migration logs.
const sourceLabel = "go-syncbridge"

// Tree is one dialect's slice of the embedded migration filesystem. Postgres
// DDL sits at the tree root; the sqlite variants live under sqlite/.
type Tree struct {
	Dialect string
	FS      fs.FS
}

// RegisterFunc receives one dialect tree, typically wrapping the persistence
// client's RegisterSQLMigrations.
type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

// Trees resolves both dialect trees from the embedded filesystem and verifies
// each carries at least one up migration.
func Trees() ([]Tree, error) {
	root, err := fs.Sub(syncbridge.GetMigrationsFS(), "data/sql/migrations")
	if err != nil {
		return nil, fmt.Errorf("migrations: embedded tree missing: %w", err)
	}
	sqliteFS, err := fs.Sub(root, "sqlite")
	if err != nil {
		return nil, fmt.Errorf("migrations: sqlite tree missing: %w", err)
	}

	trees := []Tree{
		{Dialect: DialectPostgres, FS: root},
		{Dialect: DialectSQLite, FS: sqliteFS},
	}
	for _, tree := range trees {
		matches, globErr := fs.Glob(tree.FS, "*.up.sql")
		if globErr != nil {
			return nil, fmt.Errorf("migrations: scan %s tree: %w", tree.Dialect, globErr)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("migrations: %s tree has no up migrations", tree.Dialect)
		}
	}
	return trees, nil
}

// Register hands each requested dialect tree to registerFn. With no dialects
// given, both trees register.
func Register(ctx context.Context, registerFn RegisterFunc, dialects ...string) error {
	if registerFn == nil {
		return fmt.Errorf("migrations: register function is required")
	}

	want := map[string]bool{}
	for _, dialect := range dialects {
		dialect = strings.TrimSpace(strings.ToLower(dialect))
		switch dialect {
		case "":
		case DialectPostgres, DialectSQLite:
			want[dialect] = true
		default:
			return fmt.Errorf("migrations: unknown dialect %q", dialect)
		}
	}
	if len(want) == 0 {
		want[DialectPostgres] = true
		want[DialectSQLite] = true
	}

	trees, err := Trees()
	if err != nil {
		return err
	}
	for _, tree := range trees {
		if !want[tree.Dialect] {
			continue
		}
		if err := registerFn(ctx, tree.Dialect, sourceLabel, tree.FS); err != nil {
			return fmt.Errorf("migrations: register %s: %w", tree.Dialect, err)
		}
	}
	return nil
}
