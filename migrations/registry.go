package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	tandas "github.com/goliatone/go-tandas"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// SourceLabel tags the tandas migrations when they are registered next to
// a host application's own.
const SourceLabel = "go-tandas"

// Steps lists the migration versions every dialect must ship, in order.
var Steps = []string{
	"00001_tanda_core_schema",
	"00002_saga_interact_finish",
}

// CoreTables are the tables the ledger and saga stores read and write.
var CoreTables = []string{
	"tandas",
	"tanda_participants",
	"tanda_payments",
	"payment_sagas",
}

type FilesystemSpec struct {
	Dialect string
	Path    string
	FS      fs.FS
}

type Registration struct {
	SourceLabel       string
	ValidationTargets []string
	Filesystems       []FilesystemSpec
}

type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type Option func(*Registration)

// WithValidationTargets limits registration to the given dialects.
func WithValidationTargets(targets ...string) Option {
	return func(r *Registration) {
		next := dedupe(targets)
		if len(next) == 0 {
			return
		}
		r.ValidationTargets = next
	}
}

// Filesystems resolves the postgres and sqlite migration trees and checks
// that each carries every step as an up/down pair, with the core schema
// creating every table in CoreTables.
func Filesystems(sources ...fs.FS) ([]FilesystemSpec, error) {
	root := tandas.GetMigrationsFS()
	if len(sources) > 0 && sources[0] != nil {
		root = sources[0]
	}

	base, err := fs.Sub(root, "data/sql/migrations")
	if err != nil {
		return nil, fmt.Errorf("migrations: data/sql/migrations not found: %w", err)
	}
	sqliteFS, err := fs.Sub(base, "sqlite")
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite filesystem: %w", err)
	}

	filesystems := []FilesystemSpec{
		{Dialect: DialectPostgres, Path: "data/sql/migrations", FS: base},
		{Dialect: DialectSQLite, Path: "data/sql/migrations/sqlite", FS: sqliteFS},
	}
	for _, fsys := range filesystems {
		if err := checkSteps(fsys); err != nil {
			return nil, err
		}
	}
	return filesystems, nil
}

func checkSteps(spec FilesystemSpec) error {
	for _, step := range Steps {
		for _, direction := range []string{"up", "down"} {
			name := step + "." + direction + ".sql"
			if _, err := fs.Stat(spec.FS, name); err != nil {
				return fmt.Errorf("migrations: %s is missing %s: %w", spec.Dialect, name, err)
			}
		}
	}

	schema, err := fs.ReadFile(spec.FS, Steps[0]+".up.sql")
	if err != nil {
		return fmt.Errorf("migrations: read %s core schema: %w", spec.Dialect, err)
	}
	ddl := strings.ToLower(string(schema))
	for _, table := range CoreTables {
		if !strings.Contains(ddl, "create table if not exists "+table+" (") {
			return fmt.Errorf("migrations: %s core schema does not create %s", spec.Dialect, table)
		}
	}
	return nil
}

// Register hands each targeted dialect's migrations to registerFn.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) (Registration, error) {
	reg := Registration{
		SourceLabel:       SourceLabel,
		ValidationTargets: []string{DialectPostgres, DialectSQLite},
	}
	if registerFn == nil {
		return reg, fmt.Errorf("migrations: register function is required")
	}

	filesystems, err := Filesystems()
	if err != nil {
		return reg, err
	}
	reg.Filesystems = filesystems

	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}

	for _, fsys := range reg.Filesystems {
		if !slices.Contains(reg.ValidationTargets, fsys.Dialect) {
			continue
		}
		if err := registerFn(ctx, fsys.Dialect, reg.SourceLabel, fsys.FS); err != nil {
			return reg, fmt.Errorf("migrations: register %s (%s): %w", fsys.Dialect, fsys.Path, err)
		}
	}
	return reg, nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(strings.ToLower(value))
		if trimmed == "" {
			continue
		}
		if _, exists := seen[trimmed]; exists {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
