package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"storlets/internal/gateway"
)

// Store manages registrations backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

var _ gateway.Directory = (*Store)(nil)

// Open initializes or connects to the catalog database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// foreign_keys is per connection
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// RegisterStorlet validates a storlet upload and records it, replacing any
// earlier registration under the same name. Every dependency it names must
// already be registered.
func (s *Store) RegisterStorlet(ctx context.Context, name string, params map[string]string) (*Storlet, error) {
	if err := gateway.ValidateStorletRegistration(params, name); err != nil {
		return nil, err
	}
	params = gateway.CanonicalParams(params)
	deps := splitDependencies(params[gateway.HeaderDependency])
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin register tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, dep := range deps {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM dependencies WHERE name = ?", dep).Scan(&count); err != nil {
			return nil, fmt.Errorf("check dependency %s: %w", dep, err)
		}
		if count == 0 {
			return nil, fmt.Errorf("%w: dependency %s is not registered", gateway.ErrValidation, dep)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO storlets (name, language, interface_version, object_metadata, main, registered_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(name) DO UPDATE SET
            language = excluded.language,
            interface_version = excluded.interface_version,
            object_metadata = excluded.object_metadata,
            main = excluded.main,
            registered_at = excluded.registered_at`,
		name,
		strings.ToLower(params[gateway.HeaderLanguage]),
		params[gateway.HeaderInterfaceVersion],
		params[gateway.HeaderObjectMetadata],
		params[gateway.HeaderMain],
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert storlet %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM storlet_dependencies WHERE storlet = ?", name); err != nil {
		return nil, fmt.Errorf("clear dependencies of %s: %w", name, err)
	}
	for i, dep := range deps {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO storlet_dependencies (storlet, dependency, position) VALUES (?, ?, ?)",
			name, dep, i,
		); err != nil {
			return nil, fmt.Errorf("link dependency %s: %w", dep, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit register: %w", err)
	}
	return s.Storlet(ctx, name)
}

// RegisterDependency validates a dependency upload and records it.
func (s *Store) RegisterDependency(ctx context.Context, name string, params map[string]string) (*Dependency, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: dependency name is required", gateway.ErrValidation)
	}
	if err := gateway.ValidateDependencyRegistration(params, name); err != nil {
		return nil, err
	}
	params = gateway.CanonicalParams(params)

	var perm sql.NullInt64
	if raw, ok := params[gateway.HeaderDependencyPermissions]; ok {
		parsed, err := gateway.ParsePermissions(raw)
		if err != nil {
			return nil, err
		}
		perm = sql.NullInt64{Int64: int64(parsed), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dependencies (name, version, permissions, registered_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(name) DO UPDATE SET
            version = excluded.version,
            permissions = excluded.permissions,
            registered_at = excluded.registered_at`,
		name,
		params[gateway.HeaderDependencyVersion],
		perm,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert dependency %s: %w", name, err)
	}
	return s.Dependency(ctx, name)
}

// Storlet fetches one storlet by name.
func (s *Store) Storlet(ctx context.Context, name string) (*Storlet, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, language, interface_version, object_metadata, main, registered_at
        FROM storlets WHERE name = ?`, name)
	st, err := scanStorlet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storlet %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get storlet %s: %w", name, err)
	}
	deps, err := s.storletDependencies(ctx, name)
	if err != nil {
		return nil, err
	}
	st.Dependencies = deps
	return st, nil
}

// Storlets lists every registered storlet ordered by name.
func (s *Store) Storlets(ctx context.Context) ([]Storlet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, language, interface_version, object_metadata, main, registered_at
        FROM storlets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list storlets: %w", err)
	}
	var out []Storlet
	for rows.Next() {
		st, err := scanStorlet(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan storlet: %w", err)
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate storlets: %w", err)
	}
	_ = rows.Close()

	for i := range out {
		deps, err := s.storletDependencies(ctx, out[i].Name)
		if err != nil {
			return nil, err
		}
		out[i].Dependencies = deps
	}
	return out, nil
}

// Dependency fetches one dependency by name.
func (s *Store) Dependency(ctx context.Context, name string) (*Dependency, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT name, version, permissions, registered_at FROM dependencies WHERE name = ?", name)
	dep, err := scanDependency(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dependency %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get dependency %s: %w", name, err)
	}
	return dep, nil
}

// Dependencies lists every registered dependency ordered by name.
func (s *Store) Dependencies(ctx context.Context) ([]Dependency, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, version, permissions, registered_at FROM dependencies ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer rows.Close()

	var out []Dependency
	for rows.Next() {
		dep, err := scanDependency(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		out = append(out, *dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependencies: %w", err)
	}
	return out, nil
}

// DeleteStorlet removes a storlet registration.
func (s *Store) DeleteStorlet(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM storlets WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete storlet %s: %w", name, err)
	}
	return expectOneRow(res, "storlet", name)
}

// DeleteDependency removes a dependency no storlet refers to.
func (s *Store) DeleteDependency(ctx context.Context, name string) error {
	var users int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM storlet_dependencies WHERE dependency = ?", name,
	).Scan(&users); err != nil {
		return fmt.Errorf("check dependency %s: %w", name, err)
	}
	if users > 0 {
		return fmt.Errorf("dependency %s: %w by %d storlet(s)", name, ErrInUse, users)
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM dependencies WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete dependency %s: %w", name, err)
	}
	return expectOneRow(res, "dependency", name)
}

// Lookup resolves a storlet for the gateway.
func (s *Store) Lookup(ctx context.Context, name string) (gateway.StorletInfo, error) {
	st, err := s.Storlet(ctx, name)
	if err != nil {
		return gateway.StorletInfo{}, err
	}
	return st.Info(), nil
}

func (s *Store) storletDependencies(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT dependency FROM storlet_dependencies WHERE storlet = ? ORDER BY position", name)
	if err != nil {
		return nil, fmt.Errorf("list dependencies of %s: %w", name, err)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("scan dependency of %s: %w", name, err)
		}
		deps = append(deps, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependencies of %s: %w", name, err)
	}
	return deps, nil
}
