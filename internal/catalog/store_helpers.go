package catalog

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanStorlet(row scanner) (*Storlet, error) {
	var (
		st         Storlet
		registered string
	)
	if err := row.Scan(&st.Name, &st.Language, &st.InterfaceVersion, &st.ObjectMetadata, &st.Main, &registered); err != nil {
		return nil, err
	}
	st.RegisteredAt = parseTime(registered)
	return &st, nil
}

func scanDependency(row scanner) (*Dependency, error) {
	var (
		dep        Dependency
		perm       sql.NullInt64
		registered string
	)
	if err := row.Scan(&dep.Name, &dep.Version, &perm, &registered); err != nil {
		return nil, err
	}
	if perm.Valid {
		dep.Permissions = uint32(perm.Int64)
	}
	dep.RegisteredAt = parseTime(registered)
	return &dep, nil
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func expectOneRow(res sql.Result, kind, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, name, ErrNotFound)
	}
	return nil
}

func splitDependencies(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
