package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepo is a generic pgx-backed repository over a single table.
// columns excludes idColumn; toArgs must return values in the same order
// as columns.
type PostgresRepo[T any, ID comparable] struct {
	pool     *pgxpool.Pool
	table    string
	idColumn string
	columns  []string
	idOf     func(T) ID
	toArgs   func(T) []any
	fromRows func(pgx.Rows) (T, error)
}

// NewPostgresRepo creates a new pgx-backed repository for table.
func NewPostgresRepo[T any, ID comparable](
	pool *pgxpool.Pool,
	table, idColumn string,
	columns []string,
	idOf func(T) ID,
	toArgs func(T) []any,
	fromRows func(pgx.Rows) (T, error),
) *PostgresRepo[T, ID] {
	return &PostgresRepo[T, ID]{
		pool:     pool,
		table:    table,
		idColumn: idColumn,
		columns:  columns,
		idOf:     idOf,
		toArgs:   toArgs,
		fromRows: fromRows,
	}
}

// Compile-time interface check.
var _ Repository[any, int64] = (*PostgresRepo[any, int64])(nil)

func (r *PostgresRepo[T, ID]) selectSQL() string {
	return fmt.Sprintf("SELECT %s, %s FROM %s", r.idColumn, join(r.columns), r.table)
}

func (r *PostgresRepo[T, ID]) Get(ctx context.Context, id ID) (T, error) {
	var zero T
	sql := r.selectSQL() + fmt.Sprintf(" WHERE %s = $1", r.idColumn)
	rows, err := r.pool.Query(ctx, sql, id)
	if err != nil {
		return zero, fmt.Errorf("repo: get %s: %w", r.table, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return zero, fmt.Errorf("repo: %s %v not found", r.table, id)
	}
	return r.fromRows(rows)
}

func (r *PostgresRepo[T, ID]) List(ctx context.Context, opts ListOpts) ([]T, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	sql := r.selectSQL() + fmt.Sprintf(" ORDER BY %s LIMIT $1 OFFSET $2", r.idColumn)
	rows, err := r.pool.Query(ctx, sql, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("repo: list %s: %w", r.table, err)
	}
	defer rows.Close()

	var items []T
	for rows.Next() {
		item, err := r.fromRows(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *PostgresRepo[T, ID]) Create(ctx context.Context, entity T) (T, error) {
	var zero T
	placeholders := make([]string, len(r.columns))
	for i := range r.columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) RETURNING %s, %s",
		r.table, join(r.columns), join(placeholders), r.idColumn, join(r.columns),
	)
	rows, err := r.pool.Query(ctx, sql, r.toArgs(entity)...)
	if err != nil {
		return zero, fmt.Errorf("repo: create %s: %w", r.table, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return zero, fmt.Errorf("repo: create %s: no row returned", r.table)
	}
	return r.fromRows(rows)
}

func (r *PostgresRepo[T, ID]) Update(ctx context.Context, entity T) (T, error) {
	var zero T
	sets := make([]string, len(r.columns))
	for i, c := range r.columns {
		sets[i] = fmt.Sprintf("%s = $%d", c, i+2)
	}
	sql := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = $1 RETURNING %s, %s",
		r.table, join(sets), r.idColumn, r.idColumn, join(r.columns),
	)
	args := append([]any{r.idOf(entity)}, r.toArgs(entity)...)
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return zero, fmt.Errorf("repo: update %s: %w", r.table, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return zero, fmt.Errorf("repo: %s not found", r.table)
	}
	return r.fromRows(rows)
}

func (r *PostgresRepo[T, ID]) Delete(ctx context.Context, id ID) error {
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", r.table, r.idColumn)
	if _, err := r.pool.Exec(ctx, sql, id); err != nil {
		return fmt.Errorf("repo: delete %s: %w", r.table, err)
	}
	return nil
}

func join(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
