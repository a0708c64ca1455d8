package repo

import (
	"testing"

	"github.com/jackc/pgx/v5"
)

type fakeRow struct {
	ID    int64
	Email string
}

// TestNewPostgresRepoConstruction verifies construction without requiring a
// live Postgres connection. pool is left nil since none of these accessors
// touch it.
func TestNewPostgresRepoConstruction(t *testing.T) {
	r := NewPostgresRepo[fakeRow, int64](
		nil,
		"users", "id",
		[]string{"email"},
		func(u fakeRow) int64 { return u.ID },
		func(u fakeRow) []any { return []any{u.Email} },
		func(rows pgx.Rows) (fakeRow, error) {
			var u fakeRow
			err := rows.Scan(&u.ID, &u.Email)
			return u, err
		},
	)
	if r.table != "users" {
		t.Fatalf("expected table=users, got %s", r.table)
	}
	if r.idColumn != "id" {
		t.Fatalf("expected idColumn=id, got %s", r.idColumn)
	}
	if len(r.columns) != 1 || r.columns[0] != "email" {
		t.Fatalf("unexpected columns: %v", r.columns)
	}
}

func TestPostgresRepoSelectSQL(t *testing.T) {
	r := NewPostgresRepo[fakeRow, int64](
		nil, "users", "id", []string{"email", "name"},
		func(u fakeRow) int64 { return u.ID },
		func(u fakeRow) []any { return []any{u.Email} },
		nil,
	)
	want := "SELECT id, email, name FROM users"
	if got := r.selectSQL(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestJoin(t *testing.T) {
	if got := join([]string{"a", "b", "c"}); got != "a, b, c" {
		t.Fatalf("got %q", got)
	}
	if got := join(nil); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}
