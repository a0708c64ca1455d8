// Package metadata is the relational store backing the Orchestrator:
// courses, users, enrollments, and per-(course, source) freshness
// timestamps. No cross-course transactional semantics are required; writes
// are single-row and sequentialized via per-statement transactions.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campuskb/sync-engine/engine/domain"
	"github.com/campuskb/sync-engine/pkg/repo"
)

// ErrStorage is the sentinel wrapped by any query failure in this package.
var ErrStorage = errors.New("metadata: storage error")

// Store is the pgx-backed metadata store.
type Store struct {
	pool    *pgxpool.Pool
	courses *repo.PostgresRepo[domain.Course, int64]
	users   *repo.PostgresRepo[domain.User, int64]
}

// New creates a Store over pool.
func New(pool *pgxpool.Pool) *Store {
	courses := repo.NewPostgresRepo(pool, "courses", "id",
		[]string{"code", "title", "lms_fresh", "exam_fresh"},
		func(c domain.Course) int64 { return c.ID },
		func(c domain.Course) []any { return []any{c.Code, c.Title, c.LMSFresh, c.ExamFresh} },
		scanCourse,
	)
	users := repo.NewPostgresRepo(pool, "users", "id",
		[]string{"email"},
		func(u domain.User) int64 { return u.ID },
		func(u domain.User) []any { return []any{u.Email} },
		scanUser,
	)
	return &Store{pool: pool, courses: courses, users: users}
}

// Courses exposes the generic CRUD repository over the courses table.
func (s *Store) Courses() *repo.PostgresRepo[domain.Course, int64] { return s.courses }

// Users exposes the generic CRUD repository over the users table.
func (s *Store) Users() *repo.PostgresRepo[domain.User, int64] { return s.users }

// CreateCourse inserts a new course row, returning it with its assigned id.
func (s *Store) CreateCourse(ctx context.Context, c domain.Course) (domain.Course, error) {
	created, err := s.courses.Create(ctx, c)
	if err != nil {
		return domain.Course{}, fmt.Errorf("%w: create course: %v", ErrStorage, err)
	}
	return created, nil
}

func scanCourse(rows pgx.Rows) (domain.Course, error) {
	var c domain.Course
	err := rows.Scan(&c.ID, &c.Code, &c.Title, &c.LMSFresh, &c.ExamFresh)
	return c, err
}

func scanUser(rows pgx.Rows) (domain.User, error) {
	var u domain.User
	err := rows.Scan(&u.ID, &u.Email)
	return u, err
}

// EnrolledCourses returns every course userID is enrolled in, in stable id
// order so the Orchestrator's due-set partition is deterministic given the
// same underlying data.
func (s *Store) EnrolledCourses(ctx context.Context, userID int64) ([]domain.Course, error) {
	const q = `
		SELECT c.id, c.code, c.title, c.lms_fresh, c.exam_fresh
		FROM courses c
		JOIN enrollments e ON e.course_id = c.id
		WHERE e.user_id = $1
		ORDER BY c.id`
	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: enrolled courses: %v", ErrStorage, err)
	}
	defer rows.Close()

	var courses []domain.Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, fmt.Errorf("metadata: scan course: %w", err)
		}
		courses = append(courses, c)
	}
	return courses, rows.Err()
}

// EnsureEnrollment inserts (userID, courseID) if it is not already present;
// an idempotent bootstrap used the first time a user is seen.
func (s *Store) EnsureEnrollment(ctx context.Context, userID, courseID int64) error {
	const q = `
		INSERT INTO enrollments (user_id, course_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, course_id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, q, userID, courseID); err != nil {
		return fmt.Errorf("%w: ensure enrollment: %v", ErrStorage, err)
	}
	return nil
}

// AdvanceFreshness sets courseID's timestamp for source to now. A failure
// here is a StorageError: the caller should log it and skip advancement
// for that course without escalating the run.
func (s *Store) AdvanceFreshness(ctx context.Context, courseID int64, source domain.SourceTag, now time.Time) error {
	column := freshnessColumn(source)
	q := fmt.Sprintf(`UPDATE courses SET %s = $1 WHERE id = $2`, column)
	if _, err := s.pool.Exec(ctx, q, now, courseID); err != nil {
		return fmt.Errorf("%w: advance freshness (%s): %v", ErrStorage, column, err)
	}
	return nil
}

func freshnessColumn(source domain.SourceTag) string {
	if source == domain.SourceExam {
		return "exam_fresh"
	}
	return "lms_fresh"
}
