// Package domain defines the core entities shared across the update engine:
// courses, users, enrollments, downloaded artifacts, and the chunks/vectors
// produced from them. It is the validation gate at the Orchestrator boundary.
package domain

import (
	"regexp"
	"strings"
	"time"
)

// SourceTag identifies which upstream an artifact or freshness record came from.
type SourceTag string

const (
	SourceLMS  SourceTag = "lms"
	SourceExam SourceTag = "exam"
)

// Course is identified by a stable internal id; Code is the external course
// code extracted from Title by prefix match.
type Course struct {
	ID        int64
	Code      string
	Title     string
	LMSFresh  *time.Time
	ExamFresh *time.Time
}

// courseCodeRe matches the leading alphanumeric course-code prefix of a
// title, e.g. "COMP3330 Knowledge engineering" -> "COMP3330".
var courseCodeRe = regexp.MustCompile(`^([A-Za-z]+\d+[A-Za-z]*)`)

// CodeFromTitle extracts the external course code from a course title.
// Returns "" if no recognizable prefix is present.
func CodeFromTitle(title string) string {
	m := courseCodeRe.FindStringSubmatch(strings.TrimSpace(title))
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}

// User is an enrolled account. Credentials are supplied per update run and
// are never persisted by the core beyond the run's lifetime.
type User struct {
	ID    int64
	Email string
}

// Enrollment is a set-valued (user, course) relation; no ordering implied.
type Enrollment struct {
	UserID   int64
	CourseID int64
}

// Artifact is a downloaded file recorded on disk.
type Artifact struct {
	Path     string // absolute path: <root>/<course_folder>/<filename>
	Source   SourceTag
	CourseID int64
	Filename string
	Size     int64
}

// Chunk is a unit of embeddable text extracted from an Artifact.
type Chunk struct {
	ID       string
	CourseID int64
	Title    string // file stem the chunk was extracted from
	URL      string // HTTP URL resolvable against the static-file root
	Text     string
}

// VectorRecord pairs a Chunk with its embedding, ready for upsert.
type VectorRecord struct {
	Chunk
	Embedding []float32
}

// FreshnessRecord is a nullable per-(course, source) timestamp.
type FreshnessRecord struct {
	CourseID  int64
	Source    SourceTag
	UpdatedAt *time.Time
}
