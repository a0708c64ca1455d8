// Package freshness decides which enrolled courses need rescraping from the
// LMS and the exam repository, based on how long it has been since each
// (course, source) pair was last successfully updated.
package freshness

import (
	"time"

	"github.com/campuskb/sync-engine/engine/domain"
)

// Default thresholds, overridable via configuration (T_lms, T_exam).
const (
	DefaultLMSThreshold  = 24 * time.Hour
	DefaultExamThreshold = 30 * 24 * time.Hour
)

// Due partitions courses into those due for an LMS rescrape and those due
// for an exam-repository rescrape. now is captured once by the caller and
// passed in; Due never reads the wall clock itself.
//
// A (course, source) pair is due iff its freshness timestamp is null or
// now-ts strictly exceeds the source's threshold. A pair exactly at the
// threshold is not due.
func Due(courses []domain.Course, now time.Time, tLMS, tExam time.Duration) (dueLMS, dueExam []domain.Course) {
	for _, c := range courses {
		if isStale(c.LMSFresh, now, tLMS) {
			dueLMS = append(dueLMS, c)
		}
		if isStale(c.ExamFresh, now, tExam) {
			dueExam = append(dueExam, c)
		}
	}
	return dueLMS, dueExam
}

func isStale(ts *time.Time, now time.Time, threshold time.Duration) bool {
	if ts == nil {
		return true
	}
	return now.Sub(*ts) > threshold
}
