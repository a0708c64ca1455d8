// Package orchestrator is the top-level controller of one user's update
// run: load enrollment, decide what is due, scrape both sources in
// parallel, advance freshness, and feed new files into ingestion.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/campuskb/sync-engine/engine/dispatch"
	"github.com/campuskb/sync-engine/engine/domain"
	"github.com/campuskb/sync-engine/engine/exam"
	"github.com/campuskb/sync-engine/engine/freshness"
	"github.com/campuskb/sync-engine/engine/ingest"
	"github.com/campuskb/sync-engine/engine/lms"
	"github.com/campuskb/sync-engine/engine/progress"
	"github.com/campuskb/sync-engine/engine/session"
	"github.com/campuskb/sync-engine/pkg/fn"
	"github.com/campuskb/sync-engine/pkg/metrics"
)

// Config holds the run-level thresholds and worker counts; Deps holds the
// wired collaborators.
type Config struct {
	LMSThreshold      time.Duration
	ExamThreshold     time.Duration
	LMSWorkers        int
	ExamWorkers       int
	KnowledgeBaseRoot string
}

// DefaultConfig mirrors spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		LMSThreshold:  freshness.DefaultLMSThreshold,
		ExamThreshold: freshness.DefaultExamThreshold,
		LMSWorkers:    1,
		ExamWorkers:   1,
	}
}

// MetadataStore is the subset of engine/metadata.Store the Orchestrator
// needs, narrowed to an interface so Update is testable against a fake.
type MetadataStore interface {
	EnrolledCourses(ctx context.Context, userID int64) ([]domain.Course, error)
	EnsureEnrollment(ctx context.Context, userID, courseID int64) error
	AdvanceFreshness(ctx context.Context, courseID int64, source domain.SourceTag, now time.Time) error
	CreateCourse(ctx context.Context, c domain.Course) (domain.Course, error)
}

// Deps wires every collaborator Update needs.
type Deps struct {
	Metadata MetadataStore
	Broker   *session.Broker
	Ingest   ingest.Deps
	Progress progress.Bus
	Logger   *slog.Logger
	Metrics  *metrics.Registry

	LMSConfig  lms.Config
	ExamConfig exam.Config

	Config Config

	// Now returns the wall clock; overridable in tests. Defaults to
	// time.Now.
	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d Deps) publish(ctx context.Context, level, message string) {
	if d.Progress == nil {
		return
	}
	_ = d.Progress.Publish(ctx, progress.Event{
		Timestamp: d.now(),
		Thread:    "orchestrator",
		Level:     level,
		Message:   message,
	})
}

// SourceStats is the per-source section of the exit/result envelope. Field
// names (Courses, FilesDownloaded, ...) are retained from spec.md §6 for
// compatibility with downstream status displays.
type SourceStats struct {
	Courses         int           `json:"courses"`
	FilesDownloaded int           `json:"files_downloaded"`
	TotalTime       time.Duration `json:"total_time"`
	Success         bool          `json:"success"`
	Errors          []error       `json:"-"`
}

// MarshalJSON renders Errors as strings, since error values carry no JSON
// encoding of their own.
func (s SourceStats) MarshalJSON() ([]byte, error) {
	type alias SourceStats
	return json.Marshal(struct {
		alias
		Errors []string `json:"errors,omitempty"`
	}{alias: alias(s), Errors: errorStrings(s.Errors)})
}

// ExamStats extends SourceStats with exam-specific counts. FilesDownloaded
// is reported under the exams_downloaded key per spec.md §6's exit shape.
type ExamStats struct {
	SourceStats
	CoursesWithExams int `json:"courses_with_exams"`
}

func (s ExamStats) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Courses          int           `json:"courses"`
		CoursesWithExams int           `json:"courses_with_exams"`
		ExamsDownloaded  int           `json:"exams_downloaded"`
		TotalTime        time.Duration `json:"total_time"`
		Success          bool          `json:"success"`
		Errors           []string      `json:"errors,omitempty"`
	}{
		Courses:          s.Courses,
		CoursesWithExams: s.CoursesWithExams,
		ExamsDownloaded:  s.FilesDownloaded,
		TotalTime:        s.TotalTime,
		Success:          s.Success,
		Errors:           errorStrings(s.Errors),
	})
}

func errorStrings(errs []error) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Error()
	}
	return out
}

// Stats is the Orchestrator's exit/result envelope, matching spec.md §6's
// documented shape field-for-field.
type Stats struct {
	Success   bool                 `json:"success"`
	Moodle    SourceStats          `json:"moodle"`
	Exambase  ExamStats            `json:"exambase"`
	Ingestion []ingest.IngestResult `json:"ingestion,omitempty"`
	TotalTime time.Duration        `json:"total_time"`
}

// Update implements spec.md §4.7 steps 1-8 for one user.
func Update(ctx context.Context, deps Deps, userID int64, creds session.Credentials) (Stats, error) {
	start := time.Now()
	cfg := deps.Config
	if cfg.LMSThreshold == 0 {
		cfg = DefaultConfig()
		cfg.KnowledgeBaseRoot = deps.Config.KnowledgeBaseRoot
	}

	deps.publish(ctx, "info", "update: start")

	courses, err := loadOrBootstrapEnrollment(ctx, deps, userID, creds)
	if err != nil {
		return Stats{}, fmt.Errorf("orchestrator: load enrollment: %w", err)
	}

	now := deps.now()
	dueLMS, dueExam := freshness.Due(courses, now, cfg.LMSThreshold, cfg.ExamThreshold)
	if deps.Metrics != nil {
		deps.Metrics.CoursesDue.WithLabelValues("lms").Add(float64(len(dueLMS)))
		deps.Metrics.CoursesDue.WithLabelValues("exam").Add(float64(len(dueExam)))
	}

	if len(dueLMS) == 0 && len(dueExam) == 0 {
		deps.publish(ctx, "info", "update: nothing due")
		if deps.Metrics != nil {
			deps.Metrics.UpdatesTotal.WithLabelValues("success").Inc()
		}
		return Stats{Success: true, TotalTime: time.Since(start)}, nil
	}

	var lmsResults, examResults []dispatch.Result
	var examGroups map[string]examGroup

	fn.FanOut(
		func() struct{} {
			lmsResults = runLMS(ctx, deps, cfg, dueLMS, creds)
			return struct{}{}
		},
		func() struct{} {
			examResults, examGroups = runExam(ctx, deps, cfg, dueExam, creds)
			return struct{}{}
		},
	)

	moodle := summarizeLMS(lmsResults)
	exambase := summarizeExam(examResults, examGroups)

	advanceFreshness(ctx, deps, lmsResults, domain.SourceLMS, now)
	advanceFreshnessGrouped(ctx, deps, examResults, examGroups, now)

	newFiles := collectNewFiles(lmsResults, examResults, examGroups)
	refs := toArtifactRefs(newFiles, cfg.KnowledgeBaseRoot)

	deps.publish(ctx, "info", "update: ingestion start")
	ingestResults := ingest.RunBatch(ctx, deps.Ingest, refs)
	deps.publish(ctx, "info", "update: done")

	stats := Stats{
		Success:   moodle.Success && exambase.Success,
		Moodle:    moodle,
		Exambase:  exambase,
		Ingestion: ingestResults,
		TotalTime: time.Since(start),
	}
	if deps.Metrics != nil {
		outcome := "success"
		if !stats.Success {
			outcome = "failure"
		}
		deps.Metrics.UpdatesTotal.WithLabelValues(outcome).Inc()
	}
	return stats, nil
}

// loadOrBootstrapEnrollment loads the user's enrolled courses, harvesting
// them from the LMS dashboard and persisting new courses/enrollments the
// first time the user is seen with none on record.
func loadOrBootstrapEnrollment(ctx context.Context, deps Deps, userID int64, creds session.Credentials) ([]domain.Course, error) {
	courses, err := deps.Metadata.EnrolledCourses(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(courses) > 0 {
		return courses, nil
	}

	deps.publish(ctx, "info", "bootstrap: harvesting enrollment")
	sess, err := deps.Broker.Acquire(ctx, session.SourceLMS, creds)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: acquire lms session: %w", err)
	}
	defer sess.Close()

	worker := lms.New(sess, deps.LMSConfig)
	harvested, err := worker.HarvestEnrollment(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: harvest enrollment: %w", err)
	}

	bootstrapped := make([]domain.Course, 0, len(harvested))
	for _, h := range harvested {
		c := domain.Course{ID: h.ExternalID, Title: h.Title, Code: domain.CodeFromTitle(h.Title)}
		if err := domain.ValidateCourse(c); err != nil {
			deps.logger().Warn("bootstrap: skip invalid course", "title", h.Title, "err", err)
			continue
		}
		if _, err := deps.Metadata.CreateCourse(ctx, c); err != nil {
			deps.logger().Warn("bootstrap: create course failed, assuming already present", "course", c.ID, "err", err)
		}
		if err := deps.Metadata.EnsureEnrollment(ctx, userID, c.ID); err != nil {
			return nil, fmt.Errorf("bootstrap: ensure enrollment: %w", err)
		}
		bootstrapped = append(bootstrapped, c)
	}
	return bootstrapped, nil
}

func runLMS(ctx context.Context, deps Deps, cfg Config, due []domain.Course, creds session.Credentials) []dispatch.Result {
	if len(due) == 0 {
		return nil
	}
	deps.publish(ctx, "info", "lms: dispatcher start")
	tasks := make([]dispatch.Task, len(due))
	for i, c := range due {
		tasks[i] = dispatch.Task{Course: c}
	}
	d := dispatch.New(deps.Broker, session.SourceLMS, cfg.LMSWorkers, creds)
	if deps.Metrics != nil {
		deps.Metrics.ActiveWorkers.WithLabelValues("lms").Set(float64(cfg.LMSWorkers))
		defer deps.Metrics.ActiveWorkers.WithLabelValues("lms").Set(0)
	}
	work := func(ctx context.Context, sess session.Session, task dispatch.Task) ([]string, []error) {
		deps.publish(ctx, "info", fmt.Sprintf("lms: course %d started", task.Course.ID))
		start := time.Now()
		worker := lms.New(sess, deps.LMSConfig)
		result, err := worker.FetchCourse(ctx, task.Course, cfg.KnowledgeBaseRoot)
		if deps.Metrics != nil {
			scrapeErr := err
			if scrapeErr == nil && len(result.Errors) > 0 {
				scrapeErr = result.Errors[0]
			}
			deps.Metrics.ObserveScrape("lms", start, len(result.NewFiles), scrapeErr)
		}
		if err != nil {
			return nil, []error{err}
		}
		deps.publish(ctx, "info", fmt.Sprintf("lms: course %d done (%d new)", task.Course.ID, len(result.NewFiles)))
		return result.NewFiles, result.Errors
	}
	return d.Run(ctx, tasks, work)
}

// examGroup is one external course code's worth of due courses, searched
// once and fanned out into every member course's folder.
type examGroup struct {
	courses []domain.Course
	folders []string
}

func runExam(ctx context.Context, deps Deps, cfg Config, due []domain.Course, creds session.Credentials) ([]dispatch.Result, map[string]examGroup) {
	groups := groupByCode(due, cfg.KnowledgeBaseRoot)
	if len(groups) == 0 {
		return nil, groups
	}
	deps.publish(ctx, "info", "exam: dispatcher start")

	codes := make([]string, 0, len(groups))
	for code := range groups {
		codes = append(codes, code)
	}
	tasks := make([]dispatch.Task, len(codes))
	for i, code := range codes {
		g := groups[code]
		tasks[i] = dispatch.Task{Course: g.courses[0], Folders: g.folders}
	}

	d := dispatch.New(deps.Broker, session.SourceExam, cfg.ExamWorkers, creds)
	if deps.Metrics != nil {
		deps.Metrics.ActiveWorkers.WithLabelValues("exam").Set(float64(cfg.ExamWorkers))
		defer deps.Metrics.ActiveWorkers.WithLabelValues("exam").Set(0)
	}
	work := func(ctx context.Context, sess session.Session, task dispatch.Task) ([]string, []error) {
		deps.publish(ctx, "info", fmt.Sprintf("exam: code %s started", task.Course.Code))
		start := time.Now()
		worker := exam.New(sess, deps.ExamConfig)
		result, err := worker.FetchExams(ctx, task.Course.Code, task.Folders)
		if deps.Metrics != nil {
			scrapeErr := err
			if scrapeErr == nil && len(result.Errors) > 0 {
				scrapeErr = result.Errors[0]
			}
			deps.Metrics.ObserveScrape("exam", start, len(result.NewFiles), scrapeErr)
		}
		if err != nil {
			return nil, []error{err}
		}
		deps.publish(ctx, "info", fmt.Sprintf("exam: code %s done (%d new)", task.Course.Code, len(result.NewFiles)))
		return result.NewFiles, result.Errors
	}
	return d.Run(ctx, tasks, work), groups
}

// groupByCode partitions due-exam courses by external code; a course with
// no recognizable code is given its own singleton group keyed by title so
// it still gets searched.
func groupByCode(due []domain.Course, root string) map[string]examGroup {
	groups := make(map[string]examGroup)
	for _, c := range due {
		key := c.Code
		if key == "" {
			key = "title:" + c.Title
		}
		g := groups[key]
		g.courses = append(g.courses, c)
		g.folders = append(g.folders, lms.CourseFolder(root, c.Title))
		groups[key] = g
	}
	return groups
}

func resultFor(results []dispatch.Result, courseID int64) (dispatch.Result, bool) {
	for _, r := range results {
		if r.Course.ID == courseID {
			return r, true
		}
	}
	return dispatch.Result{}, false
}

func advanceFreshness(ctx context.Context, deps Deps, results []dispatch.Result, source domain.SourceTag, now time.Time) {
	for _, r := range results {
		if r.Fatal {
			continue
		}
		if err := deps.Metadata.AdvanceFreshness(ctx, r.Course.ID, source, now); err != nil {
			deps.logger().Error("advance freshness failed", "course", r.Course.ID, "source", source, "err", err)
		}
	}
}

// advanceFreshnessGrouped advances every course in a group's Courses list
// when the group's representative task succeeded, since a whole group is
// dispatched (and fails or succeeds) as a single task.
func advanceFreshnessGrouped(ctx context.Context, deps Deps, results []dispatch.Result, groups map[string]examGroup, now time.Time) {
	for code, g := range groups {
		r, found := resultFor(results, g.courses[0].ID)
		if !found || r.Fatal {
			continue
		}
		for _, c := range g.courses {
			if err := deps.Metadata.AdvanceFreshness(ctx, c.ID, domain.SourceExam, now); err != nil {
				deps.logger().Error("advance freshness failed", "course", c.ID, "code", code, "err", err)
			}
		}
	}
}

func summarizeLMS(results []dispatch.Result) SourceStats {
	stats := SourceStats{Success: true}
	for _, r := range results {
		stats.Courses++
		stats.FilesDownloaded += len(r.DownloadedFiles)
		stats.Errors = append(stats.Errors, r.Errors...)
		if r.Fatal {
			stats.Success = false
		}
	}
	return stats
}

func summarizeExam(results []dispatch.Result, groups map[string]examGroup) ExamStats {
	byRepresentative := make(map[int64]examGroup, len(groups))
	for _, g := range groups {
		byRepresentative[g.courses[0].ID] = g
	}

	stats := ExamStats{SourceStats: SourceStats{Success: true}}
	for _, r := range results {
		g := byRepresentative[r.Course.ID]
		stats.Courses += len(g.courses)
		stats.FilesDownloaded += len(r.DownloadedFiles)
		stats.Errors = append(stats.Errors, r.Errors...)
		if len(r.DownloadedFiles) > 0 {
			stats.CoursesWithExams += len(g.courses)
		}
		if r.Fatal {
			stats.Success = false
		}
	}
	return stats
}

// collectNewFiles flattens both sources' downloaded files into
// course-tagged artifacts. Exam results are dispatched per group (one task
// for every course code shared by one or more due courses, see
// groupByCode), so a result's Course is only the group's representative —
// each downloaded path is matched back against the group's parallel
// folders/courses slices to recover the actual member course it landed in.
func collectNewFiles(lmsResults, examResults []dispatch.Result, examGroups map[string]examGroup) []domain.Artifact {
	var files []domain.Artifact
	for _, r := range lmsResults {
		for _, path := range r.DownloadedFiles {
			files = append(files, domain.Artifact{Path: path, Source: domain.SourceLMS, CourseID: r.Course.ID})
		}
	}

	byRepresentative := make(map[int64]examGroup, len(examGroups))
	for _, g := range examGroups {
		byRepresentative[g.courses[0].ID] = g
	}

	for _, r := range examResults {
		g, found := byRepresentative[r.Course.ID]
		for _, path := range r.DownloadedFiles {
			courseID := r.Course.ID
			if found {
				courseID = examFileCourseID(path, g)
			}
			files = append(files, domain.Artifact{Path: path, Source: domain.SourceExam, CourseID: courseID})
		}
	}
	return files
}

// examFileCourseID matches path's containing directory against g's
// parallel folders/courses slices. Falls back to the group's
// representative course id if no folder matches, which should not happen
// since exam.Worker.FetchExams only ever writes into folders it was
// handed.
func examFileCourseID(path string, g examGroup) int64 {
	dir := filepath.Clean(filepath.Dir(path))
	for i, folder := range g.folders {
		if filepath.Clean(folder) == dir {
			return g.courses[i].ID
		}
	}
	return g.courses[0].ID
}

func toArtifactRefs(artifacts []domain.Artifact, knowledgeBaseRoot string) []ingest.ArtifactRef {
	refs := make([]ingest.ArtifactRef, len(artifacts))
	for i, a := range artifacts {
		refs[i] = ingest.ArtifactRef{Artifact: a, KnowledgeBaseRoot: knowledgeBaseRoot}
	}
	return refs
}
