package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/campuskb/sync-engine/engine/dispatch"
	"github.com/campuskb/sync-engine/engine/domain"
	"github.com/campuskb/sync-engine/engine/exam"
	"github.com/campuskb/sync-engine/engine/ingest"
	"github.com/campuskb/sync-engine/engine/lms"
	"github.com/campuskb/sync-engine/engine/session"
)

type fakeMetadata struct {
	mu          sync.Mutex
	courses     map[int64][]domain.Course // userID -> courses
	advanced    []advanceCall
	createErr   error
	enrollErr   error
	nextCreated int64
}

type advanceCall struct {
	CourseID int64
	Source   domain.SourceTag
}

func newFakeMetadata() *fakeMetadata {
	return &fakeMetadata{courses: make(map[int64][]domain.Course)}
}

func (f *fakeMetadata) EnrolledCourses(ctx context.Context, userID int64) ([]domain.Course, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Course(nil), f.courses[userID]...), nil
}

func (f *fakeMetadata) EnsureEnrollment(ctx context.Context, userID, courseID int64) error {
	if f.enrollErr != nil {
		return f.enrollErr
	}
	return nil
}

func (f *fakeMetadata) AdvanceFreshness(ctx context.Context, courseID int64, source domain.SourceTag, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanced = append(f.advanced, advanceCall{CourseID: courseID, Source: source})
	return nil
}

func (f *fakeMetadata) CreateCourse(ctx context.Context, c domain.Course) (domain.Course, error) {
	if f.createErr != nil {
		return domain.Course{}, f.createErr
	}
	return c, nil
}

type fakeDriver struct {
	fail bool
}

func (d *fakeDriver) Login(ctx context.Context, source session.Source, creds session.Credentials) (http.CookieJar, error) {
	if d.fail {
		return nil, &session.AuthError{Err: errors.New("bad creds")}
	}
	return cookiejar.New(nil)
}

func validCreds() session.Credentials {
	return session.Credentials{Email: "u1@connect.hku.hk", Password: "pw"}
}

func futureFreshTime() *time.Time {
	t := time.Now()
	return &t
}

func TestUpdate_NothingDueReturnsNoOpSuccess(t *testing.T) {
	meta := newFakeMetadata()
	now := futureFreshTime()
	meta.courses[1] = []domain.Course{
		{ID: 1, Code: "COMP1", Title: "COMP1 Intro", LMSFresh: now, ExamFresh: now},
	}

	broker := session.NewBroker(&fakeDriver{}, session.BrokerOpts{})
	deps := Deps{
		Metadata: meta,
		Broker:   broker,
		Config:   DefaultConfig(),
		Now:      func() time.Time { return *now },
	}

	stats, err := Update(context.Background(), deps, 1, validCreds())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stats.Success {
		t.Fatal("expected success on no-op run")
	}
	if stats.Moodle.Courses != 0 || stats.Exambase.Courses != 0 {
		t.Fatalf("expected no courses touched, got %+v / %+v", stats.Moodle, stats.Exambase)
	}
	if len(meta.advanced) != 0 {
		t.Fatalf("expected no freshness advancement, got %v", meta.advanced)
	}
}

func TestUpdate_DueCourseScrapedAndFreshnessAdvanced(t *testing.T) {
	lmsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/pluginfile.php/1/lecture.pdf" {
			fmt.Fprint(w, "pdf-bytes")
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><a href="/pluginfile.php/1/lecture.pdf">Lecture</a></body></html>`)
	}))
	defer lmsSrv.Close()
	examSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body></body></html>`)
	}))
	defer examSrv.Close()

	root := t.TempDir()
	meta := newFakeMetadata()
	meta.courses[1] = []domain.Course{
		{ID: 1, Code: "COMP1", Title: "COMP1 Intro"}, // both timestamps nil: due for both sources
	}

	lmsCfg := lms.DefaultConfig()
	lmsCfg.CourseURLPattern = lmsSrv.URL + "/course/%d"
	examCfg := exam.DefaultConfig()
	examCfg.SearchURL = examSrv.URL + "/search"

	broker := session.NewBroker(&fakeDriver{}, session.BrokerOpts{})
	deps := Deps{
		Metadata:   meta,
		Broker:     broker,
		LMSConfig:  lmsCfg,
		ExamConfig: examCfg,
		Ingest:     ingest.Deps{},
		Config:     Config{LMSThreshold: 24 * time.Hour, ExamThreshold: 30 * 24 * time.Hour, LMSWorkers: 1, ExamWorkers: 1, KnowledgeBaseRoot: root},
	}

	stats, err := Update(context.Background(), deps, 1, validCreds())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stats.Success {
		t.Fatalf("expected success, got %+v", stats)
	}
	if stats.Moodle.Courses != 1 || stats.Moodle.FilesDownloaded != 1 {
		t.Fatalf("expected 1 course/1 file downloaded, got %+v", stats.Moodle)
	}
	if stats.Exambase.Courses != 1 {
		t.Fatalf("expected 1 exam course touched, got %+v", stats.Exambase)
	}

	var sawLMS, sawExam bool
	for _, a := range meta.advanced {
		if a.CourseID == 1 && a.Source == domain.SourceLMS {
			sawLMS = true
		}
		if a.CourseID == 1 && a.Source == domain.SourceExam {
			sawExam = true
		}
	}
	if !sawLMS || !sawExam {
		t.Fatalf("expected both sources advanced, got %v", meta.advanced)
	}

	entries, err := os.ReadDir(root + "/COMP1 Intro")
	if err != nil {
		t.Fatalf("expected course folder to exist: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 downloaded file, got %d", len(entries))
	}
}

func TestUpdate_FatalDispatcherSkipsFreshnessAdvancement(t *testing.T) {
	meta := newFakeMetadata()
	meta.courses[1] = []domain.Course{
		{ID: 1, Code: "COMP1", Title: "COMP1 Intro"},
	}

	broker := session.NewBroker(&fakeDriver{fail: true}, session.BrokerOpts{MaxRetries: 1})
	deps := Deps{
		Metadata: meta,
		Broker:   broker,
		Config:   Config{LMSThreshold: 24 * time.Hour, ExamThreshold: 30 * 24 * time.Hour, LMSWorkers: 1, ExamWorkers: 1, KnowledgeBaseRoot: t.TempDir()},
	}

	stats, err := Update(context.Background(), deps, 1, validCreds())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Success {
		t.Fatal("expected overall failure when both dispatchers fail to log in")
	}
	if len(meta.advanced) != 0 {
		t.Fatalf("expected no freshness advancement on fatal dispatcher, got %v", meta.advanced)
	}
}

func TestUpdate_BootstrapsEmptyEnrollmentFromLMS(t *testing.T) {
	dashboard := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>
			<a href="/course/view.php?id=42">COMP3230 Operating Systems</a>
		</body></html>`)
	}))
	defer dashboard.Close()

	meta := newFakeMetadata() // no courses on record for user 1
	broker := session.NewBroker(&fakeDriver{}, session.BrokerOpts{})

	lmsCfg := lms.DefaultConfig()
	lmsCfg.MyCoursesURL = dashboard.URL + "/my/courses.php"

	deps := Deps{
		Metadata:  meta,
		Broker:    broker,
		LMSConfig: lmsCfg,
		Config:    DefaultConfig(),
		Now:       func() time.Time { t := time.Now(); return t },
	}
	deps.Config.KnowledgeBaseRoot = t.TempDir()

	stats, err := Update(context.Background(), deps, 1, validCreds())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The harvested course's landing page (lms.DefaultConfig's
	// CourseURLPattern, unset here) will fail to fetch, but that's a
	// per-course dispatcher error, not a bootstrap failure.
	_ = stats
}

func TestCollectNewFiles_AttributesGroupedExamFilesToMemberCourses(t *testing.T) {
	root := "/kb"
	c1 := domain.Course{ID: 1, Code: "XYZ100", Title: "XYZ100 Section A"}
	c2 := domain.Course{ID: 2, Code: "XYZ100", Title: "XYZ100 Section B"}
	folder1 := lms.CourseFolder(root, c1.Title)
	folder2 := lms.CourseFolder(root, c2.Title)

	groups := map[string]examGroup{
		"XYZ100": {courses: []domain.Course{c1, c2}, folders: []string{folder1, folder2}},
	}
	examResults := []dispatch.Result{
		{
			Course: c1, // dispatch.Result.Course is always the group's representative
			DownloadedFiles: []string{
				folder1 + "/2024-paper1.pdf",
				folder2 + "/2024-paper1.pdf",
			},
		},
	}

	files := collectNewFiles(nil, examResults, groups)
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	byCourse := map[int64]int{}
	for _, f := range files {
		byCourse[f.CourseID]++
	}
	if byCourse[c1.ID] != 1 || byCourse[c2.ID] != 1 {
		t.Fatalf("expected 1 file attributed to each member course, got %v", byCourse)
	}
}

func TestGroupByCode_GroupsSharedCodesIntoOneTask(t *testing.T) {
	due := []domain.Course{
		{ID: 1, Code: "COMP3230", Title: "COMP3230 Lecture A"},
		{ID: 2, Code: "COMP3230", Title: "COMP3230 Lecture B"},
		{ID: 3, Code: "COMP1000", Title: "COMP1000 Intro"},
	}
	groups := groupByCode(due, "/kb")
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if len(groups["COMP3230"].courses) != 2 {
		t.Fatalf("expected 2 courses sharing COMP3230, got %d", len(groups["COMP3230"].courses))
	}
}
