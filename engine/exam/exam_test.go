package exam

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/campuskb/sync-engine/engine/session"
)

type fakeSession struct{ client *http.Client }

func (s *fakeSession) State() session.State  { return session.StateAuthenticated }
func (s *fakeSession) Source() session.Source { return session.SourceExam }
func (s *fakeSession) Jar() http.CookieJar   { return nil }
func (s *fakeSession) Client() *http.Client  { return s.client }
func (s *fakeSession) Close() error          { return nil }

func newFakeSession() *fakeSession {
	jar, _ := cookiejar.New(nil)
	return &fakeSession{client: &http.Client{Jar: jar}}
}

func TestCanonicalFilename_BasicNoDateNoRemark(t *testing.T) {
	got := canonicalFilename("COMP3230", "Operating systems", "", "")
	want := "COMP3230_Operating_systems.pdf"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCanonicalFilename_WithDateAndSubclass(t *testing.T) {
	got := canonicalFilename("COMP3230", "Operating systems", "2025-03-07", "_subclass_A_B")
	want := "COMP3230_Operating_systems_2025-03-07_subclass_A_B.pdf"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCanonicalFilename_TitleAlreadyPrefixedWithCode(t *testing.T) {
	got := canonicalFilename("COMP3230", "COMP3230 Operating systems", "", "")
	want := "COMP3230_Operating_systems.pdf"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCanonicalFilename_IsPureFunction(t *testing.T) {
	a := canonicalFilename("COMP3230", "Data mining", "2024-01-02", "")
	b := canonicalFilename("COMP3230", "Data mining", "2024-01-02", "")
	if a != b {
		t.Fatalf("expected deterministic output, got %q vs %q", a, b)
	}
}

func TestExtractExamDate_ConvertsToISOOrder(t *testing.T) {
	got := extractExamDate("Details: Exam date: 7-3-2025 Venue: Hall A")
	want := "2025-03-07"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExtractExamDate_AbsentReturnsEmpty(t *testing.T) {
	if got := extractExamDate("no date mentioned here"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestExtractSubclassRemark_ExtractsUniqueOrderedLetters(t *testing.T) {
	got := extractSubclassRemark("Remark: subclasses: A, C, A, B")
	want := "_subclass_A_C_B"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExtractSubclassRemark_NoSubclassWordReturnsEmpty(t *testing.T) {
	if got := extractSubclassRemark("Remark: resit paper"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestFetchExams_DownloadsAndWritesToAllFolders(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("course_code") != "COMP3230" {
			t.Fatalf("unexpected course code query: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>
			<table>
			<tr><td><a href="/files/os2024.pdf">Operating systems</a></td>
			<td>Exam date: 7-3-2024 Remark: subclass A</td></tr>
			</table>
		</body></html>`)
	})
	mux.HandleFunc("/files/os2024.pdf", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "pdf-bytes")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.SearchURL = srv.URL + "/search"
	worker := New(newFakeSession(), cfg)

	folderA := t.TempDir()
	folderB := t.TempDir()

	result, err := worker.FetchExams(context.Background(), "COMP3230", []string{folderA, folderB})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.NewFiles) != 2 {
		t.Fatalf("expected 2 files written (one per folder), got %d: %v", len(result.NewFiles), result.NewFiles)
	}
	for _, folder := range []string{folderA, folderB} {
		entries, err := os.ReadDir(folder)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 {
			t.Fatalf("expected 1 file in %s, got %d", folder, len(entries))
		}
		if !strings.Contains(entries[0].Name(), "subclass_A") {
			t.Fatalf("expected subclass annotation in filename, got %s", entries[0].Name())
		}
	}
}

func TestFetchExams_SkipsExistingFilePerFolder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>
			<div><a href="/files/paper.pdf">Data mining</a> Exam date: 1-1-2024</div>
		</body></html>`)
	})
	mux.HandleFunc("/files/paper.pdf", func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not re-download when already present in every folder")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.SearchURL = srv.URL + "/search"
	worker := New(newFakeSession(), cfg)

	folder := t.TempDir()
	existingName := canonicalFilename("COMP1", "Data mining", "2024-01-01", "")
	if err := os.WriteFile(filepath.Join(folder, existingName), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := worker.FetchExams(context.Background(), "COMP1", []string{folder})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.NewFiles) != 0 {
		t.Fatalf("expected 0 new files, got %v", result.NewFiles)
	}
}

func TestFetchExams_SharedCodeSearchesOnceWritesToBothFolders(t *testing.T) {
	searchHits := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		searchHits++
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><a href="/files/p.pdf">Paper</a></body></html>`)
	})
	mux.HandleFunc("/files/p.pdf", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "pdf-bytes")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.SearchURL = srv.URL + "/search"
	worker := New(newFakeSession(), cfg)

	c1 := t.TempDir()
	c2 := t.TempDir()
	result, err := worker.FetchExams(context.Background(), "XYZ100", []string{c1, c2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if searchHits != 1 {
		t.Fatalf("expected exactly 1 remote search, got %d", searchHits)
	}
	if len(result.NewFiles) != 2 {
		t.Fatalf("expected 2 files (one per shared-code folder), got %d", len(result.NewFiles))
	}
}
