// Package exam scrapes the institutional past-papers repository for a
// single external course code, fan-out writing the results into every
// enrolled-course folder that shares that code.
package exam

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/campuskb/sync-engine/engine/session"
	"github.com/campuskb/sync-engine/pkg/resilience"
)

// Config configures a Worker.
type Config struct {
	// SearchURL is the repository's course-code search endpoint.
	SearchURL string
	// CourseCodeParam is the query parameter name the search form expects.
	CourseCodeParam string
	RequestTimeout  time.Duration
	// Limiter paces requests between distinct course codes so the worker
	// is polite to the upstream; nil disables pacing.
	Limiter *resilience.Limiter
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CourseCodeParam: "course_code",
		RequestTimeout:  30 * time.Second,
	}
}

// Result reports the outcome of one course-code search.
type Result struct {
	NewFiles []string
	Errors   []error
}

// Worker scrapes exam-repository search results using an authenticated Session.
type Worker struct {
	session session.Session
	cfg     Config
}

// New creates a Worker bound to sess.
func New(sess session.Session, cfg Config) *Worker {
	if cfg.CourseCodeParam == "" {
		cfg.CourseCodeParam = "course_code"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Worker{session: sess, cfg: cfg}
}

// FetchExams searches for courseCode and writes every new result PDF into
// every folder in folders (multi-folder fan-out for internal courses that
// share one external code). Each result's remote body is fetched at most
// once even when it is written into multiple folders.
func (w *Worker) FetchExams(ctx context.Context, courseCode string, folders []string) (Result, error) {
	if w.cfg.Limiter != nil {
		if err := w.cfg.Limiter.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("exam: rate limit wait: %w", err)
		}
	}

	searchURL := w.cfg.SearchURL + "?" + url.Values{w.cfg.CourseCodeParam: {courseCode}}.Encode()
	body, _, err := w.get(ctx, searchURL)
	if err != nil {
		return Result{}, fmt.Errorf("exam: search %s: %w", courseCode, err)
	}
	rows := extractResultRows(body, searchURL)

	var result Result
	existing := make(map[string]map[string]bool, len(folders))
	for _, folder := range folders {
		if err := os.MkdirAll(folder, 0o755); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("exam: create folder %s: %w", folder, err))
			continue
		}
		existing[folder] = listExistingLower(folder)
	}

	for _, row := range rows {
		examDate := extractExamDate(row.fullText)
		remark := extractSubclassRemark(row.fullText)
		filename := canonicalFilename(courseCode, row.title, examDate, remark)
		lower := strings.ToLower(filename)

		var fileBody []byte
		fetched := false
		for _, folder := range folders {
			if existing[folder] == nil {
				continue // folder creation failed above
			}
			if existing[folder][lower] {
				continue
			}
			if !fetched {
				fileBody, err = w.fetchBody(ctx, row.url)
				if err != nil {
					result.Errors = append(result.Errors, fmt.Errorf("exam: download %s: %w", filename, err))
					break
				}
				fetched = true
			}
			target := filepath.Join(folder, filename)
			if err := os.WriteFile(target, fileBody, 0o644); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("exam: write %s: %w", filename, err))
				continue
			}
			result.NewFiles = append(result.NewFiles, target)
		}
	}

	return result, nil
}

func (w *Worker) get(ctx context.Context, target string) ([]byte, http.Header, error) {
	reqCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := w.session.Client().Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, target)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return data, resp.Header, nil
}

func (w *Worker) fetchBody(ctx context.Context, target string) ([]byte, error) {
	data, _, err := w.get(ctx, target)
	return data, err
}

type resultRow struct {
	title    string
	url      string
	fullText string
}

// extractResultRows locates every anchor pointing at a .pdf and treats its
// nearest table-row/list-item/div ancestor as the result row, using that
// ancestor's full text content as the block date/subclass annotations are
// extracted from.
func extractResultRows(body []byte, baseURL string) []resultRow {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	var rows []resultRow
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			href := attrValue(n, "href")
			if strings.HasSuffix(strings.ToLower(href), ".pdf") {
				container := rowContainer(n)
				rows = append(rows, resultRow{
					title:    strings.TrimSpace(textContent(n)),
					url:      resolveAgainst(baseURL, href),
					fullText: textContent(container),
				})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return rows
}

func rowContainer(n *html.Node) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && (p.Data == "tr" || p.Data == "li" || p.Data == "div") {
			return p
		}
	}
	return n
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func resolveAgainst(base, ref string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}

var (
	reExamDate        = regexp.MustCompile(`Exam date.*?(\d{1,2}-\d{1,2}-\d{4})`)
	reRemark          = regexp.MustCompile(`Remark:\s*([^<\n]+)`)
	reSubclassSection = regexp.MustCompile(`(?i)subclass(?:es)?\s*:\s*(.*)|subclass(?:es)?\s+(.*)`)
	reUpperLetter     = regexp.MustCompile(`[A-Z]`)
	reNonWord         = regexp.MustCompile(`[^\w\s-]`)
	reWhitespaceRun   = regexp.MustCompile(`\s+`)
)

// extractExamDate pulls the d-m-yyyy date following "Exam date" in text and
// reformats it to yyyy-mm-dd for chronological sorting.
func extractExamDate(text string) string {
	m := reExamDate.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	parts := strings.Split(m[1], "-")
	if len(parts) != 3 {
		return m[1]
	}
	d, errD := strconv.Atoi(parts[0])
	mo, errM := strconv.Atoi(parts[1])
	if errD != nil || errM != nil {
		return m[1]
	}
	return fmt.Sprintf("%s-%02d-%02d", parts[2], mo, d)
}

// extractSubclassRemark pulls the unique, order-preserving uppercase letters
// following "subclass"/"subclasses" in a "Remark:" annotation, returning
// "_subclass_A_B" or "" if none present.
func extractSubclassRemark(text string) string {
	m := reRemark.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	remarkText := strings.TrimSpace(m[1])
	if !strings.Contains(strings.ToLower(remarkText), "subclass") {
		return ""
	}
	sub := reSubclassSection.FindStringSubmatch(remarkText)
	if sub == nil {
		return ""
	}
	target := sub[1]
	if target == "" {
		target = sub[2]
	}
	if target == "" {
		return ""
	}
	letters := reUpperLetter.FindAllString(target, -1)
	if len(letters) == 0 {
		return ""
	}
	seen := make(map[string]bool, len(letters))
	var unique []string
	for _, l := range letters {
		if seen[l] {
			continue
		}
		seen[l] = true
		unique = append(unique, l)
	}
	return "_subclass_" + strings.Join(unique, "_")
}

// canonicalFilename is a pure function of its four inputs, matching
// testable property 4 (filename determinism).
func canonicalFilename(courseCode, title, examDate, remark string) string {
	filename := reNonWord.ReplaceAllString(title, "")
	filename = reWhitespaceRun.ReplaceAllString(filename, "_")
	if !strings.HasPrefix(filename, courseCode) {
		filename = courseCode + "_" + filename
	}
	if examDate != "" {
		filename = filename + "_" + examDate + remark
	} else if remark != "" {
		filename += remark
	}
	if !strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		filename += ".pdf"
	}
	return filename
}

func listExistingLower(dir string) map[string]bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return map[string]bool{}
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		out[strings.ToLower(e.Name())] = true
	}
	return out
}
