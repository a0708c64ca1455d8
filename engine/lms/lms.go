// Package lms scrapes a single enrolled course's landing page on the
// learning-management portal, downloading every linked document that is
// not already on disk.
package lms

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/campuskb/sync-engine/engine/domain"
	"github.com/campuskb/sync-engine/engine/session"
)

// SourceRoutingRule redirects courses whose title matches TitlePattern to
// AlternateRootURL (a static public mirror) instead of the authenticated
// LMS landing page. Replaces the source's hard-coded "NLP course" special
// case with a configuration rule.
type SourceRoutingRule struct {
	TitlePattern     *regexp.Regexp
	AlternateRootURL string
}

// Config configures a Worker.
type Config struct {
	// CourseURLPattern is an fmt pattern with one %d verb for the course's
	// internal id, used to build a course's landing page URL.
	CourseURLPattern string
	// DirectFileMarker is the stable substring that identifies a direct
	// file download link (e.g. "pluginfile").
	DirectFileMarker string
	AllowedExt       map[string]bool
	RejectedExt      map[string]bool
	RequestTimeout   time.Duration
	RoutingRules     []SourceRoutingRule
	// MyCoursesURL is the enrolled-courses dashboard page scraped by
	// HarvestEnrollment during bootstrap.
	MyCoursesURL string
	// CourseLinkMarker identifies an anchor as a course link (e.g.
	// "course/view.php").
	CourseLinkMarker string
}

var defaultAllowedExt = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true,
	".ppt": true, ".pptx": true, ".txt": true, ".md": true,
}

var defaultRejectedExt = map[string]bool{
	".zip": true, ".rar": true, ".7z": true, ".gz": true, ".tar": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true, ".svg": true,
}

// DefaultConfig returns sensible defaults for the document allow/reject lists.
func DefaultConfig() Config {
	return Config{
		DirectFileMarker: "pluginfile",
		AllowedExt:       defaultAllowedExt,
		RejectedExt:      defaultRejectedExt,
		RequestTimeout:   30 * time.Second,
		CourseLinkMarker: "course/view.php",
	}
}

// HarvestedCourse is one entry discovered on the enrolled-courses dashboard.
type HarvestedCourse struct {
	ExternalID int64 // the id query parameter on the course link, e.g. ?id=1234
	Title      string
}

var courseIDParam = regexp.MustCompile(`[?&]id=(\d+)`)

// HarvestEnrollment scrapes the enrolled-courses dashboard and returns every
// distinct course it links to, in the order first seen. Used by the
// Orchestrator to bootstrap a user's enrollment the first time they are
// seen, before any per-course id is known.
func (w *Worker) HarvestEnrollment(ctx context.Context) ([]HarvestedCourse, error) {
	if w.cfg.MyCoursesURL == "" {
		return nil, fmt.Errorf("lms: harvest enrollment: MyCoursesURL not configured")
	}
	body, headers, err := w.get(ctx, w.cfg.MyCoursesURL)
	if err != nil {
		return nil, fmt.Errorf("lms: harvest enrollment: %w", err)
	}
	if !isHTML(headers.Get("Content-Type")) {
		return nil, fmt.Errorf("lms: harvest enrollment: dashboard is not html")
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("lms: harvest enrollment: parse dashboard: %w", err)
	}

	seen := make(map[int64]bool)
	var courses []HarvestedCourse
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			href := attrValue(n, "href")
			if strings.Contains(href, w.cfg.CourseLinkMarker) {
				if m := courseIDParam.FindStringSubmatch(href); m != nil {
					id, _ := strconv.ParseInt(m[1], 10, 64)
					title := strings.TrimSpace(textContent(n))
					if title != "" && len(title) > 10 && !seen[id] {
						seen[id] = true
						courses = append(courses, HarvestedCourse{ExternalID: id, Title: title})
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return courses, nil
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}

// Result reports the outcome of scraping one course.
type Result struct {
	NewFiles   []string
	Duplicates int
	Errors     []error
}

// Worker scrapes LMS course pages using an authenticated Session.
type Worker struct {
	session session.Session
	cfg     Config
}

// New creates a Worker bound to sess.
func New(sess session.Session, cfg Config) *Worker {
	if cfg.AllowedExt == nil {
		cfg.AllowedExt = defaultAllowedExt
	}
	if cfg.RejectedExt == nil {
		cfg.RejectedExt = defaultRejectedExt
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Worker{session: sess, cfg: cfg}
}

type candidate struct {
	filename string
	url      string
}

// FetchCourse downloads every new document linked from course's landing
// page into <root>/<sanitized_course_folder>/. Per-file and per-page
// failures are collected in Result.Errors and never abort the course.
func (w *Worker) FetchCourse(ctx context.Context, course domain.Course, root string) (Result, error) {
	landingURL := w.landingURL(course)

	body, headers, err := w.get(ctx, landingURL)
	if err != nil {
		return Result{}, fmt.Errorf("lms: fetch landing page: %w", err)
	}
	if !isHTML(headers.Get("Content-Type")) {
		return Result{}, fmt.Errorf("lms: landing page is not html (content-type %q)", headers.Get("Content-Type"))
	}

	var result Result
	candidates := w.enumerate(ctx, body, landingURL, &result)
	candidates = filterByExtension(candidates, w.cfg.AllowedExt, w.cfg.RejectedExt)
	candidates = dedupeByFilename(candidates)

	courseDir := CourseFolder(root, course.Title)
	if err := os.MkdirAll(courseDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("lms: create course dir: %w", err)
	}

	downloaded := make(map[string]bool)
	for _, c := range candidates {
		lower := strings.ToLower(c.filename)
		if downloaded[lower] || existsCaseFold(courseDir, c.filename) {
			result.Duplicates++
			continue
		}
		target := filepath.Join(courseDir, c.filename)
		if err := w.download(ctx, c.url, target); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("lms: download %s: %w", c.filename, err))
			continue
		}
		downloaded[lower] = true
		result.NewFiles = append(result.NewFiles, target)
	}

	return result, nil
}

func (w *Worker) landingURL(course domain.Course) string {
	for _, rule := range w.cfg.RoutingRules {
		if rule.TitlePattern != nil && rule.TitlePattern.MatchString(course.Title) {
			return rule.AlternateRootURL
		}
	}
	return fmt.Sprintf(w.cfg.CourseURLPattern, course.ID)
}

// enumerate walks the landing page DOM, classifying every outbound link
// and expanding resource/folder links one level deep.
func (w *Worker) enumerate(ctx context.Context, body []byte, pageURL string, result *Result) []candidate {
	links := extractLinks(body)
	var candidates []candidate

	for _, link := range links {
		resolved := resolveURL(pageURL, link)
		if resolved == "" {
			continue
		}
		if strings.Contains(resolved, w.cfg.DirectFileMarker) {
			candidates = append(candidates, candidate{
				filename: filenameFromURL(resolved),
				url:      resolved,
			})
			continue
		}
		if !isHTTPURL(resolved) {
			continue // "other": ignore
		}

		// Resource/folder link: fetch and classify the response.
		data, headers, err := w.get(ctx, resolved)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("lms: fetch resource page: %w", err))
			continue
		}
		if !isHTML(headers.Get("Content-Type")) {
			candidates = append(candidates, candidate{
				filename: filenameFromDisposition(headers.Get("Content-Disposition"), resolved),
				url:      resolved,
			})
			continue
		}
		for _, nested := range extractLinks(data) {
			nestedResolved := resolveURL(resolved, nested)
			if nestedResolved != "" && strings.Contains(nestedResolved, w.cfg.DirectFileMarker) {
				candidates = append(candidates, candidate{
					filename: filenameFromURL(nestedResolved),
					url:      nestedResolved,
				})
			}
		}
	}
	return candidates
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

func (w *Worker) download(ctx context.Context, target, destPath string) error {
	reqCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := w.session.Client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

func isHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "html")
	}
	return strings.Contains(mt, "html")
}

func isHTTPURL(u string) bool {
	parsed, err := url.Parse(u)
	return err == nil && (parsed.Scheme == "http" || parsed.Scheme == "https")
}

func resolveURL(base, ref string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return ""
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return baseURL.ResolveReference(refURL).String()
}

func filenameFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return filepath.Base(rawURL)
	}
	decoded, err := url.PathUnescape(parsed.Path)
	if err != nil {
		decoded = parsed.Path
	}
	return filepath.Base(decoded)
}

// filenameFromDisposition extracts a filename from a Content-Disposition
// header, falling back to the URL's basename when the header is absent or
// unparsable.
func filenameFromDisposition(disposition, rawURL string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := params["filename"]; name != "" {
				return filepath.Base(name)
			}
		}
	}
	return filenameFromURL(rawURL)
}

var linkTags = map[string][]string{
	"a":      {"href"},
	"object": {"data"},
	"embed":  {"src"},
	"iframe": {"src"},
}

// extractLinks walks the parsed HTML document collecting href/src/data
// attributes from <a>, <object>, <embed>, and <iframe> elements.
func extractLinks(body []byte) []string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if attrs, ok := linkTags[n.Data]; ok {
				for _, a := range n.Attr {
					for _, want := range attrs {
						if a.Key == want && a.Val != "" {
							links = append(links, a.Val)
						}
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

func filterByExtension(candidates []candidate, allowed, rejected map[string]bool) []candidate {
	var out []candidate
	for _, c := range candidates {
		ext := strings.ToLower(filepath.Ext(c.filename))
		if rejected[ext] {
			continue
		}
		if !allowed[ext] {
			continue
		}
		out = append(out, c)
	}
	return out
}

func dedupeByFilename(candidates []candidate) []candidate {
	seen := make(map[string]bool, len(candidates))
	var out []candidate
	for _, c := range candidates {
		key := strings.ToLower(c.filename)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

var invalidFolderChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// sanitizeFolderName replaces filesystem-hostile characters with "_" and
// truncates to 200 characters.
func sanitizeFolderName(title string) string {
	sanitized := invalidFolderChars.ReplaceAllString(title, "_")
	if len(sanitized) > 200 {
		sanitized = sanitized[:200]
	}
	return sanitized
}

// CourseFolder returns the absolute directory a course's files live under,
// given the knowledge-base root. Exported so the Orchestrator can compute a
// course's exam-folder path identically without duplicating the sanitizing
// rule (the exam worker writes into the same per-course folder as the LMS
// worker).
func CourseFolder(root, courseTitle string) string {
	return filepath.Join(root, sanitizeFolderName(courseTitle))
}

func existsCaseFold(dir, filename string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	target := strings.ToLower(filename)
	for _, e := range entries {
		if strings.ToLower(e.Name()) == target {
			return true
		}
	}
	return false
}
