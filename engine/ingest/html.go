package ingest

import "regexp"

var reHTMLTag = regexp.MustCompile(`<[^>]+>`)

// htmlToText strips tags, leaving whitespace-separated text content. No
// third-party HTML parser is wired for this narrow need; see DESIGN.md.
func htmlToText(html string) string {
	return reHTMLTag.ReplaceAllString(html, " ")
}
