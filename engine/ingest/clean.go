package ingest

import (
	"regexp"
	"strings"
)

var (
	reLatexit    = regexp.MustCompile(`(?is)<\s*latexit[^>]*>.*?<\s*/\s*latexit\s*>`)
	reBase64Blob = regexp.MustCompile(`[A-Za-z0-9+/=]{80,}`)
	reZeroWidth  = regexp.MustCompile(`[\x{200b}\x{200c}\x{200d}\x{feff}]`)
	reHyphenWrap = regexp.MustCompile(`-\s*\n\s*`)
	reInlineWS   = regexp.MustCompile(`[ \t]+`)
)

// cleanExtractedText removes common extraction artifacts (embedded LaTeX
// blocks, base64 blobs, ligatures, zero-width characters, hyphenated line
// wraps) and collapses whitespace, without altering line structure markers.
func cleanExtractedText(text string) string {
	if text == "" {
		return ""
	}
	text = reLatexit.ReplaceAllString(text, " ")
	text = reBase64Blob.ReplaceAllString(text, " ")
	text = strings.ReplaceAll(text, "ﬁ", "fi")
	text = strings.ReplaceAll(text, "ﬂ", "fl")
	text = reZeroWidth.ReplaceAllString(text, "")
	text = reHyphenWrap.ReplaceAllString(text, "")
	text = reInlineWS.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, ln := range lines {
		lines[i] = strings.TrimRight(ln, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
