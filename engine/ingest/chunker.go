package ingest

import (
	"regexp"
	"strings"
)

// ChunkerConfig bounds the structure-aware packer. Tokens are approximated
// as chars / TokenCharsRatio; there is no tokenizer dependency.
type ChunkerConfig struct {
	TargetTokens    int
	MaxTokens       int
	MinTokens       int
	OverlapTokens   int
	TokenCharsRatio float64
}

// DefaultChunkerConfig matches the ratios the reference chunker was tuned
// against for lecture slides, exam PDFs, and course notes.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		TargetTokens:    1024,
		MaxTokens:       1536,
		MinTokens:       200,
		OverlapTokens:   150,
		TokenCharsRatio: 4.0,
	}
}

var (
	reSlide   = regexp.MustCompile(`(?i)^===\s*Slide\s+\d+\s*===$`)
	rePage    = regexp.MustCompile(`(?i)^===\s*Page\s+\d+\s*===$`)
	reHeading = regexp.MustCompile(`^(#{1,6})\s+(.+)`)
	reSpace   = regexp.MustCompile(`\s+`)
)

// reSentence splits on whitespace that follows sentence-ending punctuation.
// Go's regexp has no lookbehind, so the split point is matched directly and
// the punctuation is kept with the preceding sentence.
var reSentence = regexp.MustCompile(`([.!?])\s+`)

// Chunker packs document text into structure-aware, token-bounded chunks.
type Chunker struct {
	cfg ChunkerConfig
}

// NewChunker validates cfg and returns a Chunker.
func NewChunker(cfg ChunkerConfig) *Chunker {
	if cfg.TokenCharsRatio <= 0 {
		cfg.TokenCharsRatio = 4.0
	}
	return &Chunker{cfg: cfg}
}

func (c *Chunker) tokensToChars(tokens int) int {
	return int(float64(tokens) * c.cfg.TokenCharsRatio)
}

type block struct {
	kind string // "SLIDE", "PAGE", or "DOC"
	text string
}

// splitByMarkers splits text into top-level blocks on "=== Slide N ==="
// and "=== Page N ===" marker lines.
func splitByMarkers(text string) []block {
	lines := strings.Split(text, "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}

	var blocks []block
	var current []string
	kind := "DOC"

	flush := func() {
		if len(current) > 0 {
			joined := strings.TrimSpace(strings.Join(current, "\n"))
			if joined != "" {
				blocks = append(blocks, block{kind: kind, text: joined})
			}
			current = nil
		}
	}

	for _, ln := range lines {
		trimmed := strings.TrimSpace(ln)
		switch {
		case reSlide.MatchString(trimmed):
			flush()
			kind = "SLIDE"
			current = append(current, ln)
		case rePage.MatchString(trimmed):
			flush()
			kind = "PAGE"
			current = append(current, ln)
		default:
			current = append(current, ln)
		}
	}
	flush()
	return blocks
}

// splitHeadings splits block text on "#".."######" heading lines; text before
// the first heading forms its own section. If no non-empty section results,
// the whole block is returned as a single section.
func splitHeadings(blockText string) []string {
	lines := strings.Split(blockText, "\n")
	var sections []string
	var current []string

	flush := func() {
		if len(current) > 0 {
			txt := strings.TrimSpace(strings.Join(current, "\n"))
			if txt != "" {
				sections = append(sections, txt)
			}
			current = nil
		}
	}

	for _, ln := range lines {
		if reHeading.MatchString(strings.TrimSpace(ln)) {
			flush()
		}
		current = append(current, ln)
	}
	flush()

	if len(sections) == 0 {
		return []string{blockText}
	}
	return sections
}

// paragraphs splits on blank lines, falling back to non-blank lines.
func paragraphs(text string) []string {
	parts := regexp.MustCompile(`\n\s*\n`).Split(strings.TrimSpace(text), -1)
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, ln := range strings.Split(text, "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			out = append(out, ln)
		}
	}
	if len(out) > 0 {
		return out
	}
	return []string{strings.TrimSpace(text)}
}

// sentences splits on sentence-ending punctuation, collapsing whitespace first.
func sentences(text string) []string {
	collapsed := strings.TrimSpace(reSpace.ReplaceAllString(text, " "))
	if collapsed == "" {
		return nil
	}
	raw := reSentence.ReplaceAllString(collapsed, "$1\x00")
	parts := strings.Split(raw, "\x00")
	var out []string
	for _, s := range parts {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// pack greedily accumulates sentence-level fragments into chunks bounded by
// [minTokens, maxTokens] around a target size, carrying an overlap tail into
// the next chunk and hard-splitting any fragment that alone exceeds maxTokens.
func (c *Chunker) pack(fragments []string) []string {
	target := c.tokensToChars(c.cfg.TargetTokens)
	maxLen := c.tokensToChars(c.cfg.MaxTokens)
	minLen := c.tokensToChars(c.cfg.MinTokens)
	overlap := c.tokensToChars(c.cfg.OverlapTokens)

	var chunks []string
	var buf []string
	bufLen := 0

	tailOf := func(s string) string {
		if overlap <= 0 || len(s) == 0 {
			return ""
		}
		if len(s) <= overlap {
			return s
		}
		return s[len(s)-overlap:]
	}

	for _, frag := range fragments {
		fragLen := len(frag)

		if bufLen == 0 && fragLen <= maxLen {
			buf = append(buf, frag)
			bufLen = fragLen
			continue
		}

		if bufLen+1+fragLen <= maxLen {
			buf = append(buf, frag)
			bufLen += 1 + fragLen
			if bufLen >= target {
				chunks = append(chunks, strings.TrimSpace(strings.Join(buf, " ")))
				tail := tailOf(chunks[len(chunks)-1])
				if tail != "" {
					buf = []string{tail}
				} else {
					buf = nil
				}
				bufLen = len(tail)
			}
			continue
		}

		if bufLen >= minLen || fragLen > maxLen {
			chunks = append(chunks, strings.TrimSpace(strings.Join(buf, " ")))
			tail := tailOf(chunks[len(chunks)-1])
			if tail != "" {
				buf = []string{tail}
			} else {
				buf = nil
			}
			bufLen = len(tail)

			if fragLen >= maxLen {
				start := 0
				for start < fragLen {
					end := start + maxLen
					if end > fragLen {
						end = fragLen
					}
					piece := strings.TrimSpace(frag[start:end])
					if piece != "" {
						chunks = append(chunks, piece)
					}
					if end < fragLen {
						start = end - overlap
					} else {
						start = end
					}
				}
				buf = nil
				bufLen = 0
			} else {
				buf = append(buf, frag)
				bufLen = fragLen
			}
			continue
		}

		// Buffer too small to flush on its own merit, but the next fragment
		// would overflow max_len: force a split now.
		if len(buf) > 0 {
			chunks = append(chunks, strings.TrimSpace(strings.Join(buf, " ")))
		}
		var tail string
		if overlap > 0 && len(chunks) > 0 {
			tail = tailOf(chunks[len(chunks)-1])
		}
		if tail != "" {
			buf = []string{tail, frag}
		} else {
			buf = []string{frag}
		}
		bufLen = len(strings.Join(buf, " "))
	}

	if bufLen > 0 {
		joined := strings.TrimSpace(strings.Join(buf, " "))
		if len(chunks) > 0 && bufLen < minLen && len(chunks[len(chunks)-1])+1+bufLen <= maxLen {
			chunks[len(chunks)-1] = strings.TrimSpace(chunks[len(chunks)-1] + " " + joined)
		} else {
			chunks = append(chunks, joined)
		}
	}

	out := chunks[:0]
	for _, c := range chunks {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	return out
}

// Chunk splits text into structure-aware, token-bounded segments: top-level
// slide/page markers, then headings, then paragraphs and sentences, then
// packed to size.
func (c *Chunker) Chunk(text string) []string {
	content := strings.TrimSpace(text)
	if content == "" {
		return nil
	}

	topBlocks := splitByMarkers(content)
	if len(topBlocks) == 0 {
		topBlocks = []block{{kind: "DOC", text: content}}
	}

	var result []string
	for _, b := range topBlocks {
		sections := splitHeadings(b.text)

		var frags []string
		for _, sec := range sections {
			for _, para := range paragraphs(sec) {
				frags = append(frags, sentences(para)...)
			}
		}
		if len(frags) == 0 {
			frags = sentences(b.text)
		}
		if len(frags) == 0 {
			frags = []string{b.text}
		}

		result = append(result, c.pack(frags)...)
	}
	return result
}
