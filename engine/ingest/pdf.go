package ingest

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// pdfToText extracts text from a PDF's content streams. It is a best-effort
// extractor: one Flate-compressed content stream is treated as one page,
// which holds for the single-content-stream-per-page PDFs produced by the
// common export tools (LibreOffice, PowerPoint, Word) this pipeline targets,
// but is not the general case for arbitrarily assembled PDFs.
func pdfToText(data []byte) (string, error) {
	streams, err := extractFlateStreams(data)
	if err != nil {
		return "", fmt.Errorf("pdf: %w", err)
	}

	var sb strings.Builder
	page := 0
	for _, raw := range streams {
		text := extractShowTextOps(raw)
		if strings.TrimSpace(text) == "" {
			continue
		}
		page++
		fmt.Fprintf(&sb, "=== Page %d ===\n", page)
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

var reStreamBlock = regexp.MustCompile(`(?s)stream\r?\n(.*?)endstream`)

// extractFlateStreams pulls every Flate-compressed stream body out of the
// raw PDF bytes and inflates it. Streams that fail to inflate (images,
// fonts, already-uncompressed data) are skipped.
func extractFlateStreams(data []byte) ([][]byte, error) {
	matches := reStreamBlock.FindAllSubmatch(data, -1)
	out := make([][]byte, 0, len(matches))
	for _, m := range matches {
		body := bytes.TrimRight(m[1], "\r\n")
		r, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			continue
		}
		inflated, err := io.ReadAll(r)
		r.Close()
		if err != nil || len(inflated) == 0 {
			continue
		}
		out = append(out, inflated)
	}
	return out, nil
}

var (
	reShowText  = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)\s*Tj`)
	reShowArray = regexp.MustCompile(`\[((?:[^\[\]]|\\.)*)\]\s*TJ`)
	reArrayStr  = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)`)
)

// extractShowTextOps pulls the literal-string operands of PDF text-showing
// operators (Tj, TJ) out of a decoded content stream.
func extractShowTextOps(content []byte) string {
	var sb strings.Builder
	s := string(content)

	for _, m := range reShowText.FindAllStringSubmatch(s, -1) {
		sb.WriteString(unescapePDFString(m[1]))
		sb.WriteString(" ")
	}
	for _, m := range reShowArray.FindAllStringSubmatch(s, -1) {
		for _, sm := range reArrayStr.FindAllStringSubmatch(m[1], -1) {
			sb.WriteString(unescapePDFString(sm[1]))
		}
		sb.WriteString(" ")
	}
	return sb.String()
}

func unescapePDFString(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case '(', ')', '\\':
				sb.WriteByte(s[i+1])
			default:
				sb.WriteByte(s[i+1])
			}
			i++
			continue
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}
