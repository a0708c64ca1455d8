package ingest

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// --- docx ---

type wordBody struct {
	Paragraphs []wordParagraph `xml:"p"`
}

type wordParagraph struct {
	Style string    `xml:"pPr>pStyle>val,attr"`
	Runs  []wordRun `xml:"r"`
}

type wordRun struct {
	Text string `xml:"t"`
}

var reHeadingStyle = regexp.MustCompile(`^Heading(\d)$`)

// docxToText extracts paragraph text from a .docx archive's
// word/document.xml, rendering "HeadingN" styled paragraphs as Markdown
// heading lines so the structure-aware chunker can split on them.
func docxToText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("docx: open zip: %w", err)
	}
	raw, err := readZipFile(zr, "word/document.xml")
	if err != nil {
		return "", fmt.Errorf("docx: %w", err)
	}

	var body struct {
		Body wordBody `xml:"body"`
	}
	if err := xml.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("docx: parse document.xml: %w", err)
	}

	var lines []string
	for _, p := range body.Body.Paragraphs {
		var sb strings.Builder
		for _, r := range p.Runs {
			sb.WriteString(r.Text)
		}
		text := strings.TrimSpace(sb.String())
		if text == "" {
			continue
		}
		if m := reHeadingStyle.FindStringSubmatch(p.Style); m != nil {
			n, _ := strconv.Atoi(m[1])
			if n >= 1 && n <= 6 {
				lines = append(lines, strings.Repeat("#", n)+" "+text)
				continue
			}
		}
		lines = append(lines, text)
	}
	return strings.Join(lines, "\n"), nil
}

// --- pptx ---

type pptSlide struct {
	Shapes []pptShape `xml:"cSld>spTree>sp"`
}

type pptShape struct {
	PlaceholderType string    `xml:"nvSpPr>nvPr>ph>type,attr"`
	Paragraphs      []pptPara `xml:"txBody>p"`
}

type pptPara struct {
	Runs []pptRun `xml:"r"`
}

type pptRun struct {
	Text string `xml:"t"`
}

var reSlideFile = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// pptxToText extracts per-slide text from a .pptx archive, emitting
// "=== Slide N ===" markers followed by the slide's title (if a title
// placeholder shape is present) and body text.
func pptxToText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("pptx: open zip: %w", err)
	}

	type indexedFile struct {
		idx  int
		name string
	}
	var slideFiles []indexedFile
	for _, f := range zr.File {
		if m := reSlideFile.FindStringSubmatch(f.Name); m != nil {
			n, _ := strconv.Atoi(m[1])
			slideFiles = append(slideFiles, indexedFile{idx: n, name: f.Name})
		}
	}
	sort.Slice(slideFiles, func(i, j int) bool { return slideFiles[i].idx < slideFiles[j].idx })

	var sb strings.Builder
	for i, sf := range slideFiles {
		raw, err := readZipFile(zr, sf.name)
		if err != nil {
			continue
		}
		var slide pptSlide
		if err := xml.Unmarshal(raw, &slide); err != nil {
			continue
		}

		fmt.Fprintf(&sb, "=== Slide %d ===\n", i+1)

		var title string
		var body []string
		for _, shape := range slide.Shapes {
			var text []string
			for _, p := range shape.Paragraphs {
				var runSB strings.Builder
				for _, r := range p.Runs {
					runSB.WriteString(r.Text)
				}
				if t := strings.TrimSpace(runSB.String()); t != "" {
					text = append(text, t)
				}
			}
			if len(text) == 0 {
				continue
			}
			if strings.Contains(strings.ToLower(shape.PlaceholderType), "title") && title == "" {
				title = strings.Join(text, " ")
				continue
			}
			body = append(body, text...)
		}
		if title != "" {
			sb.WriteString("# " + title + "\n")
		}
		for _, l := range body {
			sb.WriteString(l)
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func readZipFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(rc); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("%s not found in archive", path.Base(name))
}
