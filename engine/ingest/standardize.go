package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/campuskb/sync-engine/pkg/fn"
)

// Standardize dispatches on file extension to produce plain text: txt/md
// verbatim, html stripped of tags, pdf via page-marker extraction, pptx via
// slide markers, docx via heading markers. Empty extracted text is treated
// as a skip, not an error.
var Standardize fn.Stage[ArtifactRef, StandardizedDoc] = func(_ context.Context, ref ArtifactRef) fn.Result[StandardizedDoc] {
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		return fn.Err[StandardizedDoc](fmt.Errorf("standardize: read %s: %w", ref.Path, err))
	}

	var text string
	switch strings.ToLower(filepath.Ext(ref.Path)) {
	case ".txt", ".md":
		text = string(data)
	case ".html", ".htm":
		text = htmlToText(string(data))
	case ".pdf":
		text, err = pdfToText(data)
	case ".docx":
		text, err = docxToText(data)
	case ".pptx":
		text, err = pptxToText(data)
	default:
		// Unsupported extension: skip without failing the batch.
		return fn.Ok(StandardizedDoc{ArtifactRef: ref, Text: ""})
	}
	if err != nil {
		return fn.Err[StandardizedDoc](fmt.Errorf("standardize: %s: %w", ref.Path, err))
	}
	return fn.Ok(StandardizedDoc{ArtifactRef: ref, Text: text})
}

// Clean strips common extraction artifacts from standardized text.
var Clean fn.Stage[StandardizedDoc, CleanedDoc] = func(_ context.Context, doc StandardizedDoc) fn.Result[CleanedDoc] {
	doc.Text = cleanExtractedText(doc.Text)
	return fn.Ok(CleanedDoc{StandardizedDoc: doc})
}

// NewChunkStage builds a Chunk stage bound to a chunker configuration.
func NewChunkStage(c *Chunker) fn.Stage[CleanedDoc, ChunkedDoc] {
	return func(_ context.Context, doc CleanedDoc) fn.Result[ChunkedDoc] {
		segments := c.Chunk(doc.Text)
		return fn.Ok(ChunkedDoc{CleanedDoc: doc, Segments: segments})
	}
}
