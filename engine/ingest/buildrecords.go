package ingest

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/campuskb/sync-engine/pkg/fn"
)

const knowledgeBaseDirName = "knowledge_base"

// deriveURL resolves the public URL for a file by locating the nearest
// "knowledge_base/" ancestor directory in path, URL-encoding the relative
// path beneath it, and joining it to baseURL. If no knowledge_base ancestor
// is found, the file's own name is used as the relative path.
func deriveURL(path, baseURL string) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	rel := parts[len(parts)-1:] // default: bare filename
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == knowledgeBaseDirName {
			rel = parts[i+1:]
			break
		}
	}
	if len(rel) == 0 {
		rel = parts[len(parts)-1:]
	}

	encoded := make([]string, len(rel))
	for i, seg := range rel {
		encoded[i] = url.PathEscape(seg)
	}
	relPath := strings.Join(encoded, "/")
	return strings.TrimRight(baseURL, "/") + "/" + relPath
}

// NewBuildChunkRecordsStage attaches {course_id, title, url} metadata to
// each chunk segment. title is the artifact's file stem.
func NewBuildChunkRecordsStage(knowledgeBaseURL string) fn.Stage[ChunkedDoc, ChunkRecordSet] {
	return func(_ context.Context, doc ChunkedDoc) fn.Result[ChunkRecordSet] {
		if len(doc.Segments) == 0 {
			return fn.Ok(ChunkRecordSet{CourseID: doc.CourseID})
		}

		stem := strings.TrimSuffix(filepath.Base(doc.Path), filepath.Ext(doc.Path))
		fileURL := deriveURL(doc.Path, knowledgeBaseURL)

		records := make([]ChunkRecord, len(doc.Segments))
		for i, seg := range doc.Segments {
			records[i] = ChunkRecord{
				CourseID: doc.CourseID,
				Title:    stem,
				URL:      fileURL,
				Text:     seg,
				Index:    i,
			}
		}
		return fn.Ok(ChunkRecordSet{CourseID: doc.CourseID, Records: records})
	}
}
