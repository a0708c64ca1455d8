package ingest

import "github.com/campuskb/sync-engine/engine/domain"

// ArtifactRef is the pipeline's input: a downloaded file awaiting ingestion.
type ArtifactRef struct {
	domain.Artifact
	// KnowledgeBaseRoot records the "knowledge_base/" directory the artifact
	// was downloaded under. The pipeline does not read it: chunk URLs are
	// derived from the nearest "knowledge_base" segment of Path itself.
	KnowledgeBaseRoot string
}

// StandardizedDoc is an artifact after format-specific text extraction.
type StandardizedDoc struct {
	ArtifactRef
	Text string
}

// CleanedDoc is a StandardizedDoc after extraction-artifact cleanup.
type CleanedDoc struct {
	StandardizedDoc
}

// ChunkedDoc is a cleaned document split into chunk segments.
type ChunkedDoc struct {
	CleanedDoc
	Segments []string
}

// ChunkRecord is one chunk with the metadata needed to store and cite it.
type ChunkRecord struct {
	CourseID int64
	Title    string // file stem the chunk was extracted from
	URL      string
	Text     string
	Index    int
}

// ChunkRecordSet is a document's chunk records awaiting embedding.
type ChunkRecordSet struct {
	CourseID int64
	Records  []ChunkRecord
}

// EmbeddedRecordSet pairs a document's chunk records with their embeddings.
type EmbeddedRecordSet struct {
	CourseID   int64
	Records    []ChunkRecord
	Embeddings [][]float32
}

// IngestResult summarizes the outcome of running one artifact through the
// pipeline.
type IngestResult struct {
	CourseID     int64
	Path         string
	ChunksStored int
	Err          error
}
